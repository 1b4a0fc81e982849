package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebots/internal/types"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Exchange.MockMode)
	assert.False(t, cfg.Storage.PostgresMode)
	assert.Equal(t, types.ExchangeBinance, cfg.Exchange.Market)
	assert.Equal(t, 15, cfg.Engine.ConfirmAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.ConfirmInterval())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: 8000
  jwt_secret: from-file
logging:
  level: debug
exchange:
  mock_mode: false
  market: bybit
engine:
  confirm_attempts: 5
  strict_confirm: true
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("PORT", "9100")
	t.Setenv("POSTGRES_HOST", "db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port, "env wins over file")
	assert.Equal(t, "from-file", cfg.Server.JWTSecret)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Exchange.MockMode)
	assert.Equal(t, types.ExchangeBybit, cfg.Exchange.Market)
	assert.Equal(t, 5, cfg.Engine.ConfirmAttempts)
	assert.True(t, cfg.Engine.StrictConfirm)
	assert.True(t, cfg.Storage.PostgresMode)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("MARKET_EXCHANGE", "kraken")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate_LiveModeNeedsSecret(t *testing.T) {
	cfg := Default()
	cfg.Exchange.MockMode = false
	assert.Error(t, cfg.Validate())

	cfg.Server.JWTSecret = "s"
	assert.NoError(t, cfg.Validate())
}
