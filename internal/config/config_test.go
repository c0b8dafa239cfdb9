package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminHex     = "0x00000000000000000000000000000000000000ad"
	collectorHex = "0x00000000000000000000000000000000000000c0"
	custodyHex   = "0x00000000000000000000000000000000000000cc"
	secret       = "0123456789abcdef0123456789abcdef"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadBastionConfig(t *testing.T) {
	tests := []struct {
		name        string
		configFile  string
		expectError bool
		validate    func(*testing.T, *BastionConfig)
	}{
		{
			name: "valid config file",
			configFile: `
log_level: debug
engine:
  admin: "` + adminHex + `"
  collector: "` + collectorHex + `"
  custody: "` + custodyHex + `"
  min_premium: 5000
  max_price_age: 90m
database:
  event_log_dsn: "postgres://bastion@db:5432/bastion?sslmode=disable"
  pool_max_conns: 20
nats:
  url: "nats://nats:4222"
auth:
  jwt_secret: "` + secret + `"
processor:
  snapshot_interval: 500
`,
			validate: func(t *testing.T, cfg *BastionConfig) {
				assert.Equal(t, "debug", cfg.LogLevel)
				assert.Equal(t, adminHex, cfg.Engine.Admin)
				assert.Equal(t, int64(5000), cfg.Engine.MinPremium)
				assert.Equal(t, 90*time.Minute, cfg.Engine.MaxPriceAge)
				assert.Equal(t, time.Hour, cfg.Engine.MaxConsensusAge)
				assert.Equal(t, int32(20), cfg.Database.PoolMaxConns)
				assert.Equal(t, cfg.Database.EventLogDSN, cfg.Database.ReadModelDSN)
				assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
				assert.Equal(t, int64(500), cfg.Processor.SnapshotInterval)
				assert.NoError(t, cfg.Validate())
			},
		},
		{
			name:       "defaults",
			configFile: "log_level: info\n",
			validate: func(t *testing.T, cfg *BastionConfig) {
				assert.Equal(t, int64(1000), cfg.Engine.MinPremium)
				assert.Equal(t, 2*time.Hour, cfg.Engine.MaxPriceAge)
				assert.Equal(t, ":9090", cfg.Server.GRPCAddr)
				assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
				assert.Equal(t, 100, cfg.Processor.PersistBatchSize)
				assert.Equal(t, 10*time.Millisecond, cfg.Processor.PersistFlushInterval)
				assert.Equal(t, "bastion", cfg.Auth.JWTIssuer)
				// No admin configured.
				assert.Error(t, cfg.Validate())
			},
		},
		{
			name: "invalid yaml",
			configFile: `
				processor:
				  persist_batch_size: many
			`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadBastionConfig(writeConfig(t, tt.configFile), t.TempDir())
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg)
			tt.validate(t, cfg)
		})
	}
}

func TestLoadBastionConfig_MissingFileUsesEnv(t *testing.T) {
	t.Setenv("BASTION_ENGINE_ADMIN", adminHex)
	t.Setenv("BASTION_PROCESSOR_SNAPSHOT_INTERVAL", "42")

	cfg, err := LoadBastionConfig(filepath.Join(t.TempDir(), "nonexistent.yaml"), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, adminHex, cfg.Engine.Admin)
	assert.Equal(t, int64(42), cfg.Processor.SnapshotInterval)
}

func TestLoadBastionConfig_DotEnv(t *testing.T) {
	envDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(envDir, ".env"), []byte("BASTION_AUTH_JWT_ISSUER=from-dotenv\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("BASTION_AUTH_JWT_ISSUER") })

	cfg, err := LoadBastionConfig(filepath.Join(t.TempDir(), "nonexistent.yaml"), envDir)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Auth.JWTIssuer)
}

func validBastion() BastionConfig {
	return BastionConfig{
		Engine: EngineConfig{
			Admin:           adminHex,
			Collector:       collectorHex,
			Custody:         custodyHex,
			MinPremium:      1000,
			MaxPriceAge:     2 * time.Hour,
			MaxConsensusAge: time.Hour,
		},
		Database:  DatabaseConfig{EventLogDSN: "postgres://localhost/bastion"},
		NATS:      NATSConfig{URL: "nats://localhost:4222"},
		Server:    ServerConfig{GRPCAddr: ":9090", HTTPAddr: ":8080"},
		Auth:      AuthConfig{JWTSecret: secret},
		Processor: ProcessorConfig{PersistBatchSize: 100, ChannelBuffer: 10},
	}
}

func TestBastionConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*BastionConfig)
		wantErr string
	}{
		{"valid", func(*BastionConfig) {}, ""},
		{"bad admin", func(c *BastionConfig) { c.Engine.Admin = "admin" }, "engine.admin"},
		{"bad collector", func(c *BastionConfig) { c.Engine.Collector = "" }, "engine.collector"},
		{"bad payout token", func(c *BastionConfig) { c.Engine.PayoutToken = "0x12" }, "engine.payout_token"},
		{"zero min premium", func(c *BastionConfig) { c.Engine.MinPremium = 0 }, "engine.min_premium"},
		{"zero price age", func(c *BastionConfig) { c.Engine.MaxPriceAge = 0 }, "engine.max_price_age"},
		{"bad custody", func(c *BastionConfig) { c.Engine.Custody = "" }, "engine.custody"},
		{"bad depositor", func(c *BastionConfig) { c.Engine.Depositor = "bridge" }, "engine.depositor"},
		{"depositor is custody", func(c *BastionConfig) { c.Engine.Depositor = custodyHex }, "engine.depositor"},
		{"no dsn", func(c *BastionConfig) { c.Database.EventLogDSN = "" }, "database.event_log_dsn"},
		{"no nats", func(c *BastionConfig) { c.NATS.URL = "" }, "nats.url"},
		{"short secret", func(c *BastionConfig) { c.Auth.JWTSecret = "short" }, "auth.jwt_secret"},
		{"zero batch", func(c *BastionConfig) { c.Processor.PersistBatchSize = 0 }, "processor.persist_batch_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBastion()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadKeeperConfig(t *testing.T) {
	cfg, err := LoadKeeperConfig(writeConfig(t, `
keeper:
  caller: "`+adminHex+`"
  scan_interval: 15s
  workers: 4
`), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.Keeper.ScanInterval)
	assert.Equal(t, 4, cfg.Keeper.Workers)
	assert.Equal(t, "http://localhost:8080", cfg.Keeper.APIURL)
	assert.Equal(t, "bastion-keeper-verdicts", cfg.NATS.VerdictConsumer)
	assert.NoError(t, cfg.Validate())

	cfg.Keeper.ScanInterval = 10 * time.Millisecond
	assert.ErrorContains(t, cfg.Validate(), "keeper.scan_interval")

	cfg.Keeper.ScanInterval = time.Minute
	cfg.Keeper.Caller = ""
	assert.ErrorContains(t, cfg.Validate(), "keeper.caller")
}
