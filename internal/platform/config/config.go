package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the daemon's startup configuration, loaded from environment
// variables with an optional .env file. Platform fee and threshold values
// here are only the bootstrap defaults; the persisted settings document
// overrides them once an admin has written one.
type Config struct {
	ServerPort  string `mapstructure:"MINIS_SERVER_PORT"`
	DatabaseURL string `mapstructure:"MINIS_DATABASE_URL"`
	JWTSecret   string `mapstructure:"MINIS_JWT_SECRET"`
	RabbitMQURL string `mapstructure:"MINIS_RABBITMQ_URL"`
	EventQueue  string `mapstructure:"MINIS_EVENT_QUEUE"`

	// AllowDegraded opts in to non-atomic sequential writes when the store
	// cannot open multi-statement transactions. Off by default: the daemon
	// refuses to start rather than degrade silently.
	AllowDegraded bool `mapstructure:"MINIS_ALLOW_DEGRADED"`

	TrustedAdminCIDRs string `mapstructure:"MINIS_TRUSTED_ADMIN_CIDRS"`

	// TrustedProxies lists the networks whose X-Forwarded-For header the
	// admin guard believes. Empty by default: without a known proxy in
	// front, the header is attacker-controlled and must be ignored.
	TrustedProxies string `mapstructure:"MINIS_TRUSTED_PROXIES"`

	TLSEnabled  bool   `mapstructure:"MINIS_TLS_ENABLED"`
	TLSCertFile string `mapstructure:"MINIS_TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"MINIS_TLS_KEY_FILE"`

	TransferFeePercent     string `mapstructure:"MINIS_TRANSFER_FEE_PERCENT"`
	WithdrawalFlatFee      int64  `mapstructure:"MINIS_WITHDRAWAL_FLAT_FEE"`
	TransferAutoApproveMax int64  `mapstructure:"MINIS_TRANSFER_AUTO_APPROVE_MAX"`
	TopRewardCooldownDays  int    `mapstructure:"MINIS_TOP_REWARD_COOLDOWN_DAYS"`
	MaxOpenWithdrawals     int    `mapstructure:"MINIS_MAX_OPEN_WITHDRAWALS"`
	SettingsCacheTTLSecs   int    `mapstructure:"MINIS_SETTINGS_CACHE_TTL_SECONDS"`
	IdempotencyTTLHours    int    `mapstructure:"MINIS_IDEMPOTENCY_TTL_HOURS"`
}

func (c Config) SettingsCacheTTL() time.Duration {
	return time.Duration(c.SettingsCacheTTLSecs) * time.Second
}

func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLHours) * time.Hour
}

func (c Config) TrustedCIDRList() []string {
	return splitCIDRList(c.TrustedAdminCIDRs)
}

func (c Config) TrustedProxyList() []string {
	return splitCIDRList(c.TrustedProxies)
}

func splitCIDRList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads configuration from the environment, consulting an optional
// .env file in path.
func Load(path string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("MINIS_SERVER_PORT", "8080")
	v.SetDefault("MINIS_DATABASE_URL", "")
	v.SetDefault("MINIS_JWT_SECRET", "")
	v.SetDefault("MINIS_RABBITMQ_URL", "")
	v.SetDefault("MINIS_EVENT_QUEUE", "minis.balance_events")
	v.SetDefault("MINIS_ALLOW_DEGRADED", false)
	v.SetDefault("MINIS_TRUSTED_ADMIN_CIDRS", "127.0.0.1/32,::1/128")
	v.SetDefault("MINIS_TRUSTED_PROXIES", "")
	v.SetDefault("MINIS_TLS_ENABLED", false)
	v.SetDefault("MINIS_TRANSFER_FEE_PERCENT", "0.02")
	v.SetDefault("MINIS_WITHDRAWAL_FLAT_FEE", 0)
	v.SetDefault("MINIS_TRANSFER_AUTO_APPROVE_MAX", 5000)
	v.SetDefault("MINIS_TOP_REWARD_COOLDOWN_DAYS", 7)
	v.SetDefault("MINIS_MAX_OPEN_WITHDRAWALS", 3)
	v.SetDefault("MINIS_SETTINGS_CACHE_TTL_SECONDS", 60)
	v.SetDefault("MINIS_IDEMPOTENCY_TTL_HOURS", 24)

	keys := []string{
		"MINIS_SERVER_PORT", "MINIS_DATABASE_URL", "MINIS_JWT_SECRET",
		"MINIS_RABBITMQ_URL", "MINIS_EVENT_QUEUE", "MINIS_ALLOW_DEGRADED",
		"MINIS_TRUSTED_ADMIN_CIDRS", "MINIS_TRUSTED_PROXIES", "MINIS_TLS_ENABLED",
		"MINIS_TLS_CERT_FILE", "MINIS_TLS_KEY_FILE",
		"MINIS_TRANSFER_FEE_PERCENT", "MINIS_WITHDRAWAL_FLAT_FEE",
		"MINIS_TRANSFER_AUTO_APPROVE_MAX", "MINIS_TOP_REWARD_COOLDOWN_DAYS",
		"MINIS_MAX_OPEN_WITHDRAWALS", "MINIS_SETTINGS_CACHE_TTL_SECONDS",
		"MINIS_IDEMPOTENCY_TTL_HOURS",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// A present-but-broken .env is a configuration error, fatal
			// upstream.
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the settings without which the daemon must not serve
// traffic.
func (c Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("MINIS_JWT_SECRET must be configured")
	}
	if strings.TrimSpace(c.TransferFeePercent) == "" {
		return errors.New("MINIS_TRANSFER_FEE_PERCENT must be configured")
	}
	if c.TransferAutoApproveMax < 0 {
		return errors.New("MINIS_TRANSFER_AUTO_APPROVE_MAX must not be negative")
	}
	if c.TopRewardCooldownDays <= 0 {
		return errors.New("MINIS_TOP_REWARD_COOLDOWN_DAYS must be positive")
	}
	if c.TLSEnabled && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return errors.New("TLS enabled but cert or key file missing")
	}
	return nil
}
