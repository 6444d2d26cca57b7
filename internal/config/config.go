// Package config содержит логику чтения конфигурации хаба.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mmeshcher/channel-hub/internal/validation"
)

// Config содержит параметры конфигурации хаба.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`

	RedisAddr    string   `env:"REDIS_ADDR"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	EventsTopic  string   `env:"EVENTS_TOPIC"`

	RegistryAddress string `env:"PREFERENCE_REGISTRY_ADDRESS"`
	BridgeAddress   string `env:"BRIDGE_ADDRESS"`
	VaultAddress    string `env:"VAULT_SERVICE_ADDRESS"`
	DefaultVault    string `env:"DEFAULT_VAULT_ADDRESS"`
	DestChain       string `env:"DEST_CHAIN"`
	SourceChain     string `env:"SOURCE_CHAIN"`

	BridgeMaxAttempts   int           `env:"BRIDGE_MAX_ATTEMPTS"`
	BridgeBackoffBase   time.Duration `env:"BRIDGE_BACKOFF_BASE"`
	BridgeBackoffMax    time.Duration `env:"BRIDGE_BACKOFF_MAX"`
	ExternalCallTimeout time.Duration `env:"EXTERNAL_CALL_TIMEOUT"`
	ScheduleWindow      time.Duration `env:"SCHEDULE_WINDOW"`
	SchedulerInterval   time.Duration `env:"SCHEDULER_INTERVAL"`

	OperatorSecret string `env:"OPERATOR_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}
	var kafkaBrokers string

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RegistryAddress, "r", "", "preference registry address")
	flag.StringVar(&cfg.BridgeAddress, "b", "", "bridge provider address")
	flag.StringVar(&cfg.VaultAddress, "v", "", "vault service address")
	flag.StringVar(&cfg.DefaultVault, "default-vault", "", "vault used when a payee has no preference")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for event streams and settlement locks")
	flag.StringVar(&kafkaBrokers, "kafka", "", "comma separated kafka brokers for events")
	flag.StringVar(&cfg.EventsTopic, "events-topic", "channelhub.events", "stream or topic for hub events")
	flag.StringVar(&cfg.DestChain, "dest-chain", "base", "destination chain for settlement")
	flag.StringVar(&cfg.SourceChain, "source-chain", "ethereum", "source chain when a payee gives no hint")
	flag.IntVar(&cfg.BridgeMaxAttempts, "bridge-attempts", 3, "bridge call attempts per settlement")
	flag.DurationVar(&cfg.BridgeBackoffBase, "bridge-backoff", 500*time.Millisecond, "initial bridge retry delay")
	flag.DurationVar(&cfg.BridgeBackoffMax, "bridge-backoff-max", 10*time.Second, "maximum bridge retry delay")
	flag.DurationVar(&cfg.ExternalCallTimeout, "call-timeout", 10*time.Second, "timeout of a single external call")
	flag.DurationVar(&cfg.ScheduleWindow, "schedule-window", time.Hour, "window after a scheduled time in which settlement is due")
	flag.DurationVar(&cfg.SchedulerInterval, "scheduler-interval", time.Minute, "scheduler tick, zero disables it")
	flag.StringVar(&cfg.OperatorSecret, "operator-secret", "", "HMAC secret for operator tokens")

	flag.Parse()

	if kafkaBrokers != "" {
		cfg.KafkaBrokers = splitList(kafkaBrokers)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BridgeMaxAttempts < 1 {
		return errors.New("bridge attempts must be at least 1")
	}
	if c.BridgeBackoffBase < 0 || c.BridgeBackoffMax < c.BridgeBackoffBase {
		return fmt.Errorf("invalid bridge backoff: base %s, max %s", c.BridgeBackoffBase, c.BridgeBackoffMax)
	}
	if c.ExternalCallTimeout <= 0 {
		return errors.New("external call timeout must be positive")
	}
	if !validation.IsValidChain(c.DestChain) {
		return fmt.Errorf("invalid destination chain %q", c.DestChain)
	}
	if c.SourceChain != "" && !validation.IsValidChain(c.SourceChain) {
		return fmt.Errorf("invalid source chain %q", c.SourceChain)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
