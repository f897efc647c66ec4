package runtime

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cobaltdb/stmcore/pkg/cell"
)

// Config configures a Runtime: the cell write-stamp wait strategy, the
// reclamation cadence, and logging/metrics knobs. Zero value is not
// meaningful; use DefaultConfig or LoadConfig.
type Config struct {
	WaitStrategy string `mapstructure:"wait_strategy"` // "park" or "spin"

	ReclaimInterval time.Duration `mapstructure:"reclaim_interval"`
	ReclaimCron     string        `mapstructure:"reclaim_cron"` // optional, overrides the ticker when set

	SubscriberWorkers int `mapstructure:"subscriber_workers"`

	LogLevel     string `mapstructure:"log_level"`
	LogFormat    string `mapstructure:"log_format"`
	LogAddSource bool   `mapstructure:"log_add_source"`

	MetricsAddr string `mapstructure:"metrics_addr"`
}

// DefaultConfig returns sane defaults: park/notify contention, a
// ten-millisecond reclamation tick, no cron schedule, info-level JSON
// logging, and a small subscriber-firing pool.
func DefaultConfig() Config {
	return Config{
		WaitStrategy:      "park",
		ReclaimInterval:   10 * time.Millisecond,
		SubscriberWorkers: 8,
		LogLevel:          "INFO",
		LogFormat:         "json",
		MetricsAddr:       ":9090",
	}
}

// WaitStrategyOption translates the configured string into a
// cell.WaitStrategy, defaulting to cell.Park on an unrecognized value.
func (c Config) WaitStrategyOption() cell.WaitStrategy {
	if strings.EqualFold(c.WaitStrategy, "spin") {
		return cell.Spin
	}
	return cell.Park
}

// LoadConfig loads configuration from a .env file (if present) and from
// environment variables prefixed with prefixUpper (e.g. "STMCORE_"),
// starting from DefaultConfig and overlaying whatever is set — mirroring
// KartikBazzad-bunbase/pkg/config.Load's .env + prefixed-env-var
// convention, adapted to return a typed Config rather than populate a
// caller-supplied struct in place.
func LoadConfig(prefix string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(".env")
	_ = v.ReadInConfig() // optional; absence is not an error

	prefixUpper := strings.ToUpper(prefix)
	for _, envStr := range os.Environ() {
		pair := strings.SplitN(envStr, "=", 2)
		if len(pair) != 2 {
			continue
		}
		key, value := pair[0], pair[1]
		if !strings.HasPrefix(key, prefixUpper) {
			continue
		}
		propKey := strings.TrimPrefix(key, prefixUpper)
		propKey = strings.ToLower(propKey)
		propKey = strings.TrimPrefix(propKey, "_")
		v.Set(propKey, value)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("stmcore: failed to unmarshal config: %w", err)
	}
	return cfg, nil
}
