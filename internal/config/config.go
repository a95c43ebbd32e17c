// Package config layers CLI flags, a TOML config file, and MIMIR_*
// environment variables into the settings each daemon needs, the same
// precedence order (defaults -> config file -> env -> flags) the
// teacher repo's am.Load uses for its own CLI.
package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/ralphm/mimir/internal/errors"
)

// Aggregator holds cmd/mimir-aggregator's settings (spec.md §6).
type Aggregator struct {
	Feeds    string `mapstructure:"feeds"`
	JID      string `mapstructure:"jid"`
	Secret   string `mapstructure:"secret"`
	RHost    string `mapstructure:"rhost"`
	RPort    int    `mapstructure:"rport"`
	Service  string `mapstructure:"service"`
	WebPort  int    `mapstructure:"web-port"`
	Verbose  int    `mapstructure:"verbose"`
	JSONLogs bool   `mapstructure:"json"`
}

// Monitor holds cmd/mimir-monitor's settings (spec.md §6).
type Monitor struct {
	JID      string `mapstructure:"jid"`
	Secret   string `mapstructure:"secret"`
	RHost    string `mapstructure:"rhost"`
	RPort    int    `mapstructure:"rport"`
	DBUser   string `mapstructure:"dbuser"`
	DBName   string `mapstructure:"dbname"`
	Verbose  int    `mapstructure:"verbose"`
	JSONLogs bool   `mapstructure:"json"`
}

// New builds a viper instance layering defaults, an optional config
// file (TOML, located by name under /etc/mimir, $HOME/.mimir, or the
// working directory), and MIMIR_-prefixed environment variables.
// Callers bind cobra flags on top with BindPFlags.
func New(configName string, defaults map[string]interface{}) *viper.Viper {
	v := viper.New()

	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix("MIMIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetConfigName(configName)
	v.SetConfigType("toml")
	v.AddConfigPath("/etc/mimir")
	v.AddConfigPath("$HOME/.mimir")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// A config file that is present but cannot be read or parsed
			// is not reported: the error is discarded here, and New
			// returns the instance with defaults and environment only.
			_ = errors.Wrapf(err, "reading config file %s", configName)
		}
	}

	return v
}
