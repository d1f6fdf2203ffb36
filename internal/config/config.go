package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/pingcap/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/myuser/pathdb/internal/logging"
	"github.com/myuser/pathdb/internal/storage"
)

// EnvPrefix prefixes every environment variable the node reads, e.g. PATHDB_ADDR.
const EnvPrefix = "PATHDB"

type Config struct {
	Addr            string         `mapstructure:"addr"`
	Followers       []string       `mapstructure:"followers"`
	FollowerTimeout time.Duration  `mapstructure:"follower-timeout"`
	IndexDegree     int            `mapstructure:"index-degree"`
	WALPath         string         `mapstructure:"wal"`
	Log             logging.Config `mapstructure:"log"`
}

func Default() Config {
	return Config{
		Addr:            "127.0.0.1:9001",
		FollowerTimeout: 2 * time.Second,
		IndexDegree:     storage.DefaultDegree,
		Log:             logging.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: addr must not be empty")
	}
	if c.IndexDegree < 2 {
		return errors.Errorf("config: index-degree must be at least 2, got %d", c.IndexDegree)
	}
	if c.FollowerTimeout <= 0 {
		return errors.Errorf("config: follower-timeout must be positive, got %s", c.FollowerTimeout)
	}
	seen := make(map[string]struct{}, len(c.Followers))
	for _, f := range c.Followers {
		u, err := url.Parse(f)
		if err != nil {
			return errors.Annotatef(err, "config: follower %q", f)
		}
		if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return errors.Errorf("config: follower %q must be an http(s) URL", f)
		}
		key := strings.TrimSuffix(f, "/")
		if _, dup := seen[key]; dup {
			return errors.Errorf("config: follower %q listed twice", f)
		}
		seen[key] = struct{}{}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return errors.Annotate(err, "config")
	}
	return nil
}

// flagKeys maps command-line flags onto nested config keys.
var flagKeys = map[string]string{
	"log-level":  "log.level",
	"log-format": "log.format",
	"log-file":   "log.file",
}

// Load reads the configuration from, in increasing precedence: defaults, the
// file at path (if any), PATHDB_* environment variables and flags.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	def := Default()
	v.SetDefault("addr", def.Addr)
	v.SetDefault("followers", def.Followers)
	v.SetDefault("follower-timeout", def.FollowerTimeout)
	v.SetDefault("index-degree", def.IndexDegree)
	v.SetDefault("wal", def.WALPath)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("log.file", def.Log.File)
	v.SetDefault("log.max-size-mb", def.Log.MaxSizeMB)
	v.SetDefault("log.max-backups", def.Log.MaxBackups)
	v.SetDefault("log.max-age-days", def.Log.MaxAgeDays)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Annotatef(err, "read config %s", path)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := f.Name
			if nested, ok := flagKeys[f.Name]; ok {
				key = nested
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return Config{}, errors.Trace(bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Annotate(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
