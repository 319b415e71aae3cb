// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads mailpoll's settings.
//
// Settings come, from highest priority to lowest, from command line
// flags, MAILPOLL_* environment variables (a .env file in the working
// directory is loaded first), the YAML config file and built in
// defaults.  Keys are dotted paths such as server.host, which becomes
// MAILPOLL_SERVER_HOST in the environment.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/matta/mailpoll/internal/homedir"
	"github.com/matta/mailpoll/internal/logger"
	"github.com/matta/mailpoll/internal/transport"
)

const envPrefix = "mailpoll"

type ServerConfig struct {
	KindName       string `mapstructure:"kind"`
	EncryptionName string `mapstructure:"encryption"`
	Host           string `mapstructure:"host"`
	// Port overrides the default port for the kind and encryption.
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`

	Kind       transport.ServerKind `mapstructure:"-"`
	Encryption transport.Encryption `mapstructure:"-"`
}

type SyncConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	BusBuffer      int           `mapstructure:"bus_buffer"`
}

type TransportConfig struct {
	// RatePerSecond limits transport calls; zero disables limiting.
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Timeout       time.Duration `mapstructure:"timeout"`
	// Trace logs every protocol line, with credentials redacted.
	Trace bool `mapstructure:"trace"`
}

type CacheConfig struct {
	Path string `mapstructure:"path"`
}

type MetricsConfig struct {
	// Listen is the address serving /metrics; empty disables it.
	Listen string `mapstructure:"listen"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Transport TransportConfig `mapstructure:"transport"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Log       logger.Config   `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.kind", "imap")
	v.SetDefault("server.encryption", "tls")
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 0)
	v.SetDefault("server.user", "")
	v.SetDefault("server.password", "")
	v.SetDefault("sync.poll_interval", "30s")
	v.SetDefault("sync.reconnect_delay", "5s")
	v.SetDefault("sync.bus_buffer", 256)
	v.SetDefault("transport.rate_per_second", 0)
	v.SetDefault("transport.burst", 10)
	v.SetDefault("transport.timeout", "30s")
	v.SetDefault("transport.trace", false)
	v.SetDefault("cache.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)
	v.SetDefault("metrics.listen", "")
}

// Load reads the config file at path, or config.yaml from ~/.mailpoll
// or the working directory when path is empty, and applies the
// environment and any flags in fs whose names match config keys.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	// The .env file is optional and never overrides the environment.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := homedir.Path(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errors.Wrap(err, "reading config")
			}
		}
	}

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if bindErr == nil && strings.Contains(f.Name, ".") {
				bindErr = v.BindPFlag(f.Name, f)
			}
		})
		if bindErr != nil {
			return nil, errors.Wrap(bindErr, "binding flags")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finish parses the enumerated settings and fills derived defaults.
func (c *Config) finish() error {
	var err error
	if c.Server.Kind, err = transport.ParseServerKind(c.Server.KindName); err != nil {
		return errors.Wrap(err, "server.kind")
	}
	if c.Server.Encryption, err = transport.ParseEncryption(c.Server.EncryptionName); err != nil {
		return errors.Wrap(err, "server.encryption")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Errorf("server.port: %d is out of range", c.Server.Port)
	}
	if c.Server.Port == 0 {
		c.Server.Port = transport.DefaultPort(c.Server.Kind, c.Server.Encryption)
	}
	if c.Sync.PollInterval <= 0 {
		return errors.Errorf("sync.poll_interval: %v must be positive", c.Sync.PollInterval)
	}
	if c.Sync.ReconnectDelay <= 0 {
		return errors.Errorf("sync.reconnect_delay: %v must be positive", c.Sync.ReconnectDelay)
	}

	if c.Cache.Path == "" {
		if c.Cache.Path, err = homedir.Path("mail.db"); err != nil {
			return err
		}
	} else if c.Cache.Path, err = homedir.Expand(c.Cache.Path); err != nil {
		return err
	}
	if c.Log.File != "" {
		if c.Log.File, err = homedir.Expand(c.Log.File); err != nil {
			return err
		}
	}
	return nil
}
