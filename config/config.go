// Package config loads session settings from defaults, an optional TOML
// file and the P4* environment, in that order.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/juju/errors"

	"p4rpc/codec"
	"p4rpc/rpcerr"
	"p4rpc/transport"
)

// Balancer names accepted in Config.Balancer.
const (
	BalancerRoundRobin     = "round_robin"
	BalancerWeightedRandom = "weighted_random"
	BalancerConsistentHash = "consistent_hash"
)

// Config is everything a session or a discovery-backed client needs.
type Config struct {
	Port      string `toml:"port" env:"P4PORT"`
	User      string `toml:"user" env:"P4USER"`
	Client    string `toml:"client" env:"P4CLIENT"`
	Charset   string `toml:"charset" env:"P4CHARSET"`
	TrustFile string `toml:"trust_file" env:"P4TRUST"`
	Host      string `toml:"host" env:"P4HOST"`
	Password  string `toml:"password" env:"P4PASSWD"`
	LogLevel  string `toml:"log_level" env:"P4RPC_LOG_LEVEL"`
	Compress  bool   `toml:"compress" env:"P4RPC_COMPRESS"`

	ProgName    string `toml:"prog"`
	ProgVersion string `toml:"version"`

	DialTimeout    time.Duration `toml:"dial_timeout" env:"P4RPC_DIAL_TIMEOUT"`
	CommandTimeout time.Duration `toml:"command_timeout" env:"P4RPC_COMMAND_TIMEOUT"`
	Retries        int           `toml:"retries"`
	RetryBackoff   time.Duration `toml:"retry_backoff"`
	RateLimit      float64       `toml:"rate_limit"`
	RateBurst      int           `toml:"rate_burst"`

	// Discovery. Servers seeds a static registry; Etcd, when set, is used
	// instead.
	Service  string   `toml:"service"`
	Servers  []string `toml:"servers"`
	Etcd     []string `toml:"etcd" env:"P4RPC_ETCD" envSeparator:","`
	Balancer string   `toml:"balancer"`
}

// Default returns the built-in settings.
func Default() Config {
	host, _ := os.Hostname()
	return Config{
		Port:         "perforce:1666",
		User:         os.Getenv("USER"),
		Charset:      "none",
		Host:         host,
		LogLevel:     "info",
		ProgName:     "p4rpc",
		ProgVersion:  "1.0",
		DialTimeout:  10 * time.Second,
		Retries:      2,
		RetryBackoff: 100 * time.Millisecond,
		RateBurst:    1,
		Service:      "p4rpc",
		Balancer:     BalancerRoundRobin,
	}
}

// Load layers path (skipped when empty) and the environment over the
// defaults, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, rpcerr.Wrap(rpcerr.Syntax, "load config", err, "cannot read "+path)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, rpcerr.Wrap(rpcerr.Syntax, "load config", err, "bad environment")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// Validate checks that every value is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Port) == "" && len(c.Servers) == 0 && len(c.Etcd) == 0 {
		return rpcerr.New(rpcerr.Syntax, "config", "no server: set port, servers or etcd")
	}
	if c.Port != "" {
		if _, err := transport.ParseAddress(c.Port); err != nil {
			return err
		}
	}
	for _, s := range c.Servers {
		if _, err := transport.ParseAddress(s); err != nil {
			return err
		}
	}
	if _, err := codec.GetCodec(c.Charset); err != nil {
		return err
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return rpcerr.New(rpcerr.Syntax, "config", "unknown log level %q", c.LogLevel)
	}
	switch c.Balancer {
	case BalancerRoundRobin, BalancerWeightedRandom, BalancerConsistentHash:
	default:
		return rpcerr.New(rpcerr.Syntax, "config", "unknown balancer %q", c.Balancer)
	}
	if c.Retries < 0 || c.RateLimit < 0 || c.DialTimeout < 0 || c.CommandTimeout < 0 {
		return rpcerr.New(rpcerr.Syntax, "config", "negative limits are not allowed")
	}
	return nil
}

// Address parses Port.
func (c *Config) Address() (*transport.Address, error) {
	return transport.ParseAddress(c.Port)
}
