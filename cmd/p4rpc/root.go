package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"p4rpc/client"
	"p4rpc/config"
	"p4rpc/internal/logging"
)

// globals holds the persistent flags.
type globals struct {
	configPath string
	port       string
	user       string
	client     string
	charset    string
	trustFile  string
	logLevel   string
	password   string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "p4rpc",
		Short:         "Perforce wire-protocol client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := root.PersistentFlags()
	f.StringVar(&g.configPath, "config", "", "TOML configuration file")
	f.StringVarP(&g.port, "port", "p", "", "server address (P4PORT)")
	f.StringVarP(&g.user, "user", "u", "", "user name (P4USER)")
	f.StringVarP(&g.client, "client", "c", "", "client workspace (P4CLIENT)")
	f.StringVar(&g.charset, "charset", "", "client charset (P4CHARSET)")
	f.StringVar(&g.trustFile, "trust-file", "", "trust file (P4TRUST)")
	f.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error")
	f.StringVarP(&g.password, "password", "P", "", "password or ticket (P4PASSWD)")

	root.AddCommand(newRunCmd(g))
	root.AddCommand(newTrustCmd(g))
	root.AddCommand(newFingerprintCmd(g))
	root.AddCommand(newServeCmd(g))
	return root
}

// load builds the configuration: defaults, file, environment, then the
// flags that were given explicitly.
func (g *globals) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	set("port", &cfg.Port, g.port)
	set("user", &cfg.User, g.user)
	set("client", &cfg.Client, g.client)
	set("charset", &cfg.Charset, g.charset)
	set("trust-file", &cfg.TrustFile, g.trustFile)
	set("log-level", &cfg.LogLevel, g.logLevel)
	set("password", &cfg.Password, g.password)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (g *globals) logger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogLevel)
}

// session loads the configuration and opens a session on it.
func (g *globals) session(cmd *cobra.Command) (*client.Session, *zap.Logger, error) {
	cfg, err := g.load(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, err := g.logger(cfg)
	if err != nil {
		return nil, nil, err
	}
	s, err := client.NewSession(cfg, client.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return s, logger, nil
}
