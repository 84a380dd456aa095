package main

import (
	"crypto/tls"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"p4rpc/message"
	"p4rpc/registry"
	"p4rpc/rpcerr"
	"p4rpc/server"
)

// demo is the command set of the serve command.
type demo struct {
	addr string
}

func (d *demo) Info(req *server.Request, w *server.ResponseWriter) error {
	return w.Tagged(map[string]string{
		"userName":      req.User(),
		"clientName":    req.Get("client"),
		"clientHost":    req.Get("host"),
		"serverAddress": d.addr,
		"serverVersion": "p4rpc/" + server.ServerLevel,
	})
}

func (d *demo) Echo(req *server.Request, w *server.ResponseWriter) error {
	return w.Text(strings.Join(req.Args, " ") + "\n")
}

// Login accepts any non-empty password.
func (d *demo) Login(req *server.Request, w *server.ResponseWriter) error {
	pw, err := w.Password("Enter password: ")
	if err != nil {
		return err
	}
	if pw == "" {
		return w.Message(message.New(message.Failed, message.GenericProtect, 6, 3, "Password invalid.", nil))
	}
	if err := w.SetPassword(strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))); err != nil {
		return err
	}
	return w.Message(message.New(message.Info, message.GenericNone, 6, 4,
		"User %user% logged in.", map[string]string{"user": req.User()}))
}

func newServeCmd(g *globals) *cobra.Command {
	var listen, advertise, certFile, keyFile string
	var unicode bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a demo server answering info, echo and login",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			logger, err := g.logger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			opts := []server.Option{
				server.WithLogger(logger),
				server.WithUnicode(unicode),
				server.WithServiceName(cfg.Service),
			}
			if certFile != "" || keyFile != "" {
				pair, err := tls.LoadX509KeyPair(certFile, keyFile)
				if err != nil {
					return rpcerr.Wrap(rpcerr.Syntax, "serve", err, "cannot load TLS key pair")
				}
				opts = append(opts, server.WithTLS(&tls.Config{
					Certificates: []tls.Certificate{pair},
					MinVersion:   tls.VersionTLS12,
				}))
			}
			if advertise == "" {
				advertise = listen
			}

			s := server.NewServer(opts...)
			if err := s.Register(&demo{addr: advertise}); err != nil {
				return err
			}

			var reg registry.Registry
			if len(cfg.Etcd) > 0 {
				r, err := registry.NewEtcdRegistry(cfg.Etcd)
				if err != nil {
					return err
				}
				defer r.Close()
				reg = r
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			errc := make(chan error, 1)
			go func() { errc <- s.ListenAndServe(listen, advertise, reg) }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			logger.Info("shutting down")
			if err := s.Shutdown(10 * time.Second); err != nil {
				logger.Warn("shutdown", zap.Error(err))
			}
			return <-errc
		},
	}
	f := cmd.Flags()
	f.StringVar(&listen, "listen", ":1666", "listen address")
	f.StringVar(&advertise, "advertise", "", "address registered for discovery (default: --listen)")
	f.StringVar(&certFile, "tls-cert", "", "PEM certificate; enables TLS")
	f.StringVar(&keyFile, "tls-key", "", "PEM private key")
	f.BoolVar(&unicode, "unicode", false, "run in unicode mode")
	return cmd
}
