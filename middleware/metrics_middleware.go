package middleware

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"

	"p4rpc/dispatch"
	"p4rpc/rpcerr"
)

// Metrics are the command collectors used by MetricsMiddleware.
type Metrics struct {
	Commands *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics registers the command collectors with reg. Registering twice
// with the same registry returns the collectors already there.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "p4rpc_commands_total",
			Help: "Commands run, by command and outcome.",
		}, []string{"command", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "p4rpc_command_duration_seconds",
			Help:    "Command latency, by command.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
	}
	if reg == nil {
		return m, nil
	}
	if err := reg.Register(m.Commands); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		m.Commands = are.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := reg.Register(m.Duration); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		m.Duration = are.ExistingCollector.(*prometheus.HistogramVec)
	}
	return m, nil
}

// MetricsMiddleware counts commands and observes their latency. The outcome
// label is "ok", "server" for commands whose result carries errors, or the
// error kind.
func MetricsMiddleware(m *Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *dispatch.Command) (*dispatch.Result, error) {
			start := time.Now()
			res, err := next(ctx, cmd)
			m.Duration.WithLabelValues(cmd.Name).Observe(time.Since(start).Seconds())

			outcome := "ok"
			switch {
			case err != nil:
				outcome = rpcerr.KindOf(err).String()
			case res != nil && res.Err() != nil:
				outcome = rpcerr.Server.String()
			}
			m.Commands.WithLabelValues(cmd.Name, outcome).Inc()
			return res, err
		}
	}
}
