package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"p4rpc/client"
	"p4rpc/config"
	"p4rpc/loadbalance"
	"p4rpc/registry"
)

func newRunCmd(g *globals) *cobra.Command {
	var discover bool
	cmd := &cobra.Command{
		Use:   "run <command> [args...]",
		Short: "Run a command and print its tagged output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if discover {
				return runDiscovered(cmd, g, args)
			}
			s, logger, err := g.session(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer s.Disconnect()

			maps, err := s.Run(cmd.Context(), args[0], args[1:], nil)
			printTagged(cmd.OutOrStdout(), maps)
			return err
		},
	}
	cmd.Flags().BoolVar(&discover, "discover", false, "pick a server from the configured servers or etcd")
	return cmd
}

func runDiscovered(cmd *cobra.Command, g *globals, args []string) (err error) {
	cfg, err := g.load(cmd)
	if err != nil {
		return err
	}
	logger, err := g.logger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg, closeReg, err := newRegistry(cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeReg()) }()

	c := client.NewClient(reg, newBalancer(cfg.Balancer), cfg, client.WithLogger(logger))
	defer func() { err = multierr.Append(err, c.Close()) }()

	maps, err := c.Run(cmd.Context(), args[0], args[1:], nil)
	printTagged(cmd.OutOrStdout(), maps)
	return err
}

// newRegistry prefers etcd when endpoints are configured and falls back to
// the static server list.
func newRegistry(cfg config.Config) (registry.Registry, func() error, error) {
	if len(cfg.Etcd) > 0 {
		r, err := registry.NewEtcdRegistry(cfg.Etcd)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	}
	servers := cfg.Servers
	if len(servers) == 0 {
		servers = []string{cfg.Port}
	}
	return registry.NewStaticRegistryFrom(cfg.Service, servers...), func() error { return nil }, nil
}

func newBalancer(name string) loadbalance.Balancer {
	switch name {
	case config.BalancerWeightedRandom:
		return &loadbalance.WeightedRandomBalancer{}
	case config.BalancerConsistentHash:
		return loadbalance.NewConsistentHashBalancer()
	}
	return &loadbalance.RoundRobinBalancer{}
}

// printTagged writes records the way p4 -ztag does.
func printTagged(w io.Writer, maps []map[string]string) {
	for i, m := range maps {
		if i > 0 {
			fmt.Fprintln(w)
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			if k != "func" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "... %s %s\n", k, m[k])
		}
	}
}
