package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"p4rpc/trust"
)

func newTrustCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Manage trusted server fingerprints",
	}

	var add trust.AddOptions
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Trust the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, logger, err := g.session(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			msg, err := s.AddTrust(cmd.Context(), add)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	addCmd.Flags().StringVar(&add.Fingerprint, "fingerprint", "", "install this fingerprint")
	addCmd.Flags().BoolVarP(&add.Force, "force", "f", false, "replace a changed fingerprint")
	addCmd.Flags().BoolVarP(&add.AutoAccept, "yes", "y", false, "accept without asking")
	addCmd.Flags().BoolVarP(&add.AutoRefuse, "no", "n", false, "only show what would change")
	addCmd.Flags().BoolVarP(&add.Replacement, "replacement", "r", false, "install a replacement fingerprint")

	var removeRepl bool
	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "Stop trusting the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, logger, err := g.session(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			msg, err := s.RemoveTrust(removeRepl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	removeCmd.Flags().BoolVarP(&removeRepl, "replacement", "r", false, "remove the replacement fingerprint")

	var listRepl bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List trusted fingerprints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, logger, err := g.session(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			entries, err := s.Trusts(listRepl)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", e.Address, e.Fingerprint)
			}
			return nil
		},
	}
	listCmd.Flags().BoolVarP(&listRepl, "replacement", "r", false, "list replacement fingerprints")

	cmd.AddCommand(addCmd, removeCmd, listCmd)
	return cmd
}

func newFingerprintCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the server's key fingerprint without trusting it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, logger, err := g.session(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			fp, err := s.Fingerprint(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), fp)
			return nil
		},
	}
}
