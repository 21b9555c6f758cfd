package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/local/docconvert/internal/formats"
	logpkg "github.com/local/docconvert/internal/logger"
	"github.com/local/docconvert/internal/workspace"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove stale job workspaces once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		defer logpkg.Close()
		mgr, err := workspace.NewManager(cfg.Workspace.Root)
		if err != nil {
			return err
		}
		n := mgr.Sweep(cfg.Workspace.Retention)
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d workspace(s) from %s\n", n, mgr.Root())
		return nil
	},
}

var formatsCmd = &cobra.Command{
	Use:   "formats",
	Short: "List supported conversions",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		for _, in := range formats.Inputs() {
			fmt.Fprintf(w, "%-5s -> %s\n", in, strings.Join(formats.OutputsFor(in), ", "))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd, formatsCmd)
}
