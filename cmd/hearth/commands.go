package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/hearth/internal/device"
	"github.com/nerrad567/hearth/internal/infrastructure/config"
)

const (
	// defaultConfigPath is used when neither --config nor HEARTH_CONFIG is set.
	defaultConfigPath = "configs/hearth.yaml"

	configEnv = "HEARTH_CONFIG"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "hearth",
		Short:         "Home automation hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to hearth.yaml (default $"+configEnv+" or "+defaultConfigPath+")")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the hub until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), resolveConfigPath(configPath))
			},
		},
		newJournalCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print build information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "hearth %s (commit %s, built %s)\n", version, commit, date)
			},
		},
	)
	return root
}

func newJournalCmd(configPath *string) *cobra.Command {
	journal := &cobra.Command{
		Use:   "journal",
		Short: "Inspect device history journals",
	}

	var limit int
	show := &cobra.Command{
		Use:   "show <device-id>",
		Short: "Print a device's journal, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(*configPath))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return showJournal(cmd.OutOrStdout(), cfg.Journal, args[0], limit)
		},
	}
	show.Flags().IntVarP(&limit, "limit", "n", 0, "print only the newest n entries")

	journal.AddCommand(show)
	return journal
}

// resolveConfigPath applies the flag, then HEARTH_CONFIG, then the default.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	return defaultConfigPath
}

// showJournal prints one line per entry: the RFC 3339 time and the JSON state.
func showJournal(w io.Writer, cfg config.JournalConfig, id string, limit int) error {
	codec, err := device.CodecFor(cfg.Format)
	if err != nil {
		return err
	}
	path := device.JournalPath(cfg.Dir, id, codec)
	entries, err := device.ReadJournal(path, codec)
	if err != nil {
		return fmt.Errorf("reading journal for %s: %w", id, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("no journal for %s at %s", id, path)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	for _, e := range entries {
		state, err := json.Marshal(e.State)
		if err != nil {
			return fmt.Errorf("encoding entry at %s: %w", e.Time.Format(time.RFC3339), err)
		}
		if _, err := fmt.Fprintf(w, "%s %s\n", e.Time.UTC().Format(time.RFC3339Nano), state); err != nil {
			return err
		}
	}
	return nil
}
