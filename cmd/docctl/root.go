package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"doccontrol/internal/platform/config"
	"doccontrol/internal/platform/logger"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "docctl",
		Short: "Controlled document lifecycle service",
		Long: `docctl serves the document lifecycle API and runs the date-driven
automation. One-shot commands operate on the configured database.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				return os.Setenv("DOCCTL_CONFIG", configPath)
			}
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (overrides DOCCTL_CONFIG)")
	rootCmd.AddCommand(serveCmd, tickCmd, verifyCmd, rebuildIndexCmd, tokenCmd)
}

// withApp loads configuration, wires the services and hands them to fn.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Log)
	slog.SetDefault(log)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
