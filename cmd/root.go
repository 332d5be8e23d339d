package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/htrap1211/Legion/internal/config"
	"github.com/htrap1211/Legion/internal/server"
)

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "legion",
		Short: "Serverless LAN file sharing with leader-coordinated catalog",
		Long: `Legion - peers on a local network discover each other, elect a
coordinator with a Bully election, keep a shared catalog of available files
at the leader, and exchange files directly over TCP with end-to-end
checksum verification.`,
		RunE: runServer,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
}

// Execute runs the root command under the given context.
func Execute(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	return rootCmd.ExecuteContext(ctx)
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config from file %s: %w", configFile, err)
		}
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	return srv.Start(ctx)
}
