package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flant/negentropy/provisioning/config"
	"github.com/flant/negentropy/provisioning/internal/daemon"
	"github.com/flant/negentropy/provisioning/script"
	"github.com/flant/negentropy/provisioning/usecase"
)

// environments variables to pass params
const configEnv = "PROVISIONER_CONFIG"     // example: /etc/provisioner/provisioner.yaml
const logLevelEnv = "PROVISIONER_LOG_LEVEL" // example: debug

func main() {
	viper.SetDefault("author", "https://www.flant.com")
	_ = viper.BindEnv("config", configEnv)
	_ = viper.BindEnv("log-level", logLevelEnv)

	rootCmd := &cobra.Command{
		Use:   "provisioner",
		Short: "Flant negentropy provisioner",
		Long: `Flant negentropy provisioner
	Reconciles accounts on target systems with entitlement assignments.
	Configure run by passing environment variables or flags:
PROVISIONER_CONFIG                          // example: /etc/provisioner/provisioner.yaml
PROVISIONER_LOG_LEVEL                       // example: debug

	Find more information at https://flant.com
`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", config.DefaultConfigFile, "path to config file")
	rootCmd.PersistentFlags().String("log-level", "", "overrides log_level of config file")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(runCommand(), validateCommand(), archiveCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(viper.GetString("config"))
	if err != nil {
		return cfg, err
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run provisioning daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := daemon.NewLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := daemon.NewDaemon(ctx, cfg, daemon.Options{}, logger)
			if err != nil {
				return err
			}
			logger.Info("started", "config", viper.GetString("config"))
			return d.Run(ctx)
		},
	}
}

func validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Check config file and compile catalog scripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			scripts := script.NewEngine(time.Duration(cfg.ScriptTimeout), hclog.NewNullLogger())
			if err = usecase.ValidateCatalog(scripts, &cfg.Catalog); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config is valid: %d systems, %d roles\n",
				len(cfg.Catalog.Systems), len(cfg.Catalog.Roles))
			return nil
		},
	}
}
