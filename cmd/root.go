// File: cmd/root.go
package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/webpilot-ai/webpilot/internal/config"
	"github.com/webpilot-ai/webpilot/internal/observability"
)

// ctxKey is the type for values this package stores on a command context.
type ctxKey int

// configKey carries the loaded configuration from the root command's
// PersistentPreRunE to subcommand RunE functions.
const configKey ctxKey = iota

// NewRootCommand builds the webpilot root command with all subcommands
// attached. Every call returns a fresh, isolated command tree so state
// cannot leak between executions.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:     "webpilot",
		Short:   "WebPilot is an AI-driven workflow automator for web applications.",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Runs before any subcommand, setting up config and logging.
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(v, cfgFile); err != nil {
				// Fall back to a plain logger so the failure is visible.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "webpilot"})
				return err
			}

			applyFlagOverrides(cmd, v)

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "webpilot"})
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Info("Starting WebPilot.", zap.String("version", Version))

			// Subcommands read the validated config back out of the context.
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newServeCmd())

	return rootCmd
}

// Execute builds the root command and runs it under ctx. Errors are
// logged here; the caller turns them into an exit code.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		observability.GetLogger().Error("Command execution failed.", zap.Error(err))
		return err
	}
	return nil
}

// initializeConfig wires the config file and WEBPILOT_* environment
// variables into v. A missing default config file is not an error; an
// explicitly named one that cannot be read is.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("WEBPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// applyFlagOverrides maps changed command-line flags onto their viper
// keys so they win over file and environment values. cmd is the
// executed subcommand, so its flag set is visible here.
func applyFlagOverrides(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.Flags()
	if f := flags.Lookup("addr"); f != nil && f.Changed {
		v.Set("api.addr", f.Value.String())
	}
	if f := flags.Lookup("max-steps"); f != nil && f.Changed {
		if n, err := flags.GetInt("max-steps"); err == nil {
			v.Set("workflow.max_steps", n)
		}
	}
	if f := flags.Lookup("headful"); f != nil && f.Changed {
		if headful, err := flags.GetBool("headful"); err == nil && headful {
			v.Set("browser.headless", false)
		}
	}
}

// configFromContext retrieves the configuration stored by the root
// command's PersistentPreRunE.
func configFromContext(cmd *cobra.Command) (config.Interface, error) {
	cfg, ok := cmd.Context().Value(configKey).(config.Interface)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration missing from command context")
	}
	return cfg, nil
}
