// Package cli implements the screenrec command line.
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/thesyncim/capture/internal/config"
	"github.com/thesyncim/capture/internal/version"
)

// Dependencies are resolved once per invocation, before the command runs.
type Dependencies struct {
	Config *config.Config
	Logger *zap.Logger
}

type app struct {
	configPath string
	deps       Dependencies
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "screenrec",
		Short:         "Record the screen with a camera overlay and mixed audio",
		Long:          "screenrec captures a display, optionally overlays a camera picture-in-picture,\nmixes microphone and system audio, and writes a Matroska recording.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.Flags())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.deps.Logger != nil {
				a.deps.Logger.Sync()
			}
		},
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default ./screenrec.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")

	rootCmd.AddCommand(newRecordCmd(a))
	rootCmd.AddCommand(newServeCmd(a))
	rootCmd.AddCommand(newDevicesCmd(a))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// load reads the configuration, lets explicitly set flags override it and
// builds the logger.
func (a *app) load(flags *pflag.FlagSet) error {
	v, err := config.New(a.configPath)
	if err != nil {
		return err
	}
	if err := bindFlags(v, flags); err != nil {
		return err
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	a.deps = Dependencies{Config: cfg, Logger: logger}
	return nil
}

// bindFlags binds every flag named after a config key, with dashes for
// underscores. Flags only win when set explicitly.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	known := make(map[string]bool)
	for _, k := range v.AllKeys() {
		known[k] = true
	}
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if known[key] && err == nil {
			err = v.BindPFlag(key, f)
		}
	})
	return err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Skips configuration loading.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	}
}
