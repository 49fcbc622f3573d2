package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/devicegate/devicegate/internal/config"
)

var (
	cfgFile    string
	appVersion string // set in Execute, reported by serve and mcp
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devicegate",
		Short: "Device-bound access key gate",
		Long: `devicegate: access keys bound to a bounded set of devices.

Every validation checks the presented key, registers the client device
fingerprint against the key's device quota, and records an audit event.
Administrators manage keys, devices and the audit log over the admin API,
this CLI, or the built-in MCP server for AI agents.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./devicegate.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for the SQLite store (default: ~/.devicegate)")

	cobra.OnInitialize(initConfig)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newVersionCmd(commit, date))
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newDeviceCmd())
	cmd.AddCommand(newAuditCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newAdminCmd())
	cmd.AddCommand(newOpenAPICmd(version))
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

func initConfig() {
	// A .env file is optional; variables already set in the environment win.
	_ = godotenv.Load()

	if err := config.Bind(viper.GetViper()); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("devicegate")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.devicegate")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintln(os.Stderr, "warning: read config:", err)
		}
	}
}
