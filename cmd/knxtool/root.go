package main

import (
	"fmt"
	"os"

	"github.com/pion/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool

	factory *logging.DefaultLoggerFactory
)

var rootCmd = &cobra.Command{
	Use:   "knxtool",
	Short: "A KNXnet/IP gateway and keyring companion",
	Long: `knxtool talks to KNXnet/IP gateways and inspects ETS keyring exports.

Examples:
  # Find gateways on the local network
  knxtool discover

  # Summarize a keyring export
  knxtool keyring info project.knxkeys --password secret

  # Watch bus traffic through a gateway
  knxtool monitor -g 192.168.1.10:3671

  # Watch through a secure gateway, credentials from a keyring
  knxtool monitor -g 192.168.1.10:3671 --keyring project.knxkeys --host 1.1.0`,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		factory = logging.NewDefaultLoggerFactory()
		if viper.GetBool("verbose") {
			factory.DefaultLogLevel = logging.LogLevelDebug
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.knxtool.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("keyring", "", "Path to an ETS keyring export (.knxkeys)")
	rootCmd.PersistentFlags().String("password", "", "Keyring password")

	// Bind flags to viper
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("keyring", rootCmd.PersistentFlags().Lookup("keyring"))
	viper.BindPFlag("password", rootCmd.PersistentFlags().Lookup("password"))

	// Add subcommands
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(describeCmd)
	rootCmd.AddCommand(keyringCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".knxtool")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("KNXTOOL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("knxtool version 0.1.0")
	},
}
