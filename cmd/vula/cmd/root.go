// Package cmd is the vula command line: the organize daemon and the
// commands that manage it over the local API.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ioerror/vula/internal/client"
	"github.com/ioerror/vula/internal/config"
	"github.com/ioerror/vula/pkg/logger"
)

// Version is set at build time.
var Version = "dev"

var (
	cfgFile      string
	apiURL       string
	outputFormat string

	// set during PersistentPreRunE
	cfg       *config.Config
	log       *logger.Logger
	apiClient *client.Client
)

var rootCmd = &cobra.Command{
	Use:   "vula",
	Short: "Automatic local network encryption",
	Long: `vula discovers other vula hosts on the local network, decides which of
their announcements to trust, and keeps a WireGuard peer configured for
each one it accepts.

Run "vula organize" as the daemon; the other commands talk to it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoader()
		if cfgFile != "" {
			loader.Viper().SetConfigFile(cfgFile)
		}
		if err := loader.Viper().BindPFlag("log.level", cmd.Root().PersistentFlags().Lookup("log-level")); err != nil {
			return err
		}

		var err error
		cfg, err = loader.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		log = logger.New(logger.LoggerConfig{
			Level:     logger.LogLevel(cfg.Log.Level),
			Format:    logger.OutputFormat(cfg.Log.Format),
			Component: "vula",
			Version:   Version,
		})
		if f := loader.ConfigFile(); f != "" {
			log.Debug("configuration loaded", "file", f)
		}

		base := apiURL
		if base == "" {
			base = cfg.API.BaseURL()
		}
		apiClient = client.NewClient(base, log)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches /etc/vula, $HOME/.vula and .)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "organize API URL (default from api.listen_addr)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: text, json or yaml")
	rootCmd.PersistentFlags().String("log-level", "", "log level: trace, debug, info, warn or error")
}
