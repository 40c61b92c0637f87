package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rfarrell/chartsync/internal/config"
	"github.com/rfarrell/chartsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chartsync configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Write a default configuration file, refusing to overwrite an
existing one. The file is written to --config if given, otherwise to
~/.chartsync/config.yaml.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = filepath.Join(config.Default().DataDir, config.FileName)
		}

		if err := config.WriteDefault(path); err != nil {
			return err
		}

		fmt.Printf("%s Wrote default config to %s\n", ui.RenderPass("✓"), path)
		fmt.Printf("   Set backend.base_url and backend.token before syncing.\n")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the configuration after merging defaults, the config file,
and CHARTSYNC_* environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		// The token is a credential; never echo it.
		if cfg.Backend.Token != "" {
			cfg.Backend.Token = "(set)"
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
