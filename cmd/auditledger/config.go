package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/glucomate/auditledger/internal/config"
)

// ============================================================================
// auditledger config: configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and generate configuration",
	Long: `Manage the auditledger configuration. The config file lives at
~/.auditledger/config.yaml and defines the listen address, storage
backend, audit failure policy and dashboard toggle.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGenerateCmd)
	configShowCmd.Flags().BoolVar(&configShowEffective, "effective", false, "Show the loaded config with defaults applied")
	configGenerateCmd.Flags().BoolVar(&configGenerateForce, "force", false, "Overwrite an existing config.yaml")
}

var configShowEffective bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowEffective {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		path := configPath()
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", path)
				fmt.Println("Run 'auditledger config generate' for a template, or 'config show --effective' for the defaults.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var configGenerateForce bool

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if _, err := os.Stat(path); err == nil && !configGenerateForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("[auditledger] Wrote %s\n", path)
		return nil
	},
}
