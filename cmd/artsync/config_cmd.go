package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Inspect the artsync configuration. The config file is searched in
./artsync.yaml, /etc/artsync/artsync.yaml and ~/.config/artsync/artsync.yaml
unless --config is given.`,
		Example: `  artsync config show
  artsync config validate --config /etc/artsync/artsync.yaml`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration in YAML format. If a config file
is loaded, shows the loaded configuration with any command-line overrides
applied.`,
		Example: `  artsync config show
  artsync config show --config /etc/artsync/artsync.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	log.Debug("showing configuration", "path", cfgPath)

	data, err := yaml.Marshal(globalCfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println(string(data))

	return nil
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		RunE:  configValidateRun,
	}
}

func configValidateRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if err := globalCfg.Validate(); err != nil {
		return fmt.Errorf("configuration is invalid:\n%w", err)
	}
	if !quiet {
		source := cfgPath
		if source == "" {
			source = "built-in defaults"
		}
		fmt.Printf("Configuration OK (%s)\n", source)
	}
	return nil
}
