package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"predictd/internal/config"
	"predictd/internal/engine"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const envConfig = "PREDICTD_CONFIG"

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "predictd",
		Short:         "Inference dispatcher with per-model worker pools",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, _ []string) error {
			return c.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv(envConfig),
		"Config file (.yaml, .yml, .json, .toml); defaults to $"+envConfig)

	root.AddCommand(
		newServeCmd(&configPath),
		newValidateCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

// loadConfig returns defaults when no path is given.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func newValidateCmd(configPath *string) *cobra.Command {
	var printSchema bool
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate a config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			if printSchema {
				fmt.Fprintln(c.OutOrStdout(), config.Schema())
				return nil
			}
			if *configPath == "" {
				return fmt.Errorf("--config is required")
			}
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "config ok: %d model(s), addr %s\n", len(cfg.Models), cfg.Addr)
			return nil
		},
	}
	cmd.Flags().BoolVar(&printSchema, "print-schema", false, "Print the embedded JSON schema instead")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(c *cobra.Command, _ []string) {
			rt := "stub"
			if engine.Built() {
				rt = "llama"
			}
			fmt.Fprintf(c.OutOrStdout(), "predictd %s (runtime: %s)\n", version, rt)
		},
	}
}
