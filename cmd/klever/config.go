package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nstogner/klever/pkg/config"
	"github.com/nstogner/klever/pkg/logger"
)

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long:  `Manage the Klever configuration file.`,
	}

	view := &cobra.Command{
		Use:   "view",
		Short: "Dump fully resolved configuration",
		Long:  `Display current configuration with all defaults applied and environment variables resolved.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(a.cfg.Redacted()); err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			return enc.Close()
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize default configuration",
		Long:  `Write the default configuration to $HOME/.klever/config.yaml, or to the --config path.`,
		Args:  cobra.NoArgs,
		// The file may not exist yet, so it is not loaded.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			logger.Setup(level)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if strings.TrimSpace(path) == "" {
				path = config.DefaultPath()
			}
			return writeDefaultConfig(cmd, path, force)
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	cmd.AddCommand(view, initCmd)
	return cmd
}

func writeDefaultConfig(cmd *cobra.Command, path string, force bool) error {
	out := cmd.OutOrStdout()
	if _, err := os.Stat(path); err == nil && !force {
		fmt.Fprintf(out, "Config already exists at %s\n", path)
		fmt.Fprintln(out, "Use 'klever config view' to see current configuration, or --force to overwrite it.")
		return nil
	} else if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to check config file: %w", err)
	}

	cfg, err := config.Default()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", path, err)
	}

	fmt.Fprintf(out, "Initialized config at %s\n", path)
	fmt.Fprintln(out, "Set GEMINI_API_KEY, OPENAI_API_KEY or ANTHROPIC_API_KEY, or add model.api_key to the file.")
	return nil
}
