package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/reliability-core/internal/config"
)

const redacted = "<redacted>"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the environment and print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), redact(*cfg)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "configuration is valid")
			return nil
		},
	})
	return cmd
}

// redact masks secrets in a copy of cfg.
func redact(cfg config.Config) config.Config {
	if cfg.Alerts.WebhookSecret != "" {
		cfg.Alerts.WebhookSecret = redacted
	}
	if len(cfg.Ops.OperatorKeys) > 0 {
		keys := make([]string, len(cfg.Ops.OperatorKeys))
		for i := range keys {
			keys[i] = redacted
		}
		cfg.Ops.OperatorKeys = keys
	}
	if len(cfg.Server.APIKeys) > 0 {
		actors := make(map[string]string, len(cfg.Server.APIKeys))
		for _, actor := range cfg.Server.APIKeys {
			actors[actor] = redacted
		}
		cfg.Server.APIKeys = actors
	}
	return cfg
}
