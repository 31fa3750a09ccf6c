package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/floegence/coach-agent/internal/config"
)

var initArgs config.BootstrapArgs

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config (no keys are stored in it)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		initArgs.ConfigPath = cfgPath
		path, err := config.BootstrapConfig(initArgs)
		if err != nil {
			return err
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Config written: %s\n", path)
		for _, p := range cfg.AI.Providers {
			fmt.Fprintf(out, "  set a key: coach secrets set %s   (or export %s)\n", p.ID, p.APIKeyEnv)
		}
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initArgs.Preset, "preset", "", "Provider layout: groq-anthropic (default), openai or anthropic")
	initCmd.Flags().StringVar(&initArgs.DBPath, "db-path", "", "SQLite path, relative to the config dir")
	initCmd.Flags().StringVar(&initArgs.Timezone, "timezone", "", "IANA timezone for day boundaries")
	initCmd.Flags().StringVar(&initArgs.LogFormat, "log-format", "", "json or text")
	initCmd.Flags().StringVar(&initArgs.LogLevel, "log-level", "", "debug, info, warn or error")
	initCmd.Flags().BoolVar(&initArgs.Force, "force", false, "Replace an existing config")
}
