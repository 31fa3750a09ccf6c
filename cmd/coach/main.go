package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/floegence/coach-agent/internal/agent"
	"github.com/floegence/coach-agent/internal/config"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "coach",
	Short: "Tiered coaching agent",
	Long: `coach answers coaching messages with a tiered model router, tool calls
against the local nutrition and training log, and bounded conversation memory.`,
	Version:       fmt.Sprintf("%s (%s) %s", Version, Commit, BuildTime),
	SilenceErrors: true,
	SilenceUsage:  true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultConfigPath(), "Config file path")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(replCmd)
	rootCmd.AddCommand(confirmCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(summarizeCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(secretsCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "coach %s (%s) %s\n", Version, Commit, BuildTime)
	},
}

func loadConfig() (*config.Config, string, error) {
	path := filepath.Clean(cfgPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, path, nil
}

// openAgent loads the config and wires the agent. Callers must Close it.
func openAgent(ctx context.Context) (*agent.Agent, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := agent.New(agent.Options{
		Config:     cfg,
		ConfigPath: path,
		Version:    Version,
		Commit:     Commit,
		BuildTime:  BuildTime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init agent: %w", err)
	}
	a.Start(ctx)
	return a, nil
}

// signalContext is canceled on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
