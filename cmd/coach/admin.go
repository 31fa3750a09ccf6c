package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/floegence/coach-agent/internal/agent"
	"github.com/floegence/coach-agent/internal/auditlog"
	"github.com/floegence/coach-agent/internal/settings"
)

var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Refresh summaries of idle conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		a, err := openAgent(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Summarize(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "summarized %d conversation(s)\n", n)
		return nil
	},
}

var (
	usageUser  string
	usageLimit int
	usageJSON  bool
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token and cost totals from the turn log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Audit.Disabled {
			return errors.New("audit log is disabled in config")
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		store, err := auditlog.New(auditlog.Options{StateDir: filepath.Dir(abs)})
		if err != nil {
			return err
		}
		entries, err := store.List(usageUser, usageLimit)
		if err != nil {
			return err
		}
		u := auditlog.Summarize(entries)
		out := cmd.OutOrStdout()
		if usageJSON {
			return printJSON(out, map[string]any{"usage": u, "entries": entries})
		}
		fmt.Fprintf(out, "turns:   %d (%d failed)\n", u.Turns, u.Failed)
		fmt.Fprintf(out, "tokens:  %d\n", u.Tokens)
		fmt.Fprintf(out, "cost:    $%.4f\n", u.Cost)
		for _, tier := range []string{"trivial", "simple", "complex"} {
			fmt.Fprintf(out, "  %-8s %d\n", tier, u.ByTier[tier])
		}
		return nil
	},
}

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage provider API keys stored outside config.yaml",
}

var secretsSetCmd = &cobra.Command{
	Use:   "set <provider-id>",
	Short: "Store an API key (read from stdin; hidden when interactive)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSecrets(args[0])
		if err != nil {
			return err
		}
		key, err := readSecret(cmd)
		if err != nil {
			return err
		}
		if err := s.SetAPIKey(args[0], key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "key for %s saved to %s\n", args[0], s.Path())
		return nil
	},
}

var secretsClearCmd = &cobra.Command{
	Use:   "clear <provider-id>",
	Short: "Remove a stored API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSecrets(args[0])
		if err != nil {
			return err
		}
		if err := s.ClearAPIKey(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "key for %s removed\n", args[0])
		return nil
	},
}

var secretsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show where each provider's key comes from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		s := settings.NewSecretsStore(agent.SecretsPath(cfg, path))
		out := cmd.OutOrStdout()
		for _, p := range cfg.AI.Providers {
			src, err := s.Source(p.ID, p.APIKeyEnv)
			if err != nil {
				return err
			}
			where := string(src)
			switch src {
			case settings.KeySourceNone:
				where = "missing"
			case settings.KeySourceEnv:
				where = "env " + p.APIKeyEnv
			}
			fmt.Fprintf(out, "%-16s %-18s %s\n", p.ID, p.Type, where)
		}
		return nil
	},
}

func init() {
	usageCmd.Flags().StringVar(&usageUser, "user", "", "Only this user")
	usageCmd.Flags().IntVar(&usageLimit, "limit", 1000, "Entries to read, newest first")
	usageCmd.Flags().BoolVar(&usageJSON, "json", false, "Print totals and entries as JSON")

	secretsCmd.AddCommand(secretsSetCmd)
	secretsCmd.AddCommand(secretsClearCmd)
	secretsCmd.AddCommand(secretsStatusCmd)
}

// openSecrets checks providerID against the config before touching the file.
func openSecrets(providerID string) (*settings.SecretsStore, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if _, ok := cfg.AI.FindProvider(providerID); !ok {
		return nil, fmt.Errorf("unknown provider %q", providerID)
	}
	return settings.NewSecretsStore(agent.SecretsPath(cfg, path)), nil
}

func readSecret(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), "API key: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	var line string
	if _, err := fmt.Fscanln(cmd.InOrStdin(), &line); err != nil {
		return "", fmt.Errorf("read key from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}
