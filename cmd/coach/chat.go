package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/floegence/coach-agent/internal/ai"
	"github.com/floegence/coach-agent/internal/ai/tools"
)

var (
	chatUser         string
	chatConversation string
	chatImages       []string
	chatJSON         bool
)

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send one message and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		a, err := openAgent(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.HandleMessage(ctx, ai.Request{
			UserID:         chatUser,
			ConversationID: chatConversation,
			Text:           strings.Join(args, " "),
			Attachments:    imageAttachments(chatImages),
		})
		if err != nil {
			return userError(err)
		}
		if chatJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		printTurn(cmd.OutOrStdout(), res)
		return nil
	},
}

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Chat interactively; /confirm N saves pending action N, /new starts over, /quit exits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		a, err := openAgent(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		interactive := term.IsTerminal(int(os.Stdin.Fd()))
		return runREPL(ctx, a, cmd.InOrStdin(), cmd.OutOrStdout(), interactive)
	},
}

var (
	confirmUser string
	confirmFile string
)

var confirmCmd = &cobra.Command{
	Use:   "confirm [action-json]",
	Short: "Save a pending action printed by chat --json",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw []byte
		switch {
		case confirmFile == "-":
			b, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			raw = b
		case confirmFile != "":
			b, err := os.ReadFile(confirmFile)
			if err != nil {
				return err
			}
			raw = b
		case len(args) == 1:
			raw = []byte(args[0])
		default:
			return errors.New("pass the action JSON as an argument or with --file")
		}
		var act tools.Action
		if err := json.Unmarshal(raw, &act); err != nil {
			return fmt.Errorf("parse action: %w", err)
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		a, err := openAgent(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		committed, err := a.ConfirmAction(ctx, confirmUser, act)
		if err != nil {
			return userError(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved: %s (%s)\n", committed.Summary, strings.Join(committed.RecordIDs, ", "))
		return nil
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatUser, "user", "", "User id (required)")
	chatCmd.Flags().StringVar(&chatConversation, "conversation", "", "Continue a conversation")
	chatCmd.Flags().StringArrayVar(&chatImages, "image", nil, "Image URL or data URL to attach (repeatable)")
	chatCmd.Flags().BoolVar(&chatJSON, "json", false, "Print the full result as JSON")
	_ = chatCmd.MarkFlagRequired("user")

	replCmd.Flags().StringVar(&chatUser, "user", "", "User id (required)")
	replCmd.Flags().StringVar(&chatConversation, "conversation", "", "Continue a conversation")
	_ = replCmd.MarkFlagRequired("user")

	confirmCmd.Flags().StringVar(&confirmUser, "user", "", "User id (required)")
	confirmCmd.Flags().StringVar(&confirmFile, "file", "", "Read the action JSON from a file (- for stdin)")
	_ = confirmCmd.MarkFlagRequired("user")
}

// chatEngine is the part of *agent.Agent the REPL drives.
type chatEngine interface {
	HandleMessage(ctx context.Context, req ai.Request) (ai.Result, error)
	ConfirmAction(ctx context.Context, userID string, act tools.Action) (tools.Action, error)
}

func runREPL(ctx context.Context, a chatEngine, in io.Reader, out io.Writer, interactive bool) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	conversationID := chatConversation
	var pending []tools.Action

	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		if !sc.Scan() {
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/new":
			conversationID = ""
			pending = nil
			fmt.Fprintln(out, "(new conversation)")
			continue
		case strings.HasPrefix(line, "/confirm"):
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "/confirm")))
			if err != nil || n < 1 || n > len(pending) {
				fmt.Fprintf(out, "usage: /confirm N (1..%d)\n", len(pending))
				continue
			}
			committed, err := a.ConfirmAction(ctx, chatUser, pending[n-1])
			if err != nil {
				fmt.Fprintln(out, userError(err))
				continue
			}
			pending = append(pending[:n-1], pending[n:]...)
			fmt.Fprintf(out, "saved: %s\n", committed.Summary)
			continue
		}

		res, err := a.HandleMessage(ctx, ai.Request{UserID: chatUser, ConversationID: conversationID, Text: line})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintln(out, userError(err))
			continue
		}
		conversationID = res.ConversationID
		pending = res.PendingActions
		printTurn(out, res)
	}
}

func printTurn(w io.Writer, res ai.Result) {
	fmt.Fprintln(w, res.Reply)
	for i, act := range res.PendingActions {
		fmt.Fprintf(w, "  [%d] pending: %s\n", i+1, act.Summary)
	}
	for _, act := range res.CommittedActions {
		fmt.Fprintf(w, "  saved: %s\n", act.Summary)
	}
	fmt.Fprintf(w, "  (%s, %s, %d tokens, $%.4f, conversation %s)\n", res.Tier, res.Model, res.TokensUsed, res.CostEstimate, res.ConversationID)
}

func imageAttachments(urls []string) []ai.Attachment {
	out := make([]ai.Attachment, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, ai.Attachment{URL: u})
		}
	}
	return out
}

// userError prints the user-safe message of typed errors.
func userError(err error) error {
	var aerr *ai.Error
	if errors.As(err, &aerr) && strings.TrimSpace(aerr.Message) != "" {
		return errors.New(aerr.Message)
	}
	return err
}
