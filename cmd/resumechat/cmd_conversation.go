package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/resumechat/internal/conversation"
	"github.com/user/resumechat/internal/reconcile"
	"github.com/user/resumechat/internal/render"
	"github.com/user/resumechat/internal/types"
)

const counterModel = "gpt-4"

func init() {
	rootCmd.AddCommand(listCmd, newCmd, showCmd, sendCmd, deleteCmd, starCmd)

	listCmd.Flags().Bool("tokens", false, "show token counts from the local cache")

	newCmd.Flags().String("title", "", "conversation title")
	newCmd.Flags().String("resume", "", "resume id to analyze")

	showCmd.Flags().Int("budget", 0, "only show the newest messages fitting this many tokens")

	sendCmd.Flags().Bool("agent", true, "let the assistant use its analysis tools")
	sendCmd.Flags().Bool("quiet", false, "print only the final reply")
}

// resolve finds the conversation named by arg, which may be a unique id
// prefix, and makes it the active one.
func resolve(ctx context.Context, store *conversation.Store, arg string) (types.Conversation, error) {
	convs, err := store.ListConversations(ctx)
	if err != nil && len(convs) == 0 {
		return types.Conversation{}, fmt.Errorf("list conversations: %w", err)
	}

	var matches []types.ConversationID
	for _, c := range convs {
		if string(c.ID) == arg {
			matches = []types.ConversationID{c.ID}
			break
		}
		if strings.HasPrefix(string(c.ID), arg) {
			matches = append(matches, c.ID)
		}
	}
	switch len(matches) {
	case 0:
		return types.Conversation{}, fmt.Errorf("conversation not found: %s", arg)
	case 1:
	default:
		return types.Conversation{}, fmt.Errorf("ambiguous conversation id %q matches %d conversations", arg, len(matches))
	}

	if err := store.SelectConversation(ctx, matches[0]); err != nil {
		return types.Conversation{}, fmt.Errorf("select conversation: %w", err)
	}
	return store.Conversation(ctx, matches[0])
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()
		showTokens, _ := cmd.Flags().GetBool("tokens")

		ctx := cmd.Context()
		convs, err := s.store.ListConversations(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Warning: the server could not be reached, showing local conversations.")
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		var counter *render.Counter
		if showTokens {
			counter = render.NewCounter(counterModel)
		}

		now := time.Now()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		header := "ID\tTITLE\tSTAR\tMESSAGES\tUPDATED"
		if showTokens {
			header += "\tTOKENS"
		}
		fmt.Fprintln(w, header)
		for _, c := range convs {
			star := ""
			if c.IsStarred {
				star = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s", c.ID, c.Title, star, c.MessageCount, render.Ago(c.Timestamp, now))
			if showTokens {
				tokens := 0
				if full, err := s.store.Conversation(ctx, c.ID); err == nil {
					tokens = counter.Stats(full.Messages).Total()
				}
				fmt.Fprintf(w, "\t%d", tokens)
			}
			fmt.Fprintln(w)
		}
		return w.Flush()
	},
}

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a new conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		title, _ := cmd.Flags().GetString("title")
		resume, _ := cmd.Flags().GetString("resume")

		ctx := cmd.Context()
		if _, err := s.store.ListConversations(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "Warning: the server could not be reached.")
		}
		conv, err := s.store.CreateConversation(ctx, title, resume)
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Conversation %s created.\n\n", conv.ID)
		if len(conv.Messages) > 0 {
			fmt.Println(conv.Messages[0].Content)
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()
		budget, _ := cmd.Flags().GetInt("budget")

		conv, err := resolve(cmd.Context(), s.store, args[0])
		if err != nil {
			return err
		}
		return render.Transcript(os.Stdout, conv, render.Options{
			Budget:  budget,
			Counter: render.NewCounter(counterModel),
			Now:     time.Now(),
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <id> <message...>",
	Short: "Send a message and print the reply as it streams",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		s, err := newStack(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		useAgent := cfg.Chat.UseAgent
		if cmd.Flags().Changed("agent") {
			useAgent, _ = cmd.Flags().GetBool("agent")
		}
		quiet, _ := cmd.Flags().GetBool("quiet")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		conv, err := resolve(ctx, s.store, args[0])
		if err != nil {
			return err
		}

		var live *liveReply
		if !quiet {
			live = &liveReply{store: s.store, id: conv.ID}
			unsubscribe := s.store.Subscribe(live.onChange)
			defer unsubscribe()
		}

		out, err := s.store.SendMessage(ctx, conv.ID, strings.Join(args[1:], " "), useAgent)
		if err != nil {
			return err
		}

		switch out.Status {
		case reconcile.Cancelled:
			fmt.Fprintln(os.Stderr, "\nCancelled.")
			return nil
		case reconcile.Fallback:
			if live != nil {
				live.finish()
			}
			fmt.Println(out.Reply.Content)
			return fmt.Errorf("no reply: %w", out.Reason)
		}
		if live == nil || !live.finish() {
			fmt.Println(out.Reply.Content)
		}
		return nil
	},
}

// liveReply prints the streaming placeholder's content as it grows.
type liveReply struct {
	store *conversation.Store
	id    types.ConversationID

	mu      sync.Mutex
	printed int
}

func (l *liveReply) onChange(c conversation.Change) {
	if c.Kind != conversation.ChangeMessages || c.ConversationID != l.id {
		return
	}
	conv, err := l.store.Conversation(context.Background(), l.id)
	if err != nil || len(conv.Messages) == 0 {
		return
	}
	last := conv.Messages[len(conv.Messages)-1]
	if !last.IsStreaming {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(last.Content) > l.printed {
		fmt.Print(last.Content[l.printed:])
		l.printed = len(last.Content)
	}
}

// finish ends the live output and reports whether anything was printed.
func (l *liveReply) finish() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.printed == 0 {
		return false
	}
	fmt.Println()
	return true
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		conv, err := resolve(ctx, s.store, args[0])
		if err != nil {
			return err
		}
		if err := s.store.DeleteConversation(ctx, conv.ID); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		if err := s.reports.RemoveAll(ctx, conv.ID); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not remove saved reports: %v\n", err)
		}
		fmt.Fprintf(os.Stdout, "Conversation %s deleted.\n", conv.ID)
		return nil
	},
}

var starCmd = &cobra.Command{
	Use:   "star <id>",
	Short: "Star or unstar a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		conv, err := resolve(cmd.Context(), s.store, args[0])
		if err != nil {
			return err
		}
		starred, err := s.store.ToggleStar(conv.ID)
		if err != nil {
			return fmt.Errorf("toggle star: %w", err)
		}
		if starred {
			fmt.Fprintf(os.Stdout, "Conversation %s starred.\n", conv.ID)
		} else {
			fmt.Fprintf(os.Stdout, "Conversation %s unstarred.\n", conv.ID)
		}
		return nil
	},
}

// writeReport writes body to path, or to stdout when path is empty.
func writeReport(path string, body []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(bytes.TrimRight(body, "\n"))
		fmt.Println()
		return err
	}
	if err := os.WriteFile(path, body, 0644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	fmt.Fprintf(os.Stdout, "Report written to %s\n", path)
	return nil
}
