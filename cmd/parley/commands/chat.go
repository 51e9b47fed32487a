package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dyluth/parley/internal/printer"
	"github.com/dyluth/parley/internal/watch"
	"github.com/dyluth/parley/pkg/reconcile"
)

var chatOutputFormat string

var chatCmd = &cobra.Command{
	Use:   "chat [topic-id]",
	Short: "Join a topic's conversation from the terminal",
	Long: `Join a topic's conversation: the history and every new message are printed
as in 'parley watch', and each line typed on stdin is posted.

Without a topic id the general chat (chat.general_topic_id) is joined.

Commands typed on stdin:
  /older  - load the page of history before the oldest shown message
  /seen   - clear the new-messages indicator
  /quit   - leave (end of input does the same)

Examples:
  parley chat
  parley chat 12
  echo "deploy finished" | parley chat 12`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatOutputFormat, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outputFormat, err := watch.ParseFormat(chatOutputFormat)
	if err != nil {
		return printer.Error("invalid output format", fmt.Sprintf("Unknown format: %s", chatOutputFormat), []string{"Valid formats: default, json"})
	}

	topicID := rt.cfg.Chat.GeneralTopicID
	if len(args) == 1 {
		if topicID, err = parseID("topic", args[0]); err != nil {
			return err
		}
	}
	if err := requireLogin(ctx); err != nil {
		return err
	}

	rt.serveMetrics(ctx)
	rt.watchCredentials(ctx)

	sess, release, err := rt.openSession(ctx, topicID, true)
	if err != nil {
		return printer.APIError(fmt.Sprintf("join topic %d", topicID), err)
	}
	defer release()

	// Input ends the session with Close, which lets Stream print every change
	// already applied before Updates is closed.
	go readChatInput(ctx, cmd.InOrStdin(), sess, rt.log)

	err = watch.Stream(ctx, sess, watch.Options{Format: outputFormat}, cmd.OutOrStdout())
	if err != nil {
		return printer.ErrorWithContext(
			"chat ended",
			err.Error(),
			map[string]string{"Topic": fmt.Sprintf("%d", topicID), "Stream": rt.cfg.Stream.Mode},
			[]string{"Log in again if your session expired:\n  parley login --email <email>"},
		)
	}
	return nil
}

// readChatInput posts each line of in until /quit or end of input, then closes sess.
func readChatInput(ctx context.Context, in io.Reader, sess *reconcile.Session, log *zap.Logger) {
	defer sess.Close()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/quit":
			return
		case "/seen":
			sess.MarkSeen()
			continue
		case "/older":
			n, err := sess.LoadOlder(ctx)
			switch {
			case err != nil:
				printer.Warning("%v\n", err)
			case n == 0:
				printer.Notice("No older messages\n")
			}
			continue
		}

		if _, err := sess.SendLocal(ctx, line); err != nil {
			log.Debug("send failed", zap.Error(err))
			printer.Warning("Not sent: %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		printer.Warning("Stopped reading input: %v\n", err)
	}
}
