package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/parley/internal/printer"
	"github.com/dyluth/parley/internal/timespec"
	"github.com/dyluth/parley/internal/watch"
)

var (
	watchOutputFormat string
	watchSince        string
	watchUntil        string
	watchQuiet        bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <topic-id>",
	Short: "Follow a topic in real time",
	Long: `Follow a topic in real time.

Prints the recent history, then every new, edited and deleted message as it
happens. If the push connection drops, parley reconnects and resyncs the
history so nothing sent in between is missed.

Output Formats:
  default - Human-readable output with timestamps and emojis
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Follow a topic
  parley watch 12

  # Only new activity, no history
  parley watch 12 --quiet

  # Export events as JSON
  parley watch 12 --output=json > events.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().StringVar(&watchSince, "since", "", "Only print history after time (duration or RFC3339)")
	watchCmd.Flags().StringVar(&watchUntil, "until", "", "Only print history before time (duration or RFC3339)")
	watchCmd.Flags().BoolVarP(&watchQuiet, "quiet", "q", false, "Skip the initial history")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outputFormat, err := watch.ParseFormat(watchOutputFormat)
	if err != nil {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}
	window, err := timespec.ParseRange(watchSince, watchUntil)
	if err != nil {
		return printer.Error("invalid time filter", err.Error(), []string{"Use duration format like '1h30m' or RFC3339 like '2025-10-29T13:00:00Z'"})
	}
	topicID, err := parseID("topic", args[0])
	if err != nil {
		return err
	}

	if _, err := rt.client.GetTopic(ctx, topicID); err != nil {
		return printer.APIError(fmt.Sprintf("open topic %d", topicID), err)
	}

	rt.serveMetrics(ctx)
	rt.watchCredentials(ctx)

	sess, release, err := rt.openSession(ctx, topicID, false)
	if err != nil {
		return printer.APIError(fmt.Sprintf("follow topic %d", topicID), err)
	}
	defer release()

	err = watch.Stream(ctx, sess, watch.Options{Format: outputFormat, Range: window, Quiet: watchQuiet}, cmd.OutOrStdout())
	if err != nil {
		return printer.ErrorWithContext(
			"live stream ended",
			err.Error(),
			map[string]string{"Topic": fmt.Sprintf("%d", topicID), "Stream": rt.cfg.Stream.Mode},
			[]string{"Log in again if your session expired:\n  parley login --email <email>", "Switch transport with PARLEY_STREAM_MODE=poll"},
		)
	}
	return nil
}
