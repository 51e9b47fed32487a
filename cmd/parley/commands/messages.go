package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/parley/internal/filter"
	"github.com/dyluth/parley/internal/format"
	"github.com/dyluth/parley/internal/printer"
	"github.com/dyluth/parley/internal/timespec"
	"github.com/dyluth/parley/pkg/forum"
)

var (
	messagesOutput string
	messagesSince  string
	messagesUntil  string
	messagesAuthor string
	messagesGrep   string
	messagesPage   int
	messagesLimit  int
)

var messagesCmd = &cobra.Command{
	Use:     "messages <topic-id>",
	Aliases: []string{"msg"},
	Short:   "Read, post, edit and delete messages of a topic",
	Long: `Print a topic's messages, oldest first.

Without --limit the whole history is fetched. With --limit the newest page is
fetched; --page 2 is the page before it, and so on.

Time Filters:
  --since  - Only messages created at or after this time
  --until  - Only messages created before this time
  Both accept a duration back from now ("2h", "30m") or RFC3339.

Content Filters:
  --author - Glob on the author name, case-insensitive ("ann*")
  --grep   - Case-insensitive substring of the text
  Filters apply to the fetched page; paging is unaffected.

Output Formats:
  table - Human-readable table (default)
  jsonl - Line-delimited JSON, one message per line
  json  - A single JSON array

Examples:
  parley messages 12
  parley messages 12 --since=1h
  parley messages 12 --author="ann*" --grep=deploy
  parley messages 12 --limit=50 --page=2 --output=jsonl | jq .text
  parley messages post 12 "Hello everyone"`,
	Args: cobra.ExactArgs(1),
	RunE: runMessages,
}

var messagePostCmd = &cobra.Command{
	Use:   "post <topic-id> <text>...",
	Short: "Post a message to a topic",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runMessagePost,
}

var messageEditCmd = &cobra.Command{
	Use:   "edit <message-id> <text>...",
	Short: "Replace the text of one of your messages",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runMessageEdit,
}

var messageDeleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runMessageDelete,
}

func init() {
	messagesCmd.Flags().StringVarP(&messagesOutput, "output", "o", format.Table, "Output format: table, jsonl or json")
	messagesCmd.Flags().StringVar(&messagesSince, "since", "", "Show messages after time (duration or RFC3339)")
	messagesCmd.Flags().StringVar(&messagesUntil, "until", "", "Show messages before time (duration or RFC3339)")
	messagesCmd.Flags().StringVar(&messagesAuthor, "author", "", "Only messages whose author matches this glob")
	messagesCmd.Flags().StringVar(&messagesGrep, "grep", "", "Only messages containing this text")
	messagesCmd.Flags().IntVar(&messagesPage, "page", 1, "Page number, 1 is the newest (requires --limit)")
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 0, "Messages per page, 0 fetches the whole history")

	messagesCmd.AddCommand(messagePostCmd, messageEditCmd, messageDeleteCmd)
	rootCmd.AddCommand(messagesCmd)
}

func runMessages(cmd *cobra.Command, args []string) error {
	if err := validateOutput(messagesOutput); err != nil {
		return err
	}
	topicID, err := parseID("topic", args[0])
	if err != nil {
		return err
	}

	window, err := timespec.ParseRange(messagesSince, messagesUntil)
	if err != nil {
		return printer.Error(
			"invalid time filter",
			err.Error(),
			[]string{"Use duration format like '1h30m' or RFC3339 like '2025-10-29T13:00:00Z'"},
		)
	}

	criteria := filter.Criteria{Window: window, AuthorGlob: messagesAuthor, Text: messagesGrep}
	if err := criteria.Validate(); err != nil {
		return printer.Error("invalid --author pattern", err.Error(), []string{"Use shell-style globs like 'ann*' or 'b?b'"})
	}

	var page forum.Page
	if messagesLimit > 0 {
		page = forum.Page{Number: messagesPage, Size: messagesLimit}
	} else if cmd.Flags().Changed("page") {
		return printer.Error("--page requires --limit", "Pages are only defined for a page size.", []string{"Add --limit, e.g. --limit=50"})
	}

	result, err := rt.client.ListMessages(cmd.Context(), topicID, page)
	if err != nil {
		return printer.APIError(fmt.Sprintf("load messages of topic %d", topicID), err)
	}
	messages := criteria.Apply(result.Messages)

	w := cmd.OutOrStdout()
	if err := writeList(w, messagesOutput, messages, func() { format.Messages(w, messages, topicID) }); err != nil {
		return err
	}
	if result.HasMore && messagesOutput == format.Table {
		printer.Notice("Older messages exist: --page=%d --limit=%d\n", page.Number+1, page.Size)
	}
	return nil
}

func runMessagePost(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	topicID, err := parseID("topic", args[0])
	if err != nil {
		return err
	}
	if err := requireLogin(ctx); err != nil {
		return err
	}

	m, err := rt.client.SendMessage(ctx, topicID, forum.Draft{Text: strings.Join(args[1:], " ")})
	if err != nil {
		return printer.APIError(fmt.Sprintf("post to topic %d", topicID), err)
	}
	printer.Success("Posted message %d\n", m.ID)
	return nil
}

func runMessageEdit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseID("message", args[0])
	if err != nil {
		return err
	}
	if err := requireLogin(ctx); err != nil {
		return err
	}

	if err := rt.client.UpdateMessage(ctx, id, strings.Join(args[1:], " ")); err != nil {
		return printer.APIError(fmt.Sprintf("edit message %d", id), err)
	}
	printer.Success("Edited message %d\n", id)
	return nil
}

func runMessageDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseID("message", args[0])
	if err != nil {
		return err
	}
	if err := requireLogin(ctx); err != nil {
		return err
	}

	if err := rt.client.DeleteMessage(ctx, id); err != nil {
		return printer.APIError(fmt.Sprintf("delete message %d", id), err)
	}
	printer.Success("Deleted message %d\n", id)
	return nil
}
