package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/parley/internal/format"
	"github.com/dyluth/parley/internal/printer"
	"github.com/dyluth/parley/pkg/forum"
)

var (
	topicsOutput           string
	topicTitle             string
	topicDescription       string
	topicUpdateTitle       string
	topicUpdateDescription string
)

var topicsCmd = &cobra.Command{
	Use:     "topics <category-id>",
	Aliases: []string{"topic"},
	Short:   "List and manage the topics of a category",
	Long: `List the topics of a category. Any logged-in user can open a topic; only
its author or an admin can edit or delete it.

Examples:
  parley topics 3
  parley topics 3 --output=jsonl | jq .title
  parley topics create 3 --title "Hello" --description "Introduce yourself"`,
	Args: cobra.ExactArgs(1),
	RunE: runTopics,
}

var topicCreateCmd = &cobra.Command{
	Use:   "create <category-id>",
	Short: "Open a topic in a category",
	Args:  cobra.ExactArgs(1),
	RunE:  runTopicCreate,
}

var topicUpdateCmd = &cobra.Command{
	Use:   "update <topic-id>",
	Short: "Edit a topic's title or description",
	Args:  cobra.ExactArgs(1),
	RunE:  runTopicUpdate,
}

var topicDeleteCmd = &cobra.Command{
	Use:   "delete <topic-id>",
	Short: "Delete a topic and its messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runTopicDelete,
}

func init() {
	topicsCmd.Flags().StringVarP(&topicsOutput, "output", "o", format.Table, "Output format: table, jsonl or json")

	topicCreateCmd.Flags().StringVar(&topicTitle, "title", "", "Topic title (required)")
	topicCreateCmd.Flags().StringVar(&topicDescription, "description", "", "Topic description (required)")
	_ = topicCreateCmd.MarkFlagRequired("title")
	_ = topicCreateCmd.MarkFlagRequired("description")

	topicUpdateCmd.Flags().StringVar(&topicUpdateTitle, "title", "", "New title")
	topicUpdateCmd.Flags().StringVar(&topicUpdateDescription, "description", "", "New description")

	topicsCmd.AddCommand(topicCreateCmd, topicUpdateCmd, topicDeleteCmd)
	rootCmd.AddCommand(topicsCmd)
}

func runTopics(cmd *cobra.Command, args []string) error {
	if err := validateOutput(topicsOutput); err != nil {
		return err
	}
	categoryID, err := parseID("category", args[0])
	if err != nil {
		return err
	}

	topics, err := rt.client.ListTopics(cmd.Context(), categoryID)
	if err != nil {
		return printer.APIError(fmt.Sprintf("list topics of category %d", categoryID), err)
	}

	w := cmd.OutOrStdout()
	return writeList(w, topicsOutput, topics, func() { format.Topics(w, topics, categoryID) })
}

func runTopicCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	categoryID, err := parseID("category", args[0])
	if err != nil {
		return err
	}
	if err := requireLogin(ctx); err != nil {
		return err
	}

	topic, err := rt.client.CreateTopic(ctx, forum.CreateTopicRequest{CategoryID: categoryID, Title: topicTitle, Description: topicDescription})
	if err != nil {
		return printer.APIError("create topic", err)
	}
	printer.Success("Created topic %d: %s\n", topic.ID, topic.Title)
	printer.Info("\nJoin the conversation:\n  parley chat %d\n", topic.ID)
	return nil
}

func runTopicUpdate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseID("topic", args[0])
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("title") && !cmd.Flags().Changed("description") {
		return printer.Error("nothing to update", "Pass --title, --description or both.", nil)
	}
	if err := requireLogin(ctx); err != nil {
		return err
	}

	current, err := rt.client.GetTopic(ctx, id)
	if err != nil {
		return printer.APIError(fmt.Sprintf("load topic %d", id), err)
	}
	req := forum.UpdateTopicRequest{Title: current.Title, Description: current.Description}
	if cmd.Flags().Changed("title") {
		req.Title = topicUpdateTitle
	}
	if cmd.Flags().Changed("description") {
		req.Description = topicUpdateDescription
	}

	if err := rt.client.UpdateTopic(ctx, id, req); err != nil {
		return printer.APIError(fmt.Sprintf("update topic %d", id), err)
	}
	printer.Success("Updated topic %d\n", id)
	return nil
}

func runTopicDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseID("topic", args[0])
	if err != nil {
		return err
	}
	if err := requireLogin(ctx); err != nil {
		return err
	}

	if err := rt.client.DeleteTopic(ctx, id); err != nil {
		return printer.APIError(fmt.Sprintf("delete topic %d", id), err)
	}
	printer.Success("Deleted topic %d\n", id)
	return nil
}
