package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dyluth/parley/internal/format"
	"github.com/dyluth/parley/internal/printer"
	"github.com/dyluth/parley/pkg/forum"
)

var (
	categoriesOutput      string
	categoryTitle         string
	categoryDescription   string
	categoryUpdateTitle   string
	categoryUpdateDetails string
)

var categoriesCmd = &cobra.Command{
	Use:     "categories",
	Aliases: []string{"category", "cat"},
	Short:   "List and manage categories",
	Long: `List the forum's categories. Creating, editing and deleting categories
requires the admin role.

Output Formats:
  table - Human-readable table (default)
  jsonl - Line-delimited JSON, one category per line
  json  - A single JSON array

Examples:
  parley categories
  parley categories create --title Go --description "All things Go"
  parley categories delete 7`,
	Args: cobra.NoArgs,
	RunE: runCategories,
}

var categoryCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a category (admin)",
	Args:  cobra.NoArgs,
	RunE:  runCategoryCreate,
}

var categoryUpdateCmd = &cobra.Command{
	Use:   "update <category-id>",
	Short: "Edit a category's title or description (admin)",
	Args:  cobra.ExactArgs(1),
	RunE:  runCategoryUpdate,
}

var categoryDeleteCmd = &cobra.Command{
	Use:   "delete <category-id>",
	Short: "Delete a category (admin)",
	Args:  cobra.ExactArgs(1),
	RunE:  runCategoryDelete,
}

func init() {
	categoriesCmd.Flags().StringVarP(&categoriesOutput, "output", "o", format.Table, "Output format: table, jsonl or json")

	categoryCreateCmd.Flags().StringVar(&categoryTitle, "title", "", "Category title (required)")
	categoryCreateCmd.Flags().StringVar(&categoryDescription, "description", "", "Category description (required)")
	_ = categoryCreateCmd.MarkFlagRequired("title")
	_ = categoryCreateCmd.MarkFlagRequired("description")

	categoryUpdateCmd.Flags().StringVar(&categoryUpdateTitle, "title", "", "New title")
	categoryUpdateCmd.Flags().StringVar(&categoryUpdateDetails, "description", "", "New description")

	categoriesCmd.AddCommand(categoryCreateCmd, categoryUpdateCmd, categoryDeleteCmd)
	rootCmd.AddCommand(categoriesCmd)
}

// validateOutput checks a list command's --output flag.
func validateOutput(output string) error {
	if err := format.Validate(output); err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: table, jsonl, json"})
	}
	return nil
}

// writeList renders items in the requested format; table draws the human view.
func writeList[T any](w io.Writer, output string, items []T, table func()) error {
	switch output {
	case format.JSONL:
		return format.WriteJSONL(w, items)
	case format.JSON:
		if items == nil {
			items = []T{}
		}
		return format.WriteJSON(w, items)
	default:
		table()
		return nil
	}
}

func runCategories(cmd *cobra.Command, args []string) error {
	if err := validateOutput(categoriesOutput); err != nil {
		return err
	}

	categories, err := rt.client.ListCategories(cmd.Context())
	if err != nil {
		return printer.APIError("list categories", err)
	}

	w := cmd.OutOrStdout()
	return writeList(w, categoriesOutput, categories, func() { format.Categories(w, categories) })
}

func runCategoryCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := requireAdmin(ctx); err != nil {
		return err
	}

	cat, err := rt.client.CreateCategory(ctx, forum.CategoryRequest{Title: categoryTitle, Description: categoryDescription})
	if err != nil {
		return printer.APIError("create category", err)
	}
	printer.Success("Created category %d: %s\n", cat.ID, cat.Title)
	return nil
}

func runCategoryUpdate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseID("category", args[0])
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("title") && !cmd.Flags().Changed("description") {
		return printer.Error("nothing to update", "Pass --title, --description or both.", nil)
	}
	if err := requireAdmin(ctx); err != nil {
		return err
	}

	current, err := rt.client.GetCategory(ctx, id)
	if err != nil {
		return printer.APIError(fmt.Sprintf("load category %d", id), err)
	}
	req := forum.CategoryRequest{Title: current.Title, Description: current.Description}
	if cmd.Flags().Changed("title") {
		req.Title = categoryUpdateTitle
	}
	if cmd.Flags().Changed("description") {
		req.Description = categoryUpdateDetails
	}

	if err := rt.client.UpdateCategory(ctx, id, req); err != nil {
		return printer.APIError(fmt.Sprintf("update category %d", id), err)
	}
	printer.Success("Updated category %d\n", id)
	return nil
}

func runCategoryDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseID("category", args[0])
	if err != nil {
		return err
	}
	if err := requireAdmin(ctx); err != nil {
		return err
	}

	if err := rt.client.DeleteCategory(ctx, id); err != nil {
		return printer.APIError(fmt.Sprintf("delete category %d", id), err)
	}
	printer.Success("Deleted category %d\n", id)
	return nil
}
