package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/parley/internal/format"
	"github.com/dyluth/parley/internal/printer"
	"github.com/dyluth/parley/pkg/forum"
)

var (
	usersOutput     string
	userUpdateName  string
	userUpdateEmail string
	userUpdateRole  string
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Administer accounts (admin)",
	Long: `List, edit, block and delete accounts. Every users command requires the
admin role; the role is read from your access token and checked again by the
server.

Examples:
  parley users
  parley users block 42
  parley users update 42 --role admin`,
	Args: cobra.NoArgs,
	RunE: runUsers,
}

var userUpdateCmd = &cobra.Command{
	Use:   "update <user-id>",
	Short: "Change an account's name, email or role",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserUpdate,
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete <user-id>",
	Short: "Delete an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserDelete,
}

var userBlockCmd = &cobra.Command{
	Use:   "block <user-id>",
	Short: "Prevent an account from logging in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setBlocked(cmd, args[0], true)
	},
}

var userUnblockCmd = &cobra.Command{
	Use:   "unblock <user-id>",
	Short: "Lift a block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setBlocked(cmd, args[0], false)
	},
}

func init() {
	usersCmd.Flags().StringVarP(&usersOutput, "output", "o", format.Table, "Output format: table, jsonl or json")

	userUpdateCmd.Flags().StringVar(&userUpdateName, "name", "", "New display name")
	userUpdateCmd.Flags().StringVar(&userUpdateEmail, "email", "", "New email")
	userUpdateCmd.Flags().StringVar(&userUpdateRole, "role", "", "New role: user or admin")

	usersCmd.AddCommand(userUpdateCmd, userDeleteCmd, userBlockCmd, userUnblockCmd)
	rootCmd.AddCommand(usersCmd)
}

func runUsers(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := validateOutput(usersOutput); err != nil {
		return err
	}
	if err := requireAdmin(ctx); err != nil {
		return err
	}

	users, err := rt.client.ListUsers(ctx)
	if err != nil {
		return printer.APIError("list users", err)
	}

	w := cmd.OutOrStdout()
	return writeList(w, usersOutput, users, func() { format.Users(w, users) })
}

// findUser looks an account up in the admin list; the API has no single-user read.
func findUser(cmd *cobra.Command, id int64) (*forum.User, error) {
	users, err := rt.client.ListUsers(cmd.Context())
	if err != nil {
		return nil, printer.APIError("list users", err)
	}
	for i := range users {
		if users[i].ID == id {
			return &users[i], nil
		}
	}
	return nil, printer.Error(fmt.Sprintf("user %d not found", id), "No account has this id.", []string{"List accounts:\n  parley users"})
}

func runUserUpdate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseID("user", args[0])
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if !flags.Changed("name") && !flags.Changed("email") && !flags.Changed("role") {
		return printer.Error("nothing to update", "Pass at least one of --name, --email or --role.", nil)
	}
	if err := requireAdmin(ctx); err != nil {
		return err
	}

	current, err := findUser(cmd, id)
	if err != nil {
		return err
	}
	req := forum.UpdateUserRequest{Name: current.Name, Email: current.Email, Role: current.Role}
	if flags.Changed("name") {
		req.Name = userUpdateName
	}
	if flags.Changed("email") {
		req.Email = userUpdateEmail
	}
	if flags.Changed("role") {
		req.Role = forum.Role(userUpdateRole)
	}

	updated, err := rt.client.UpdateUser(ctx, id, req)
	if err != nil {
		return printer.APIError(fmt.Sprintf("update user %d", id), err)
	}
	printer.Success("Updated user %d\n", id)
	format.User(cmd.OutOrStdout(), updated)
	return nil
}

func runUserDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseID("user", args[0])
	if err != nil {
		return err
	}
	if err := requireAdmin(ctx); err != nil {
		return err
	}

	if err := rt.client.DeleteUser(ctx, id); err != nil {
		return printer.APIError(fmt.Sprintf("delete user %d", id), err)
	}
	printer.Success("Deleted user %d\n", id)
	return nil
}

func setBlocked(cmd *cobra.Command, arg string, blocked bool) error {
	ctx := cmd.Context()
	id, err := parseID("user", arg)
	if err != nil {
		return err
	}
	if err := requireAdmin(ctx); err != nil {
		return err
	}

	if blocked {
		if err := rt.client.BlockUser(ctx, id); err != nil {
			return printer.APIError(fmt.Sprintf("block user %d", id), err)
		}
		printer.Success("Blocked user %d\n", id)
		return nil
	}
	if err := rt.client.UnblockUser(ctx, id); err != nil {
		return printer.APIError(fmt.Sprintf("unblock user %d", id), err)
	}
	printer.Success("Unblocked user %d\n", id)
	return nil
}
