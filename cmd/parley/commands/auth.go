package commands

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/parley/internal/format"
	"github.com/dyluth/parley/internal/printer"
	"github.com/dyluth/parley/pkg/forum"
)

var (
	loginEmail    string
	loginPassword string

	registerName     string
	registerEmail    string
	registerPassword string

	whoamiOutput string

	profileName     string
	profileEmail    string
	profilePassword string

	sessionsRevokeAll bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the session locally",
	Long: `Log in with email and password. The access token and refresh token are
stored in the configured credential store (a file under ~/.parley by default).

When --password is omitted the password is read from the first line of stdin.

Examples:
  parley login --email ann@example.com --password s3cret-pass
  pass show forum | parley login --email ann@example.com`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session and remove stored credentials",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account",
	Args:  cobra.NoArgs,
	RunE:  runRegister,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged-in account",
	Args:  cobra.NoArgs,
	RunE:  runWhoami,
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Change your name, email or password",
	Long: `Change your name, email or password. Only the flags you pass are changed.

Examples:
  parley profile --name "Ann B"
  parley profile --password new-password`,
	Args: cobra.NoArgs,
	RunE: runProfile,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List or revoke your login sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

func init() {
	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", "", "Account email (required)")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Password (read from stdin if omitted)")
	_ = loginCmd.MarkFlagRequired("email")

	registerCmd.Flags().StringVar(&registerName, "name", "", "Display name (required)")
	registerCmd.Flags().StringVarP(&registerEmail, "email", "e", "", "Account email (required)")
	registerCmd.Flags().StringVarP(&registerPassword, "password", "p", "", "Password, at least 8 characters (read from stdin if omitted)")
	_ = registerCmd.MarkFlagRequired("name")
	_ = registerCmd.MarkFlagRequired("email")

	whoamiCmd.Flags().StringVarP(&whoamiOutput, "output", "o", format.Table, "Output format: table or json")

	profileCmd.Flags().StringVar(&profileName, "name", "", "New display name")
	profileCmd.Flags().StringVar(&profileEmail, "email", "", "New email")
	profileCmd.Flags().StringVar(&profilePassword, "password", "", "New password")

	sessionsCmd.Flags().BoolVar(&sessionsRevokeAll, "revoke-all", false, "End every session, including this one")

	rootCmd.AddCommand(loginCmd, logoutCmd, registerCmd, whoamiCmd, profileCmd, sessionsCmd)
}

// readPassword takes the first line of in.
func readPassword(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	password := loginPassword
	if password == "" {
		var err error
		if password, err = readPassword(cmd.InOrStdin()); err != nil {
			return err
		}
	}

	if _, err := rt.client.Login(ctx, forum.LoginRequest{Email: loginEmail, Password: password}); err != nil {
		if forum.IsUnauthorized(err) {
			return printer.Error("login failed", "Wrong email or password.", []string{"Create an account:\n  parley register --name <name> --email <email>"})
		}
		return printer.APIError("log in", err)
	}

	me, err := rt.client.Me(ctx)
	if err != nil {
		printer.Success("Logged in as %s\n", loginEmail)
		return nil
	}
	printer.Success("Logged in as %s (%s)\n", me.Name, me.Email)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	if err := rt.client.Logout(cmd.Context()); err != nil {
		printer.Warning("The server did not confirm the logout: %v\n", err)
	}
	printer.Success("Logged out\n")
	return nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	password := registerPassword
	if password == "" {
		var err error
		if password, err = readPassword(cmd.InOrStdin()); err != nil {
			return err
		}
	}

	msg, err := rt.client.Register(cmd.Context(), forum.RegisterRequest{Name: registerName, Email: registerEmail, Password: password})
	if err != nil {
		if forum.StatusCode(err) == http.StatusConflict {
			return printer.Error("email already registered", fmt.Sprintf("An account for %s exists.", registerEmail), []string{"Log in instead:\n  parley login --email " + registerEmail})
		}
		return printer.APIError("register", err)
	}

	printer.Success("%s\n", msg)
	printer.Info("\nNext:\n  parley login --email %s\n", registerEmail)
	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if whoamiOutput != format.Table && whoamiOutput != format.JSON {
		return printer.Error("invalid output format", fmt.Sprintf("Unknown format: %s", whoamiOutput), []string{"Valid formats: table, json"})
	}
	if err := requireLogin(ctx); err != nil {
		return err
	}

	me, err := rt.client.Me(ctx)
	if err != nil {
		return printer.APIError("load your account", err)
	}

	if whoamiOutput == format.JSON {
		return format.WriteJSON(cmd.OutOrStdout(), me)
	}
	format.User(cmd.OutOrStdout(), me)
	return nil
}

func runProfile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var req forum.UpdateProfileRequest
	if cmd.Flags().Changed("name") {
		req.Name = &profileName
	}
	if cmd.Flags().Changed("email") {
		req.Email = &profileEmail
	}
	if cmd.Flags().Changed("password") {
		req.Password = &profilePassword
	}
	if req.Name == nil && req.Email == nil && req.Password == nil {
		return printer.Error("nothing to update", "Pass at least one of --name, --email or --password.", nil)
	}
	if err := requireLogin(ctx); err != nil {
		return err
	}

	if err := rt.client.UpdateProfile(ctx, req); err != nil {
		return printer.APIError("update your profile", err)
	}
	printer.Success("Profile updated\n")
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := requireLogin(ctx); err != nil {
		return err
	}

	if sessionsRevokeAll {
		if err := rt.client.RevokeAllSessions(ctx); err != nil {
			return printer.APIError("revoke sessions", err)
		}
		printer.Success("All sessions revoked\n")
		printer.Info("This terminal stays logged in until its access token expires.\n")
		return nil
	}

	sessions, err := rt.client.ListSessions(ctx)
	if err != nil {
		return printer.APIError("list sessions", err)
	}
	format.Sessions(cmd.OutOrStdout(), sessions)
	return nil
}
