package commands

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/parley/internal/config"
	"github.com/dyluth/parley/internal/printer"
	"github.com/dyluth/parley/internal/scaffold"
)

var (
	forceInit bool
	initMode  string
	initTopic int64
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Write a commented starter config to ~/.parley/config.yml (or --config).

The server URL comes from --server, then PARLEY_SERVER, then http://localhost:8080.

Use --force to replace an existing config (WARNING: destroys existing configuration).

Examples:
  parley init --server https://forum.example.com/api
  parley init --stream-mode poll --general-topic 3`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Replace an existing config")
	initCmd.Flags().StringVar(&initMode, "stream-mode", config.StreamWebSocket, "Push transport: websocket, poll or redis")
	initCmd.Flags().Int64Var(&initTopic, "general-topic", 0, "Topic joined by 'parley chat' without an id")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}

	server := serverURL
	if server == "" {
		server = strings.TrimSpace(os.Getenv("PARLEY_SERVER"))
	}

	opts := scaffold.Options{ServerURL: server, StreamMode: initMode, GeneralTopicID: initTopic}
	if err := scaffold.Initialize(path, opts, forceInit); err != nil {
		return printer.ErrorWithContext(
			"initialization failed",
			err.Error(),
			map[string]string{"Config": path},
			nil,
		)
	}

	printer.Success("Wrote %s\n", path)
	printer.Info("\nNext steps:\n")
	printer.Info("  1. Review the file and adjust server.url if needed\n")
	printer.Info("  2. Create an account or log in:\n       parley login --email <email>\n")
	printer.Info("  3. Join the conversation:\n       parley chat\n")
	return nil
}
