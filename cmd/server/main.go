// Command server runs the assistant-chat backend: the Streaming
// Orchestrator, the Thread/Config/Download REST surface, and the
// migration management subcommands used to stand up its Postgres schema.
//
// Grounded on example/cmd/assistant/main.go (Clue logger bootstrap,
// errc-channel signal handling, context-cancellation-driven graceful
// shutdown) and cuemby-warren's cmd/warren (cobra root command with
// persistent flags and subcommands) and vanducng-goclaw's cmd/migrate.go
// (migrate up/down/version subcommands over golang-migrate).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "assistant-backend serves the streaming conversation API",
}

func main() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
