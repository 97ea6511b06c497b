// Command meetmesh is a headless room client: it joins a room on a relay,
// negotiates peer connections, and bridges chat to the terminal. Useful for
// smoke-testing a deployment without a browser.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "meetmesh",
	Short: "Terminal client for a meetmesh signaling relay",
	Long: `meetmesh is a headless client for the meetmesh video-chat relay.

It speaks the same signaling protocol as the web app: join a room, watch
participants come and go, exchange chat, and hold negotiated peer
connections open so ICE and TURN setups can be verified end to end.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if flagVerbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func main() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
}
