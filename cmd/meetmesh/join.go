package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	stdsignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/meetmesh/meetmesh/internal/client"
	"github.com/meetmesh/meetmesh/internal/peer"
	"github.com/meetmesh/meetmesh/internal/signal"
)

var (
	flagServer string
	flagName   string
	flagOrigin string
)

var joinCmd = &cobra.Command{
	Use:   "join <room>",
	Short: "Join a room and relay chat to the terminal",
	Long: `Join a room on the relay. Presence and chat events are printed to
stdout; lines typed on stdin are sent as chat messages.

Examples:
  meetmesh join standup
  meetmesh join standup --name ci-probe --server wss://meet.example.com/rtc/signal`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return joinRoom(cmd.Context(), args[0])
	},
}

func init() {
	joinCmd.Flags().StringVar(&flagServer, "server", "ws://127.0.0.1:8080/rtc/signal", "signaling endpoint (ws:// or wss://)")
	joinCmd.Flags().StringVar(&flagName, "name", "", "display name (defaults to the local hostname)")
	joinCmd.Flags().StringVar(&flagOrigin, "origin", "", "Origin header to present on the upgrade")
	rootCmd.AddCommand(joinCmd)
}

func joinRoom(ctx context.Context, room string) error {
	ctx, stop := stdsignal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	name := flagName
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		}
	}

	iceServers, err := fetchICEServers(ctx, flagServer)
	if err != nil {
		slog.Warn("could not fetch ICE servers; continuing without STUN/TURN", "err", err)
	}

	api, err := peer.NewAPI()
	if err != nil {
		return err
	}
	factory := peer.PionFactory(api, iceServers, func(t *peer.PionTransport) error {
		// Every connection carries at least a data channel so the offer is
		// never empty even when no media tracks are attached.
		_, err := t.PeerConnection().CreateDataChannel("meetmesh", nil)
		return err
	})

	names := newNameTable()

	c, err := client.Dial(ctx, client.Config{
		Logger:       slog.Default(),
		URL:          flagServer,
		Origin:       flagOrigin,
		NewTransport: factory,
		OnWelcome: func(self, room string, peers []signal.PeerInfo) {
			names.setAll(peers)
			fmt.Printf("* joined %s as %s (%d other members)\n", room, self[:8], len(peers))
		},
		OnPresenceJoin: func(ref, name string) {
			names.set(ref, name)
			fmt.Printf("* %s joined\n", names.display(ref))
		},
		OnPresenceLeave: func(ref string) {
			fmt.Printf("* %s left\n", names.display(ref))
		},
		OnPresenceName: func(ref, name string) {
			fmt.Printf("* %s is now %s\n", names.display(ref), name)
			names.set(ref, name)
		},
		OnChat: func(sender, senderName, text string, at time.Time) {
			who := senderName
			if who == "" {
				who = names.display(sender)
			}
			fmt.Printf("[%s] %s: %s\n", at.Format("15:04:05"), who, text)
		},
		OnError: func(code, message string) {
			fmt.Fprintf(os.Stderr, "relay error: %s: %s\n", code, message)
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Join(room, name); err != nil {
		return err
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if err := c.SendChat(line); err != nil {
				slog.Warn("failed to send chat", "err", err)
				return
			}
		}
	}()

	err = c.Run(ctx)
	if ctx.Err() != nil {
		fmt.Println("* leaving")
		return nil
	}
	return err
}

// fetchICEServers asks the relay which STUN/TURN servers clients should use,
// via the HTTP endpoint next to the signaling one.
func fetchICEServers(ctx context.Context, signalURL string) ([]webrtc.ICEServer, error) {
	u, err := url.Parse(signalURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/webrtc/ice"
	u.RawQuery = ""

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}

	var body struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(body.ICEServers))
	for _, s := range body.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// nameTable maps refs to display names for terminal output.
type nameTable struct {
	names map[string]string
}

func newNameTable() *nameTable {
	return &nameTable{names: make(map[string]string)}
}

func (t *nameTable) set(ref, name string) {
	if name != "" {
		t.names[ref] = name
	}
}

func (t *nameTable) setAll(peers []signal.PeerInfo) {
	for _, p := range peers {
		t.set(p.Ref, p.Name)
	}
}

func (t *nameTable) display(ref string) string {
	if name, ok := t.names[ref]; ok {
		return name
	}
	if len(ref) > 8 {
		return ref[:8]
	}
	return ref
}
