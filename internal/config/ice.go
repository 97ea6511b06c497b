package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "MEETMESH_ICE_SERVERS_JSON"
	envStunURLs       = "MEETMESH_STUN_URLS"
	envTurnURLs       = "MEETMESH_TURN_URLS"
	envTurnUsername   = "MEETMESH_TURN_USERNAME"
	envTurnCredential = "MEETMESH_TURN_CREDENTIAL"
)

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username"`
	Credential string              `json:"credential"`
}

// stringOrStringSlice accepts both `"urls": "stun:..."` and
// `"urls": ["stun:...", "turn:..."]`, matching the browser RTCIceServer shape.
type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("urls must be a string or array of strings")
	}
	*s = many
	return nil
}

// parseICEServersFromValues builds the ICE server list handed to clients. The
// JSON form takes precedence; otherwise the convenience STUN/TURN vars are
// combined. An empty config is valid and yields no servers.
func parseICEServersFromValues(serversJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if strings.TrimSpace(serversJSON) != "" {
		return parseICEServersJSON(serversJSON)
	}

	var servers []webrtc.ICEServer

	if urls := splitCommaList(stunURLs); len(urls) > 0 {
		for _, u := range urls {
			if err := validateICEURL(u, "stun"); err != nil {
				return nil, err
			}
		}
		servers = append(servers, webrtc.ICEServer{URLs: urls})
	}

	if urls := splitCommaList(turnURLs); len(urls) > 0 {
		for _, u := range urls {
			if err := validateICEURL(u, "turn"); err != nil {
				return nil, err
			}
		}
		if turnUsername == "" || turnCredential == "" {
			return nil, fmt.Errorf("%s and %s are required when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       urls,
			Username:   turnUsername,
			Credential: turnCredential,
		})
	} else if turnUsername != "" || turnCredential != "" {
		return nil, fmt.Errorf("%s/%s set without %s", envTurnUsername, envTurnCredential, envTurnURLs)
	}

	return servers, nil
}

func parseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()

	var entries []iceServerJSON
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", envICEServersJSON, err)
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		if len(entry.URLs) == 0 {
			return nil, fmt.Errorf("invalid %s: entry %d has no urls", envICEServersJSON, i)
		}
		for _, u := range entry.URLs {
			if err := validateICEURL(u, ""); err != nil {
				return nil, fmt.Errorf("invalid %s: entry %d: %w", envICEServersJSON, i, err)
			}
		}
		server := webrtc.ICEServer{URLs: entry.URLs, Username: entry.Username}
		if entry.Credential != "" {
			server.Credential = entry.Credential
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// validateICEURL checks the scheme of a STUN/TURN URL. When wantScheme is
// empty, any of the standard schemes is accepted.
func validateICEURL(raw, wantScheme string) error {
	scheme, _, ok := strings.Cut(raw, ":")
	if !ok || scheme == "" {
		return fmt.Errorf("invalid ICE server URL %q", raw)
	}
	scheme = strings.ToLower(scheme)
	switch wantScheme {
	case "":
		switch scheme {
		case "stun", "stuns", "turn", "turns":
			return nil
		}
	case "stun":
		if scheme == "stun" || scheme == "stuns" {
			return nil
		}
	case "turn":
		if scheme == "turn" || scheme == "turns" {
			return nil
		}
	}
	return fmt.Errorf("invalid ICE server URL %q (unexpected scheme %q)", raw, scheme)
}

func splitCommaList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
