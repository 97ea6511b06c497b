package origin

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		name           string
		header         string
		wantNormalized string
		wantHost       string
		wantOK         bool
	}{
		{name: "plain https", header: "https://meet.example.com", wantNormalized: "https://meet.example.com", wantHost: "meet.example.com", wantOK: true},
		{name: "uppercase host", header: "https://Meet.Example.COM", wantNormalized: "https://meet.example.com", wantHost: "meet.example.com", wantOK: true},
		{name: "explicit default port dropped", header: "https://meet.example.com:443", wantNormalized: "https://meet.example.com", wantHost: "meet.example.com", wantOK: true},
		{name: "non-default port kept", header: "http://localhost:5173", wantNormalized: "http://localhost:5173", wantHost: "localhost:5173", wantOK: true},
		{name: "ipv6 literal", header: "http://[::1]:5173", wantNormalized: "http://[::1]:5173", wantHost: "[::1]:5173", wantOK: true},
		{name: "null origin", header: "null", wantNormalized: "null", wantHost: "", wantOK: true},
		{name: "surrounding whitespace", header: "  https://meet.example.com ", wantNormalized: "https://meet.example.com", wantHost: "meet.example.com", wantOK: true},
		{name: "empty", header: ""},
		{name: "no scheme", header: "meet.example.com"},
		{name: "bad scheme", header: "ftp://meet.example.com"},
		{name: "path", header: "https://meet.example.com/room"},
		{name: "query", header: "https://meet.example.com?x=1"},
		{name: "userinfo", header: "https://alice@meet.example.com"},
		{name: "zero port", header: "https://meet.example.com:0"},
		{name: "port out of range", header: "https://meet.example.com:70000"},
		{name: "unbracketed ipv6", header: "http://::1:5173"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			normalized, host, ok := Normalize(tc.header)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if normalized != tc.wantNormalized {
				t.Errorf("normalized = %q, want %q", normalized, tc.wantNormalized)
			}
			if host != tc.wantHost {
				t.Errorf("host = %q, want %q", host, tc.wantHost)
			}
		})
	}
}

func TestAllowedWithAllowList(t *testing.T) {
	list := []string{"https://meet.example.com", "http://localhost:5173"}

	if !Allowed("https://meet.example.com", "meet.example.com", "relay.example.com", list) {
		t.Error("listed origin rejected")
	}
	if Allowed("https://evil.example.com", "evil.example.com", "relay.example.com", list) {
		t.Error("unlisted origin allowed")
	}
	if !Allowed("https://anything.example.com", "anything.example.com", "relay.example.com", []string{"*"}) {
		t.Error("wildcard did not allow")
	}
	if !Allowed("null", "", "relay.example.com", []string{"null"}) {
		t.Error("explicit null entry did not allow null origin")
	}
}

func TestAllowedSameHostDefault(t *testing.T) {
	if !Allowed("https://relay.example.com", "relay.example.com", "relay.example.com", nil) {
		t.Error("same host rejected")
	}
	if !Allowed("https://relay.example.com", "relay.example.com", "relay.example.com:443", nil) {
		t.Error("default request port not treated as absent")
	}
	if Allowed("https://other.example.com", "other.example.com", "relay.example.com", nil) {
		t.Error("cross-host origin allowed by default policy")
	}
	if Allowed("null", "", "relay.example.com", nil) {
		t.Error("null origin allowed by same-host policy")
	}
	if Allowed("https://relay.example.com", "relay.example.com", "relay.example.com:8443", nil) {
		t.Error("port mismatch allowed")
	}
}
