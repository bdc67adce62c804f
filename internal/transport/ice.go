package transport

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEConfig holds the ICE servers used while gathering candidates.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// ParseICEServers parses a comma separated list of stun:/turn: URLs. TURN entries
// may carry credentials as turn:user:pass@host:port.
func ParseICEServers(raw string) ICEConfig {
	var cfg ICEConfig
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		server := webrtc.ICEServer{URLs: []string{part}}
		if scheme, rest, ok := strings.Cut(part, ":"); ok && (scheme == "turn" || scheme == "turns") {
			if creds, host, ok := strings.Cut(rest, "@"); ok {
				if user, pass, ok := strings.Cut(creds, ":"); ok {
					server.URLs = []string{scheme + ":" + host}
					server.Username = user
					server.Credential = pass
				}
			}
		}
		cfg.Servers = append(cfg.Servers, server)
	}
	return cfg
}
