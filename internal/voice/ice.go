package voice

// ICEServer is one STUN or TURN endpoint handed to joining clients. The list
// is static per process and never persisted.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// DefaultICEServers is the static STUN/TURN base every deployment carries.
func DefaultICEServers() []ICEServer {
	return []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
		{
			URLs:       []string{"turn:openrelay.metered.ca:80", "turn:openrelay.metered.ca:443"},
			Username:   "openrelayproject",
			Credential: "openrelayproject",
		},
	}
}

// BuildICEServers extends the static base with self-hosted TURN credentials
// when configured.
func BuildICEServers(turnURL, turnUser, turnCredential string) []ICEServer {
	servers := DefaultICEServers()
	if turnURL != "" {
		servers = append(servers, ICEServer{
			URLs:       []string{turnURL},
			Username:   turnUser,
			Credential: turnCredential,
		})
	}
	return servers
}
