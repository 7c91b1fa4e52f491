package webrtcconn

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	pion "github.com/pion/webrtc/v4"
)

const iceFetchTimeout = 5 * time.Second

// DefaultICEServers is the fallback when the API is unreachable.
func DefaultICEServers() []pion.ICEServer {
	return []pion.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}
}

// FetchICEServers asks the signaling API for its advertised servers.
func FetchICEServers(apiURL string) ([]pion.ICEServer, error) {
	client := &http.Client{Timeout: iceFetchTimeout}
	resp, err := client.Get(apiURL + "/api/ice-servers")
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice servers: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		ICEServers []struct {
			URLs []string `json:"urls"`
		} `json:"iceServers"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}

	out := make([]pion.ICEServer, 0, len(body.ICEServers))
	for _, s := range body.ICEServers {
		out = append(out, pion.ICEServer{URLs: s.URLs})
	}
	return out, nil
}
