// Package directory announces this server to the bootstrap directory
// service with a periodic heartbeat.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Announcer posts the server's listing to the bootstrap directory.
type Announcer struct {
	bootstrapURL string
	serverID     string
	endpoint     string
	publicKey    string
	interval     time.Duration
	http         *http.Client
	log          zerolog.Logger
}

// New creates an announcer. bootstrapURL may be empty, in which case Run is
// a no-op.
func New(bootstrapURL, serverID, endpoint, publicKey string, interval time.Duration, log zerolog.Logger) *Announcer {
	return &Announcer{
		bootstrapURL: bootstrapURL,
		serverID:     serverID,
		endpoint:     endpoint,
		publicKey:    publicKey,
		interval:     interval,
		http:         &http.Client{Timeout: 10 * time.Second},
		log:          log,
	}
}

// Run heartbeats until ctx is canceled. The first announcement is sent
// immediately.
func (a *Announcer) Run(ctx context.Context) error {
	if a.bootstrapURL == "" {
		return nil
	}

	a.announce(ctx)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.announce(ctx)
		}
	}
}

func (a *Announcer) announce(ctx context.Context) {
	body, err := json.Marshal(map[string]string{
		"serverId":  a.serverID,
		"endpoint":  a.endpoint,
		"publicKey": a.publicKey,
	})
	if err != nil {
		a.log.Error().Err(err).Msg("directory heartbeat encode failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.bootstrapURL+"/servers", bytes.NewReader(body))
	if err != nil {
		a.log.Error().Err(err).Msg("directory heartbeat request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		a.log.Warn().Err(err).Msg("directory heartbeat failed")
		return
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		a.log.Warn().Str("status", fmt.Sprintf("%d", resp.StatusCode)).Msg("directory heartbeat rejected")
	}
}
