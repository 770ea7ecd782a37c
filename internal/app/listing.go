package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"convoy"
	"convoy/internal/proto"
)

// listingReporter pushes aggregate counters to a rendezvous service so the
// server shows up in public listings. Reports are fire-and-forget; the
// server loop never waits on the network.
type listingReporter struct {
	url    string
	port   uint16
	client *http.Client
	log    zerolog.Logger
}

func newListingReporter(url string, port uint16, log zerolog.Logger) *listingReporter {
	return &listingReporter{
		url:    url,
		port:   port,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.With().Str("component", "listing").Logger(),
	}
}

func (r *listingReporter) Report(stats convoy.Stats) {
	body, err := json.Marshal(map[string]any{
		"name":         stats.Name,
		"player_count": stats.Players,
		"max_players":  stats.MaxPlayers,
		"description":  stats.Description,
		"map":          stats.Map,
		"port":         r.port,
		"version":      proto.Version,
	})
	if err != nil {
		return
	}
	go func() {
		resp, err := r.client.Post(r.url, "application/json", bytes.NewReader(body))
		if err != nil {
			r.log.Debug().Err(err).Msg("listing report failed")
			return
		}
		resp.Body.Close()
	}()
}
