package server

import (
	"embed"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/victortrac/kioskanswer/internal/answer"
	"github.com/victortrac/kioskanswer/internal/journal"
	"github.com/victortrac/kioskanswer/internal/policy"
)

//go:embed assets/*.html
var assets embed.FS

// Journal is the read side of the event journal.
type Journal interface {
	GetStats(timeRange string) (journal.Stats, error)
	RecentEvents(limit int) ([]answer.Event, error)
}

// Watcher reports which conversations the engine follows.
type Watcher interface {
	Attached() []string
}

// Link reports whether the conferencing client is reachable.
type Link interface {
	Connected() bool
}

// Deps are the dashboard's data sources. Journal and Link may be nil.
type Deps struct {
	Journal  Journal
	Watcher  Watcher
	Link     Link
	Policy   *policy.Store
	Gatherer prometheus.Gatherer
	Logger   logrus.FieldLogger
}

// Status is the /api/status payload.
type Status struct {
	Connected     bool            `json:"connected"`
	Policy        policy.Settings `json:"policy"`
	Conversations []string        `json:"conversations"`
}

// policyUpdate carries the settings a POST wants changed.
type policyUpdate struct {
	AutoAnswer              *bool `json:"auto_answer"`
	FullScreenOnAnswer      *bool `json:"full_screen_on_answer"`
	AutoAcceptScreenSharing *bool `json:"auto_accept_screen_sharing"`
}

func RegisterDashboard(mux *http.ServeMux, d Deps) {
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		content, _ := assets.ReadFile("assets/index.html")
		w.Header().Set("Content-Type", "text/html")
		w.Write(content)
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		status := Status{
			Policy:        d.Policy.Snapshot(),
			Conversations: []string{},
		}
		if d.Link != nil {
			status.Connected = d.Link.Connected()
		}
		if d.Watcher != nil {
			status.Conversations = d.Watcher.Attached()
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("GET /api/policy", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Policy.Snapshot())
	})

	mux.HandleFunc("POST /api/policy", func(w http.ResponseWriter, r *http.Request) {
		var req policyUpdate
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, "invalid policy: "+err.Error(), http.StatusBadRequest)
			return
		}
		next := d.Policy.Snapshot()
		if req.AutoAnswer != nil {
			next.AutoAnswer = *req.AutoAnswer
		}
		if req.FullScreenOnAnswer != nil {
			next.FullScreenOnAnswer = *req.FullScreenOnAnswer
		}
		if req.AutoAcceptScreenSharing != nil {
			next.AutoAcceptScreenSharing = *req.AutoAcceptScreenSharing
		}
		d.Policy.Set(next)
		d.Logger.WithFields(logrus.Fields{
			"auto_answer":                next.AutoAnswer,
			"full_screen_on_answer":      next.FullScreenOnAnswer,
			"auto_accept_screen_sharing": next.AutoAcceptScreenSharing,
		}).Info("Policy updated over HTTP")
		writeJSON(w, http.StatusOK, d.Policy.Snapshot())
	})

	mux.HandleFunc("GET /api/stats", func(w http.ResponseWriter, r *http.Request) {
		if d.Journal == nil {
			http.Error(w, "journal disabled", http.StatusServiceUnavailable)
			return
		}
		stats, err := d.Journal.GetStats(r.URL.Query().Get("range"))
		if err != nil {
			d.Logger.WithError(err).Warn("Failed to compute stats")
			http.Error(w, "stats unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	mux.HandleFunc("GET /api/events", func(w http.ResponseWriter, r *http.Request) {
		if d.Journal == nil {
			http.Error(w, "journal disabled", http.StatusServiceUnavailable)
			return
		}
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 1000 {
				http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
				return
			}
			limit = n
		}
		events, err := d.Journal.RecentEvents(limit)
		if err != nil {
			d.Logger.WithError(err).Warn("Failed to read events")
			http.Error(w, "events unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, events)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
