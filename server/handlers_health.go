package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"credentials", func() error {
			var count int
			err := h.db.QueryRowContext(r.Context(),
				"SELECT COUNT(*) FROM broadcaster_credentials").Scan(&count)
			if err != nil {
				return err
			}
			if count < 1 {
				return fmt.Errorf("no broadcaster connected")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			// Set headers before writing status code
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports a small operational summary for the dashboard.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var broadcasters, clips int
	if err := h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM broadcaster_credentials").Scan(&broadcasters); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM clips").Scan(&clips); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type ownerStatus struct {
		OwnerID   string `json:"owner_id"`
		Status    string `json:"status"`
		ClipCount int    `json:"clip_count"`
	}
	rows, err := h.db.QueryContext(ctx,
		`SELECT owner_id, status, clip_count FROM clip_sync_status ORDER BY owner_id`)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rows.Close()
	var syncs []ownerStatus
	for rows.Next() {
		var s ownerStatus
		if err := rows.Scan(&s.OwnerID, &s.Status, &s.ClipCount); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		syncs = append(syncs, s)
	}
	if err := rows.Err(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"broadcasters": broadcasters,
		"clips":        clips,
		"syncs":        syncs,
	})
}
