package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/clipdash/backend/clipsync"
	dbpkg "github.com/onnwee/clipdash/backend/db"
)

// contextWithTimeout derives from parent when set, else Background. Handlers
// use it for work that outlives the request.
func contextWithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(parent), d)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

type syncResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// resolveOwner picks the owner for single-tenant convenience: the ?owner=
// query wins; otherwise, when exactly one broadcaster is connected, that one.
func (h *Handlers) resolveOwner(r *http.Request) (ownerID, broadcasterID string, err error) {
	ownerID = r.URL.Query().Get("owner")
	if ownerID != "" {
		broadcasterID, _, _, _, err = dbpkg.GetBroadcasterCredential(r.Context(), h.db, ownerID)
		if err != nil {
			return "", "", err
		}
		if broadcasterID == "" {
			return "", "", errors.New("unknown owner")
		}
		return ownerID, broadcasterID, nil
	}
	rows, err := h.db.QueryContext(r.Context(),
		`SELECT owner_id, broadcaster_id FROM broadcaster_credentials LIMIT 2`)
	if err != nil {
		return "", "", err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		n++
		if n > 1 {
			return "", "", errors.New("multiple broadcasters connected; pass ?owner=")
		}
		if err := rows.Scan(&ownerID, &broadcasterID); err != nil {
			return "", "", err
		}
	}
	if err := rows.Err(); err != nil {
		return "", "", err
	}
	if n == 0 {
		return "", "", errors.New("no broadcaster connected")
	}
	return ownerID, broadcasterID, nil
}

// HandleSyncTrigger starts a clip sync for the resolved owner. The sync runs
// asynchronously; poll /sync/status for the outcome.
func (h *Handlers) HandleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ownerID, broadcasterID, err := h.resolveOwner(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, syncResponse{Success: false, Message: err.Error()})
		return
	}

	// Serialize the handoff: acquire synchronously so the caller learns about
	// an in-progress or debounced run, then page in the background.
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := contextWithTimeout(h.ctx, 10*time.Minute)
		defer cancel()
		errCh <- h.syncer.Sync(ctx, ownerID, broadcasterID)
	}()

	select {
	case err := <-errCh:
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, syncResponse{Success: true, Message: "sync complete"})
		case errors.Is(err, clipsync.ErrSyncInProgress):
			writeJSON(w, http.StatusConflict, syncResponse{Success: false, Message: "sync already in progress"})
		case errors.Is(err, clipsync.ErrSyncDebounced):
			writeJSON(w, http.StatusTooManyRequests, syncResponse{Success: false, Message: "sync ran too recently"})
		default:
			writeJSON(w, http.StatusInternalServerError, syncResponse{Success: false, Message: err.Error()})
		}
	case <-time.After(2 * time.Second):
		// Long catalogs keep paging in the background.
		writeJSON(w, http.StatusAccepted, syncResponse{Success: true, Message: "sync started"})
	}
}

// HandleSyncStatus reports the owner's sync status row.
func (h *Handlers) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	ownerID, _, err := h.resolveOwner(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, syncResponse{Success: false, Message: err.Error()})
		return
	}
	st, err := clipsync.GetStatus(r.Context(), h.db, ownerID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, syncResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleAdminSyncAll sweeps a sync over every connected broadcaster.
func (h *Handlers) HandleAdminSyncAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	go func() {
		ctx, cancel := contextWithTimeout(h.ctx, 30*time.Minute)
		defer cancel()
		if err := clipsync.SyncAll(ctx, h.db, h.syncer); err != nil {
			slog.Error("admin sync sweep failed", slog.Any("err", err))
		}
	}()
	writeJSON(w, http.StatusAccepted, syncResponse{Success: true, Message: "sync sweep started"})
}

// HandleAdminReconcile re-runs subscription reconciliation for every connected
// broadcaster (or one, with ?broadcaster_id=).
func (h *Handlers) HandleAdminReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.reconciler == nil {
		writeJSON(w, http.StatusServiceUnavailable, syncResponse{Success: false, Message: "eventsub not configured"})
		return
	}

	var ids []string
	if id := r.URL.Query().Get("broadcaster_id"); id != "" {
		ids = []string{id}
	} else {
		rows, err := h.db.QueryContext(r.Context(), `SELECT broadcaster_id FROM broadcaster_credentials`)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, syncResponse{Success: false, Message: err.Error()})
			return
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				writeJSON(w, http.StatusInternalServerError, syncResponse{Success: false, Message: err.Error()})
				return
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			writeJSON(w, http.StatusInternalServerError, syncResponse{Success: false, Message: err.Error()})
			return
		}
	}

	failures := 0
	for _, id := range ids {
		if err := h.reconciler.Reconcile(r.Context(), id); err != nil {
			failures++
			slog.Warn("reconcile failed", slog.String("broadcaster_id", id), slog.Any("err", err))
		}
	}
	if failures > 0 {
		writeJSON(w, http.StatusInternalServerError, syncResponse{
			Success: false,
			Message: "reconcile finished with failures",
		})
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Success: true, Message: "reconciled"})
}
