package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jackc/pgx/v5/pgxpool"

	"concord/cmd/internal/engine"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	dbEnabled bool,
	eng *engine.Engine,
	metrics *Metrics,
	focus *focusState,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled && dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if metrics != nil {
		mux.Handle("/metrics", metrics.Handler())
	}

	mux.HandleFunc("GET /api/v1/sync", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"state": string(eng.State())})
	})

	mux.HandleFunc("GET /api/v1/rooms", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, eng.Rooms())
	})

	mux.HandleFunc("GET /api/v1/rooms/{roomID}", func(w http.ResponseWriter, r *http.Request) {
		room, ok := eng.Room(r.PathValue("roomID"))
		if !ok {
			http.Error(w, "unknown room", http.StatusNotFound)
			return
		}
		writeJSON(w, room)
	})

	mux.HandleFunc("GET /api/v1/rooms/{roomID}/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, eng.Messages(r.PathValue("roomID")))
	})

	mux.HandleFunc("GET /api/v1/rooms/{roomID}/members", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, eng.Members(r.PathValue("roomID")))
	})

	mux.HandleFunc("GET /api/v1/rooms/{roomID}/call", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, eng.CallParticipants(r.PathValue("roomID"), time.Now()))
	})

	mux.HandleFunc("GET /api/v1/rooms/{roomID}/typing", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, eng.Typing(r.PathValue("roomID")))
	})

	mux.HandleFunc("POST /api/v1/rooms/{roomID}/read", func(w http.ResponseWriter, r *http.Request) {
		eng.MarkRoomRead(r.PathValue("roomID"))
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/v1/rooms/{roomID}/older", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer cancel()

		n, err := eng.LoadOlder(ctx, r.PathValue("roomID"), limit)
		switch {
		case err == nil:
			writeJSON(w, map[string]int{"loaded": n})
		case errors.Is(err, engine.ErrUnknownRoom):
			http.Error(w, "unknown room", http.StatusNotFound)
		case errors.Is(err, engine.ErrNoHistory):
			http.Error(w, "no history source", http.StatusNotImplemented)
		case errors.Is(err, engine.ErrGenerationStale):
			http.Error(w, "timeline changed, retry", http.StatusConflict)
		default:
			log.Warn("http.older.fail", "room_id", r.PathValue("roomID"), "err", err)
			http.Error(w, "history fetch failed", http.StatusBadGateway)
		}
	})

	mux.HandleFunc("DELETE /api/v1/rooms/{roomID}", func(w http.ResponseWriter, r *http.Request) {
		eng.RemoveRoom(r.PathValue("roomID"))
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/v1/presence/{userID}", func(w http.ResponseWriter, r *http.Request) {
		rec, ok := eng.Presence(r.PathValue("userID"))
		if !ok {
			http.Error(w, "unknown user", http.StatusNotFound)
			return
		}
		writeJSON(w, presenceView{
			UserID:     rec.UserID,
			Status:     string(rec.Status),
			StatusMsg:  rec.StatusMsg,
			LastActive: humanize.Time(time.Now().Add(-rec.LastActive)),
		})
	})

	mux.HandleFunc("GET /api/v1/unread", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]int{"total": eng.UnreadTotal()})
	})

	mux.HandleFunc("PUT /api/v1/focus", func(w http.ResponseWriter, r *http.Request) {
		var f engine.Focus
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		focus.Set(f)
		w.WriteHeader(http.StatusNoContent)
	})
}

func registerSettingsHTTP(mux *http.ServeMux, settings *settingsState) {
	mux.HandleFunc("GET /api/v1/settings", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, settings.Get())
	})

	mux.HandleFunc("PUT /api/v1/settings", func(w http.ResponseWriter, r *http.Request) {
		var s engine.Settings
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		settings.Set(s)
		w.WriteHeader(http.StatusNoContent)
	})
}

type presenceView struct {
	UserID     string `json:"user_id"`
	Status     string `json:"status"`
	StatusMsg  string `json:"status_msg,omitempty"`
	LastActive string `json:"last_active"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
