package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

type createSessionRequest struct {
	RoomID     string     `json:"room_id"`
	Difficulty Difficulty `json:"difficulty"`
}

type joinSessionRequest struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
}

type flipCardRequest struct {
	PlayerID string `json:"player_id"`
	Position int    `json:"position"`
}

type playerRequest struct {
	PlayerID string `json:"player_id"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps engine errors onto HTTP statuses. Every rejection carries
// its stable reason code so clients never have to parse prose.
func writeError(w http.ResponseWriter, err error) {
	var rej *Rejection
	if errors.As(err, &rej) {
		status := http.StatusConflict
		switch rej.Code {
		case ReasonInvalidArgument, ReasonInvalidPosition, ReasonInvalidDifficulty:
			status = http.StatusBadRequest
		case ReasonSessionNotFound:
			status = http.StatusNotFound
		case ReasonTransientFailure:
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"error": rej.Code})
		return
	}

	var inv *invariantError
	if errors.As(err, &inv) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "invariant_violation"})
		return
	}

	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
}

func createSessionHandler(cfg *Config, sm *SessionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, reject(ReasonInvalidArgument))
			return
		}

		view, err := sm.CreateSession(req.RoomID, req.Difficulty)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)
	}
}

func getSessionHandler(cfg *Config, sm *SessionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		view, err := sm.GetSession(ps.ByName("sessionid"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func joinSessionHandler(cfg *Config, sm *SessionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		var req joinSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, reject(ReasonInvalidArgument))
			return
		}

		participant, err := sm.JoinSession(ps.ByName("sessionid"), req.PlayerID, req.DisplayName)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, participant)
	}
}

func startSessionHandler(cfg *Config, sm *SessionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		view, err := sm.StartSession(ps.ByName("sessionid"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func flipCardHandler(cfg *Config, sm *SessionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		var req flipCardRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, reject(ReasonInvalidArgument))
			return
		}

		result, err := sm.FlipCard(ps.ByName("sessionid"), req.PlayerID, req.Position)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func leaveSessionHandler(cfg *Config, sm *SessionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		var req playerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, reject(ReasonInvalidArgument))
			return
		}

		if err := sm.LeaveSession(ps.ByName("sessionid"), req.PlayerID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func abandonSessionHandler(cfg *Config, sm *SessionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if err := sm.AbandonSession(ps.ByName("sessionid")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// serveWS subscribes a client to a session's realtime events and primes it
// with a full snapshot so reconnects see the current board.
func serveWS(cfg *Config, sm *SessionManager, hub *wsHub) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		sessionID := ps.ByName("sessionid")
		view, err := sm.GetSession(sessionID)
		if err != nil {
			writeError(w, err)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &wsClient{
			conn: conn,
			send: make(chan any, 8),
		}

		hub.subscribe(sessionID, client)
		client.send <- view

		go client.writePump()
		client.readPump(hub, sessionID)
	}
}

// qrHandler generates a PNG QR code for the current session URL.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sessionID := ps.ByName("sessionid")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:sessionid/qr; strip trailing "/qr" to get the session URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// registerMatchGame sets up routes so that:
//   - POST $path                       → create a session
//   - GET  $path/:sessionid            → session snapshot
//   - POST $path/:sessionid/join       → join
//   - POST $path/:sessionid/start      → build deck, go active
//   - POST $path/:sessionid/flip       → flip a card
//   - POST $path/:sessionid/leave      → leave
//   - POST $path/:sessionid/abandon    → external teardown
//   - GET  $path/:sessionid/ws         → realtime event stream
//   - GET  $path/:sessionid/qr         → PNG QR code for that session URL
func registerMatchGame(cfg *Config, path string, mux *httprouter.Router, sm *SessionManager, hub *wsHub) {
	mux.POST(cfg.prefix+path, createSessionHandler(cfg, sm))
	mux.GET(cfg.prefix+path+"/:sessionid", getSessionHandler(cfg, sm))
	mux.POST(cfg.prefix+path+"/:sessionid/join", joinSessionHandler(cfg, sm))
	mux.POST(cfg.prefix+path+"/:sessionid/start", startSessionHandler(cfg, sm))
	mux.POST(cfg.prefix+path+"/:sessionid/flip", flipCardHandler(cfg, sm))
	mux.POST(cfg.prefix+path+"/:sessionid/leave", leaveSessionHandler(cfg, sm))
	mux.POST(cfg.prefix+path+"/:sessionid/abandon", abandonSessionHandler(cfg, sm))
	mux.GET(cfg.prefix+path+"/:sessionid/ws", serveWS(cfg, sm, hub))
	mux.GET(cfg.prefix+path+"/:sessionid/qr", qrHandler)
}
