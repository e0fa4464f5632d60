package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cardchain/cardchain/internal/database"
	"github.com/cardchain/cardchain/internal/session"
)

type createGameRequest struct {
	Name     string `json:"name"`
	Passcode string `json:"passcode,omitempty"`
}

type joinGameRequest struct {
	Name     string `json:"name"`
	Passcode string `json:"passcode,omitempty"`
}

// CreateGameHandler handles POST /game/create. It creates a game with the
// caller as organizer, sets the resume cookie, and returns the game id plus
// the share link other players use to join.
func CreateGameHandler(gs *GameServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req createGameRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request payload", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			http.Error(w, "player name is required", http.StatusBadRequest)
			return
		}

		sess := gs.NewSession(&cookieStore{w: w, r: r})
		defer sess.Leave()

		gameID, err := sess.CreateGame(r.Context(), strings.TrimSpace(req.Name), req.Passcode)
		if err != nil {
			gs.Logger.WithField("error", err).Error("Failed to create game")
			http.Error(w, "failed to create game", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"game_id":   gameID,
			"share_url": shareURL(r, gameID),
		})
	}
}

// JoinGameHandler handles POST /game/join?game={id}. The query parameter
// carries the same id the share link does.
func JoinGameHandler(gs *GameServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		gameID := r.URL.Query().Get("game")
		if gameID == "" {
			http.Error(w, "missing game query parameter", http.StatusBadRequest)
			return
		}
		var req joinGameRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request payload", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			http.Error(w, "player name is required", http.StatusBadRequest)
			return
		}

		sess := gs.NewSession(&cookieStore{w: w, r: r})
		defer sess.Leave()

		err := sess.JoinGame(r.Context(), gameID, strings.TrimSpace(req.Name), req.Passcode)
		switch {
		case errors.Is(err, session.ErrNoGame):
			http.Error(w, "game not found", http.StatusNotFound)
			return
		case errors.Is(err, session.ErrAlreadyStarted):
			http.Error(w, "game has already started", http.StatusConflict)
			return
		case errors.Is(err, session.ErrGameFull):
			http.Error(w, "game is full", http.StatusConflict)
			return
		case errors.Is(err, session.ErrBadPasscode):
			http.Error(w, "incorrect passcode", http.StatusForbidden)
			return
		case errors.Is(err, session.ErrConflict):
			http.Error(w, "game changed concurrently, try again", http.StatusConflict)
			return
		case err != nil:
			gs.Logger.WithField("error", err).Error("Failed to join game")
			http.Error(w, "failed to join game", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"game_id": gameID,
		})
	}
}

// GameStateHandler handles GET /game/state/{id}: a one-shot snapshot fetch of
// the authoritative record, used by clients before the WebSocket is up.
func GameStateHandler(gs *GameServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		gameID := strings.TrimPrefix(r.URL.Path, "/game/state/")
		if gameID == "" || strings.Contains(gameID, "/") {
			http.Error(w, "missing game id in path", http.StatusBadRequest)
			return
		}

		rec, err := gs.FetchFn(r.Context(), gameID)
		if errors.Is(err, database.ErrNoGame) {
			http.Error(w, "game not found", http.StatusNotFound)
			return
		}
		if err != nil {
			gs.Logger.WithField("error", err).Error("Failed to fetch game state")
			http.Error(w, "failed to fetch game", http.StatusInternalServerError)
			return
		}

		writeJSON(w, rec.State())
	}
}

// shareURL builds the outbound share link in the <origin>?game=<id> shape.
func shareURL(r *http.Request, gameID string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s?game=%s", scheme, r.Host, gameID)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
