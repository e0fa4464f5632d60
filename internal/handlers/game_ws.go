package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/cardchain/cardchain/internal/models"
	"github.com/cardchain/cardchain/internal/session"
)

// gameMessage is the shape of incoming WebSocket frames carrying user intents.
type gameMessage struct {
	Type string `json:"type"`

	// Number is the guessed card number for "guess" messages.
	Number int `json:"number,omitempty"`
}

// GameWSHandler upgrades the connection for one game, restores the caller's
// session from the resume cookie, and then streams authoritative state frames
// while routing intents (guess, start, next_round) into the session.
func GameWSHandler(logger *logrus.Logger, gs *GameServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gameID := strings.TrimPrefix(r.URL.Path, "/game/ws/")

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"game"},
			OriginPatterns: []string{"*"}, // Adjust for production security.
		})
		if err != nil {
			logger.Warnf("WebSocket accept error for game %s: %v", gameID, err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "Internal server error during handler exit.")

		if gameID == "" || strings.Contains(gameID, "/") {
			c.Close(websocket.StatusCode(InvalidGameIDClose), "Missing game id in path (/game/ws/{game_id}).")
			return
		}
		if c.Subprotocol() != "game" {
			logger.Warnf("Client for game %s connected with invalid subprotocol: %s", gameID, c.Subprotocol())
			c.Close(websocket.StatusPolicyViolation, "Client must use the 'game' subprotocol.")
			return
		}
		logger.Infof("WebSocket connection established for game %s from %s", gameID, r.RemoteAddr)

		writer := &wsWriter{c: c}
		sess := gs.NewSession(&cookieStore{r: r})
		defer sess.Leave()

		// State frames flow from the session's change hook: the initial
		// restore, every optimistic local update, and every delivery from the
		// propagation channel all land here.
		sess.OnChange = func(state models.GameState) {
			if err := writer.send(stateFrame{Type: "game_state", State: state}); err != nil {
				logger.Warnf("Failed to write state frame for game %s: %v", gameID, err)
			}
		}

		ok, err := sess.Restore(r.Context(), gameID)
		if errors.Is(err, session.ErrNoGame) {
			c.Close(websocket.StatusCode(GameNotFoundClose), "Game not found.")
			return
		}
		if err != nil {
			logger.Warnf("Failed to restore session for game %s: %v", gameID, err)
			c.Close(websocket.StatusInternalError, "Failed to restore game session.")
			return
		}
		if !ok {
			c.Close(websocket.StatusCode(NotRestorableClose), "No resume identity for this game; join first.")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		readGameMessages(ctx, c, sess, writer, gameID, logger)
		logger.Infof("WebSocket read loop exited for game %s (%s).", gameID, r.RemoteAddr)
	}
}

// readGameMessages reads intents from the client until the connection closes
// and routes them into the session. Action errors go back to this client as
// error frames; state changes reach it through the OnChange hook instead.
func readGameMessages(ctx context.Context, c *websocket.Conn, sess *session.Session, writer *wsWriter, gameID string, logger *logrus.Logger) {
	for {
		msgType, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				logger.Infof("WebSocket closed normally for game %s.", gameID)
			} else if strings.Contains(err.Error(), "context canceled") {
				logger.Infof("WebSocket context canceled for game %s.", gameID)
			} else {
				logger.Warnf("Error reading from WebSocket for game %s: %v (Status: %d)", gameID, err, status)
			}
			return
		}
		if msgType != websocket.MessageText {
			logger.Warnf("Received non-text message type %d for game %s. Ignoring.", msgType, gameID)
			continue
		}

		var msg gameMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warnf("Invalid JSON received for game %s: %v. Data: %s", gameID, err, string(data))
			writer.sendError("Invalid JSON format.")
			continue
		}

		var actionErr error
		switch msg.Type {
		case "guess":
			actionErr = sess.MakeGuess(ctx, msg.Number)
		case "start":
			actionErr = sess.StartGame(ctx)
		case "next_round":
			actionErr = sess.NextRound(ctx)
		case "ping":
			writer.send(map[string]string{"type": "pong"})
		default:
			writer.sendError("Unknown action type: " + msg.Type)
		}

		if actionErr != nil {
			logger.Debugf("Action '%s' failed for game %s: %v", msg.Type, gameID, actionErr)
			writer.sendError(actionErr.Error())
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

type stateFrame struct {
	Type  string           `json:"type"`
	State models.GameState `json:"state"`
}

// wsWriter serializes concurrent frame writes: the read loop and the change
// hook both push frames onto a single connection.
type wsWriter struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (w *wsWriter) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsWriter) sendError(msg string) {
	w.send(map[string]interface{}{
		"type":    "error",
		"message": msg,
	})
}
