package handlers

import (
	"errors"
	"net/http"

	"github.com/cardchain/cardchain/internal/auth"
	"github.com/cardchain/cardchain/internal/models"
)

// cookieStore implements identity.Store over a signed per-game cookie, the
// browser-facing analogue of the file-backed store: the resume token binds
// the player id and display name to one game id, and the authoritative record
// remains the source of truth for everything else.
type cookieStore struct {
	w http.ResponseWriter
	r *http.Request
}

func cookieName(gameID string) string {
	return "cardchain_game_" + gameID
}

func (cs *cookieStore) Save(gameID string, p models.Player) error {
	if cs.w == nil {
		// Established WebSocket connections cannot set cookies; saving only
		// happens on the HTTP create/join path.
		return nil
	}
	token, err := auth.CreatePlayerToken(gameID, p)
	if err != nil {
		return err
	}
	http.SetCookie(cs.w, &http.Cookie{
		Name:     cookieName(gameID),
		Value:    token,
		Path:     "/",
		HttpOnly: true,
	})
	return nil
}

func (cs *cookieStore) Load(gameID string) (models.Player, bool, error) {
	c, err := cs.r.Cookie(cookieName(gameID))
	if errors.Is(err, http.ErrNoCookie) {
		return models.Player{}, false, nil
	}
	if err != nil {
		return models.Player{}, false, err
	}

	gid, player, err := auth.AuthenticatePlayerToken(c.Value)
	if err != nil || gid != gameID {
		// An expired or foreign token is the same as no identity: the client
		// is prompted for a fresh join.
		return models.Player{}, false, nil
	}
	return player, true, nil
}

func (cs *cookieStore) Clear(gameID string) error {
	if cs.w == nil {
		return nil
	}
	http.SetCookie(cs.w, &http.Cookie{
		Name:     cookieName(gameID),
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	return nil
}
