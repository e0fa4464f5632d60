package handlers

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/cardchain/cardchain/internal/database"
	"github.com/cardchain/cardchain/internal/identity"
	"github.com/cardchain/cardchain/internal/models"
	"github.com/cardchain/cardchain/internal/session"
)

// GameServer wires the collaborator-facing HTTP and WebSocket surface to
// per-client sessions. Session construction and record fetching are function
// fields so handler tests can run against in-memory fakes.
type GameServer struct {
	Logger   *logrus.Logger
	Settings models.Settings

	NewSession func(store identity.Store) *session.Session
	FetchFn    func(ctx context.Context, gameID string) (database.GameRecord, error)
}

func NewGameServer(logger *logrus.Logger) *GameServer {
	gs := &GameServer{
		Logger:   logger,
		Settings: models.DefaultSettings(),
		FetchFn:  database.GetGame,
	}
	gs.NewSession = func(store identity.Store) *session.Session {
		sess := session.New(store, logrus.NewEntry(logger))
		sess.Settings = gs.Settings
		return sess
	}
	return gs
}
