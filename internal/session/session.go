// Package session implements the per-client session store: the single place
// that validates user intents, runs the turn resolution engine, persists the
// resulting record, and reconciles the local view with authoritative updates
// delivered by the realtime channel.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cardchain/cardchain/internal/auth"
	"github.com/cardchain/cardchain/internal/database"
	"github.com/cardchain/cardchain/internal/engine"
	"github.com/cardchain/cardchain/internal/identity"
	"github.com/cardchain/cardchain/internal/models"
	"github.com/cardchain/cardchain/internal/realtime"
)

// Session is one client's view of one game. It owns the realtime subscription
// for the game it watches (establishing a new one tears down the prior one)
// and keeps an optimistic local projection: an action's result is applied
// locally as soon as the persist succeeds, and stays authoritative until
// overwritten by the next confirmed delivery from the channel.
//
// Collaborators are function fields so tests can substitute in-memory fakes,
// mirroring how broadcast functions are injected into game instances.
type Session struct {
	Settings models.Settings
	Identity identity.Store
	Log      *logrus.Entry

	FetchFn     func(ctx context.Context, gameID string) (database.GameRecord, error)
	InsertFn    func(ctx context.Context, rec database.GameRecord) (database.GameRecord, error)
	OverwriteFn func(ctx context.Context, rec database.GameRecord) (database.GameRecord, error)
	PublishFn   func(ctx context.Context, rec database.GameRecord) error
	SubscribeFn func(ctx context.Context, gameID string, deliver func(database.GameRecord)) (io.Closer, error)

	// OnChange, if set, receives a state snapshot after every local or remote
	// update. It is invoked without internal locks held.
	OnChange func(models.GameState)

	mu         sync.Mutex
	rec        database.GameRecord
	bound      bool
	current    models.Player
	hasCurrent bool
	sub        io.Closer
}

// New returns a session wired to the shared datastore and the realtime
// channel, using the given identity store for silent rejoin.
func New(store identity.Store, log *logrus.Entry) *Session {
	return &Session{
		Settings:    models.DefaultSettings(),
		Identity:    store,
		Log:         log,
		FetchFn:     database.GetGame,
		InsertFn:    database.InsertGame,
		OverwriteFn: database.OverwriteGame,
		PublishFn:   realtime.Publish,
		SubscribeFn: func(ctx context.Context, gameID string, deliver func(database.GameRecord)) (io.Closer, error) {
			return realtime.Subscribe(ctx, gameID, deliver)
		},
	}
}

// State returns a snapshot of the current game state, if bound to one.
func (s *Session) State() (models.GameState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bound {
		return models.GameState{}, false
	}
	return s.rec.State().Clone(), true
}

// CurrentPlayer returns the locally-controlled player, if any.
func (s *Session) CurrentPlayer() (models.Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.hasCurrent
}

// GameID returns the id of the watched game, or "".
func (s *Session) GameID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bound {
		return ""
	}
	return s.rec.ID
}

// CreateGame creates a new game with this client as organizer and returns the
// opaque game id for share links. A non-empty passcode makes the game private.
func (s *Session) CreateGame(ctx context.Context, name, passcode string) (string, error) {
	player := models.Player{
		ID:   uuid.NewString(),
		Name: name,
	}
	state := models.GameState{
		ID:          uuid.NewString(),
		Status:      models.StatusWaiting,
		Players:     []models.Player{player},
		TotalRounds: s.Settings.TotalRounds,
		Organizer:   player.ID,
	}

	rec := database.RecordFromState(state)
	if passcode != "" {
		hash, err := auth.HashPasscode(passcode)
		if err != nil {
			return "", fmt.Errorf("failed to hash passcode: %w", err)
		}
		rec.PasscodeHash = &hash
	}

	stored, err := s.InsertFn(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("failed to create game: %w", err)
	}
	s.publish(ctx, stored)
	s.saveIdentity(state.ID, player)
	s.bind(stored, player)

	if err := s.resubscribe(ctx, state.ID); err != nil {
		return state.ID, err
	}
	s.Log.WithFields(logrus.Fields{"game": state.ID, "player": player.ID}).Info("Created game")
	return state.ID, nil
}

// JoinGame appends this client as a new player to a waiting game.
func (s *Session) JoinGame(ctx context.Context, gameID, name, passcode string) error {
	rec, err := s.FetchFn(ctx, gameID)
	if errors.Is(err, database.ErrNoGame) {
		return ErrNoGame
	}
	if err != nil {
		return fmt.Errorf("failed to fetch game %s: %w", gameID, err)
	}

	if rec.PasscodeHash != nil {
		ok, err := auth.VerifyPasscode(passcode, *rec.PasscodeHash)
		if err != nil {
			return fmt.Errorf("failed to verify passcode: %w", err)
		}
		if !ok {
			return ErrBadPasscode
		}
	}

	state := rec.State()
	if state.Status != models.StatusWaiting {
		return ErrAlreadyStarted
	}
	if len(state.Players) >= s.Settings.MaxPlayers {
		return ErrGameFull
	}

	player := models.Player{
		ID:   uuid.NewString(),
		Name: name,
	}
	state.Players = append(state.Players, player)
	rec.SetState(state)

	stored, err := s.overwrite(ctx, rec)
	if err != nil {
		return err
	}
	s.publish(ctx, stored)
	s.saveIdentity(gameID, player)
	s.bind(stored, player)

	if err := s.resubscribe(ctx, gameID); err != nil {
		return err
	}
	s.Log.WithFields(logrus.Fields{"game": gameID, "player": player.ID}).Info("Joined game")
	return nil
}

// MakeGuess submits the local player's guess. Guesses made out of turn, while
// the game is not playing, or against a card that is not up for guessing
// (card 1, the revealed card, or a number nobody holds) are silent no-ops:
// stale clicks from a lagging view, not errors.
func (s *Session) MakeGuess(ctx context.Context, number int) error {
	s.mu.Lock()
	if !s.bound {
		s.mu.Unlock()
		return ErrNoSession
	}
	rec := s.rec
	cur := s.current
	hasCur := s.hasCurrent
	s.mu.Unlock()

	state := rec.State()
	if !hasCur || !cur.IsActive || state.Status != models.StatusPlaying {
		return nil
	}
	if number == 1 {
		return nil
	}
	if state.RevealedCard != nil && number == *state.RevealedCard {
		return nil
	}
	if hi := state.HolderOf(number); hi < 0 || state.Players[hi].ID == cur.ID {
		return nil
	}

	next, err := engine.ResolveGuess(state, cur.ID, number)
	if err != nil {
		return fmt.Errorf("failed to resolve guess: %w", err)
	}
	return s.persist(ctx, rec, next)
}

// StartGame deals the first round. Organizer only; the engine rejects a deal
// below the minimum player count.
func (s *Session) StartGame(ctx context.Context) error {
	rec, state, err := s.organizerSnapshot()
	if err != nil {
		return err
	}
	next, err := engine.StartRound(state, s.Settings)
	if err != nil {
		return err
	}
	return s.persist(ctx, rec, next)
}

// NextRound reshuffles and deals the following round over the scored state.
// Organizer only. Nothing here stops play past TotalRounds; the collaborator
// UI stops offering the action once the rounds are spent.
func (s *Session) NextRound(ctx context.Context) error {
	rec, state, err := s.organizerSnapshot()
	if err != nil {
		return err
	}
	next, err := engine.AdvanceToNextRound(state, s.Settings)
	if err != nil {
		return err
	}
	return s.persist(ctx, rec, next)
}

// Restore resumes a previously joined game. It returns false, without error,
// when nothing is restorable: no stored identity for the game id, or the
// stored player no longer exists in the record. The collaborator treats false
// as "prompt for a fresh join".
func (s *Session) Restore(ctx context.Context, gameID string) (bool, error) {
	s.mu.Lock()
	if s.bound && s.rec.ID == gameID && s.hasCurrent {
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()

	player, ok, err := s.Identity.Load(gameID)
	if err != nil {
		return false, fmt.Errorf("failed to load player identity: %w", err)
	}
	if !ok {
		return false, nil
	}

	rec, err := s.FetchFn(ctx, gameID)
	if errors.Is(err, database.ErrNoGame) {
		return false, ErrNoGame
	}
	if err != nil {
		return false, fmt.Errorf("failed to fetch game %s: %w", gameID, err)
	}

	idx := rec.State().IndexOf(player.ID)
	if idx < 0 {
		// The game was reset or the player removed; identity is stale.
		return false, nil
	}

	s.bind(rec, rec.Players[idx])
	if err := s.resubscribe(ctx, gameID); err != nil {
		return true, err
	}
	s.Log.WithFields(logrus.Fields{"game": gameID, "player": player.ID}).Info("Restored game session")
	return true, nil
}

// Leave tears down the subscription and clears the in-memory view. The stored
// identity is kept so the game remains restorable.
func (s *Session) Leave() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.bound = false
	s.hasCurrent = false
	s.rec = database.GameRecord{}
	s.current = models.Player{}
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

// organizerSnapshot returns the current record and state after checking the
// local player is the organizer.
func (s *Session) organizerSnapshot() (database.GameRecord, models.GameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bound || !s.hasCurrent {
		return database.GameRecord{}, models.GameState{}, ErrNoSession
	}
	state := s.rec.State()
	if s.current.ID != state.Organizer {
		return database.GameRecord{}, models.GameState{}, ErrNotOrganizer
	}
	return s.rec, state, nil
}

// persist writes the computed next state over the snapshot record, announces
// the committed row, and applies it locally without waiting for the echo.
func (s *Session) persist(ctx context.Context, rec database.GameRecord, next models.GameState) error {
	rec.SetState(next)
	stored, err := s.overwrite(ctx, rec)
	if err != nil {
		return err
	}
	s.publish(ctx, stored)
	s.apply(stored)
	return nil
}

// overwrite maps datastore failures onto the session taxonomy.
func (s *Session) overwrite(ctx context.Context, rec database.GameRecord) (database.GameRecord, error) {
	stored, err := s.OverwriteFn(ctx, rec)
	switch {
	case errors.Is(err, database.ErrVersionConflict):
		return database.GameRecord{}, ErrConflict
	case errors.Is(err, database.ErrNoGame):
		return database.GameRecord{}, ErrNoGame
	case err != nil:
		return database.GameRecord{}, fmt.Errorf("failed to persist game %s: %w", rec.ID, err)
	}
	return stored, nil
}

// publish announces a committed record. The row is already durable, so a
// propagation failure is logged rather than failing the action; peers
// reconverge on the next committed write.
func (s *Session) publish(ctx context.Context, rec database.GameRecord) {
	if err := s.PublishFn(ctx, rec); err != nil {
		s.Log.WithFields(logrus.Fields{"game": rec.ID, "error": err}).Warn("Failed to publish game update")
	}
}

// saveIdentity records the local player for silent rejoin. Failure only costs
// restorability, so it is logged and the action proceeds.
func (s *Session) saveIdentity(gameID string, p models.Player) {
	if err := s.Identity.Save(gameID, p); err != nil {
		s.Log.WithFields(logrus.Fields{"game": gameID, "error": err}).Warn("Failed to save player identity")
	}
}

// bind points the session at a record and the player it controls.
func (s *Session) bind(rec database.GameRecord, p models.Player) {
	s.mu.Lock()
	s.rec = rec
	s.bound = true
	s.current = p
	s.hasCurrent = true
	s.mu.Unlock()
	s.notify()
}

// resubscribe replaces the owned subscription with one for gameID. The prior
// handle is closed first; a session watches a single game at a time.
func (s *Session) resubscribe(ctx context.Context, gameID string) error {
	s.mu.Lock()
	old := s.sub
	s.sub = nil
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	sub, err := s.SubscribeFn(ctx, gameID, s.apply)
	if err != nil {
		return fmt.Errorf("failed to subscribe to game %s: %w", gameID, err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

// apply replaces the local view with an authoritative record and re-resolves
// the locally-controlled player by id. If the id has disappeared from the
// record the previous player object is kept, so the collaborator view never
// nulls out mid-transition.
func (s *Session) apply(rec database.GameRecord) {
	s.mu.Lock()
	if !s.bound || rec.ID != s.rec.ID {
		s.mu.Unlock()
		return
	}
	s.rec = rec
	if s.hasCurrent {
		if idx := rec.State().IndexOf(s.current.ID); idx >= 0 {
			s.current = rec.Players[idx]
		}
	}
	s.mu.Unlock()
	s.notify()
}

// notify hands a fresh snapshot to the OnChange hook, if any.
func (s *Session) notify() {
	s.mu.Lock()
	cb := s.OnChange
	var snap models.GameState
	ok := s.bound
	if ok {
		snap = s.rec.State().Clone()
	}
	s.mu.Unlock()
	if cb != nil && ok {
		cb(snap)
	}
}
