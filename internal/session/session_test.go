package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardchain/cardchain/internal/auth"
	"github.com/cardchain/cardchain/internal/database"
	"github.com/cardchain/cardchain/internal/models"
)

// fakeRepo is an in-memory stand-in for the games table, including the
// version-conditional overwrite.
type fakeRepo struct {
	mu   sync.Mutex
	recs map[string]database.GameRecord
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{recs: map[string]database.GameRecord{}}
}

func (f *fakeRepo) insert(_ context.Context, rec database.GameRecord) (database.GameRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.Version = 1
	f.recs[rec.ID] = rec
	return rec, nil
}

func (f *fakeRepo) get(_ context.Context, gameID string) (database.GameRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[gameID]
	if !ok {
		return database.GameRecord{}, database.ErrNoGame
	}
	return rec, nil
}

func (f *fakeRepo) overwrite(_ context.Context, rec database.GameRecord) (database.GameRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.recs[rec.ID]
	if !ok {
		return database.GameRecord{}, database.ErrNoGame
	}
	if stored.Version != rec.Version {
		return database.GameRecord{}, database.ErrVersionConflict
	}
	rec.Version++
	rec.PasscodeHash = stored.PasscodeHash
	f.recs[rec.ID] = rec
	return rec, nil
}

// fakeChannel records publishes and subscriptions; with echo enabled it
// delivers each publish straight back to the subscribers, standing in for the
// round-trip through the change feed.
type fakeChannel struct {
	mu         sync.Mutex
	echo       bool
	published  []database.GameRecord
	delivers   map[string][]func(database.GameRecord)
	subscribed []string
	closed     int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{delivers: map[string][]func(database.GameRecord){}}
}

func (f *fakeChannel) publish(_ context.Context, rec database.GameRecord) error {
	f.mu.Lock()
	f.published = append(f.published, rec)
	var fns []func(database.GameRecord)
	if f.echo {
		fns = append(fns, f.delivers[rec.ID]...)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(rec)
	}
	return nil
}

type fakeSub struct {
	ch *fakeChannel
}

func (s *fakeSub) Close() error {
	s.ch.mu.Lock()
	s.ch.closed++
	s.ch.mu.Unlock()
	return nil
}

func (f *fakeChannel) subscribe(_ context.Context, gameID string, deliver func(database.GameRecord)) (io.Closer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, gameID)
	f.delivers[gameID] = append(f.delivers[gameID], deliver)
	return &fakeSub{ch: f}, nil
}

// deliver pushes a record to subscribers as if another client had written it.
func (f *fakeChannel) deliver(rec database.GameRecord) {
	f.mu.Lock()
	fns := append([]func(database.GameRecord){}, f.delivers[rec.ID]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(rec)
	}
}

// memStore is an in-memory identity.Store.
type memStore struct {
	mu sync.Mutex
	m  map[string]models.Player
}

func newMemStore() *memStore {
	return &memStore{m: map[string]models.Player{}}
}

func (m *memStore) Save(gameID string, p models.Player) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[gameID] = p
	return nil
}

func (m *memStore) Load(gameID string) (models.Player, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.m[gameID]
	return p, ok, nil
}

func (m *memStore) Clear(gameID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, gameID)
	return nil
}

func newTestSession(t *testing.T) (*Session, *fakeRepo, *fakeChannel, *memStore) {
	t.Helper()
	repo := newFakeRepo()
	ch := newFakeChannel()
	ms := newMemStore()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	sess := &Session{
		Settings:    models.DefaultSettings(),
		Identity:    ms,
		Log:         logrus.NewEntry(logger),
		FetchFn:     repo.get,
		InsertFn:    repo.insert,
		OverwriteFn: repo.overwrite,
		PublishFn:   ch.publish,
		SubscribeFn: ch.subscribe,
	}
	return sess, repo, ch, ms
}

func intPtr(n int) *int {
	return &n
}

// seedPlayingGame stores a five-player in-progress game and binds the session
// to the player at index current.
func seedPlayingGame(t *testing.T, sess *Session, repo *fakeRepo, cards []int, active, current int) database.GameRecord {
	t.Helper()
	state := models.GameState{
		ID:           "game-1",
		Status:       models.StatusPlaying,
		CurrentRound: 1,
		TotalRounds:  10,
		RevealedCard: intPtr(1),
	}
	for i, c := range cards {
		p := models.Player{ID: fmt.Sprintf("p%d", i), Name: fmt.Sprintf("Player %d", i), IsActive: i == active}
		if c != 0 {
			p.CardNumber = intPtr(c)
		}
		state.Players = append(state.Players, p)
	}
	state.Organizer = "p0"

	rec, err := repo.insert(context.Background(), database.RecordFromState(state))
	require.NoError(t, err)
	sess.bind(rec, rec.Players[current])
	return rec
}

func TestCreateGamePersistsAndBinds(t *testing.T) {
	sess, repo, ch, ms := newTestSession(t)

	gameID, err := sess.CreateGame(context.Background(), "Ana", "")
	require.NoError(t, err)
	require.NotEmpty(t, gameID)

	rec, err := repo.get(context.Background(), gameID)
	require.NoError(t, err)
	assert.Equal(t, "waiting", rec.Status)
	require.Len(t, rec.Players, 1)
	assert.Equal(t, "Ana", rec.Players[0].Name)
	assert.Equal(t, rec.Players[0].ID, rec.Organizer)
	assert.Equal(t, 0, rec.Players[0].Score)
	assert.Nil(t, rec.Players[0].CardNumber)
	assert.False(t, rec.Players[0].IsActive)
	assert.Equal(t, 10, rec.TotalRounds)

	saved, ok, err := ms.Load(gameID)
	require.NoError(t, err)
	require.True(t, ok, "local identity must be stored for silent rejoin")
	assert.Equal(t, rec.Players[0].ID, saved.ID)

	assert.Equal(t, []string{gameID}, ch.subscribed)

	state, bound := sess.State()
	require.True(t, bound)
	assert.Equal(t, gameID, state.ID)
	cur, ok := sess.CurrentPlayer()
	require.True(t, ok)
	assert.Equal(t, rec.Players[0].ID, cur.ID)
}

func TestCreateGameWithPasscode(t *testing.T) {
	sess, repo, _, _ := newTestSession(t)

	gameID, err := sess.CreateGame(context.Background(), "Ana", "sesame")
	require.NoError(t, err)

	rec, err := repo.get(context.Background(), gameID)
	require.NoError(t, err)
	require.NotNil(t, rec.PasscodeHash)

	ok, err := auth.VerifyPasscode("sesame", *rec.PasscodeHash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJoinGameAppendsPlayer(t *testing.T) {
	creator, repo, ch, _ := newTestSession(t)
	gameID, err := creator.CreateGame(context.Background(), "Ana", "")
	require.NoError(t, err)

	joiner := &Session{
		Settings:    models.DefaultSettings(),
		Identity:    newMemStore(),
		Log:         creator.Log,
		FetchFn:     repo.get,
		InsertFn:    repo.insert,
		OverwriteFn: repo.overwrite,
		PublishFn:   ch.publish,
		SubscribeFn: ch.subscribe,
	}
	require.NoError(t, joiner.JoinGame(context.Background(), gameID, "Ben", ""))

	rec, err := repo.get(context.Background(), gameID)
	require.NoError(t, err)
	require.Len(t, rec.Players, 2)
	assert.Equal(t, "Ben", rec.Players[1].Name, "players stay in join order")
	assert.NotEqual(t, rec.Players[0].ID, rec.Players[1].ID)
}

func TestJoinGameRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("no such game", func(t *testing.T) {
		sess, _, _, _ := newTestSession(t)
		assert.ErrorIs(t, sess.JoinGame(ctx, "missing", "Ben", ""), ErrNoGame)
	})

	t.Run("already started", func(t *testing.T) {
		sess, repo, _, _ := newTestSession(t)
		seedPlayingGame(t, sess, repo, []int{1, 2, 3}, 0, 0)
		assert.ErrorIs(t, sess.JoinGame(ctx, "game-1", "Late", ""), ErrAlreadyStarted)
	})

	t.Run("game full", func(t *testing.T) {
		sess, repo, _, _ := newTestSession(t)
		state := models.GameState{ID: "full-1", Status: models.StatusWaiting, TotalRounds: 10}
		for i := 0; i < sess.Settings.MaxPlayers; i++ {
			state.Players = append(state.Players, models.Player{ID: fmt.Sprintf("p%d", i)})
		}
		state.Organizer = "p0"
		_, err := repo.insert(ctx, database.RecordFromState(state))
		require.NoError(t, err)

		assert.ErrorIs(t, sess.JoinGame(ctx, "full-1", "Ninth", ""), ErrGameFull)

		rec, err := repo.get(ctx, "full-1")
		require.NoError(t, err)
		assert.Len(t, rec.Players, sess.Settings.MaxPlayers, "a rejected join leaves the record unchanged")
		assert.Equal(t, int64(1), rec.Version)
	})

	t.Run("wrong passcode", func(t *testing.T) {
		creator, repo, ch, _ := newTestSession(t)
		gameID, err := creator.CreateGame(ctx, "Ana", "sesame")
		require.NoError(t, err)

		joiner := &Session{
			Settings:    models.DefaultSettings(),
			Identity:    newMemStore(),
			Log:         creator.Log,
			FetchFn:     repo.get,
			InsertFn:    repo.insert,
			OverwriteFn: repo.overwrite,
			PublishFn:   ch.publish,
			SubscribeFn: ch.subscribe,
		}
		assert.ErrorIs(t, joiner.JoinGame(ctx, gameID, "Ben", "open"), ErrBadPasscode)
		require.NoError(t, joiner.JoinGame(ctx, gameID, "Ben", "sesame"))
	})
}

func TestMakeGuessIgnoredOutOfTurn(t *testing.T) {
	sess, repo, _, _ := newTestSession(t)
	seedPlayingGame(t, sess, repo, []int{3, 4, 5, 1, 2}, 0, 1) // p1 is bound, p0 active

	require.NoError(t, sess.MakeGuess(context.Background(), 5))

	rec, err := repo.get(context.Background(), "game-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version, "an out-of-turn guess writes nothing")
}

func TestMakeGuessIgnoresLockedCards(t *testing.T) {
	sess, repo, _, _ := newTestSession(t)
	rec := seedPlayingGame(t, sess, repo, []int{3, 4, 5, 1, 2}, 0, 0)
	rec.RevealedCard = intPtr(2)
	repo.recs[rec.ID] = rec
	sess.apply(rec)

	ctx := context.Background()
	require.NoError(t, sess.MakeGuess(ctx, 1), "card 1 is never guessable")
	require.NoError(t, sess.MakeGuess(ctx, 2), "the revealed card is locked")
	require.NoError(t, sess.MakeGuess(ctx, 9), "a card nobody holds is ignored")

	stored, err := repo.get(ctx, "game-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
}

func TestMakeGuessPersistsAndUpdatesLocally(t *testing.T) {
	sess, repo, ch, _ := newTestSession(t)
	seedPlayingGame(t, sess, repo, []int{3, 4, 5, 1, 2}, 0, 0)

	require.NoError(t, sess.MakeGuess(context.Background(), 4))

	// Persisted.
	rec, err := repo.get(context.Background(), "game-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	require.NotNil(t, rec.RevealedCard)
	assert.Equal(t, 4, *rec.RevealedCard)

	// Announced.
	require.Len(t, ch.published, 1, "the committed guess is announced on the channel")

	// Applied optimistically without waiting for the echo.
	state, bound := sess.State()
	require.True(t, bound)
	require.NotNil(t, state.RevealedCard)
	assert.Equal(t, 4, *state.RevealedCard)
	cur, ok := sess.CurrentPlayer()
	require.True(t, ok)
	assert.Equal(t, 2, cur.Score)
	assert.Nil(t, cur.CardNumber)
	assert.False(t, cur.IsActive)
}

func TestConflictSurfacesWithoutRetry(t *testing.T) {
	sess, repo, _, _ := newTestSession(t)
	rec := seedPlayingGame(t, sess, repo, []int{3, 4, 5, 1, 2}, 0, 0)

	// Another client wins the race: bump the stored version behind our back.
	stale := rec
	stale.Version = 2
	repo.recs[rec.ID] = stale

	err := sess.MakeGuess(context.Background(), 4)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStartGameOrganizerOnly(t *testing.T) {
	ctx := context.Background()

	sess, repo, _, _ := newTestSession(t)
	state := models.GameState{ID: "game-1", Status: models.StatusWaiting, TotalRounds: 10}
	for i := 0; i < 4; i++ {
		state.Players = append(state.Players, models.Player{ID: fmt.Sprintf("p%d", i)})
	}
	state.Organizer = "p0"
	rec, err := repo.insert(ctx, database.RecordFromState(state))
	require.NoError(t, err)

	sess.bind(rec, rec.Players[1])
	assert.ErrorIs(t, sess.StartGame(ctx), ErrNotOrganizer)

	sess.bind(rec, rec.Players[0])
	require.NoError(t, sess.StartGame(ctx))

	stored, err := repo.get(ctx, "game-1")
	require.NoError(t, err)
	assert.Equal(t, "playing", stored.Status)
	seen := map[int]bool{}
	for _, p := range stored.Players {
		require.NotNil(t, p.CardNumber)
		seen[*p.CardNumber] = true
	}
	assert.Len(t, seen, 4)
}

func TestRemoteDeliveryReplacesState(t *testing.T) {
	sess, repo, ch, _ := newTestSession(t)
	rec := seedPlayingGame(t, sess, repo, []int{3, 4, 5, 1, 2}, 0, 0)
	require.NoError(t, sess.resubscribe(context.Background(), rec.ID))

	var notified []models.GameState
	sess.OnChange = func(s models.GameState) {
		notified = append(notified, s)
	}

	remote := rec
	remote.Version = 2
	remote.Players = append([]models.Player{}, rec.Players...)
	remote.Players[0].Score = 9
	ch.deliver(remote)

	cur, ok := sess.CurrentPlayer()
	require.True(t, ok)
	assert.Equal(t, 9, cur.Score, "the local player rebinds to the delivered record")
	require.Len(t, notified, 1)
	assert.Equal(t, 9, notified[0].Players[0].Score)
}

func TestRemoteDeliveryKeepsVanishedPlayer(t *testing.T) {
	sess, repo, ch, _ := newTestSession(t)
	rec := seedPlayingGame(t, sess, repo, []int{3, 4, 5}, 0, 0)
	require.NoError(t, sess.resubscribe(context.Background(), rec.ID))

	remote := rec
	remote.Version = 2
	remote.Players = rec.Players[1:] // p0 disappeared from the record
	ch.deliver(remote)

	cur, ok := sess.CurrentPlayer()
	require.True(t, ok)
	assert.Equal(t, "p0", cur.ID, "the previous player object is kept rather than nulled out")
}

func TestResubscribeClosesPriorAndKeepsState(t *testing.T) {
	sess, repo, ch, _ := newTestSession(t)
	rec := seedPlayingGame(t, sess, repo, []int{3, 4, 5}, 0, 0)

	ctx := context.Background()
	require.NoError(t, sess.resubscribe(ctx, rec.ID))
	before, _ := sess.State()

	require.NoError(t, sess.resubscribe(ctx, rec.ID))
	after, _ := sess.State()

	assert.Equal(t, 1, ch.closed, "the prior handle is torn down")
	assert.Equal(t, []string{"game-1", "game-1"}, ch.subscribed)
	assert.Equal(t, before, after, "re-subscribing never alters game state")
}

func TestRestore(t *testing.T) {
	ctx := context.Background()

	t.Run("no stored identity", func(t *testing.T) {
		sess, repo, _, _ := newTestSession(t)
		state := models.GameState{ID: "game-1", Status: models.StatusWaiting, Players: []models.Player{{ID: "p0"}}, Organizer: "p0"}
		_, err := repo.insert(ctx, database.RecordFromState(state))
		require.NoError(t, err)

		ok, err := sess.Restore(ctx, "game-1")
		require.NoError(t, err, "an unknown identity is not an error")
		assert.False(t, ok)
	})

	t.Run("game record gone", func(t *testing.T) {
		sess, _, _, ms := newTestSession(t)
		require.NoError(t, ms.Save("game-1", models.Player{ID: "p0"}))

		ok, err := sess.Restore(ctx, "game-1")
		assert.ErrorIs(t, err, ErrNoGame)
		assert.False(t, ok)
	})

	t.Run("player no longer in record", func(t *testing.T) {
		sess, repo, _, ms := newTestSession(t)
		state := models.GameState{ID: "game-1", Status: models.StatusWaiting, Players: []models.Player{{ID: "p0"}}, Organizer: "p0"}
		_, err := repo.insert(ctx, database.RecordFromState(state))
		require.NoError(t, err)
		require.NoError(t, ms.Save("game-1", models.Player{ID: "ghost"}))

		ok, err := sess.Restore(ctx, "game-1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("resumes with authoritative player state", func(t *testing.T) {
		sess, repo, ch, ms := newTestSession(t)
		card := 2
		state := models.GameState{
			ID:     "game-1",
			Status: models.StatusPlaying,
			Players: []models.Player{
				{ID: "p0", Name: "Ana", Score: 6, CardNumber: &card, IsActive: true},
				{ID: "p1", Name: "Ben"},
				{ID: "p2", Name: "Cam"},
			},
			CurrentRound: 2,
			TotalRounds:  10,
			RevealedCard: intPtr(1),
			Organizer:    "p0",
		}
		_, err := repo.insert(ctx, database.RecordFromState(state))
		require.NoError(t, err)
		// The stored identity is stale; the record wins.
		require.NoError(t, ms.Save("game-1", models.Player{ID: "p0", Name: "Ana"}))

		ok, err := sess.Restore(ctx, "game-1")
		require.NoError(t, err)
		require.True(t, ok)

		cur, has := sess.CurrentPlayer()
		require.True(t, has)
		assert.Equal(t, 6, cur.Score)
		assert.True(t, cur.IsActive)
		assert.Equal(t, []string{"game-1"}, ch.subscribed)

		// Restoring again is a no-op.
		ok, err = sess.Restore(ctx, "game-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Len(t, ch.subscribed, 1)
	})
}

func TestLeaveClosesSubscription(t *testing.T) {
	sess, repo, ch, _ := newTestSession(t)
	rec := seedPlayingGame(t, sess, repo, []int{3, 4, 5}, 0, 0)
	require.NoError(t, sess.resubscribe(context.Background(), rec.ID))

	sess.Leave()

	assert.Equal(t, 1, ch.closed)
	_, bound := sess.State()
	assert.False(t, bound)
	assert.Equal(t, "", sess.GameID())
}

func TestFullRoundFlow(t *testing.T) {
	// Three players play a complete round through the session: one correct
	// guess ends it, since that leaves two card-holders.
	ctx := context.Background()
	sess, repo, ch, _ := newTestSession(t)
	ch.echo = true

	state := models.GameState{ID: "game-1", Status: models.StatusWaiting, TotalRounds: 10}
	for i := 0; i < 3; i++ {
		state.Players = append(state.Players, models.Player{ID: fmt.Sprintf("p%d", i), Name: fmt.Sprintf("Player %d", i)})
	}
	state.Organizer = "p0"
	rec, err := repo.insert(ctx, database.RecordFromState(state))
	require.NoError(t, err)
	sess.bind(rec, rec.Players[0])
	require.NoError(t, sess.resubscribe(ctx, "game-1"))

	require.NoError(t, sess.StartGame(ctx))

	current, bound := sess.State()
	require.True(t, bound)
	opener := current.ActiveIndex()
	require.GreaterOrEqual(t, opener, 0)
	require.Equal(t, 1, *current.Players[opener].CardNumber)

	// Play as whoever is active by rebinding; each guess names card+1.
	for i := 0; i < 2; i++ {
		st, _ := sess.State()
		if st.Status != models.StatusPlaying {
			break
		}
		ai := st.ActiveIndex()
		require.GreaterOrEqual(t, ai, 0)
		storedRec, err := repo.get(ctx, "game-1")
		require.NoError(t, err)
		sess.bind(storedRec, storedRec.Players[ai])
		require.NoError(t, sess.MakeGuess(ctx, *st.Players[ai].CardNumber+1))
	}

	final, _ := sess.State()
	assert.Equal(t, models.StatusFinished, final.Status)
	assert.Equal(t, 2, final.CurrentRound)
	total := 0
	for _, p := range final.Players {
		assert.Nil(t, p.CardNumber)
		total += p.Score
	}
	// The single correct guess scores 3-2+1=2 and the survivors cash out
	// 3-2=1 and 3-3=0.
	assert.Equal(t, 3, total)
}
