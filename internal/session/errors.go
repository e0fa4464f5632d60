package session

import "errors"

// Action failures surface exactly once to the caller; nothing here is retried
// internally.
var (
	// ErrNoGame means no game record exists for the requested id.
	ErrNoGame = errors.New("game not found")

	// ErrAlreadyStarted rejects a join once the game has left the waiting state.
	ErrAlreadyStarted = errors.New("cannot join a game that has already started")

	// ErrGameFull rejects a join at player capacity.
	ErrGameFull = errors.New("game is full")

	// ErrBadPasscode rejects a join to a private game with a wrong passcode.
	ErrBadPasscode = errors.New("incorrect game passcode")

	// ErrNotOrganizer gates round control to the game's creator.
	ErrNotOrganizer = errors.New("only the organizer can control rounds")

	// ErrConflict reports a concurrent write detected by the versioned
	// overwrite. The caller must retry against fresh state.
	ErrConflict = errors.New("game changed concurrently, retry with fresh state")

	// ErrNoSession means the session is not bound to any game.
	ErrNoSession = errors.New("no active game session")
)
