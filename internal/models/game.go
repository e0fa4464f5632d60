package models

// GameStatus is the lifecycle phase of a game.
type GameStatus string

const (
	StatusWaiting  GameStatus = "waiting"
	StatusPlaying  GameStatus = "playing"
	StatusFinished GameStatus = "finished"
)

// GameState is the canonical in-memory shape of one game session. Players are
// kept in join order. TotalRounds and Winner are carried for the surrounding
// collaborator; the turn resolution engine never consumes them, so ending the
// game after the final round (and declaring a victor) is the caller's job.
type GameState struct {
	ID           string     `json:"id"`
	Status       GameStatus `json:"status"`
	Players      []Player   `json:"players"`
	CurrentRound int        `json:"currentRound"`
	TotalRounds  int        `json:"totalRounds"`

	// RevealedCard is the most recently resolved card number, or the fixed
	// seed card (1) at round start. Nil while the game is waiting.
	RevealedCard *int `json:"revealedCard"`

	// Organizer is the Player.ID of the creator, the sole authority to
	// start and advance rounds.
	Organizer string `json:"organizer"`
	Winner    string `json:"winner"`
}

// Settings bound a game session. They are fixed at creation.
type Settings struct {
	TotalRounds int
	MaxPlayers  int
	MinPlayers  int
}

// DefaultSettings returns the standard 10-round, 3-8 player configuration.
func DefaultSettings() Settings {
	return Settings{
		TotalRounds: 10,
		MaxPlayers:  8,
		MinPlayers:  3,
	}
}

// Clone returns a deep copy of the state. Transition functions operate on
// clones so the input state is never mutated in place.
func (s GameState) Clone() GameState {
	next := s
	next.Players = make([]Player, len(s.Players))
	for i, p := range s.Players {
		cp := p
		if p.CardNumber != nil {
			n := *p.CardNumber
			cp.CardNumber = &n
		}
		next.Players[i] = cp
	}
	if s.RevealedCard != nil {
		n := *s.RevealedCard
		next.RevealedCard = &n
	}
	return next
}

// IndexOf returns the position of the player with the given id, or -1.
func (s GameState) IndexOf(playerID string) int {
	for i, p := range s.Players {
		if p.ID == playerID {
			return i
		}
	}
	return -1
}

// HolderOf returns the index of the player currently holding card n, or -1.
func (s GameState) HolderOf(n int) int {
	for i, p := range s.Players {
		if p.CardNumber != nil && *p.CardNumber == n {
			return i
		}
	}
	return -1
}

// ActiveIndex returns the index of the active player, or -1 if none.
func (s GameState) ActiveIndex() int {
	for i, p := range s.Players {
		if p.IsActive {
			return i
		}
	}
	return -1
}

// CardHolders returns the indices of players still holding a card.
func (s GameState) CardHolders() []int {
	var holders []int
	for i, p := range s.Players {
		if p.CardNumber != nil {
			holders = append(holders, i)
		}
	}
	return holders
}
