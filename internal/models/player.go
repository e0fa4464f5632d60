package models

// Player is one participant in a game. The ID is generated by the joining
// client and is the only key binding a connection to its player record.
type Player struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Score int    `json:"score"`

	// CardNumber is the secret number held this round, or nil once the
	// player has been scored out of the card pool.
	CardNumber *int `json:"cardNumber"`

	// IsActive marks the player currently entitled to guess.
	IsActive bool `json:"isActive"`
}

// HoldsCard reports whether the player still holds a card this round.
func (p Player) HoldsCard() bool {
	return p.CardNumber != nil
}
