// Package engine holds the pure turn-resolution logic for a game. Every
// transition takes the current state and returns a new one; the input is
// never mutated. Validation of caller contracts (whose turn it is, whether a
// card is still guessable) lives in the session layer, not here.
package engine

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/cardchain/cardchain/internal/models"
)

var (
	// ErrNotEnoughPlayers is returned by StartRound below the minimum.
	ErrNotEnoughPlayers = errors.New("not enough players to start a round")

	// ErrNotPlaying is returned when a guess arrives outside an active round.
	ErrNotPlaying = errors.New("game is not in the playing state")

	// ErrNotActivePlayer is returned when the guesser does not hold the turn.
	ErrNotActivePlayer = errors.New("player is not the active player")
)

// StartRound deals a fresh round: a uniform-random permutation of 1..N is
// assigned across the N players, the holder of card 1 opens as the active
// player, and card 1 is revealed to everyone.
func StartRound(state models.GameState, settings models.Settings) (models.GameState, error) {
	if len(state.Players) < settings.MinPlayers {
		return models.GameState{}, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughPlayers, len(state.Players), settings.MinPlayers)
	}

	next := state.Clone()
	cards := rand.Perm(len(next.Players))
	for i := range next.Players {
		n := cards[i] + 1
		next.Players[i].CardNumber = &n
		next.Players[i].IsActive = n == 1
	}

	seed := 1
	next.RevealedCard = &seed
	next.Status = models.StatusPlaying
	if next.CurrentRound < 1 {
		next.CurrentRound = 1
	}
	return next, nil
}

// ResolveGuess applies the active player's guess of guessed to the state.
//
// A correct guess (guessed == guesser's card + 1) scores N-guessed+1 points,
// retires the guesser's card and passes the turn to the holder of the guessed
// card, which becomes the revealed card. If that leaves exactly two players
// holding cards, the round ends on the spot: both remaining holders score
// N-card bonus points, discard their cards, and the game moves to finished
// with the round counter advanced for the next deal.
//
// An incorrect guess scores nothing; the guesser and the holder of the named
// card swap cards and the holder takes the turn.
func ResolveGuess(state models.GameState, guesserID string, guessed int) (models.GameState, error) {
	if state.Status != models.StatusPlaying {
		return models.GameState{}, ErrNotPlaying
	}

	gi := state.IndexOf(guesserID)
	if gi < 0 || !state.Players[gi].IsActive {
		return models.GameState{}, ErrNotActivePlayer
	}

	ti := state.HolderOf(guessed)
	if ti < 0 || ti == gi {
		return models.GameState{}, fmt.Errorf("no other player holds card %d", guessed)
	}

	next := state.Clone()
	guesser := &next.Players[gi]
	target := &next.Players[ti]

	if guesser.CardNumber != nil && guessed == *guesser.CardNumber+1 {
		return resolveCorrect(next, guesser, target, guessed), nil
	}

	// Wrong guess: plain card exchange, turn passes to the named holder.
	guesser.CardNumber, target.CardNumber = target.CardNumber, guesser.CardNumber
	guesser.IsActive = false
	target.IsActive = true
	return next, nil
}

// resolveCorrect mutates the already-cloned state for a correct guess.
func resolveCorrect(next models.GameState, guesser, target *models.Player, guessed int) models.GameState {
	total := len(next.Players)

	guesser.Score += total - guessed + 1
	guesser.IsActive = false
	guesser.CardNumber = nil
	target.IsActive = true

	next.RevealedCard = &guessed

	if holders := next.CardHolders(); len(holders) == 2 {
		// Round over. The two survivors cash out their card values and the
		// counter already points at the next round to be dealt.
		for _, i := range holders {
			p := &next.Players[i]
			p.Score += total - *p.CardNumber
			p.CardNumber = nil
		}
		next.Status = models.StatusFinished
		next.CurrentRound++
	}
	return next
}

// AdvanceToNextRound re-deals over the scored state. There is no terminal
// check against TotalRounds here; stopping after the final round is left to
// the caller.
func AdvanceToNextRound(state models.GameState, settings models.Settings) (models.GameState, error) {
	return StartRound(state, settings)
}
