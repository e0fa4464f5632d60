package database

import "github.com/cardchain/cardchain/internal/models"

// GameRecord mirrors one row of the games table:
//
//	id            text primary key
//	status        text
//	players       jsonb (join-ordered list of Player)
//	current_round integer
//	total_rounds  integer
//	revealed_card integer null
//	organizer     text
//	winner        text null
//	passcode_hash text null
//	version       bigint
//
// PasscodeHash and Version never leave the persistence layer; everything else
// maps 1:1 onto models.GameState with no logic beyond field renaming.
type GameRecord struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	Players      []models.Player `json:"players"`
	CurrentRound int             `json:"current_round"`
	TotalRounds  int             `json:"total_rounds"`
	RevealedCard *int            `json:"revealed_card"`
	Organizer    string          `json:"organizer"`
	Winner       *string         `json:"winner"`
	PasscodeHash *string         `json:"-"`
	Version      int64           `json:"version"`
}

// RecordFromState translates an in-memory state into a fresh record.
// PasscodeHash and Version are zero; use SetState to update an existing record
// without losing them.
func RecordFromState(s models.GameState) GameRecord {
	var rec GameRecord
	rec.SetState(s)
	return rec
}

// SetState overwrites the state-derived fields of the record, preserving
// PasscodeHash and Version.
func (r *GameRecord) SetState(s models.GameState) {
	r.ID = s.ID
	r.Status = string(s.Status)
	r.Players = s.Players
	r.CurrentRound = s.CurrentRound
	r.TotalRounds = s.TotalRounds
	r.RevealedCard = s.RevealedCard
	r.Organizer = s.Organizer
	if s.Winner != "" {
		w := s.Winner
		r.Winner = &w
	} else {
		r.Winner = nil
	}
}

// State translates the record back into the in-memory model. Absent optional
// fields surface as zero values rather than errors; callers defend against
// them.
func (r GameRecord) State() models.GameState {
	s := models.GameState{
		ID:           r.ID,
		Status:       models.GameStatus(r.Status),
		Players:      r.Players,
		CurrentRound: r.CurrentRound,
		TotalRounds:  r.TotalRounds,
		RevealedCard: r.RevealedCard,
		Organizer:    r.Organizer,
	}
	if r.Winner != nil {
		s.Winner = *r.Winner
	}
	return s
}
