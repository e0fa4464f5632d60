package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrNoGame indicates no games row exists for the requested id.
	ErrNoGame = errors.New("no game record for id")

	// ErrVersionConflict indicates the row changed since the caller last read
	// it; the caller must retry against fresh state.
	ErrVersionConflict = errors.New("game record was modified concurrently")
)

// InsertGame persists a brand-new game row at version 1 and returns the
// stored record.
func InsertGame(ctx context.Context, rec GameRecord) (GameRecord, error) {
	players, err := json.Marshal(rec.Players)
	if err != nil {
		return GameRecord{}, fmt.Errorf("failed to marshal players: %w", err)
	}

	q := `
		INSERT INTO games (
			id, status, players, current_round, total_rounds,
			revealed_card, organizer, winner, passcode_hash, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
	`
	err = pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, e := tx.Exec(ctx, q,
			rec.ID, rec.Status, players, rec.CurrentRound, rec.TotalRounds,
			rec.RevealedCard, rec.Organizer, rec.Winner, rec.PasscodeHash,
		)
		return e
	})
	if err != nil {
		return GameRecord{}, fmt.Errorf("insert game %s: %w", rec.ID, err)
	}
	rec.Version = 1
	return rec, nil
}

// GetGame fetches the row for the given game id.
func GetGame(ctx context.Context, gameID string) (GameRecord, error) {
	q := `
		SELECT id, status, players, current_round, total_rounds,
		       revealed_card, organizer, winner, passcode_hash, version
		FROM games
		WHERE id = $1
	`
	var rec GameRecord
	var players []byte
	err := DB.QueryRow(ctx, q, gameID).Scan(
		&rec.ID, &rec.Status, &players, &rec.CurrentRound, &rec.TotalRounds,
		&rec.RevealedCard, &rec.Organizer, &rec.Winner, &rec.PasscodeHash, &rec.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return GameRecord{}, ErrNoGame
	}
	if err != nil {
		return GameRecord{}, fmt.Errorf("get game %s: %w", gameID, err)
	}
	if err := json.Unmarshal(players, &rec.Players); err != nil {
		return GameRecord{}, fmt.Errorf("failed to unmarshal players for game %s: %w", gameID, err)
	}
	return rec, nil
}

// OverwriteGame replaces the whole row, but only if its version still matches
// the one the caller read. On success the returned record carries the bumped
// version. A vanished row maps to ErrNoGame, a version mismatch to
// ErrVersionConflict.
func OverwriteGame(ctx context.Context, rec GameRecord) (GameRecord, error) {
	players, err := json.Marshal(rec.Players)
	if err != nil {
		return GameRecord{}, fmt.Errorf("failed to marshal players: %w", err)
	}

	q := `
		UPDATE games
		SET status = $2, players = $3, current_round = $4, total_rounds = $5,
		    revealed_card = $6, winner = $7, version = version + 1
		WHERE id = $1 AND version = $8
		RETURNING version
	`
	var newVersion int64
	err = pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		e := tx.QueryRow(ctx, q,
			rec.ID, rec.Status, players, rec.CurrentRound, rec.TotalRounds,
			rec.RevealedCard, rec.Winner, rec.Version,
		).Scan(&newVersion)
		if errors.Is(e, pgx.ErrNoRows) {
			// Distinguish a missing row from a stale version.
			var exists bool
			if e2 := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM games WHERE id = $1)`, rec.ID).Scan(&exists); e2 != nil {
				return e2
			}
			if !exists {
				return ErrNoGame
			}
			return ErrVersionConflict
		}
		return e
	})
	if err != nil {
		if errors.Is(err, ErrNoGame) || errors.Is(err, ErrVersionConflict) {
			return GameRecord{}, err
		}
		return GameRecord{}, fmt.Errorf("overwrite game %s: %w", rec.ID, err)
	}
	rec.Version = newVersion
	return rec, nil
}
