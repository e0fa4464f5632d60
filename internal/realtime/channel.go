package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/cardchain/cardchain/internal/database"
)

// Publish announces a committed record on the game's channel. It must only be
// called after the row has been durably written, so every subscriber observes
// the same committed change.
func Publish(ctx context.Context, rec database.GameRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal game record: %w", err)
	}
	if err := Rdb.Publish(ctx, channelName(rec.ID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to '%s': %w", channelName(rec.ID), err)
	}
	return nil
}

// Subscription is an owned handle on one game's change feed. Close it before
// establishing a new one; a session only ever watches a single game.
type Subscription struct {
	gameID string
	pubsub *redis.PubSub

	closeOnce sync.Once
	closeErr  error
}

// Subscribe opens a change feed for gameID and invokes deliver with each
// decoded record, in receipt order, from a dedicated goroutine. The returned
// handle must be closed to release the connection and stop the goroutine.
func Subscribe(ctx context.Context, gameID string, deliver func(database.GameRecord)) (*Subscription, error) {
	pubsub := Rdb.Subscribe(ctx, channelName(gameID))

	// Force the SUBSCRIBE round-trip so a broken connection surfaces here
	// instead of as silently missing deliveries.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to '%s': %w", channelName(gameID), err)
	}

	sub := &Subscription{gameID: gameID, pubsub: pubsub}
	go func() {
		for msg := range pubsub.Channel() {
			var rec database.GameRecord
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				log.WithFields(log.Fields{
					"game":  gameID,
					"error": err,
				}).Warn("Dropping malformed realtime payload")
				continue
			}
			deliver(rec)
		}
	}()
	return sub, nil
}

// GameID returns the game this subscription watches.
func (s *Subscription) GameID() string {
	return s.gameID
}

// Close tears down the feed. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.pubsub.Close()
	})
	return s.closeErr
}
