// Package realtime propagates committed game records to every session
// watching a game. Writers publish the full record after each successful
// persist; subscribers (the writer included) receive the authoritative row
// and replace their local view wholesale. Delivery is eventually consistent,
// not linearizable.
package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rdb is the global Redis client. Connect it once at application startup.
var Rdb *redis.Client

// Connect initializes the global Redis client and verifies it with a ping.
func Connect(addr string, db int) error {
	Rdb = redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return nil
}

// channelName returns the pub/sub channel carrying changes for one game.
func channelName(gameID string) string {
	return "game:" + gameID
}
