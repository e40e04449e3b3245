package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionKeyFmt = "session:%d"

// SessionTTL is the inactivity window; every authenticated request renews it.
const SessionTTL = 30 * time.Minute

func SetSession(ctx context.Context, rdb *redis.Client, userID uint, token string, duration time.Duration) error {
	return rdb.Set(ctx, fmt.Sprintf(sessionKeyFmt, userID), token, duration).Err()
}

func GetSession(ctx context.Context, rdb *redis.Client, userID uint) (string, error) {
	return rdb.Get(ctx, fmt.Sprintf(sessionKeyFmt, userID)).Result()
}

func DeleteSession(ctx context.Context, rdb *redis.Client, userID uint) error {
	return rdb.Del(ctx, fmt.Sprintf(sessionKeyFmt, userID)).Err()
}

// OnlineUserCount returns the number of unique users with active sessions.
func OnlineUserCount(ctx context.Context, rdb *redis.Client) (int, error) {
	var cursor uint64
	userIDs := make(map[string]struct{})
	for {
		keys, next, err := rdb.Scan(ctx, cursor, "session:*", 100).Result()
		if err != nil {
			return 0, err
		}
		for _, key := range keys {
			parts := strings.Split(key, ":")
			if len(parts) == 2 && parts[0] == "session" && parts[1] != "" {
				userIDs[parts[1]] = struct{}{}
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return len(userIDs), nil
}
