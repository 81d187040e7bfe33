package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
)

// The presence mirror lets any process answer "is this user online" for
// sessions held by other processes. Records of a crashed process are not
// reaped.
const (
	presencePrefix    = "presence"
	presenceOnlineKey = "presence:online"
	maxTxRetries      = 5
)

func sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", presencePrefix, sessionID)
}

func userSessionsKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", presencePrefix, userID)
}

// Online records sessionID as a live session of userID.
func (r *Redis) Online(ctx context.Context, userID, sessionID string) error {
	_, err := r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(sessionID), userID, 0)
		pipe.SAdd(ctx, userSessionsKey(userID), sessionID)
		pipe.SAdd(ctx, presenceOnlineKey, userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence online: %w", err)
	}
	return nil
}

// Offline removes a session. When it was the last session of its user, the
// user's set and its entry in the online set are removed in the same
// transaction. It returns the owner and whether the user went offline; an
// unknown session returns an empty owner.
func (r *Redis) Offline(ctx context.Context, sessionID string) (userID string, last bool, err error) {
	skey := sessionKey(sessionID)
	for i := 0; i < maxTxRetries; i++ {
		userID, last = "", false
		err = r.cli.Watch(ctx, func(tx *redis.Tx) error {
			uid, err := tx.Get(ctx, skey).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("get: %w", err)
			}
			ukey := userSessionsKey(uid)
			if err := tx.Watch(ctx, ukey).Err(); err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			members, err := tx.SMembers(ctx, ukey).Result()
			if err != nil {
				return fmt.Errorf("smembers: %w", err)
			}
			remaining := 0
			for _, m := range members {
				if m != sessionID {
					remaining++
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, skey)
				pipe.SRem(ctx, ukey, sessionID)
				if remaining == 0 {
					pipe.Del(ctx, ukey)
					pipe.SRem(ctx, presenceOnlineKey, uid)
				}
				return nil
			})
			if err != nil {
				return err
			}
			userID, last = uid, remaining == 0
			return nil
		}, skey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("presence offline: %w", err)
		}
		return userID, last, nil
	}
	return "", false, fmt.Errorf("presence offline: %w", err)
}

// IsOnline reports whether the user has a live session in any process.
func (r *Redis) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := r.cli.SCard(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("scard: %w", err)
	}
	return n > 0, nil
}

// Sessions returns the live session ids of a user across all processes.
func (r *Redis) Sessions(ctx context.Context, userID string) ([]string, error) {
	ids, err := r.cli.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}

// OnlineUsers returns every user with a live session in any process.
func (r *Redis) OnlineUsers(ctx context.Context) ([]string, error) {
	ids, err := r.cli.SMembers(ctx, presenceOnlineKey).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}
