package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key patterns for Redis report state.
func reportKey(fingerprint string) string { return "report:" + fingerprint }
func lockKey(fingerprint string) string   { return "report:" + fingerprint + ":lock" }

// releaseScript deletes the lock only if it still carries the caller's token,
// so an expired lock re-acquired by another run is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// GetReport retrieves a cached experiment report. A miss returns nil, nil.
func (c *Client) GetReport(ctx context.Context, fingerprint string) (json.RawMessage, error) {
	data, err := c.rdb.Get(ctx, reportKey(fingerprint)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return json.RawMessage(data), nil
}

// SetReport stores a finished report for ttl. A zero ttl keeps it forever.
func (c *Client) SetReport(ctx context.Context, fingerprint string, report json.RawMessage, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, reportKey(fingerprint), []byte(report), ttl).Err(); err != nil {
		return fmt.Errorf("set report: %w", err)
	}
	return nil
}

// AcquireRunLock claims the right to run the experiment with fingerprint.
// It returns false if another run holds the lock.
func (c *Client) AcquireRunLock(ctx context.Context, fingerprint, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockKey(fingerprint), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	return ok, nil
}

// ReleaseRunLock releases a lock previously acquired by owner.
func (c *Client) ReleaseRunLock(ctx context.Context, fingerprint, owner string) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{lockKey(fingerprint)}, owner).Err(); err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}
