package quiqup

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTokenKey = "quiqup:token"

// RedisTokenStore shares the provider credential between instances through
// Redis. Entries expire with the token itself, so a stale read is impossible;
// last writer wins, and every written token is interchangeable.
type RedisTokenStore struct {
	Client *redis.Client
	Key    string
}

// Get loads the shared credential. It reports false when no entry exists.
func (s RedisTokenStore) Get(ctx context.Context) (Credential, bool, error) {
	if s.Client == nil {
		return Credential{}, false, nil
	}
	data, err := s.Client.Get(ctx, s.key()).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Credential{}, false, nil
		}
		return Credential{}, false, err
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return Credential{}, false, err
	}
	return cred, true, nil
}

// Put stores the credential with a TTL matching its remaining lifetime.
func (s RedisTokenStore) Put(ctx context.Context, cred Credential) error {
	if s.Client == nil {
		return nil
	}
	ttl := time.Until(cred.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, s.key(), data, ttl).Err()
}

func (s RedisTokenStore) key() string {
	if s.Key != "" {
		return s.Key
	}
	return defaultTokenKey
}
