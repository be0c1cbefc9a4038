package wizards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	domain "github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/repositories"
)

const (
	keyPrefix        = "checkout:wizard:"
	maxUpdateRetries = 8
)

// RedisStore keeps wizards as JSON values with a TTL. Update uses WATCH/MULTI so concurrent writers of
// the same wizard retry instead of overwriting each other.
type RedisStore struct {
	client redis.UniversalClient
	opts   Options
}

// NewRedisStore constructs a Redis-backed wizard store.
func NewRedisStore(client redis.UniversalClient, opts Options) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("wizards: redis client is required")
	}
	return &RedisStore{client: client, opts: opts.withDefaults()}, nil
}

// Create stores a new wizard with SET NX.
func (s *RedisStore) Create(ctx context.Context, wizard *domain.Wizard) error {
	if wizard == nil || strings.TrimSpace(wizard.ID) == "" {
		return errConflict("create", "wizard id is required")
	}
	payload, err := json.Marshal(wizard)
	if err != nil {
		return fmt.Errorf("wizards: marshal %s: %w", wizard.ID, err)
	}
	ok, err := s.client.SetNX(ctx, key(wizard.ID), payload, s.opts.ttlFor(wizard)).Result()
	if err != nil {
		return fmt.Errorf("wizards: create %s: %w", wizard.ID, err)
	}
	if !ok {
		return errConflict("create", "wizard "+wizard.ID+" already exists")
	}
	return nil
}

// Get loads the wizard.
func (s *RedisStore) Get(ctx context.Context, wizardID string) (*domain.Wizard, error) {
	data, err := s.client.Get(ctx, key(wizardID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errNotFound("get", wizardID)
	}
	if err != nil {
		return nil, fmt.Errorf("wizards: get %s: %w", wizardID, err)
	}
	return decode(wizardID, data)
}

// Update runs fn inside an optimistic transaction. fn may run more than once when another writer
// modifies the wizard concurrently, so it must not have side effects outside the wizard.
func (s *RedisStore) Update(ctx context.Context, wizardID string, fn func(*domain.Wizard) error) (*domain.Wizard, error) {
	k := key(wizardID)
	var updated *domain.Wizard
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return errNotFound("update", wizardID)
		}
		if err != nil {
			return err
		}
		wizard, err := decode(wizardID, data)
		if err != nil {
			return err
		}
		if err := fn(wizard); err != nil {
			return err
		}
		wizard.UpdatedAt = s.opts.Clock().UTC()
		payload, err := json.Marshal(wizard)
		if err != nil {
			return fmt.Errorf("wizards: marshal %s: %w", wizardID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, payload, s.opts.ttlFor(wizard))
			return nil
		})
		if err != nil {
			return err
		}
		updated = wizard
		return nil
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, errConflict("update", "wizard "+wizardID+" is contended")
}

func key(id string) string { return keyPrefix + strings.TrimSpace(id) }

func decode(id string, data []byte) (*domain.Wizard, error) {
	var wizard domain.Wizard
	if err := json.Unmarshal(data, &wizard); err != nil {
		return nil, fmt.Errorf("wizards: decode %s: %w", id, err)
	}
	return &wizard, nil
}

var _ repositories.WizardStore = (*RedisStore)(nil)
