package stores

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/pdp"
)

// RedisAssignmentStore keeps assignments in one Redis hash per principal
// (key: {prefix}:assignments:{principalID}, field: assignment ID, value:
// JSON). A second hash maps assignment IDs to principals for deletes.
type RedisAssignmentStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisAssignmentStore(client redis.UniversalClient) *RedisAssignmentStore {
	return &RedisAssignmentStore{client: client, prefix: "pdp"}
}

// WithPrefix namespaces the keys.
func (r *RedisAssignmentStore) WithPrefix(prefix string) *RedisAssignmentStore {
	r.prefix = prefix
	return r
}

func (r *RedisAssignmentStore) key(principalID string) string {
	return fmt.Sprintf("%s:assignments:%s", r.prefix, principalID)
}

func (r *RedisAssignmentStore) ownerKey() string {
	return r.prefix + ":assignment-owner"
}

// maxWatchRetries bounds optimistic retries when another writer changes the
// owner hash between WATCH and EXEC.
const maxWatchRetries = 16

// watchOwner runs fn inside WATCH on the owner hash and retries when the
// transaction is aborted by a concurrent write.
func (r *RedisAssignmentStore) watchOwner(ctx context.Context, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, fn, r.ownerKey())
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("assignment owner kept changing after %d attempts: %w", maxWatchRetries, redis.TxFailedErr)
}

// PutAssignment stores a and moves it out of its previous principal's hash
// when the principal changed. The owner lookup and the writes run under one
// WATCH so concurrent moves cannot leave a copy behind.
func (r *RedisAssignmentStore) PutAssignment(ctx context.Context, a *pdp.Assignment) error {
	if a == nil || a.ID == "" || a.PrincipalID == "" {
		return errors.New("assignment id and principal are required")
	}
	body, err := encodeBody(a)
	if err != nil {
		return err
	}
	return r.watchOwner(ctx, func(tx *redis.Tx) error {
		prev, err := tx.HGet(ctx, r.ownerKey(), a.ID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prev != "" && prev != a.PrincipalID {
				pipe.HDel(ctx, r.key(prev), a.ID)
			}
			pipe.HSet(ctx, r.key(a.PrincipalID), a.ID, body)
			pipe.HSet(ctx, r.ownerKey(), a.ID, a.PrincipalID)
			return nil
		})
		return err
	})
}

func (r *RedisAssignmentStore) DeleteAssignment(ctx context.Context, id string) error {
	return r.watchOwner(ctx, func(tx *redis.Tx) error {
		principal, err := tx.HGet(ctx, r.ownerKey(), id).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("assignment %s: %w", id, pdp.ErrNotFound)
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, r.key(principal), id)
			pipe.HDel(ctx, r.ownerKey(), id)
			return nil
		})
		return err
	})
}

func (r *RedisAssignmentStore) ListAssignments(ctx context.Context, principalID string) ([]*pdp.Assignment, error) {
	res, err := r.client.HGetAll(ctx, r.key(principalID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*pdp.Assignment, 0, len(res))
	for id, body := range res {
		a, err := decodeBody[pdp.Assignment](body)
		if err != nil {
			return nil, fmt.Errorf("assignment %s: %w", id, err)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
