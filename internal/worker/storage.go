package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/plexhub/crucible/internal/channel"
	"github.com/plexhub/crucible/internal/protocol"
)

// Storage is the worker-side facade over the supervisor's key/value store.
// Every method is one envelope round trip with the fixed per-call timeout.
type Storage struct {
	ch          *channel.Channel
	callTimeout time.Duration
}

// NewStorage returns a storage proxy over ch.
func NewStorage(ch *channel.Channel) *Storage {
	return &Storage{ch: ch, callTimeout: protocol.CallTimeout}
}

// Get returns the stored value for key, or nil when nothing is stored.
// Absence is not an error.
func (s *Storage) Get(ctx context.Context, key string) (json.RawMessage, error) {
	raw, err := s.ch.Request(ctx, protocol.KindStorageGet, protocol.StorageGetParams{Key: key}, s.callTimeout)
	if err != nil {
		return nil, err
	}
	var res protocol.StorageGetResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode storage.get result: %w", err)
	}
	if !res.Found {
		return nil, nil
	}
	return res.Value, nil
}

// Set stores value under key. A ttl of zero means the value never expires.
func (s *Storage) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal storage value: %w", err)
	}
	params := protocol.StorageSetParams{Key: key, Value: raw}
	if ttl > 0 {
		params.TTLSeconds = int64(ttl / time.Second)
	}
	_, err = s.ch.Request(ctx, protocol.KindStorageSet, params, s.callTimeout)
	return err
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	_, err := s.ch.Request(ctx, protocol.KindStorageDelete, protocol.StorageDeleteParams{Key: key}, s.callTimeout)
	return err
}

// Has reports whether key holds a value. It is a Get plus a nil check; there
// is no dedicated verb on the wire.
func (s *Storage) Has(ctx context.Context, key string) (bool, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// Increment adds by to the integer stored at key and returns the new value.
// An absent key counts from zero.
//
// This is a client-computed read-modify-write over two round trips, NOT an
// atomic remote operation: two concurrent executions of the same installation
// can interleave between the get and the set and lose an update. Callers that
// need an exact count must serialize executions themselves.
func (s *Storage) Increment(ctx context.Context, key string, by int64) (int64, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	var cur int64
	if raw != nil {
		cur, err = parseInt(raw)
		if err != nil {
			return 0, fmt.Errorf("increment %q: stored value is not an integer: %w", key, err)
		}
	}
	next := cur + by
	if err := s.Set(ctx, key, next, 0); err != nil {
		return 0, err
	}
	return next, nil
}

func parseInt(raw json.RawMessage) (int64, error) {
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return 0, err
	}
	return strconv.ParseInt(n.String(), 10, 64)
}
