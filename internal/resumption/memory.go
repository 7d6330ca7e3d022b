package resumption

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// MemoryStore keeps suspended states in process memory. Records are stored
// as JSON so callers never share mutable values with the store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (s *MemoryStore) Create(_ context.Context, state *schema.SuspendedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal suspended state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[state.Token]; ok {
		return duplicate(state.Token)
	}
	s.records[state.Token] = data
	return nil
}

func (s *MemoryStore) Get(_ context.Context, token string) (*schema.SuspendedState, error) {
	s.mu.Lock()
	data, ok := s.records[token]
	s.mu.Unlock()
	if !ok {
		return nil, notFound(token)
	}
	return decodeState(data)
}

func (s *MemoryStore) Resolve(_ context.Context, token string, res Resolution) (*schema.SuspendedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.records[token]
	if !ok {
		return nil, notFound(token)
	}
	state, err := decodeState(data)
	if err != nil {
		return nil, err
	}
	if err := apply(state, res); err != nil {
		return nil, err
	}
	updated, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal suspended state: %w", err)
	}
	s.records[token] = updated
	return state, nil
}

func (s *MemoryStore) Claim(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.records[token]
	if !ok {
		return notFound(token)
	}
	state, err := decodeState(data)
	if err != nil {
		return err
	}
	if err := claimable(state); err != nil {
		return err
	}
	delete(s.records, token)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.records, token)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for token, data := range s.records {
		state, err := decodeState(data)
		if err != nil {
			return purged, err
		}
		if purgeable(&state.Metadata, now) {
			delete(s.records, token)
			purged++
		}
	}
	return purged, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func decodeState(data []byte) (*schema.SuspendedState, error) {
	var state schema.SuspendedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal suspended state: %w", err)
	}
	return &state, nil
}
