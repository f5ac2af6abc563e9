package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/rs/zerolog"
)

// Store persists call detail records
type Store interface {
	SaveCallRecord(ctx context.Context, record types.CallRecord) error
	GetCallRecords(ctx context.Context, dateKey string) ([]types.CallRecord, error)
	// GetPartyCalls returns the calls on dateKey where identity was the caller or the agent
	GetPartyCalls(ctx context.Context, identity, dateKey string) ([]types.CallRecord, error)
}

// NewStore creates the appropriate store based on configuration
func NewStore(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (Store, error) {
	switch cfg.Mode {
	case DynamoModeLocal, DynamoModeAWS:
		return NewDynamoDBStore(ctx, cfg, logger)
	default:
		logger.Info().Msg("DynamoDB disabled, keeping call records in memory")
		return NewMemoryStore(DefaultMemoryRecords), nil
	}
}

// DefaultMemoryRecords bounds the in-memory store
const DefaultMemoryRecords = 1000

// MemoryStore keeps the most recent records in process. Oldest records are
// dropped once the limit is reached.
type MemoryStore struct {
	mu      sync.RWMutex
	records []types.CallRecord
	limit   int
}

func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultMemoryRecords
	}
	return &MemoryStore{limit: limit}
}

func (s *MemoryStore) SaveCallRecord(_ context.Context, record types.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	if over := len(s.records) - s.limit; over > 0 {
		s.records = append([]types.CallRecord(nil), s.records[over:]...)
	}
	return nil
}

func (s *MemoryStore) GetCallRecords(_ context.Context, dateKey string) ([]types.CallRecord, error) {
	return s.filter(func(r types.CallRecord) bool { return r.DateKey == dateKey }), nil
}

func (s *MemoryStore) GetPartyCalls(_ context.Context, identity, dateKey string) ([]types.CallRecord, error) {
	return s.filter(func(r types.CallRecord) bool {
		return r.DateKey == dateKey && (r.AgentID == identity || r.CallerID == identity)
	}), nil
}

func (s *MemoryStore) filter(keep func(types.CallRecord) bool) []types.CallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.CallRecord, 0)
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// NoopStore discards records
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (s *NoopStore) SaveCallRecord(context.Context, types.CallRecord) error { return nil }
func (s *NoopStore) GetCallRecords(context.Context, string) ([]types.CallRecord, error) {
	return nil, nil
}
func (s *NoopStore) GetPartyCalls(context.Context, string, string) ([]types.CallRecord, error) {
	return nil, nil
}

// NewestFirst orders records by end time, most recent first
func NewestFirst(records []types.CallRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].EndedAt > records[j].EndedAt
	})
}
