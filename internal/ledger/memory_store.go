package ledger

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nv262-lab/vaa-research/pkg/types"
)

// InMemoryStore keeps the ledger in a single slice. The writer appends
// under mu and then publishes the new prefix; readers only load the
// published prefix and never take mu.
type InMemoryStore struct {
	mu    sync.Mutex
	clock func() time.Time

	records   []types.DecisionRecord
	published atomic.Pointer[[]types.DecisionRecord]

	policyMu sync.RWMutex
	policies map[string]PolicyVersionRecord
}

var _ Store = (*InMemoryStore)(nil)

type Option func(*InMemoryStore)

// WithClock overrides the store clock.
func WithClock(clock func() time.Time) Option {
	return func(s *InMemoryStore) { s.clock = clock }
}

func NewInMemoryStore(opts ...Option) *InMemoryStore {
	s := &InMemoryStore{
		clock:    time.Now,
		policies: make(map[string]PolicyVersionRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	empty := []types.DecisionRecord{}
	s.published.Store(&empty)
	return s
}

func (s *InMemoryStore) Append(ctx context.Context, rec types.DecisionRecord) (types.DecisionRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.DecisionRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tail := Tail{}
	if n := len(s.records); n > 0 {
		last := s.records[n-1]
		tail = Tail{DecisionID: last.DecisionID, Timestamp: last.Timestamp, Digest: last.Digest}
	}
	sealed, err := Next(tail, rec, s.clock())
	if err != nil {
		return types.DecisionRecord{}, err
	}

	// Readers hold records[:n] and never look past n, so appending in
	// place is safe even when the backing array is shared.
	s.records = append(s.records, sealed)
	prefix := s.records[:len(s.records):len(s.records)]
	s.published.Store(&prefix)

	return cloneRecord(sealed), nil
}

func (s *InMemoryStore) snapshot() []types.DecisionRecord {
	return *s.published.Load()
}

func (s *InMemoryStore) Query(ctx context.Context, q Query) ([]types.DecisionRecord, error) {
	out := []types.DecisionRecord{}
	err := s.scan(ctx, q, func(rec types.DecisionRecord) {
		out = append(out, cloneRecord(rec))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *InMemoryStore) Count(ctx context.Context, q Query) (int, error) {
	n := 0
	err := s.scan(ctx, q, func(types.DecisionRecord) { n++ })
	return n, err
}

const cancelCheckInterval = 1024

func (s *InMemoryStore) scan(ctx context.Context, q Query, fn func(types.DecisionRecord)) error {
	records := s.snapshot()
	start := 0
	if !q.Range.From.IsZero() {
		start = sort.Search(len(records), func(i int) bool {
			return !records[i].Timestamp.Before(q.Range.From)
		})
	}
	for i := start; i < len(records); i++ {
		if (i-start)%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		rec := records[i]
		if !q.Range.To.IsZero() && !rec.Timestamp.Before(q.Range.To) {
			break
		}
		if q.Matches(rec) {
			fn(rec)
		}
	}
	return nil
}

func (s *InMemoryStore) PutPolicyVersion(_ context.Context, policy PolicyVersionRecord) error {
	s.policyMu.Lock()
	defer s.policyMu.Unlock()
	if _, ok := s.policies[policy.PolicyHash]; ok {
		return nil
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = s.clock().UTC()
	}
	s.policies[policy.PolicyHash] = policy
	return nil
}

func (s *InMemoryStore) GetPolicyVersion(_ context.Context, policyHash string) (PolicyVersionRecord, bool) {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	policy, ok := s.policies[policyHash]
	return policy, ok
}

func (s *InMemoryStore) Close() error { return nil }

func cloneRecord(rec types.DecisionRecord) types.DecisionRecord {
	rec.Context = CloneContext(rec.Context)
	return rec
}
