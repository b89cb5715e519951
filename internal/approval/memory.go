package approval

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRecord struct {
	state     State
	expiresAt time.Time
}

// MemoryStore is an in-process Store. TTLs are evaluated lazily against the
// injected clock, so expired records are unreadable exactly as in Redis.
type MemoryStore struct {
	opts StoreOptions
	now  func() time.Time

	mu       sync.Mutex
	records  map[string]*memoryRecord
	activity map[string][]ActivityEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts StoreOptions) *MemoryStore {
	return &MemoryStore{
		opts:     opts.normalized(),
		now:      time.Now,
		records:  make(map[string]*memoryRecord),
		activity: make(map[string][]ActivityEntry),
	}
}

// SetClock overrides the time source used for TTL bookkeeping.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Create(_ context.Context, st State, policy DuplicatePolicy) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.liveLocked(st.Request.ID); ok && !admitCreate(rec.state, policy) {
		return false, nil
	}
	m.putLocked(st)
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.liveLocked(id)
	if !ok {
		return State{}, ErrNotFound
	}
	return cloneState(rec.state), nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, to Status, decider, editedText string, at time.Time) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.liveLocked(id)
	if !ok {
		return State{}, false, nil
	}
	if !CanTransition(rec.state.Status, to) {
		return cloneState(rec.state), false, nil
	}
	next := cloneState(rec.state)
	next.apply(to, decider, editedText, at)
	m.putLocked(next)
	return cloneState(next), true, nil
}

func (m *MemoryStore) SweepDue(_ context.Context, now time.Time) ([]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]State, 0)
	for id := range m.records {
		rec, ok := m.liveLocked(id)
		if !ok {
			continue
		}
		if rec.state.IsDue(now) {
			due = append(due, cloneState(rec.state))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt().Before(due[j].DueAt()) })
	return due, nil
}

func (m *MemoryStore) AppendActivity(_ context.Context, tenantID string, entry ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := append(m.activity[tenantID], entry)
	sort.SliceStable(log, func(i, j int) bool { return log[i].CreatedAt.Before(log[j].CreatedAt) })
	if over := len(log) - m.opts.ActivityCap; over > 0 {
		log = append([]ActivityEntry(nil), log[over:]...)
	}
	m.activity[tenantID] = log
	return nil
}

func (m *MemoryStore) RecentActivity(_ context.Context, tenantID string, limit int) ([]ActivityEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit = m.opts.clampLimit(limit)
	log := m.activity[tenantID]
	out := make([]ActivityEntry, 0, min(limit, len(log)))
	for i := len(log) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, log[i])
	}
	return out, nil
}

// liveLocked returns the record for id, dropping it if its TTL has passed.
func (m *MemoryStore) liveLocked(id string) (*memoryRecord, bool) {
	rec, ok := m.records[id]
	if !ok {
		return nil, false
	}
	if !m.now().Before(rec.expiresAt) {
		delete(m.records, id)
		return nil, false
	}
	return rec, true
}

func (m *MemoryStore) putLocked(st State) {
	m.records[st.Request.ID] = &memoryRecord{
		state:     cloneState(st),
		expiresAt: m.now().Add(m.opts.TTL),
	}
}

func cloneState(st State) State {
	out := st
	if st.Request.RiskFlags != nil {
		out.Request.RiskFlags = append(make([]string, 0, len(st.Request.RiskFlags)), st.Request.RiskFlags...)
	}
	if st.PromptedAt != nil {
		t := *st.PromptedAt
		out.PromptedAt = &t
	}
	if st.DecidedAt != nil {
		t := *st.DecidedAt
		out.DecidedAt = &t
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
