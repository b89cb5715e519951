package approval

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var baseTime = time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)

type storeBackend struct {
	name    string
	store   Store
	advance func(time.Duration)
}

func storeBackends(t *testing.T, opts StoreOptions) []storeBackend {
	t.Helper()

	now := baseTime
	mem := NewMemoryStore(opts)
	mem.SetClock(func() time.Time { return now })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return []storeBackend{
		{name: "memory", store: mem, advance: func(d time.Duration) { now = now.Add(d) }},
		{name: "redis", store: NewRedisStore(client, "test", opts), advance: mr.FastForward},
	}
}

func newState(id string, deadline int, created time.Time) State {
	return State{
		Request: Request{
			ID:              id,
			TenantID:        "t_acme",
			ChannelTarget:   PlatformX,
			SourceRef:       "1234567890",
			ProposedText:    "We support SSO via SAML.",
			Tag:             "smart",
			ContextRef:      "https://x.com/user/status/1234567890",
			RiskFlags:       []string{},
			DeadlineSeconds: deadline,
		},
		Status:    StatusNew,
		CreatedAt: created,
	}
}

func TestStore_CreateIsIdempotentPastNew(t *testing.T) {
	for _, b := range storeBackends(t, StoreOptions{}) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			st := newState("cr_1", 900, baseTime)

			created, err := b.store.Create(ctx, st, DuplicateOverwrite)
			if err != nil || !created {
				t.Fatalf("first Create = %v, %v", created, err)
			}
			created, err = b.store.Create(ctx, st, DuplicateOverwrite)
			if err != nil || !created {
				t.Fatalf("Create over a new record with overwrite = %v, %v", created, err)
			}
			created, err = b.store.Create(ctx, st, DuplicateReject)
			if err != nil || created {
				t.Fatalf("Create over a new record with reject = %v, %v", created, err)
			}

			if _, applied, err := b.store.Transition(ctx, "cr_1", StatusPrompted, "", "", baseTime.Add(time.Second)); err != nil || !applied {
				t.Fatalf("Transition to prompted = %v, %v", applied, err)
			}
			created, err = b.store.Create(ctx, st, DuplicateOverwrite)
			if err != nil || created {
				t.Fatalf("Create over a prompted record = %v, %v; want false", created, err)
			}
			got, err := b.store.Get(ctx, "cr_1")
			if err != nil {
				t.Fatalf("Get error: %v", err)
			}
			if got.Status != StatusPrompted {
				t.Fatalf("duplicate Create changed status to %s", got.Status)
			}
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	for _, b := range storeBackends(t, StoreOptions{}) {
		t.Run(b.name, func(t *testing.T) {
			if _, err := b.store.Get(context.Background(), "cr_missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_TransitionsAreForwardOnly(t *testing.T) {
	for _, b := range storeBackends(t, StoreOptions{}) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := b.store.Create(ctx, newState("cr_2", 900, baseTime), DuplicateOverwrite); err != nil {
				t.Fatalf("Create error: %v", err)
			}

			if _, applied, _ := b.store.Transition(ctx, "cr_2", StatusExpired, SystemTimeoutDecider, "", baseTime); applied {
				t.Fatalf("new -> expired should not apply")
			}

			promptedAt := baseTime.Add(2 * time.Second)
			st, applied, err := b.store.Transition(ctx, "cr_2", StatusPrompted, "", "", promptedAt)
			if err != nil || !applied {
				t.Fatalf("Transition to prompted = %v, %v", applied, err)
			}
			if st.PromptedAt == nil || !st.PromptedAt.Equal(promptedAt) {
				t.Fatalf("unexpected prompted_at: %v", st.PromptedAt)
			}

			decidedAt := baseTime.Add(45 * time.Second)
			st, applied, err = b.store.Transition(ctx, "cr_2", StatusApproved, "whatsapp:+15550100", "", decidedAt)
			if err != nil || !applied {
				t.Fatalf("Transition to approved = %v, %v", applied, err)
			}
			if st.DecidedAt == nil || !st.DecidedAt.Equal(decidedAt) || st.Decider != "whatsapp:+15550100" {
				t.Fatalf("unexpected decision fields: %+v", st)
			}

			for _, to := range []Status{StatusRejected, StatusExpired, StatusEdited, StatusPrompted, StatusNew} {
				st, applied, err := b.store.Transition(ctx, "cr_2", to, "someone", "", decidedAt.Add(time.Minute))
				if err != nil {
					t.Fatalf("Transition to %s error: %v", to, err)
				}
				if applied {
					t.Fatalf("Transition approved -> %s applied", to)
				}
				if st.Status != StatusApproved || st.Decider != "whatsapp:+15550100" {
					t.Fatalf("terminal record mutated: %+v", st)
				}
			}

			if _, applied, err := b.store.Transition(ctx, "cr_missing", StatusApproved, "x", "", decidedAt); err != nil || applied {
				t.Fatalf("Transition on missing record = %v, %v", applied, err)
			}
		})
	}
}

func TestStore_EditedTextSurvivesReload(t *testing.T) {
	for _, b := range storeBackends(t, StoreOptions{}) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := b.store.Create(ctx, newState("cr_edit", 900, baseTime), DuplicateOverwrite); err != nil {
				t.Fatalf("Create error: %v", err)
			}
			if _, _, err := b.store.Transition(ctx, "cr_edit", StatusPrompted, "", "ignored", baseTime); err != nil {
				t.Fatalf("Transition to prompted error: %v", err)
			}
			if _, applied, err := b.store.Transition(ctx, "cr_edit", StatusEdited, "imessage:owner", "shorter reply", baseTime.Add(time.Second)); err != nil || !applied {
				t.Fatalf("Transition to edited = %v, %v", applied, err)
			}

			st, err := b.store.Get(ctx, "cr_edit")
			if err != nil {
				t.Fatalf("Get error: %v", err)
			}
			if st.EditedText != "shorter reply" {
				t.Fatalf("expected edited text to be stored, got %q", st.EditedText)
			}
			d, err := NewDecision(st)
			if err != nil {
				t.Fatalf("NewDecision error: %v", err)
			}
			if d.FinalText == nil || *d.FinalText != "shorter reply" {
				t.Fatalf("unexpected final text %v", d.FinalText)
			}
		})
	}
}

func TestStore_SweepDueReturnsOnlyOverduePrompted(t *testing.T) {
	for _, b := range storeBackends(t, StoreOptions{}) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			seed := []struct {
				id       string
				deadline int
				status   Status
			}{
				{"cr_due", 5, StatusPrompted},
				{"cr_later", 600, StatusPrompted},
				{"cr_new", 5, StatusNew},
				{"cr_done", 5, StatusRejected},
			}
			for _, s := range seed {
				if _, err := b.store.Create(ctx, newState(s.id, s.deadline, baseTime), DuplicateOverwrite); err != nil {
					t.Fatalf("Create %s error: %v", s.id, err)
				}
				if s.status == StatusPrompted || s.status.IsTerminal() {
					if _, _, err := b.store.Transition(ctx, s.id, StatusPrompted, "", "", baseTime); err != nil {
						t.Fatalf("prompt %s error: %v", s.id, err)
					}
				}
				if s.status.IsTerminal() {
					if _, _, err := b.store.Transition(ctx, s.id, s.status, "imessage:owner", "", baseTime.Add(time.Second)); err != nil {
						t.Fatalf("decide %s error: %v", s.id, err)
					}
				}
			}

			due, err := b.store.SweepDue(ctx, baseTime.Add(4*time.Second))
			if err != nil {
				t.Fatalf("SweepDue error: %v", err)
			}
			if len(due) != 0 {
				t.Fatalf("expected nothing due before deadline, got %d", len(due))
			}

			due, err = b.store.SweepDue(ctx, baseTime.Add(5*time.Second))
			if err != nil {
				t.Fatalf("SweepDue error: %v", err)
			}
			if len(due) != 1 || due[0].Request.ID != "cr_due" {
				t.Fatalf("expected only cr_due, got %+v", due)
			}

			if _, _, err := b.store.Transition(ctx, "cr_due", StatusExpired, SystemTimeoutDecider, "", baseTime.Add(6*time.Second)); err != nil {
				t.Fatalf("expire error: %v", err)
			}
			due, err = b.store.SweepDue(ctx, baseTime.Add(time.Hour))
			if err != nil {
				t.Fatalf("SweepDue error: %v", err)
			}
			if len(due) != 1 || due[0].Request.ID != "cr_later" {
				t.Fatalf("expected only cr_later after expiry, got %+v", due)
			}
		})
	}
}

func TestStore_TTLExpiresAndMutationRefreshes(t *testing.T) {
	for _, b := range storeBackends(t, StoreOptions{TTL: time.Hour}) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := b.store.Create(ctx, newState("cr_ttl", 900, baseTime), DuplicateOverwrite); err != nil {
				t.Fatalf("Create error: %v", err)
			}
			if _, err := b.store.Create(ctx, newState("cr_refresh", 900, baseTime), DuplicateOverwrite); err != nil {
				t.Fatalf("Create error: %v", err)
			}

			b.advance(50 * time.Minute)
			if _, applied, err := b.store.Transition(ctx, "cr_refresh", StatusPrompted, "", "", baseTime); err != nil || !applied {
				t.Fatalf("Transition = %v, %v", applied, err)
			}

			b.advance(20 * time.Minute)
			if _, err := b.store.Get(ctx, "cr_ttl"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected cr_ttl to expire, got %v", err)
			}
			if _, err := b.store.Get(ctx, "cr_refresh"); err != nil {
				t.Fatalf("expected refreshed record to survive, got %v", err)
			}

			b.advance(41 * time.Minute)
			if _, err := b.store.Get(ctx, "cr_refresh"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected refreshed record to expire eventually, got %v", err)
			}
		})
	}
}

func TestStore_ActivityIsCappedAndNewestFirst(t *testing.T) {
	for _, b := range storeBackends(t, StoreOptions{ActivityCap: 3, ActivityQueryMax: 2}) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				entry := ActivityEntry{
					ID:        fmt.Sprintf("cr_%d", i),
					TenantID:  "t_acme",
					Platform:  PlatformX,
					State:     StatusApproved,
					CreatedAt: baseTime.Add(time.Duration(i) * time.Minute),
				}
				if err := b.store.AppendActivity(ctx, "t_acme", entry); err != nil {
					t.Fatalf("AppendActivity error: %v", err)
				}
			}

			got, err := b.store.RecentActivity(ctx, "t_acme", 50)
			if err != nil {
				t.Fatalf("RecentActivity error: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("expected limit clamped to 2, got %d", len(got))
			}
			if got[0].ID != "cr_4" || got[1].ID != "cr_3" {
				t.Fatalf("expected newest first, got %s, %s", got[0].ID, got[1].ID)
			}

			got, err = b.store.RecentActivity(ctx, "t_acme", 0)
			if err != nil {
				t.Fatalf("RecentActivity error: %v", err)
			}
			if len(got) != 1 || got[0].ID != "cr_4" {
				t.Fatalf("expected a single newest entry for limit 0, got %+v", got)
			}

			other, err := b.store.RecentActivity(ctx, "t_other", 10)
			if err != nil {
				t.Fatalf("RecentActivity error: %v", err)
			}
			if len(other) != 0 {
				t.Fatalf("expected tenant isolation, got %d entries", len(other))
			}
		})
	}
}

func TestRedisStore_ActivityCapTrimsOldest(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisStore(client, "", StoreOptions{ActivityCap: 3})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		entry := ActivityEntry{ID: fmt.Sprintf("cr_%d", i), CreatedAt: baseTime.Add(time.Duration(i) * time.Second)}
		if err := store.AppendActivity(ctx, "t_acme", entry); err != nil {
			t.Fatalf("AppendActivity error: %v", err)
		}
	}

	members, err := mr.ZMembers("signoff:activity:t_acme")
	if err != nil {
		t.Fatalf("ZMembers error: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("expected 3 retained entries, got %d", len(members))
	}
	got, err := store.RecentActivity(ctx, "t_acme", 10)
	if err != nil {
		t.Fatalf("RecentActivity error: %v", err)
	}
	if got[len(got)-1].ID != "cr_2" {
		t.Fatalf("expected oldest retained entry cr_2, got %s", got[len(got)-1].ID)
	}
}

func TestRedisStore_SweepPrunesStaleIndexEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisStore(client, "", StoreOptions{})

	ctx := context.Background()
	if _, err := store.Create(ctx, newState("cr_gone", 1, baseTime), DuplicateOverwrite); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, _, err := store.Transition(ctx, "cr_gone", StatusPrompted, "", "", baseTime); err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	mr.Del("signoff:apr:cr_gone")

	due, err := store.SweepDue(ctx, baseTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("SweepDue error: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected no due records, got %d", len(due))
	}
	if members, _ := mr.ZMembers("signoff:apr:due"); len(members) != 0 {
		t.Fatalf("expected stale index entry to be pruned, got %v", members)
	}
}

func TestRedisStore_Ping(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisStore(client, "", StoreOptions{})

	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	mr.Close()
	if err := store.Ping(context.Background()); err == nil {
		t.Fatalf("expected Ping to fail once redis is gone")
	}
}
