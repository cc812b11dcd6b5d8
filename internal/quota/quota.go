// Package quota tracks and persists the per-identity daily session counter
// and cost ledger, and enforces the hard daily session cap.
//
// The cap is a compiled-in constant and is deliberately never read back from
// storage: a tampered persisted record can inflate nothing. Counters reset on
// calendar-day rollover, and a session consumes quota the instant the gateway
// confirms it — an abruptly dropped session still counts.
//
// Persistence is pluggable via [Store]; a local file backend and a Postgres
// backend are provided. Every mutation is written through synchronously so a
// refresh or crash cannot un-spend a session.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MaxDailyConversations is the hard per-identity daily session cap. It is a
// build-time constant and always wins over any value found in storage.
const MaxDailyConversations = 20

// GuestIdentity is the namespace used before a user authenticates.
const GuestIdentity = "guest"

// Per-unit cost rates in USD, matching the provider's realtime audio-model
// pricing at time of writing.
const (
	costPerInputToken        = 0.000004
	costPerOutputToken       = 0.000016
	costPerAudioInputSecond  = 0.0006
	costPerAudioOutputSecond = 0.0024
)

// UsageRecord is one completed session's consumption, appended to the day's
// ledger at session end.
type UsageRecord struct {
	InputTokens        int       `json:"input_tokens"`
	OutputTokens       int       `json:"output_tokens"`
	AudioInputSeconds  float64   `json:"audio_input_seconds"`
	AudioOutputSeconds float64   `json:"audio_output_seconds"`
	Cost               float64   `json:"cost"`
	Timestamp          time.Time `json:"timestamp"`
}

// CostOf computes the dollar cost of a usage record from the compiled-in
// rates, ignoring any cost value already present.
func CostOf(u UsageRecord) float64 {
	return float64(u.InputTokens)*costPerInputToken +
		float64(u.OutputTokens)*costPerOutputToken +
		u.AudioInputSeconds*costPerAudioInputSecond +
		u.AudioOutputSeconds*costPerAudioOutputSecond
}

// State is the persisted per-identity quota record. The cap itself is
// intentionally absent.
type State struct {
	DailySessionsStarted int           `json:"daily_sessions_started"`
	DailyUsage           []UsageRecord `json:"daily_usage"`
	LastResetDate        string        `json:"last_reset_date"` // YYYY-MM-DD
}

// Store is a persistence backend for quota state, namespaced by identity.
// Load returns a zero State for an unknown identity.
type Store interface {
	Load(ctx context.Context, identity string) (State, error)
	Save(ctx context.Context, identity string, st State) error
}

// Decision is the result of a pre-flight quota check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Stats summarises today's consumption for display.
type Stats struct {
	Used      int
	Remaining int
	Cap       int
	CostToday float64
}

// Option is a functional option for configuring a [Keeper].
type Option func(*Keeper)

// WithClock overrides the time source. Used in tests to control day
// rollover.
func WithClock(now func() time.Time) Option {
	return func(k *Keeper) { k.now = now }
}

// Keeper owns the in-memory quota state for the current identity and writes
// every mutation through to the backing [Store]. Safe for concurrent use.
type Keeper struct {
	store Store
	now   func() time.Time

	mu       sync.Mutex
	identity string
	state    State
	active   bool
}

// NewKeeper loads the given identity's state from store and applies the day
// rollover rule. An empty identity selects [GuestIdentity].
func NewKeeper(ctx context.Context, store Store, identity string, opts ...Option) (*Keeper, error) {
	k := &Keeper{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	if identity == "" {
		identity = GuestIdentity
	}
	if err := k.loadIdentity(ctx, identity); err != nil {
		return nil, err
	}
	return k, nil
}

// loadIdentity replaces the in-memory state with the named namespace.
func (k *Keeper) loadIdentity(ctx context.Context, identity string) error {
	st, err := k.store.Load(ctx, identity)
	if err != nil {
		return fmt.Errorf("quota: load %q: %w", identity, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.identity = identity
	k.state = st
	k.rolloverLocked()
	return nil
}

// rolloverLocked replaces the record with a fresh zeroed one when the stored
// reset date is not today. Must be called with k.mu held. The reset is
// persisted by the next write-through.
func (k *Keeper) rolloverLocked() {
	today := k.today()
	if k.state.LastResetDate != today {
		k.state = State{LastResetDate: today}
	}
}

func (k *Keeper) today() string {
	return k.now().Format("2006-01-02")
}

// nextReset returns the start of the next calendar day.
func (k *Keeper) nextReset() time.Time {
	now := k.now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}

// CanStart reports whether a new session may begin. It denies when a session
// is already active or when today's counter has reached the cap, stating the
// next reset time.
func (k *Keeper) CanStart() Decision {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rolloverLocked()

	if k.active {
		return Decision{Reason: "a session is already active"}
	}
	if k.state.DailySessionsStarted >= MaxDailyConversations {
		return Decision{Reason: fmt.Sprintf(
			"daily limit of %d conversations reached; resets %s",
			MaxDailyConversations, k.nextReset().Format(time.RFC3339),
		)}
	}
	return Decision{Allowed: true}
}

// RecordSessionStart increments the daily counter and persists immediately.
// Called the instant the gateway confirms the session, before any audio
// flows.
func (k *Keeper) RecordSessionStart(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rolloverLocked()

	k.state.DailySessionsStarted++
	k.active = true
	if err := k.store.Save(ctx, k.identity, k.state); err != nil {
		return fmt.Errorf("quota: persist session start: %w", err)
	}
	return nil
}

// RecordSessionEnd appends the session's usage to the day's ledger and marks
// no session active. The record's cost is recomputed from the compiled-in
// rates.
func (k *Keeper) RecordSessionEnd(ctx context.Context, u UsageRecord) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rolloverLocked()

	k.active = false
	u.Cost = CostOf(u)
	if u.Timestamp.IsZero() {
		u.Timestamp = k.now()
	}
	k.state.DailyUsage = append(k.state.DailyUsage, u)
	if err := k.store.Save(ctx, k.identity, k.state); err != nil {
		return fmt.Errorf("quota: persist session end: %w", err)
	}
	return nil
}

// Stats returns today's used/remaining/cap counts and cost to date.
func (k *Keeper) Stats() Stats {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rolloverLocked()

	var cost float64
	for _, u := range k.state.DailyUsage {
		cost += u.Cost
	}
	remaining := MaxDailyConversations - k.state.DailySessionsStarted
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		Used:      k.state.DailySessionsStarted,
		Remaining: remaining,
		Cap:       MaxDailyConversations,
		CostToday: cost,
	}
}

// SetIdentity swaps to a different persisted namespace, re-applying the day
// rollover rule. Counts under one identity never affect another's.
func (k *Keeper) SetIdentity(ctx context.Context, identity string) error {
	if identity == "" {
		identity = GuestIdentity
	}
	return k.loadIdentity(ctx, identity)
}

// Identity returns the current namespace.
func (k *Keeper) Identity() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.identity
}

// SessionActive reports whether a session start has been recorded without a
// matching end.
func (k *Keeper) SessionActive() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.active
}
