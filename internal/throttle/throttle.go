// Package throttle gates login attempts per email.
//
// Two counters exist for every email. The one kept here is a short-lived,
// self-clearing throttle: after Limit consecutive failures further attempts are
// rejected until Cooldown has passed since the last failure. The persistent
// block lives on the user row and is consulted through BlockedFunc.
package throttle

import (
	"context"
	"math"
	"strings"
	"time"
)

const (
	DefaultLimit    = 5
	DefaultCooldown = 60 * time.Second
)

// State is the per-email throttle record.
type State struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	// Warned is set once the "repeated failures" mail went out for this email
	// and cleared by the next successful login.
	Warned bool `json:"warned"`
}

// Store keeps State keyed by normalized email. Get returns the zero State for
// unknown emails.
type Store interface {
	Get(ctx context.Context, email string) (State, error)
	Put(ctx context.Context, email string, st State) error
	Delete(ctx context.Context, email string) error
}

// BlockedFunc reports whether the account behind email is blocked server side.
type BlockedFunc func(ctx context.Context, email string) (bool, error)

type Outcome int

const (
	Allowed Outcome = iota
	Throttled
	Blocked
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Throttled:
		return "throttled"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

type Decision struct {
	Outcome   Outcome
	Remaining time.Duration
}

// RemainingSeconds rounds up so a throttled decision never reports zero.
func (d Decision) RemainingSeconds() int {
	return CeilSeconds(d.Remaining)
}

// CeilSeconds is d in whole seconds, rounded up. Non-positive durations are 0.
func CeilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

type Guard struct {
	store    Store
	blocked  BlockedFunc
	limit    int
	cooldown time.Duration
	now      func() time.Time
}

type Option func(*Guard)

func WithLimit(n int) Option { return func(g *Guard) { g.limit = n } }

func WithCooldown(d time.Duration) Option { return func(g *Guard) { g.cooldown = d } }

func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

func NewGuard(store Store, blocked BlockedFunc, opts ...Option) *Guard {
	g := &Guard{store: store, blocked: blocked, limit: DefaultLimit, cooldown: DefaultCooldown, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Check decides whether an attempt for email may reach the credential check.
// The local throttle is evaluated first and does not touch the block lookup.
func (g *Guard) Check(ctx context.Context, email string) (Decision, error) {
	email = Normalize(email)
	st, err := g.store.Get(ctx, email)
	if err != nil {
		return Decision{}, err
	}
	if st.Failures >= g.limit {
		elapsed := g.now().Sub(st.LastFailure)
		if elapsed < g.cooldown {
			return Decision{Outcome: Throttled, Remaining: g.cooldown - elapsed}, nil
		}
		st.Failures = 0
		if err := g.store.Put(ctx, email, st); err != nil {
			return Decision{}, err
		}
	}
	if g.blocked != nil {
		blocked, err := g.blocked(ctx, email)
		if err != nil {
			return Decision{}, err
		}
		if blocked {
			return Decision{Outcome: Blocked}, nil
		}
	}
	return Decision{Outcome: Allowed}, nil
}

func (g *Guard) RecordFailure(ctx context.Context, email string) (State, error) {
	email = Normalize(email)
	st, err := g.store.Get(ctx, email)
	if err != nil {
		return State{}, err
	}
	st.Failures++
	st.LastFailure = g.now()
	if err := g.store.Put(ctx, email, st); err != nil {
		return State{}, err
	}
	return st, nil
}

// RecordSuccess forgets everything about email, including the warned flag.
func (g *Guard) RecordSuccess(ctx context.Context, email string) error {
	return g.store.Delete(ctx, Normalize(email))
}

func (g *Guard) Warned(ctx context.Context, email string) (bool, error) {
	st, err := g.store.Get(ctx, Normalize(email))
	if err != nil {
		return false, err
	}
	return st.Warned, nil
}

func (g *Guard) MarkWarned(ctx context.Context, email string) error {
	email = Normalize(email)
	st, err := g.store.Get(ctx, email)
	if err != nil {
		return err
	}
	st.Warned = true
	return g.store.Put(ctx, email, st)
}
