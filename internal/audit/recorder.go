package audit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
)

// Policy decides what an audit write failure means for the business action
// that triggered it.
type Policy string

const (
	// PolicyBestEffort logs the failure at error severity and lets the
	// business action succeed. The ledger has a gap, but it is visible in
	// the logs.
	PolicyBestEffort Policy = "best-effort"

	// PolicyStrict logs the failure and returns it, so the caller fails
	// the business action.
	PolicyStrict Policy = "strict"
)

// ParsePolicy validates a policy name. The empty string selects
// PolicyBestEffort.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyBestEffort:
		return PolicyBestEffort, nil
	case PolicyStrict:
		return PolicyStrict, nil
	default:
		return "", fmt.Errorf("unknown audit policy %q (use %s or %s)", s, PolicyBestEffort, PolicyStrict)
	}
}

// Appender is the part of Writer a Recorder needs.
type Appender interface {
	Append(ctx context.Context, ev Event) (Entry, error)
}

// Recorder is the entry point for business code. Handlers call Record
// after an action; the actor and source address come from the context, so
// callers never deal with hashes or chain state.
type Recorder struct {
	w      Appender
	policy atomic.Value // Policy
}

// NewRecorder creates a recorder with the given failure policy.
func NewRecorder(w Appender, policy Policy) *Recorder {
	r := &Recorder{w: w}
	r.SetPolicy(policy)
	return r
}

// SetPolicy swaps the failure policy. Safe to call while Record runs
// (config hot reload).
func (r *Recorder) SetPolicy(p Policy) {
	if p == "" {
		p = PolicyBestEffort
	}
	r.policy.Store(p)
}

// Policy returns the current failure policy.
func (r *Recorder) Policy() Policy {
	return r.policy.Load().(Policy)
}

// RecordOption adds optional fields to a recorded event.
type RecordOption func(*Event) error

// WithEntity sets the targeted object.
func WithEntity(typ, id string) RecordOption {
	return func(ev *Event) error {
		ev.Entity = &EntityRef{Type: typ, ID: id}
		return nil
	}
}

// WithOldValue sets the pre-change state.
func WithOldValue(v any) RecordOption {
	return payloadOption(v, func(ev *Event, p Payload) { ev.OldValue = p })
}

// WithNewValue sets the post-change state.
func WithNewValue(v any) RecordOption {
	return payloadOption(v, func(ev *Event, p Payload) { ev.NewValue = p })
}

// WithDetails sets free-form metadata.
func WithDetails(v any) RecordOption {
	return payloadOption(v, func(ev *Event, p Payload) { ev.Details = p })
}

func payloadOption(v any, set func(*Event, Payload)) RecordOption {
	return func(ev *Event) error {
		p, err := NewPayload(v)
		if err != nil {
			return err
		}
		set(ev, p)
		return nil
	}
}

// Record appends an event for action. Under PolicyBestEffort it returns nil
// even when the write failed; under PolicyStrict the failure is returned.
// Either way the failure is logged at error severity.
func (r *Recorder) Record(ctx context.Context, action string, opts ...RecordOption) error {
	ev := Event{
		Action:        action,
		Actor:         ActorFromContext(ctx),
		SourceAddress: SourceAddressFromContext(ctx),
	}

	var err error
	for _, opt := range opts {
		if err = opt(&ev); err != nil {
			err = fmt.Errorf("building audit event %q: %w", action, err)
			break
		}
	}
	if err == nil {
		_, err = r.w.Append(ctx, ev)
	}
	if err == nil {
		return nil
	}

	policy := r.Policy()
	slog.Error("audit event not recorded", "action", action, "policy", string(policy), "error", err)
	if policy == PolicyStrict {
		return err
	}
	return nil
}

type ctxKey int

const (
	actorKey ctxKey = iota
	sourceAddressKey
)

// WithActor attaches the acting user to ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext returns the actor attached by WithActor, or nil for
// unauthenticated and system events.
func ActorFromContext(ctx context.Context) *Actor {
	a, ok := ctx.Value(actorKey).(Actor)
	if !ok {
		return nil
	}
	return &a
}

// WithSourceAddress attaches the request's network origin to ctx.
func WithSourceAddress(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, sourceAddressKey, addr)
}

// SourceAddressFromContext returns the address attached by
// WithSourceAddress, or "".
func SourceAddressFromContext(ctx context.Context) string {
	s, _ := ctx.Value(sourceAddressKey).(string)
	return s
}

// SourceAddressFromRequest returns the first X-Forwarded-For hop, falling
// back to the host part of RemoteAddr.
func SourceAddressFromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
