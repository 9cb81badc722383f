// Package router dispatches parsed HL7v2 messages to registered handlers and
// turns the outcome into an ACK. Messages that cannot be delivered land in a
// bounded dead-letter queue keyed by control ID.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tribal-ehr/interop/internal/platform/hl7v2"
	"github.com/tribal-ehr/interop/internal/platform/metrics"
)

// Wildcard matches any message type or trigger event in a registration.
const Wildcard = "*"

// Dead-letter reasons.
const (
	ReasonNoHandler    = "no handler"
	ReasonHandlerError = "handler exception"
)

// ErrNotFound is returned when a dead-letter control ID does not exist.
var ErrNotFound = errors.New("dead letter entry not found")

// Result is what a handler reports back for a successfully invoked message.
// An empty AckCode is filled in from Success (AA when true, AE when false).
type Result struct {
	Success bool
	AckCode hl7v2.AckCode
	Message string
}

// Handler processes one inbound message. Returning an error (or panicking)
// sends the message to the dead-letter queue and produces an AE ACK.
type Handler func(ctx context.Context, msg *hl7v2.Message) (Result, error)

// Registration identifies one routing rule.
type Registration struct {
	MessageType string `json:"messageType"`
	Trigger     string `json:"trigger"`
}

type routeKey struct {
	msgType string
	trigger string
}

func (k routeKey) String() string {
	return k.msgType + "^" + k.trigger
}

// Router matches messages to handlers by (message type, trigger event).
// Lookup prefers an exact match, then (type, *), then (*, *).
type Router struct {
	mu     sync.RWMutex
	routes map[routeKey]Handler
	order  []routeKey

	dlq          *deadLetterQueue
	log          zerolog.Logger
	metrics      *metrics.Metrics
	onDeadLetter func(DeadLetterEntry)
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the structured logger used for routing decisions.
func WithLogger(log zerolog.Logger) RouterOption {
	return func(r *Router) { r.log = log }
}

// WithMetrics attaches engine metrics. A nil registry is tolerated.
func WithMetrics(m *metrics.Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithMaxDLQSize bounds the dead-letter queue. Values <= 0 fall back to
// DefaultMaxDLQSize.
func WithMaxDLQSize(n int) RouterOption {
	return func(r *Router) { r.dlq = newDeadLetterQueue(n) }
}

// WithDeadLetterHook registers a callback invoked with a copy of each entry
// added to (or updated in) the dead-letter queue.
func WithDeadLetterHook(fn func(DeadLetterEntry)) RouterOption {
	return func(r *Router) { r.onDeadLetter = fn }
}

// New builds a Router ready for registrations.
func New(opts ...RouterOption) *Router {
	r := &Router{
		routes: make(map[routeKey]Handler),
		dlq:    newDeadLetterQueue(DefaultMaxDLQSize),
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs a handler for (msgType, trigger). Either part may be the
// "*" wildcard. Registering over an existing rule replaces it.
func (r *Router) Register(msgType, trigger string, h Handler) {
	key := routeKey{msgType: msgType, trigger: trigger}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routes[key]; exists {
		r.log.Warn().Str("route", key.String()).Msg("replacing existing message handler")
	} else {
		r.order = append(r.order, key)
	}
	r.routes[key] = h
}

// Unregister removes the handler for (msgType, trigger). Unknown rules are
// logged and otherwise ignored.
func (r *Router) Unregister(msgType, trigger string) {
	key := routeKey{msgType: msgType, trigger: trigger}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routes[key]; !exists {
		r.log.Warn().Str("route", key.String()).Msg("unregister for unknown message handler")
		return
	}
	delete(r.routes, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Registrations returns the installed rules in registration order.
func (r *Router) Registrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, Registration{MessageType: k.msgType, Trigger: k.trigger})
	}
	return out
}

// lookup resolves the handler for a message, most specific rule first.
func (r *Router) lookup(msgType, trigger string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, key := range []routeKey{
		{msgType: msgType, trigger: trigger},
		{msgType: msgType, trigger: Wildcard},
		{msgType: Wildcard, trigger: Wildcard},
	} {
		if h, ok := r.routes[key]; ok {
			return h, true
		}
	}
	return nil, false
}

// Route dispatches msg to its handler and returns the ACK to send back. The
// ACK code reflects the outcome: AA on success, AE on handler failure, AR
// when no handler is registered. An error is returned only when the ACK
// itself cannot be built.
func (r *Router) Route(ctx context.Context, msg *hl7v2.Message) (*hl7v2.Message, error) {
	msgType := msg.Header.Type
	trigger := msg.Header.TriggerEvent

	h, ok := r.lookup(msgType, trigger)
	if !ok {
		diag := fmt.Sprintf("no handler registered for %s^%s", msgType, trigger)
		r.log.Warn().
			Str("message_type", msgType).
			Str("trigger", trigger).
			Str("control_id", msg.Header.ControlID).
			Msg("message rejected: no handler")
		r.deadLetter(msg, ReasonNoHandler, diag)
		return r.ack(msg, hl7v2.AckReject, diag)
	}

	res, err := safeInvoke(ctx, h, msg)
	if err != nil {
		r.log.Error().
			Err(err).
			Str("message_type", msgType).
			Str("trigger", trigger).
			Str("control_id", msg.Header.ControlID).
			Msg("message handler failed")
		r.deadLetter(msg, ReasonHandlerError, err.Error())
		return r.ack(msg, hl7v2.AckError, err.Error())
	}

	code := res.AckCode
	if !code.Valid() {
		if res.Success {
			code = hl7v2.AckAccept
		} else {
			code = hl7v2.AckError
		}
	}
	r.log.Info().
		Str("message_type", msgType).
		Str("trigger", trigger).
		Str("control_id", msg.Header.ControlID).
		Str("ack_code", string(code)).
		Msg("message routed")
	return r.ack(msg, code, res.Message)
}

func (r *Router) ack(msg *hl7v2.Message, code hl7v2.AckCode, diagnostic string) (*hl7v2.Message, error) {
	ack, err := hl7v2.BuildAck(msg, code, diagnostic)
	if err != nil {
		return nil, fmt.Errorf("build ack: %w", err)
	}
	r.metrics.RouterRouted(string(code))
	return ack, nil
}

func (r *Router) deadLetter(msg *hl7v2.Message, reason, lastError string) {
	entry, evicted := r.dlq.add(msg, reason, lastError)
	if evicted {
		r.metrics.DLQEvicted()
	}
	r.metrics.SetDLQSize(r.dlq.size())
	if r.onDeadLetter != nil {
		r.onDeadLetter(*entry)
	}
}

// DeadLetters returns a snapshot of the dead-letter queue, oldest first.
func (r *Router) DeadLetters() []*DeadLetterEntry {
	return r.dlq.list()
}

// DLQSize reports the number of queued dead letters.
func (r *Router) DLQSize() int {
	return r.dlq.size()
}

// Retry removes the dead letter for controlID and routes its message again.
// If routing fails once more, the message re-enters the queue with its
// attempt history carried forward.
func (r *Router) Retry(ctx context.Context, controlID string) (*hl7v2.Message, error) {
	entry, ok := r.dlq.take(controlID)
	if !ok {
		return nil, ErrNotFound
	}
	r.metrics.SetDLQSize(r.dlq.size())

	ack, err := r.Route(ctx, entry.Message)
	r.dlq.bumpAttempts(controlID, entry.Attempts)
	r.metrics.SetDLQSize(r.dlq.size())
	return ack, err
}

// Purge drops a single dead letter. It reports whether the entry existed.
func (r *Router) Purge(controlID string) bool {
	_, ok := r.dlq.take(controlID)
	if ok {
		r.metrics.SetDLQSize(r.dlq.size())
	}
	return ok
}

// ClearDLQ drops every dead letter and returns how many were removed.
func (r *Router) ClearDLQ() int {
	n := r.dlq.clear()
	r.metrics.SetDLQSize(0)
	return n
}

// safeInvoke runs the handler and converts panics into errors so one bad
// handler cannot take down the MLLP read loop.
func safeInvoke(ctx context.Context, h Handler, msg *hl7v2.Message) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, msg)
}
