package cds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tribal-ehr/interop/internal/platform/metrics"
)

// DefaultServiceTimeout is the hard cap on one service invocation.
const DefaultServiceTimeout = 10 * time.Second

// ErrServiceNotFound is returned for an unknown service ID.
var ErrServiceNotFound = errors.New("cds service not found")

// Service computes decision-support cards for one hook.
type Service interface {
	Descriptor() ServiceDescriptor
	Invoke(ctx context.Context, req *Request) (*Response, error)
}

// Engine keeps the service registry and fans invocations out with per-service
// timeouts and failure isolation.
type Engine struct {
	mu       sync.RWMutex
	services []Service // registration order
	index    map[string]int

	timeout   time.Duration
	log       zerolog.Logger
	metrics   *metrics.Metrics
	overrides OverrideRepo
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithServiceTimeout caps each service invocation. Values <= 0 fall back to
// DefaultServiceTimeout.
func WithServiceTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithMetrics attaches engine metrics.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithOverrideRepo sets the override store. Defaults to in-memory.
func WithOverrideRepo(repo OverrideRepo) EngineOption {
	return func(e *Engine) { e.overrides = repo }
}

// NewEngine builds an empty engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		index:     make(map[string]int),
		timeout:   DefaultServiceTimeout,
		log:       zerolog.Nop(),
		overrides: NewOverrideRepoMemory(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register installs a service. A duplicate service ID replaces the earlier
// registration in place, keeping its position in the aggregation order.
func (e *Engine) Register(svc Service) {
	desc := svc.Descriptor()

	e.mu.Lock()
	defer e.mu.Unlock()

	if i, exists := e.index[desc.ID]; exists {
		e.log.Warn().Str("service", desc.ID).Msg("replacing existing cds service")
		e.services[i] = svc
		return
	}
	e.index[desc.ID] = len(e.services)
	e.services = append(e.services, svc)
}

// Unregister removes a service by ID. Unknown IDs are logged and ignored.
func (e *Engine) Unregister(serviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i, exists := e.index[serviceID]
	if !exists {
		e.log.Warn().Str("service", serviceID).Msg("unregister for unknown cds service")
		return
	}
	e.services = append(e.services[:i], e.services[i+1:]...)
	delete(e.index, serviceID)
	for id, j := range e.index {
		if j > i {
			e.index[id] = j - 1
		}
	}
}

// Discovery returns the service descriptors in registration order.
func (e *Engine) Discovery() []ServiceDescriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]ServiceDescriptor, 0, len(e.services))
	for _, svc := range e.services {
		out = append(out, svc.Descriptor())
	}
	return out
}

// service returns the registered service for an ID.
func (e *Engine) service(serviceID string) (Service, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	i, ok := e.index[serviceID]
	if !ok {
		return nil, false
	}
	return e.services[i], true
}

// matching snapshots the services declared for a hook, in registration order.
func (e *Engine) matching(hook string) []Service {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Service
	for _, svc := range e.services {
		if svc.Descriptor().Hook == hook {
			out = append(out, svc)
		}
	}
	return out
}

// Execute invokes every service registered for hook in parallel and
// aggregates their cards. Individual failures and timeouts are logged and
// isolated: they contribute nothing to the combined response. Cards keep the
// registration order of the services that produced them, and every card
// leaves with a UUID.
func (e *Engine) Execute(ctx context.Context, hook string, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("nil cds request")
	}
	services := e.matching(hook)
	results := make([]*Response, len(services))

	var wg sync.WaitGroup
	for i := range services {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := e.invokeOne(ctx, services[i], req)
			if err != nil {
				return // already logged and counted
			}
			results[i] = resp
		}(i)
	}
	wg.Wait()

	agg := &Response{Cards: []Card{}}
	for _, resp := range results {
		if resp == nil {
			continue
		}
		agg.Cards = append(agg.Cards, resp.Cards...)
		agg.SystemActions = append(agg.SystemActions, resp.SystemActions...)
	}
	finalize(agg)
	return agg, nil
}

// InvokeService runs a single service by ID under the same timeout wrapper.
func (e *Engine) InvokeService(ctx context.Context, serviceID string, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("nil cds request")
	}
	svc, ok := e.service(serviceID)
	if !ok {
		return nil, ErrServiceNotFound
	}
	resp, err := e.invokeOne(ctx, svc, req)
	if err != nil {
		return nil, err
	}
	finalize(resp)
	return resp, nil
}

// invokeOne wraps a single service call with the hard timeout, panic
// containment, logging and metrics.
func (e *Engine) invokeOne(ctx context.Context, svc Service, req *Request) (*Response, error) {
	desc := svc.Descriptor()
	start := time.Now()

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		resp *Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("service panic: %v", rec)}
			}
		}()
		resp, err := svc.Invoke(cctx, req)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case out := <-done:
		elapsed := time.Since(start)
		if out.err != nil {
			e.metrics.CDSInvocation(desc.ID, "error", elapsed)
			e.log.Error().Err(out.err).Str("service", desc.ID).Str("hook", desc.Hook).
				Msg("cds service failed")
			return nil, out.err
		}
		e.metrics.CDSInvocation(desc.ID, "ok", elapsed)
		if out.resp == nil {
			return &Response{Cards: []Card{}}, nil
		}
		return out.resp, nil
	case <-cctx.Done():
		elapsed := time.Since(start)
		e.metrics.CDSInvocation(desc.ID, "timeout", elapsed)
		e.log.Warn().Str("service", desc.ID).Dur("elapsed", elapsed).
			Msg("cds service timed out")
		return nil, fmt.Errorf("service %s: %w", desc.ID, cctx.Err())
	}
}

// finalize assigns UUIDs to cards and suggestions that arrived without one.
func finalize(resp *Response) {
	if resp == nil {
		return
	}
	if resp.Cards == nil {
		resp.Cards = []Card{}
	}
	for i := range resp.Cards {
		if resp.Cards[i].UUID == "" {
			resp.Cards[i].UUID = uuid.NewString()
		}
		for j := range resp.Cards[i].Suggestions {
			if resp.Cards[i].Suggestions[j].UUID == "" {
				resp.Cards[i].Suggestions[j].UUID = uuid.NewString()
			}
		}
	}
}

// RecordOverride appends one override record, stamping ID and time when the
// caller left them zero.
func (e *Engine) RecordOverride(ctx context.Context, rec OverrideRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := e.overrides.Create(ctx, &rec); err != nil {
		return fmt.Errorf("record override: %w", err)
	}
	e.log.Info().Str("card", rec.CardUUID).Str("patient", rec.PatientID).
		Str("reason", rec.ReasonCode).Msg("cds card overridden")
	return nil
}

// Overrides lists the override records for a patient, newest first.
func (e *Engine) Overrides(ctx context.Context, patientID string) ([]*OverrideRecord, error) {
	return e.overrides.ListByPatient(ctx, patientID)
}

// ListOverrides pages through all override records, newest first.
func (e *Engine) ListOverrides(ctx context.Context, limit, offset int) ([]*OverrideRecord, int, error) {
	return e.overrides.List(ctx, limit, offset)
}
