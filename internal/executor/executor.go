// Package executor orchestrates one logical request end to end: duplicate
// suppression, fallback routing, capacity admission, the provider call, and
// the bookkeeping every attempt owes the throttle controller and metrics.
package executor

import (
	"context"
	"time"

	"github.com/modelrelay/modelrelay/internal/dedup"
	"github.com/modelrelay/modelrelay/internal/fallback"
	"github.com/modelrelay/modelrelay/internal/limiter"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/throttle"
	"github.com/modelrelay/modelrelay/pkg/config"
	apperrors "github.com/modelrelay/modelrelay/pkg/errors"
	"github.com/modelrelay/modelrelay/pkg/logging"
	"github.com/modelrelay/modelrelay/pkg/metrics"
	"github.com/modelrelay/modelrelay/pkg/tracing"
)

// Request is one logical unit of work addressed to an agent.
type Request struct {
	AgentID   string `json:"agent_id"`
	Task      string `json:"task"`
	Context   string `json:"context,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	SkipCache bool   `json:"skip_cache,omitempty"`
}

// Response is the completed result, whether freshly executed or served from
// the dedup cache.
type Response struct {
	RequestID    string        `json:"request_id"`
	AgentID      string        `json:"agent_id"`
	ProviderID   string        `json:"provider_id"`
	Model        string        `json:"model"`
	Content      string        `json:"content"`
	TokensIn     int           `json:"tokens_in"`
	TokensOut    int           `json:"tokens_out"`
	Attempts     int   `json:"attempts"`
	Deduplicated bool  `json:"deduplicated"`
	DurationMS   int64 `json:"duration_ms"`
}

// Executor routes requests through fallback chains under capacity control.
type Executor struct {
	chains   map[string]*fallback.Chain
	clients  map[string]provider.Client
	limiter  *limiter.Registry
	throttle *throttle.Controller
	cache    dedup.Store

	// acquireWait bounds how long one attempt may wait for admission before
	// the next provider in the chain gets its turn. Zero waits until the
	// request deadline.
	acquireWait time.Duration

	metrics *metrics.Metrics
	tracer  *tracing.Service
	logger  *logging.Logger
	nowFunc func() time.Time
}

// New validates agent chains against the registered clients and builds the
// orchestrator. The cache, metrics, and tracer are optional.
func New(
	agents map[string]config.AgentConfig,
	clients map[string]provider.Client,
	lim *limiter.Registry,
	thr *throttle.Controller,
	cache dedup.Store,
	acquireWait time.Duration,
	m *metrics.Metrics,
	tracer *tracing.Service,
	logger *logging.Logger,
) (*Executor, error) {
	if logger == nil {
		logger = logging.GetLogger()
	}

	known := make(map[string]bool, len(clients))
	for id := range clients {
		known[id] = true
	}

	chains := make(map[string]*fallback.Chain, len(agents))
	for id, agent := range agents {
		chain, err := fallback.NewChain(id, agent.Primary, agent.Fallbacks, known)
		if err != nil {
			return nil, err
		}
		chains[id] = chain
	}

	if lim == nil || thr == nil {
		return nil, apperrors.NewValidationError("limiter and throttle controller are required")
	}

	return &Executor{
		chains:      chains,
		clients:     clients,
		limiter:     lim,
		throttle:    thr,
		cache:       cache,
		acquireWait: acquireWait,
		metrics:     m,
		tracer:      tracer,
		logger:      logger,
		nowFunc:     time.Now,
	}, nil
}

// Agents returns the ids of all configured agents.
func (e *Executor) Agents() []string {
	ids := make([]string, 0, len(e.chains))
	for id := range e.chains {
		ids = append(ids, id)
	}
	return ids
}

// Chain returns the fallback chain for an agent.
func (e *Executor) Chain(agentID string) (*fallback.Chain, bool) {
	chain, ok := e.chains[agentID]
	return chain, ok
}

// Execute runs one request to completion. Provider-level failures are
// absorbed by the fallback chain; callers only ever see a successful
// response, a chain exhaustion, a cancellation, or a validation error.
func (e *Executor) Execute(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.Task == "" {
		return nil, apperrors.NewValidationError("task is required")
	}

	chain, ok := e.chains[req.AgentID]
	if !ok {
		return nil, apperrors.NewNotFoundError("agent " + req.AgentID)
	}

	requestID := logging.GetRequestID(ctx)
	if requestID == "" {
		requestID = logging.NewRequestID()
		ctx = logging.WithRequestID(ctx, requestID)
	}
	ctx = logging.WithAgentID(ctx, req.AgentID)

	if e.tracer != nil {
		sctx, span := e.tracer.StartRequestSpan(ctx, req.AgentID, requestID)
		ctx = sctx
		resp, err := e.run(ctx, chain, req, requestID)
		tracing.EndSpan(span, err)
		return resp, err
	}
	return e.run(ctx, chain, req, requestID)
}

// run executes the dedup lookup and the fallback loop for one request.
func (e *Executor) run(ctx context.Context, chain *fallback.Chain, req *Request, requestID string) (*Response, error) {
	start := e.nowFunc()

	fingerprint := dedup.Fingerprint(req.AgentID, req.Task, req.Context)
	if cached, ok := e.lookupCache(ctx, req, fingerprint); ok {
		return &Response{
			RequestID:    requestID,
			AgentID:      req.AgentID,
			ProviderID:   cached.ProviderID,
			Model:        cached.Model,
			Content:      cached.Content,
			TokensIn:     cached.TokensIn,
			TokensOut:    cached.TokensOut,
			Deduplicated: true,
			DurationMS:   e.nowFunc().Sub(start).Milliseconds(),
		}, nil
	}

	attempted := make(map[string]bool, chain.Len())
	tried := make([]string, 0, chain.Len())

	for attempt := 1; ; attempt++ {
		candidate, ok := fallback.NextCandidate(chain, attempted)
		if !ok {
			if e.metrics != nil {
				e.metrics.RecordChainExhaustion(req.AgentID)
			}
			e.logger.LogError(ctx, nil, "All providers in chain failed", logging.Fields{
				"agent_id":  req.AgentID,
				"attempts":  attempt - 1,
				"providers": tried,
			})
			return nil, apperrors.NewChainExhaustedError(req.AgentID, tried).WithRequestID(requestID)
		}

		attempted[candidate] = true
		tried = append(tried, candidate)

		resp, err := e.attempt(ctx, req, candidate, attempt)
		if err == nil {
			e.storeCache(ctx, req, fingerprint, candidate, resp)
			return &Response{
				RequestID:  requestID,
				AgentID:    req.AgentID,
				ProviderID: candidate,
				Model:      resp.Model,
				Content:    resp.Content,
				TokensIn:   resp.TokensIn,
				TokensOut:  resp.TokensOut,
				Attempts:   attempt,
				DurationMS: e.nowFunc().Sub(start).Milliseconds(),
			}, nil
		}

		if ctx.Err() != nil {
			return nil, apperrors.NewCancelledError("request cancelled").
				WithRequestID(requestID).
				WithCause(err)
		}
		if !fallback.ShouldAdvance(err) {
			return nil, err
		}
	}
}

// attempt runs one provider attempt: admission, the call, and the release
// plus outcome bookkeeping on every exit path.
func (e *Executor) attempt(ctx context.Context, req *Request, providerID string, attempt int) (*provider.CallResponse, error) {
	ctx = logging.WithProviderID(ctx, providerID)

	var span func(error)
	if e.tracer != nil {
		sctx, s := e.tracer.StartAttemptSpan(ctx, providerID, attempt)
		ctx = sctx
		span = func(err error) { tracing.EndSpan(s, err) }
	}

	start := e.nowFunc()

	acquireCtx := ctx
	if e.acquireWait > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, e.acquireWait)
		defer cancel()
	}

	lease, err := e.limiter.Acquire(acquireCtx, providerID)
	if err != nil {
		// Admission failures never feed the throttle controller; they are
		// self-imposed, not provider signals.
		e.recordAttempt(ctx, req, providerID, fallback.Classify(err), e.nowFunc().Sub(start), nil)
		if span != nil {
			span(err)
		}
		return nil, err
	}

	resp, callErr := e.call(ctx, lease, req, providerID)
	duration := e.nowFunc().Sub(start)

	class := fallback.Classify(callErr)
	e.throttle.RecordOutcome(ctx, providerID, class)
	e.recordAttempt(ctx, req, providerID, class, duration, resp)
	if span != nil {
		span(callErr)
	}

	return resp, callErr
}

// call holds the lease exactly as long as the provider call runs.
func (e *Executor) call(ctx context.Context, lease *limiter.Lease, req *Request, providerID string) (*provider.CallResponse, error) {
	defer lease.Release()

	client, ok := e.clients[providerID]
	if !ok {
		return nil, apperrors.NewInternalError("no client registered for provider " + providerID)
	}

	return client.Call(ctx, provider.CallRequest{
		Prompt:    req.Task,
		System:    req.Context,
		MaxTokens: req.MaxTokens,
	})
}

func (e *Executor) recordAttempt(ctx context.Context, req *Request, providerID string, class provider.OutcomeClass, duration time.Duration, resp *provider.CallResponse) {
	tokensIn, tokensOut := 0, 0
	if resp != nil {
		tokensIn, tokensOut = resp.TokensIn, resp.TokensOut
	}

	if e.metrics != nil {
		e.metrics.RecordAttempt(providerID, req.AgentID, class.String(), duration, tokensIn, tokensOut)
	}
	e.logger.LogAttempt(ctx, providerID, req.AgentID, class.String(), duration, nil)
}

func (e *Executor) lookupCache(ctx context.Context, req *Request, fingerprint string) (*dedup.CachedResponse, bool) {
	if e.cache == nil || req.SkipCache {
		return nil, false
	}

	cached, ok, err := e.cache.Lookup(ctx, fingerprint)
	if err != nil {
		// A broken cache must not fail the request.
		e.logger.LogError(ctx, err, "Dedup lookup failed", logging.Fields{"agent_id": req.AgentID})
		if e.metrics != nil {
			e.metrics.RecordError("dedup", string(apperrors.GetType(err)))
		}
		return nil, false
	}

	if e.metrics != nil {
		e.metrics.RecordDedup(req.AgentID, ok)
	}
	return cached, ok
}

func (e *Executor) storeCache(ctx context.Context, req *Request, fingerprint, providerID string, resp *provider.CallResponse) {
	if e.cache == nil || req.SkipCache {
		return
	}

	err := e.cache.Store(ctx, fingerprint, &dedup.CachedResponse{
		Content:    resp.Content,
		Model:      resp.Model,
		ProviderID: providerID,
		TokensIn:   resp.TokensIn,
		TokensOut:  resp.TokensOut,
		CreatedAt:  e.nowFunc(),
	})
	if err != nil {
		e.logger.LogError(ctx, err, "Dedup store failed", logging.Fields{"agent_id": req.AgentID})
		if e.metrics != nil {
			e.metrics.RecordError("dedup", string(apperrors.GetType(err)))
		}
	}
}
