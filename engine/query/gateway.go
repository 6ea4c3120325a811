package query

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/spicemcp/spice/engine/audit"
	"github.com/spicemcp/spice/engine/core"
	"github.com/spicemcp/spice/engine/dune"
	"github.com/spicemcp/spice/pkg/config"
	"github.com/spicemcp/spice/pkg/logger"
)

// ResultCache stores completed execution snapshots by cache key.
type ResultCache interface {
	Lookup(ctx context.Context, key string) (*Execution, bool, error)
	Store(ctx context.Context, key string, exec *Execution) error
}

// AuditSink receives one record per Run and the SQL text of raw queries.
type AuditSink interface {
	Record(ctx context.Context, rec *audit.Record)
	StoreArtifact(ctx context.Context, sha, sql string) (string, error)
}

// Metrics observes gateway outcomes.
type Metrics interface {
	ObserveExecution(ctx context.Context, action string, state string, d time.Duration)
}

// GatewayConfig holds the execution policy.
type GatewayConfig struct {
	PollInterval    time.Duration
	DefaultTimeout  time.Duration
	Performance     dune.Performance
	RawSQLEngine    string
	TemplateQueryID int64
	Limits          Limits
}

// GatewayConfigFrom derives the execution policy from application configuration.
func GatewayConfigFrom(cfg *config.Config) GatewayConfig {
	return GatewayConfig{
		PollInterval:    cfg.Query.PollInterval,
		DefaultTimeout:  cfg.Query.DefaultTimeout,
		Performance:     dune.Performance(cfg.Query.Performance),
		RawSQLEngine:    cfg.Dune.RawSQLEngine,
		TemplateQueryID: cfg.Dune.RawSQLQueryID,
		Limits:          LimitsFrom(cfg),
	}
}

// LimitsFrom derives request limits from application configuration.
func LimitsFrom(cfg *config.Config) Limits {
	return Limits{
		MaxLimit:      cfg.Query.MaxLimit,
		MaxParameters: cfg.Safety.MaxParameters,
		MaxSQLBytes:   cfg.Safety.MaxSQLBytes,
		ReadOnlySQL:   cfg.Safety.ReadOnlySQL,
	}
}

// Gateway runs queries against Dune, consulting the cache and latest executions first.
type Gateway struct {
	api     dune.API
	cache   ResultCache
	sink    AuditSink
	metrics Metrics
	cfg     GatewayConfig
	now     func() time.Time
}

// GatewayOption customizes a Gateway.
type GatewayOption func(*Gateway)

func WithCache(c ResultCache) GatewayOption {
	return func(g *Gateway) {
		if c != nil {
			g.cache = c
		}
	}
}

func WithAuditSink(s AuditSink) GatewayOption {
	return func(g *Gateway) {
		if s != nil {
			g.sink = s
		}
	}
}

func WithMetrics(m Metrics) GatewayOption {
	return func(g *Gateway) {
		if m != nil {
			g.metrics = m
		}
	}
}

func WithNow(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		g.now = now
	}
}

// NewGateway creates a gateway. Without options it neither caches nor audits.
func NewGateway(api dune.API, cfg GatewayConfig, opts ...GatewayOption) *Gateway {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.Performance == "" {
		cfg.Performance = dune.PerformanceMedium
	}
	if cfg.RawSQLEngine == "" {
		cfg.RawSQLEngine = config.RawSQLEngineExecutionSQL
	}
	g := &Gateway{
		api:     api,
		cache:   noCache{},
		sink:    noSink{},
		metrics: noMetrics{},
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Limits returns the request limits enforced by Run.
func (g *Gateway) Limits() Limits {
	return g.cfg.Limits
}

// Run resolves req to an execution. Timeouts yield a TimedOut execution and a nil
// error; the remote run keeps going and can be polled by ExecutionID.
func (g *Gateway) Run(ctx context.Context, req *Request) (*Execution, error) {
	if err := req.Validate(g.cfg.Limits); err != nil {
		return nil, err
	}
	started := g.now()
	perf := req.Performance
	if perf == "" {
		perf = g.cfg.Performance
	}
	fp := ComputeFingerprint(req.Reference, req.Parameters)
	log := logger.FromContext(ctx).With("fingerprint", fp.Short(), "kind", req.Reference.Kind)

	action := audit.ActionExecute
	var (
		exec   *Execution
		runErr error
	)
	defer func() {
		g.record(ctx, req, fp, action, exec, runErr, started)
	}()

	if req.Reference.Kind == KindRawSQL {
		if _, err := g.sink.StoreArtifact(ctx, fp.String(), req.Reference.SQL); err != nil {
			log.Warn("Failed to store SQL artifact", "error", err)
		}
	}

	key := CacheKey(fp, req.Parameters, string(perf))
	if !req.Refresh {
		if hit := g.lookupCache(ctx, key, req.MaxAge); hit != nil {
			action = audit.ActionCacheHit
			exec = hit
			log.Debug("Serving execution from cache", "execution_id", hit.ExecutionID)
			return exec, nil
		}
		if req.Reference.Saved() {
			reused, err := g.latest(ctx, req, fp)
			if err != nil {
				runErr = err
				return nil, err
			}
			if reused != nil {
				action = audit.ActionReuse
				exec = reused
				g.storeCache(ctx, key, reused)
				log.Debug("Reusing latest execution", "execution_id", reused.ExecutionID)
				return exec, nil
			}
		}
	}

	exec, runErr = g.start(ctx, req, fp, perf)
	if runErr != nil {
		return nil, runErr
	}
	log.Info("Started Dune execution", "execution_id", exec.ExecutionID)

	timeout := g.cfg.DefaultTimeout
	if req.Timeout != nil {
		timeout = *req.Timeout
	}
	polled, err := g.poll(ctx, exec, timeout, req.Async)
	if err != nil {
		runErr = err
		return nil, err
	}
	exec = polled
	if exec.State == StateCompleted {
		g.storeCache(ctx, key, exec)
	}
	return exec, nil
}

// Status performs a single status check for an execution started earlier.
func (g *Gateway) Status(ctx context.Context, executionID string) (exec *Execution, err error) {
	started := g.now()
	if executionID == "" {
		return nil, &ValidationError{Field: "execution_id", Message: "must not be empty"}
	}
	defer func() {
		rec := &audit.Record{
			RequestID:   core.RequestIDFromContext(ctx),
			ActionType:  audit.ActionStatus,
			ExecutionID: executionID,
			DurationMS:  g.now().Sub(started).Milliseconds(),
			Success:     err == nil,
		}
		if exec != nil {
			rec.State = string(exec.State)
			rec.QueryID = exec.QueryID
			rec.Success = err == nil && exec.State != StateFailed
			rec.Error = exec.Error
		}
		if err != nil {
			rec.Error = err.Error()
		}
		g.sink.Record(ctx, rec)
	}()
	st, err := g.api.ExecutionStatus(ctx, executionID)
	if err != nil {
		if errors.Is(err, dune.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", executionID, ErrExecutionNotFound)
		}
		return nil, newExecutionError("execution status", err)
	}
	exec = &Execution{ExecutionID: executionID}
	exec.applyStatus(st)
	return exec, nil
}

func (g *Gateway) lookupCache(ctx context.Context, key string, maxAge *time.Duration) *Execution {
	hit, ok, err := g.cache.Lookup(ctx, key)
	if err != nil {
		logger.FromContext(ctx).Warn("Result cache lookup failed", "error", err)
		return nil
	}
	if !ok || hit == nil || hit.State != StateCompleted {
		return nil
	}
	if !g.fresh(hit, maxAge) {
		return nil
	}
	out := hit.Clone()
	out.Cached = true
	return out
}

func (g *Gateway) fresh(exec *Execution, maxAge *time.Duration) bool {
	if maxAge == nil {
		return true
	}
	age, ok := exec.Age(g.now())
	return ok && age <= *maxAge
}

func (g *Gateway) storeCache(ctx context.Context, key string, exec *Execution) {
	snapshot := exec.Clone()
	snapshot.Cached = false
	if err := g.cache.Store(ctx, key, snapshot); err != nil {
		logger.FromContext(ctx).Warn("Result cache store failed", "error", err)
	}
}

// latest returns the query's most recent successful execution when it satisfies maxAge.
func (g *Gateway) latest(ctx context.Context, req *Request, fp Fingerprint) (*Execution, error) {
	res, err := g.api.LatestResults(ctx, req.Reference.QueryID, &dune.ResultOptions{
		Limit:           1,
		QueryParameters: req.Parameters,
	})
	if err != nil {
		if errors.Is(err, dune.ErrNoExecution) {
			return nil, nil
		}
		if dune.IsRetryable(err) {
			logger.FromContext(ctx).Warn("Latest execution lookup failed, executing instead", "error", err)
			return nil, nil
		}
		return nil, newExecutionError("latest results", err)
	}
	if res == nil || !res.State.IsSuccess() || res.ExecutionID == "" {
		return nil, nil
	}
	exec := &Execution{
		ExecutionID:   res.ExecutionID,
		QueryID:       req.Reference.QueryID,
		Fingerprint:   fp,
		State:         StateCompleted,
		UpstreamState: res.State,
		StartedAt:     res.ExecutionStartedAt,
		EndedAt:       res.ExecutionEndedAt,
		Reused:        true,
	}
	if res.Result != nil {
		exec.applyMetadata(&res.Result.Metadata)
	}
	if !g.fresh(exec, req.MaxAge) {
		return nil, nil
	}
	return exec, nil
}

func (g *Gateway) start(ctx context.Context, req *Request, fp Fingerprint, perf dune.Performance) (*Execution, error) {
	var (
		resp *dune.ExecuteResponse
		err  error
	)
	queryID := req.Reference.QueryID
	switch req.Reference.Kind {
	case KindNumericID, KindURL:
		resp, err = g.api.ExecuteQuery(ctx, queryID, &dune.ExecuteRequest{
			QueryParameters: req.Parameters,
			Performance:     perf,
		})
	case KindRawSQL:
		if g.cfg.RawSQLEngine == config.RawSQLEngineTemplate {
			queryID = g.cfg.TemplateQueryID
			params := make(map[string]any, len(req.Parameters)+1)
			maps.Copy(params, req.Parameters)
			params["query"] = req.Reference.SQL
			resp, err = g.api.ExecuteQuery(ctx, queryID, &dune.ExecuteRequest{
				QueryParameters: params,
				Performance:     perf,
			})
		} else {
			queryID = 0
			resp, err = g.api.ExecuteSQL(ctx, &dune.ExecuteSQLRequest{
				SQL:             req.Reference.SQL,
				QueryParameters: req.Parameters,
				Performance:     perf,
			})
		}
	default:
		return nil, &ValidationError{Field: "query", Message: fmt.Sprintf("unknown reference kind %q", req.Reference.Kind)}
	}
	if err != nil {
		return nil, newExecutionError("start execution", err)
	}
	state := StatePending
	if resp.State != "" {
		state = stateFromUpstream(resp.State)
	}
	return &Execution{
		ExecutionID:   resp.ExecutionID,
		QueryID:       queryID,
		Fingerprint:   fp,
		State:         state,
		UpstreamState: resp.State,
	}, nil
}

// poll checks status at a fixed interval until a terminal state or the budget elapses.
// Each status call runs under the budget's deadline, so a slow call ends in TimedOut
// rather than outliving it. A zero budget performs exactly one status check; async
// callers get the observed state back instead of TimedOut.
func (g *Gateway) poll(ctx context.Context, exec *Execution, budget time.Duration, async bool) (*Execution, error) {
	pollCtx := ctx
	if budget > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		st, err := g.api.ExecutionStatus(pollCtx, exec.ExecutionID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if pollCtx.Err() != nil {
				exec.State = StateTimedOut
				return exec, nil
			}
			return nil, newExecutionError("poll execution", err)
		}
		exec.applyStatus(st)
		if exec.State.IsTerminal() || async {
			return exec, nil
		}
		if budget <= 0 {
			exec.State = StateTimedOut
			return exec, nil
		}
		select {
		case <-pollCtx.Done():
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			exec.State = StateTimedOut
			return exec, nil
		case <-ticker.C:
		}
	}
}

func (g *Gateway) record(
	ctx context.Context,
	req *Request,
	fp Fingerprint,
	action audit.Action,
	exec *Execution,
	runErr error,
	started time.Time,
) {
	elapsed := g.now().Sub(started)
	rec := &audit.Record{
		RequestID:   core.RequestIDFromContext(ctx),
		ActionType:  action,
		Fingerprint: fp.String(),
		QueryKind:   string(req.Reference.Kind),
		QueryID:     req.Reference.QueryID,
		DurationMS:  elapsed.Milliseconds(),
		Cached:      action == audit.ActionCacheHit,
	}
	state := "error"
	if exec != nil {
		rows := exec.RowCount
		rec.ExecutionID = exec.ExecutionID
		rec.State = string(exec.State)
		rec.RowCount = &rows
		rec.Success = exec.State == StateCompleted
		rec.Error = exec.Error
		state = string(exec.State)
	}
	if runErr != nil {
		rec.Success = false
		rec.Error = runErr.Error()
	}
	g.sink.Record(ctx, rec)
	g.metrics.ObserveExecution(ctx, string(action), state, elapsed)
}

type noCache struct{}

func (noCache) Lookup(context.Context, string) (*Execution, bool, error) { return nil, false, nil }
func (noCache) Store(context.Context, string, *Execution) error         { return nil }

type noSink struct{}

func (noSink) Record(context.Context, *audit.Record) {}
func (noSink) StoreArtifact(context.Context, string, string) (string, error) {
	return "", nil
}

type noMetrics struct{}

func (noMetrics) ObserveExecution(context.Context, string, string, time.Duration) {}
