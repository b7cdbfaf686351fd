// Package nous assembles the resilient dual-index selection pipeline
// (C1-C17) into a single embeddable service. New wires every collaborator;
// Run starts the background loops and blocks until its context is
// cancelled; Shutdown drains them in order. This file is the only one in
// the package permitted to see both the public types (types.go,
// interfaces.go) and the internal/* packages — every adapter and
// classifyError lives here, mirroring the teacher's akashi.go boundary.
package nous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nous-run/nous/internal/admission"
	"github.com/nous-run/nous/internal/auth"
	"github.com/nous-run/nous/internal/breaker"
	"github.com/nous-run/nous/internal/config"
	"github.com/nous-run/nous/internal/embedding"
	"github.com/nous-run/nous/internal/external"
	"github.com/nous-run/nous/internal/ingest"
	"github.com/nous-run/nous/internal/metrics"
	"github.com/nous-run/nous/internal/model"
	"github.com/nous-run/nous/internal/pareto"
	"github.com/nous-run/nous/internal/policy"
	"github.com/nous-run/nous/internal/querycache"
	"github.com/nous-run/nous/internal/ratelimit"
	"github.com/nous-run/nous/internal/refresh"
	"github.com/nous-run/nous/internal/reviewer"
	"github.com/nous-run/nous/internal/selector"
	"github.com/nous-run/nous/internal/storage"
	"github.com/nous-run/nous/internal/telemetry"
	"github.com/nous-run/nous/internal/urlmatch"
	"github.com/nous-run/nous/internal/vectorindex"
	"github.com/nous-run/nous/migrations"
)

// App is the assembled service. Construct with New, start background work
// with Run, and stop it with Shutdown. No field is exported; the public
// surface is the method set plus the package-level types.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	version string

	db    *storage.DB
	store *storage.Store

	jwtMgr *auth.JWTManager
	sink   *metrics.Sink

	policyStore *policy.Store
	cache       *querycache.Stores
	router      *vectorindex.Router
	admission   *admission.Limiter
	selector    *selector.Selector
	ingest      *ingest.Committer
	pareto      *pareto.Gate
	external    *external.Comparer
	refresh     *refresh.Worker

	eventHooks   []EventHook
	otelShutdown telemetry.Shutdown
}

// New constructs an App: loads configuration, connects to storage, and
// wires every collaborator. It starts no goroutines — call Run for that.
func New(opts ...Option) (*App, error) {
	ro := &resolvedOptions{}
	for _, opt := range opts {
		opt(ro)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("nous: load config: %w", err)
	}
	if ro.databaseURL != "" {
		cfg.DatabaseURL = ro.databaseURL
	}

	logger := ro.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := ro.version
	if version == "" {
		version = "dev"
	}

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("nous: init telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("nous: connect storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("nous: run migrations: %w", err)
	}
	store := storage.NewStore(db)

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("nous: init jwt manager: %w", err)
	}

	sink := metrics.New()
	if meter := telemetry.Meter(cfg.ServiceName); meter != nil {
		if err := telemetry.BridgeSink(meter, sink); err != nil {
			logger.Warn("telemetry: failed to bridge metrics sink", "error", err)
		}
	}

	policyStore := policy.Load(cfg.WhitelistPath, cfg.ComparePolicyPath, cfg.IngestPolicyPath, logger)

	embedProvider, err := resolveEmbeddingProvider(cfg, ro.embeddingProvider)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("nous: resolve embedding provider: %w", err)
	}
	batcher := embedding.NewBatcher(embedProvider, embedding.DefaultBatchConfig())

	qdrantBreaker := breaker.New("qdrant", breaker.DefaultConfig(), sink)
	primary, err := vectorindex.NewQdrantStore(vectorindex.Config{
		URL:                 cfg.QdrantURL,
		APIKey:              cfg.QdrantAPIKey,
		ExplicateCollection: cfg.QdrantCollection + "_explicate",
		ImplicateCollection: cfg.QdrantCollection + "_implicate",
		Dims:                uint64(cfg.EmbeddingDimensions),
		HealthCacheTTL:      vectorindex.DefaultHealthCacheTTL,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("nous: connect vector index: %w", err)
	}

	var secondary model.VectorStore
	if cfg.PerfFallbacksEnabled {
		secondary, err = vectorindex.NewSQLiteFallback(":memory:")
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("nous: init fallback vector store: %w", err)
		}
	}
	router := vectorindex.NewRouter(primary, secondary, qdrantBreaker)

	cache := querycache.NewStores(sink)

	matcher := urlmatch.Compile(policyStore.GetWhitelist(), logger)
	comparePolicy := policyStore.ComparePolicy()
	limiter := ratelimit.NewRateLimiter(
		float64(comparePolicy.RateLimitPerDomainPerMin), float64(comparePolicy.RateLimitPerDomainPerMin)/60,
		float64(comparePolicy.RateLimitPerDomainPerMin), float64(comparePolicy.RateLimitPerDomainPerMin)/60,
	)
	externalBreaker := breaker.New("external-compare", breaker.DefaultConfig(), sink)
	comparer := external.New(matcher, limiter, externalBreaker, nil, comparePolicy)

	rev := resolveReviewer(cfg, ro.reviewer, sink)

	sel := selector.New(cache, router, store, rev)

	ingestCommitter := ingest.New(policyStore, store, store)
	paretoGate := pareto.New(store)

	admissionLimiter := admission.New(admission.Config{
		GlobalConcurrency:  cfg.LimitsMaxConcurrentGlobal,
		PerUserConcurrency: cfg.LimitsMaxConcurrentPerUser,
		GlobalQueueSize:    cfg.LimitsMaxQueueSizeGlobal,
		PerUserQueueSize:   cfg.LimitsMaxQueueSizePerUser,
		QueueTimeout:       time.Duration(cfg.LimitsQueueTimeoutSeconds) * time.Second,
		Policy:             admission.OverloadPolicy(cfg.LimitsOverloadPolicy),
		RetryAfter:         time.Duration(cfg.LimitsRetryAfterSeconds) * time.Second,
	})

	implicateResolver := refresh.NewGraphImplicateResolver(store)
	refreshWorker := refresh.New(store, implicateResolver, batcher, router, logger, sink, cfg.RefreshPollInterval, cfg.RefreshBatchSize)

	return &App{
		cfg:          cfg,
		logger:       logger,
		version:      version,
		db:           db,
		store:        store,
		jwtMgr:       jwtMgr,
		sink:         sink,
		policyStore:  policyStore,
		cache:        cache,
		router:       router,
		admission:    admissionLimiter,
		selector:     sel,
		ingest:       ingestCommitter,
		pareto:       paretoGate,
		external:     comparer,
		refresh:      refreshWorker,
		eventHooks:   ro.eventHooks,
		otelShutdown: otelShutdown,
	}, nil
}

// resolveEmbeddingProvider honors an explicit override, otherwise selects
// the configured provider. Only openai and noop are supported — this
// domain carries no Ollama dependency (neither spec.md nor SPEC_FULL.md
// names one).
func resolveEmbeddingProvider(cfg config.Config, override EmbeddingProvider) (embedding.Provider, error) {
	if override != nil {
		return &embeddingProviderAdapter{p: override}, nil
	}
	switch cfg.EmbeddingProvider {
	case "openai":
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	case "noop", "":
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions), nil
	default:
		return nil, fmt.Errorf("nous: unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}

func resolveReviewer(cfg config.Config, override Reviewer, sink *metrics.Sink) selector.Reviewer {
	if override != nil {
		return &reviewerAdapter{r: override}
	}
	if !cfg.PerfReviewerEnabled {
		return reviewer.NoopReviewer{}
	}
	br := breaker.New("reviewer", breaker.DefaultConfig(), sink)
	return reviewer.NewOpenAIReviewer(cfg.OpenAIAPIKey, "", br)
}

// Run starts the refresh worker and blocks until ctx is cancelled, then
// runs a graceful Shutdown.
func (a *App) Run(ctx context.Context) error {
	a.refresh.Start(ctx)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Shutdown drains the refresh worker, closes the query caches, and
// releases storage and telemetry resources. Safe to call even if Run was
// never started.
func (a *App) Shutdown(ctx context.Context) error {
	a.refresh.Drain(ctx)
	a.cache.Close()

	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
	a.db.Close()
	return nil
}

// Select runs the dual-index selector for one query under the caller's
// roles and the configured feature flags (C11).
func (a *App) Select(ctx context.Context, roles []string, req SelectionRequest) (SelectionResult, error) {
	flags := selector.DefaultFlags()
	flags.RetrievalParallel = a.cfg.PerfRetrievalParallel
	flags.RetrievalTimeout = time.Duration(a.cfg.PerfRetrievalTimeoutMS) * time.Millisecond
	flags.GraphTimeout = time.Duration(a.cfg.PerfGraphTimeoutMS) * time.Millisecond
	flags.GraphEnabled = true
	flags.ReviewerEnabled = a.cfg.PerfReviewerEnabled
	flags.ReviewerBudget = time.Duration(a.cfg.PerfReviewerBudgetMS) * time.Millisecond

	res, err := a.selector.Select(ctx, selector.Request{
		Query:         req.Query,
		Embedding:     req.Embedding,
		CallerRoles:   roles,
		BypassCache:   req.BypassCache,
		ForceFallback: req.ForceFallback,
	}, flags)
	if err != nil {
		return SelectionResult{}, err
	}
	return toPublicSelectionResult(res), nil
}

// Ingest commits a write frame through the policy-gated commit path (C14).
func (a *App) Ingest(ctx context.Context, roles []string, frame IngestFrame) (IngestOutcome, error) {
	outcome, err := a.ingest.Commit(ctx, roles, toInternalFrame(frame))
	if err != nil {
		return IngestOutcome{}, err
	}
	public := toPublicIngestOutcome(outcome)
	a.notifyMemoryIngested(ctx, public)
	return public, nil
}

// ProposeHypothesis scores a candidate against the Pareto gate and records
// the decision (C16).
func (a *App) ProposeHypothesis(ctx context.Context, p HypothesisProposal) (ParetoDecision, error) {
	decision, err := a.pareto.EvaluateAndRecord(ctx, toInternalProposal(p))
	if err != nil {
		return ParetoDecision{}, err
	}
	public := toPublicParetoDecision(decision)
	a.notifyHypothesisEvaluated(ctx, public)
	return public, nil
}

// CompareExternal fetches and whitelists external sources for one heading,
// gated by the configured compare policy's allowed roles (C12).
func (a *App) CompareExternal(ctx context.Context, roles []string, heading string, urls []string) (ExternalComparisonBlock, error) {
	if !a.cfg.ExternalCompare {
		return ExternalComparisonBlock{}, fmt.Errorf("nous: external compare disabled: %w", model.ErrAuthorizationDenied)
	}
	allowed := a.policyStore.ComparePolicy().AllowedRolesForExternal
	permitted := false
	for _, r := range roles {
		if allowed[model.NormalizeRole(r)] {
			permitted = true
			break
		}
	}
	if !permitted {
		return ExternalComparisonBlock{}, fmt.Errorf("nous: role not permitted for external compare: %w", model.ErrAuthorizationDenied)
	}

	res := a.external.Run(ctx, heading, urls)
	return toPublicExternalBlock(res), nil
}

// Acquire admits one request under the concurrency/queue limiter (C17);
// the returned release must always be called, typically via defer.
func (a *App) Acquire(ctx context.Context, userID string) (func(), error) {
	release, err := a.admission.Acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	return func() { release() }, nil
}

// IssueToken issues a signed JWT for the given user and roles.
func (a *App) IssueToken(userID string, roles []Role) (string, time.Time, error) {
	internalRoles := make([]model.Role, len(roles))
	for i, r := range roles {
		internalRoles[i] = model.Role(r)
	}
	return a.jwtMgr.IssueToken(userID, internalRoles)
}

// ValidateToken parses and verifies a JWT, returning the caller's roles.
func (a *App) ValidateToken(token string) ([]Role, error) {
	rc, err := a.jwtMgr.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	roles := make([]Role, len(rc.Roles))
	for i, r := range rc.Roles {
		roles[i] = Role(r)
	}
	return roles, nil
}

func (a *App) notifyMemoryIngested(ctx context.Context, outcome IngestOutcome) {
	for _, hook := range a.eventHooks {
		go func(h EventHook) {
			if err := h.OnMemoryIngested(ctx, outcome); err != nil {
				a.logger.Warn("event hook OnMemoryIngested failed", "error", err)
			}
		}(hook)
	}
}

func (a *App) notifyHypothesisEvaluated(ctx context.Context, decision ParetoDecision) {
	for _, hook := range a.eventHooks {
		go func(h EventHook) {
			if err := h.OnHypothesisEvaluated(ctx, decision); err != nil {
				a.logger.Warn("event hook OnHypothesisEvaluated failed", "error", err)
			}
		}(hook)
	}
}

// classifyError resolves any error returned by this package's public
// methods to its public ErrorKind (SPEC_FULL.md §9). Only this package
// may inspect model.Err* sentinels directly.
func classifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, model.ErrBudgetExceeded):
		return KindBudgetExceeded
	case errors.Is(err, model.ErrUpstreamUnavailable):
		return KindUpstreamUnavailable
	case errors.Is(err, model.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, model.ErrAuthorizationDenied):
		return KindAuthorizationDenied
	case errors.Is(err, model.ErrValidation):
		return KindValidation
	case errors.Is(err, model.ErrAdmissionDenied), errors.Is(err, admission.ErrAdmissionDenied):
		return KindAdmissionDenied
	case errors.Is(err, model.ErrPersistenceConflict):
		return KindPersistenceConflict
	case errors.Is(err, model.ErrConfiguration):
		return KindConfiguration
	default:
		return KindUnknown
	}
}

// ClassifyError exposes classifyError to callers outside the package.
func ClassifyError(err error) ErrorKind {
	return classifyError(err)
}
