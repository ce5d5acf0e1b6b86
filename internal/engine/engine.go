// Package engine implements the episodic memory service: recording and
// recalling episodes, capacity maintenance, the semantic rule store and
// rule distillation.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/quill/internal/memory"
	"github.com/lazypower/quill/internal/metrics"
)

// Scheduler runs background distillation jobs.
type Scheduler interface {
	Schedule(job func())
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(job func())

func (f SchedulerFunc) Schedule(job func()) { f(job) }

// SyncScheduler runs jobs inline on the calling goroutine.
var SyncScheduler Scheduler = SchedulerFunc(func(job func()) { job() })

var goroutineScheduler Scheduler = SchedulerFunc(func(job func()) { go job() })

// RecallRequest is handed to a SemanticRecaller. Episodes holds the
// lexically ranked candidates.
type RecallRequest struct {
	ProjectID string
	SceneType string
	QueryText string
	Limit     int
	Episodes  []memory.Episode
}

// SemanticRecaller re-ranks recall candidates. An error degrades recall to
// the lexical ranking.
type SemanticRecaller interface {
	Recall(ctx context.Context, req RecallRequest) ([]memory.Episode, error)
}

// SemanticRecallerFunc adapts a function to SemanticRecaller.
type SemanticRecallerFunc func(ctx context.Context, req RecallRequest) ([]memory.Episode, error)

func (f SemanticRecallerFunc) Recall(ctx context.Context, req RecallRequest) ([]memory.Episode, error) {
	return f(ctx, req)
}

// Options configures an Engine. Every field is optional.
type Options struct {
	Logger    *zap.Logger
	Clock     func() time.Time
	Limits    memory.Limits
	Generator RuleGenerator
	Recaller  SemanticRecaller
	Scheduler Scheduler
	// OnProgress receives distillation progress events. It is called
	// without engine locks held.
	OnProgress func(DistillProgress)
	Metrics    *metrics.Metrics
}

// Engine is the episodic memory service. It is safe for concurrent use.
type Engine struct {
	repo      memory.Repository
	log       *zap.Logger
	clock     func() time.Time
	limits    memory.Limits
	generator RuleGenerator
	recaller  SemanticRecaller
	scheduler Scheduler
	progress  func(DistillProgress)
	metrics   *metrics.Metrics

	mu         sync.Mutex
	projects   map[string]*projectState
	retryQueue []RecordEpisodeInput

	stopOnce sync.Once
	stopCh   chan struct{}
}

// projectState is the per-project bookkeeping. Guarded by Engine.mu.
type projectState struct {
	distilling      bool
	wal             []queuedEpisode
	pending         int
	distillDegraded bool
	retryPending    bool

	rules       []memory.SemanticRule
	rulesLoaded bool
	rulesGen    uint64

	conflicts []memory.ConflictItem
}

type queuedEpisode struct {
	id       string
	input    RecordEpisodeInput
	feedback memory.Feedback
}

// New creates an Engine over repo.
func New(repo memory.Repository, opts Options) *Engine {
	e := &Engine{
		repo:      repo,
		log:       opts.Logger,
		clock:     opts.Clock,
		limits:    opts.Limits.WithDefaults(),
		generator: opts.Generator,
		recaller:  opts.Recaller,
		scheduler: opts.Scheduler,
		progress:  opts.OnProgress,
		metrics:   opts.Metrics,
		projects:  make(map[string]*projectState),
		stopCh:    make(chan struct{}),
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.generator == nil {
		e.generator = HeuristicGenerator()
	}
	if e.scheduler == nil {
		e.scheduler = goroutineScheduler
	}
	return e
}

// Limits returns the effective limits.
func (e *Engine) Limits() memory.Limits {
	return e.limits
}

func (e *Engine) nowMillis() int64 {
	return e.clock().UnixMilli()
}

// state returns the project's state, creating it. Caller holds mu.
func (e *Engine) state(projectID string) *projectState {
	st, ok := e.projects[projectID]
	if !ok {
		st = &projectState{}
		e.projects[projectID] = st
	}
	return st
}

func (e *Engine) knownProjects() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.projects))
	for id := range e.projects {
		ids = append(ids, id)
	}
	return ids
}

// Stats summarizes one project's memory.
type Stats struct {
	ProjectID          string `json:"projectId"`
	ActiveEpisodes     int    `json:"activeEpisodes"`
	CompressedEpisodes int    `json:"compressedEpisodes"`
	Rules              int    `json:"rules"`
	PendingEpisodes    int    `json:"pendingEpisodes"`
	QueuedWrites       int    `json:"queuedWrites"`
	RetryQueue         int    `json:"retryQueue"`
	Conflicts          int    `json:"conflicts"`
	Distilling         bool   `json:"distilling"`
	DistillDegraded    bool   `json:"distillDegraded"`
	RetryPending       bool   `json:"retryPending"`
}

// Stats reports counts and flags for projectID.
func (e *Engine) Stats(ctx context.Context, projectID string) (Stats, error) {
	if err := requireProject(projectID); err != nil {
		return Stats{}, err
	}
	active, err := e.repo.CountEpisodes(ctx, projectID, false)
	if err != nil {
		return Stats{}, memory.Wrap(memory.CodeDBError, err, "Failed to count episodes")
	}
	compressed, err := e.repo.CountEpisodes(ctx, projectID, true)
	if err != nil {
		return Stats{}, memory.Wrap(memory.CodeDBError, err, "Failed to count episodes")
	}
	rules, err := e.rulesFor(ctx, projectID)
	if err != nil {
		return Stats{}, memory.Wrap(memory.CodeDBError, err, "Failed to load semantic rules")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(projectID)
	return Stats{
		ProjectID:          projectID,
		ActiveEpisodes:     active,
		CompressedEpisodes: compressed,
		Rules:              len(rules),
		PendingEpisodes:    st.pending,
		QueuedWrites:       len(st.wal),
		RetryQueue:         len(e.retryQueue),
		Conflicts:          len(st.conflicts),
		Distilling:         st.distilling,
		DistillDegraded:    st.distillDegraded,
		RetryPending:       st.retryPending,
	}, nil
}

// MaintenanceIntervals sets how often each background trigger runs.
type MaintenanceIntervals struct {
	Decay    time.Duration
	Compress time.Duration
	Purge    time.Duration
}

// StartMaintenance runs the daily decay recompute on startup and then runs
// decay, weekly compression and monthly purge on their own tickers until
// Stop is called.
func (e *Engine) StartMaintenance(iv MaintenanceIntervals) {
	if iv.Decay <= 0 {
		iv.Decay = 24 * time.Hour
	}
	if iv.Compress <= 0 {
		iv.Compress = 7 * 24 * time.Hour
	}
	if iv.Purge <= 0 {
		iv.Purge = 30 * 24 * time.Hour
	}

	e.runDecay()

	go func() {
		decay := time.NewTicker(iv.Decay)
		compress := time.NewTicker(iv.Compress)
		purge := time.NewTicker(iv.Purge)
		defer decay.Stop()
		defer compress.Stop()
		defer purge.Stop()

		for {
			select {
			case <-decay.C:
				e.runDecay()
			case <-compress.C:
				e.forEachProject("weekly compress", func(ctx context.Context, id string) error {
					_, err := e.WeeklyCompressTrigger(ctx, id)
					return err
				})
			case <-purge.C:
				e.forEachProject("monthly purge", func(ctx context.Context, id string) error {
					_, err := e.MonthlyPurgeTrigger(ctx, id)
					return err
				})
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop shuts down the maintenance goroutine. It is safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func (e *Engine) runDecay() {
	res, err := e.DailyDecayRecomputeTrigger(context.Background())
	if err != nil {
		e.log.Error("decay recompute failed", zap.Error(err))
		return
	}
	if res.Updated > 0 || res.RulesDecayed > 0 {
		e.log.Info("decay recomputed", zap.Int("episodes", res.Updated), zap.Int("rules", res.RulesDecayed))
	}
}

func (e *Engine) forEachProject(task string, fn func(ctx context.Context, projectID string) error) {
	ctx := context.Background()
	ids, err := e.allProjects(ctx)
	if err != nil {
		e.log.Error(task+" failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := fn(ctx, id); err != nil {
			e.log.Error(task+" failed", zap.String("project_id", id), zap.Error(err))
		}
	}
}

// allProjects merges stored project ids with projects seen this process.
func (e *Engine) allProjects(ctx context.Context) ([]string, error) {
	ids, err := e.repo.ListProjectIDs(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, id := range e.knownProjects() {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func requireProject(projectID string) error {
	if projectID == "" {
		return memory.Errorf(memory.CodeInvalidArgument, "projectId is required")
	}
	return nil
}
