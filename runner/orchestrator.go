package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/brook/pkg/slogx"
	"github.com/casualjim/brook/pkg/uuidx"
	"github.com/casualjim/brook/record"
	"github.com/casualjim/brook/step"
	"github.com/casualjim/brook/topics"
	"github.com/fogfish/opts"
)

var (
	ErrAlreadyStarted  = errors.New("orchestrator already started")
	ErrShutdownTimeout = errors.New("timed out waiting for agents to stop")
)

const DefaultShutdownTimeout = time.Minute

var (
	WithLoader          = opts.ForName[Orchestrator, *topics.Loader]("loader")
	WithLogger          = opts.ForName[Orchestrator, *slog.Logger]("logger")
	WithShutdownTimeout = opts.ForName[Orchestrator, time.Duration]("shutdownTimeout")
)

// Orchestrator runs agent pods. It is single use: Run may be called once.
type Orchestrator struct {
	loader          *topics.Loader
	logger          *slog.Logger
	shutdownTimeout time.Duration

	runID    string
	started  atomic.Bool
	state    atomic.Int32
	stop     atomic.Bool
	done     chan struct{}
	closed   sync.Once
	closeErr error
	firstErr atomic.Pointer[PodError]

	statuses  *haxmap.Map[string, *AgentStatus]
	facades   *haxmap.Map[string, *topics.Facade]
	templates *step.TemplateCache
	schemas   *record.SchemaCache
}

func New(options ...opts.Option[Orchestrator]) (*Orchestrator, error) {
	o := &Orchestrator{
		shutdownTimeout: DefaultShutdownTimeout,
		runID:           uuidx.NewString(),
		done:            make(chan struct{}),
		statuses:        haxmap.New[string, *AgentStatus](),
		facades:         haxmap.New[string, *topics.Facade](),
		templates:       step.NewTemplateCache(),
		schemas:         record.NewSchemaCache(),
	}
	if err := opts.Apply(o, options); err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With(slogx.LoggerName("brook.runner"), slogx.RunID(o.runID))
	if o.loader == nil {
		loader, err := topics.NewLoader(topics.WithLogger(o.logger))
		if err != nil {
			return nil, err
		}
		o.loader = loader
	}
	return o, nil
}

func (o *Orchestrator) State() GlobalState {
	return GlobalState(o.state.Load())
}

// Status returns the live status of agentID.
func (o *Orchestrator) Status(agentID string) (*AgentStatus, bool) {
	return o.statuses.Get(agentID)
}

// Run executes pods until every one of them finishes. The result covers all
// pods; the error is the first pod failure observed, later failures are only
// logged. All pod resources and backend facades are released before Run
// returns.
func (o *Orchestrator) Run(ctx context.Context, pods []PodConfiguration) (*AgentRunResult, error) {
	if !o.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	defer close(o.done)
	defer o.state.Store(int32(Stopped))

	if err := validatePods(pods); err != nil {
		return nil, err
	}
	for _, p := range pods {
		o.statuses.Set(p.AgentID, newAgentStatus(p.AgentID))
	}
	o.state.CompareAndSwap(int32(NotStarted), int32(Running))

	result := func() *AgentRunResult {
		res := &AgentRunResult{Pods: make([]StatusSnapshot, 0, len(pods))}
		for _, p := range pods {
			st, _ := o.statuses.Get(p.AgentID)
			res.Pods = append(res.Pods, st.Snapshot())
		}
		return res
	}

	defer o.releaseFacades()
	if err := o.initFacades(ctx, pods); err != nil {
		for _, p := range pods {
			st, _ := o.statuses.Get(p.AgentID)
			st.finished(err)
		}
		return result(), err
	}

	var wg sync.WaitGroup
	for _, cfg := range pods {
		wg.Add(1)
		go func(cfg PodConfiguration) {
			defer wg.Done()
			_ = o.runPod(ctx, cfg)
		}(cfg)
	}
	wg.Wait()

	if perr := o.firstErr.Load(); perr != nil {
		o.logger.ErrorContext(ctx, "run failed", slogx.AgentID(perr.AgentID), slogx.Error(perr.Err))
		return result(), perr
	}
	return result(), nil
}

func validatePods(pods []PodConfiguration) error {
	var err error
	seen := make(map[string]struct{}, len(pods))
	for i := range pods {
		if verr := pods[i].Validate(); verr != nil {
			err = errors.Join(err, verr)
			continue
		}
		if _, dup := seen[pods[i].AgentID]; dup {
			err = errors.Join(err, fmt.Errorf("duplicate agent id %q", pods[i].AgentID))
		}
		seen[pods[i].AgentID] = struct{}{}
	}
	return err
}

// initFacades loads and initializes one backend per cluster type.
func (o *Orchestrator) initFacades(ctx context.Context, pods []PodConfiguration) error {
	for _, p := range pods {
		kind := p.Cluster.Type
		if _, ok := o.facades.Get(kind); ok {
			continue
		}
		desc, err := o.loader.Load(kind)
		if err != nil {
			return err
		}
		facade := topics.NewFacade(desc)
		o.facades.Set(kind, facade)
		if err := facade.Init(ctx, p.Cluster); err != nil {
			return fmt.Errorf("initializing %s backend: %w", kind, err)
		}
	}
	return nil
}

func (o *Orchestrator) releaseFacades() {
	var kinds []string
	o.facades.ForEach(func(kind string, f *topics.Facade) bool {
		kinds = append(kinds, kind)
		if err := f.Close(); err != nil {
			o.logger.Warn("closing backend", slogx.Backend(kind), slogx.Error(err))
		}
		if err := f.Descriptor().Release(); err != nil && !errors.Is(err, topics.ErrScopeReleased) {
			o.logger.Warn("releasing backend", slogx.Backend(kind), slogx.Error(err))
		}
		return true
	})
	o.facades.Del(kinds...)
}

func (o *Orchestrator) runPod(ctx context.Context, cfg PodConfiguration) (err error) {
	status, _ := o.statuses.Get(cfg.AgentID)
	facade, _ := o.facades.Get(cfg.Cluster.Type)
	logger := o.logger.With(slogx.AgentID(cfg.AgentID))

	p := &pod{
		cfg:    cfg,
		facade: facade,
		status: status,
		stop:   &o.stop,
		logger: logger,
		res: &step.Resources{
			Templates: o.templates,
			Schemas:   o.schemas,
			Logger:    logger.With(slogx.LoggerName("brook.step")),
		},
	}

	ctx = topics.WithSlot(ctx, topics.NewSlot())
	status.started()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panic: %v", r)
		}
		if cerr := p.close(); cerr != nil {
			logger.WarnContext(ctx, "closing agent resources", slogx.Error(cerr))
		}
		if err != nil {
			o.recordFailure(ctx, cfg.AgentID, err)
		}
		status.finished(err)
	}()

	logger.InfoContext(ctx, "agent starting")
	if err = p.setup(ctx); err != nil {
		return err
	}
	err = p.run(ctx)
	logger.InfoContext(ctx, "agent finished", slog.Int64("records_in", status.recordsIn.Load()))
	return err
}

// recordFailure keeps the first pod failure. It runs before the pod's status
// turns failed, so a pod observed as failed has already had its chance to be
// first.
func (o *Orchestrator) recordFailure(ctx context.Context, agentID string, err error) {
	if !o.firstErr.CompareAndSwap(nil, &PodError{AgentID: agentID, Err: err}) {
		o.logger.ErrorContext(ctx, "agent failed", slogx.AgentID(agentID), slogx.Error(err))
	}
}

// RequestStop asks every pod to finish after its current batch.
func (o *Orchestrator) RequestStop() {
	o.stop.Store(true)
	o.state.CompareAndSwap(int32(Running), int32(Stopping))
}

// Close stops the pods, waits up to the shutdown timeout for Run to return
// and releases the backends. Exceeding the timeout returns
// ErrShutdownTimeout.
func (o *Orchestrator) Close() error {
	o.closed.Do(func() {
		o.RequestStop()
		if o.started.Load() {
			timer := time.NewTimer(o.shutdownTimeout)
			defer timer.Stop()
			select {
			case <-o.done:
			case <-timer.C:
				o.closeErr = fmt.Errorf("%w after %s", ErrShutdownTimeout, o.shutdownTimeout)
				return
			}
		}
		o.closeErr = o.loader.ReleaseAll()
	})
	return o.closeErr
}
