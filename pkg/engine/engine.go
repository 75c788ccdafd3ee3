// Package engine drives process instances from start to a terminal state.
//
// Each running instance is a run: the instance document, the validated graph
// it was started from, its variable scope and the dispatches in flight. A
// per-run mutex serializes every change to the instance; executors are
// always called with the mutex released.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/dukex/opsflow/pkg/eventbus"
	"github.com/dukex/opsflow/pkg/events"
	"github.com/dukex/opsflow/pkg/executors"
	"github.com/dukex/opsflow/pkg/graph"
	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/otelhelper"
	"github.com/dukex/opsflow/pkg/persistence"
	"github.com/dukex/opsflow/pkg/variables"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const defaultMaxConcurrency = 64

// Observer receives execution measurements. pkg/metrics implements it.
type Observer interface {
	InstanceStarted(groupID string)
	InstanceFinished(status models.InstanceStatus, duration time.Duration)
	NodeFinished(nodeType models.NodeType, status models.HistoryStatus, duration time.Duration)
	NodeRetried(nodeType models.NodeType)
}

type Options struct {
	// MaxConcurrency bounds the executors running at once across all instances.
	MaxConcurrency int64
	Logger         *slog.Logger
	Publisher      eventbus.EventPublisher
	Tracer         trace.Tracer
	Observer       Observer
	Evaluator      *variables.Evaluator
}

// StartRequest starts an instance of a published definition.
type StartRequest struct {
	DefinitionID     string
	Variables        map[string]any
	StartedBy        string
	ParentInstanceID string
	ParentNodeID     string
}

type Engine struct {
	store     persistence.Persistence
	registry  *executors.Registry
	recorder  *Recorder
	validator *graph.Validator
	evaluator *variables.Evaluator
	publisher eventbus.EventPublisher
	tracer    trace.Tracer
	observer  Observer
	logger    *slog.Logger
	sem       *semaphore.Weighted

	graphMu sync.Mutex
	graphs  map[string]*graph.Graph

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an engine. When registry has no sub-process executor the
// engine registers one that starts children through itself.
func New(store persistence.Persistence, registry *executors.Registry, opts Options) *Engine {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = defaultMaxConcurrency
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Publisher == nil {
		opts.Publisher = eventbus.Discard{}
	}

	if opts.Tracer == nil {
		opts.Tracer = otelhelper.Noop()
	}

	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	if opts.Evaluator == nil {
		opts.Evaluator = variables.NewEvaluator()
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		store:     store,
		registry:  registry,
		recorder:  NewRecorder(store.HistoryRepository(), opts.Logger),
		validator: graph.NewValidator(opts.Evaluator),
		evaluator: opts.Evaluator,
		publisher: opts.Publisher,
		tracer:    opts.Tracer,
		observer:  opts.Observer,
		logger:    opts.Logger,
		sem:       semaphore.NewWeighted(opts.MaxConcurrency),
		graphs:    make(map[string]*graph.Graph),
		runs:      make(map[string]*run),
		ctx:       ctx,
		cancel:    cancel,
	}

	if _, err := registry.Get(models.NodeTypeSubProcess); err != nil {
		registry.Register(models.NodeTypeSubProcess, executors.NewSubProcess(e))
	}

	return e
}

func (e *Engine) Recorder() *Recorder {
	return e.recorder
}

// Start creates an instance of a published definition and begins executing it.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*models.ProcessInstance, error) {
	def, err := e.store.DefinitionRepository().GetByID(ctx, req.DefinitionID)
	if err != nil {
		return nil, err
	}

	r, err := e.create(ctx, def, req)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	e.schedule(r)
	instance := r.instance.Clone()
	e.release(r)

	return instance, nil
}

// StartChild creates a child instance for a sub-process node. The child is
// persisted now and starts running once the parent records its suspension.
func (e *Engine) StartChild(ctx context.Context, req executors.ChildRequest) (string, error) {
	def, err := e.store.DefinitionRepository().GetPublished(ctx, req.DefinitionGroupID)
	if err != nil {
		return "", err
	}

	r, err := e.create(ctx, def, StartRequest{
		DefinitionID:     def.ID,
		Variables:        req.Variables,
		StartedBy:        "instance:" + req.ParentInstanceID,
		ParentInstanceID: req.ParentInstanceID,
		ParentNodeID:     req.ParentNodeID,
	})
	if err != nil {
		return "", err
	}

	return r.instance.ID, nil
}

func (e *Engine) create(ctx context.Context, def *models.ProcessDefinition, req StartRequest) (*run, error) {
	if def.Status != models.DefinitionStatusPublished {
		return nil, fmt.Errorf("%w: %s is %s", ErrDefinitionNotPublished, def.ID, def.Status)
	}

	g, err := e.graphFor(def)
	if err != nil {
		return nil, err
	}

	vars := models.CopyMap(def.Variables)
	if vars == nil {
		vars = make(map[string]any)
	}

	maps.Copy(vars, req.Variables)

	startedBy := req.StartedBy
	if startedBy == "" {
		startedBy = "system"
	}

	now := time.Now().UTC()
	instance := &models.ProcessInstance{
		DefinitionID:      def.ID,
		DefinitionGroupID: def.GroupID,
		DefinitionVersion: def.Version,
		Name:              def.Name,
		Description:       def.Description,
		Definition:        def,
		Variables:         vars,
		Slots:             map[string]*models.NodeSlot{},
		ParentInstanceID:  req.ParentInstanceID,
		ParentNodeID:      req.ParentNodeID,
		StartedBy:         startedBy,
		StartedAt:         now,
	}

	if err := Apply(instance, EventStart, now); err != nil {
		return nil, err
	}

	start := g.Start().ID
	instance.Slots[start] = &models.NodeSlot{NodeID: start, State: models.SlotStateReady}
	instance.SyncCurrentNodes()

	if err := e.store.InstanceRepository().Create(ctx, instance); err != nil {
		return nil, err
	}

	r := newRun(instance, g, e.evaluator)

	if err := e.register(r); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "instance started",
		"instance_id", instance.ID,
		"definition_id", def.ID,
		"version", def.Version,
		"parent_instance_id", req.ParentInstanceID,
	)

	e.observer.InstanceStarted(def.GroupID)
	e.publish(ctx, instance.ID, events.InstanceStarted{
		BaseEvent:         events.NewBaseEvent(events.InstanceStartedEvent),
		InstanceID:        instance.ID,
		DefinitionID:      def.ID,
		DefinitionGroupID: def.GroupID,
		DefinitionVersion: def.Version,
		ParentInstanceID:  req.ParentInstanceID,
		StartedBy:         startedBy,
		Variables:         models.CopyMap(vars),
	})

	return r, nil
}

// Resume completes the waiting human task identified by token with payload.
func (e *Engine) Resume(ctx context.Context, instanceID, token string, payload map[string]any) (*models.ProcessInstance, error) {
	r, err := e.lookup(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer e.release(r)

	if r.instance.Status.IsTerminal() {
		return nil, &TransitionError{InstanceID: instanceID, From: r.instance.Status, Event: EventResume}
	}

	slot := r.waitingSlot(func(s *models.NodeSlot) bool { return s.ResumeToken == token })
	if slot == nil || r.graph.Node(slot.NodeID).Type != models.NodeTypeHumanTask {
		return nil, fmt.Errorf("%w: instance %s", ErrResumeTokenNotFound, instanceID)
	}

	node := r.graph.Node(slot.NodeID)
	if err := executors.Accept(node, payload); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "resuming instance", "instance_id", instanceID, "node_id", node.ID)

	r.effect(func() {
		e.publish(ctx, instanceID, events.InstanceResumed{
			BaseEvent:   events.NewBaseEvent(events.InstanceResumedEvent),
			InstanceID:  instanceID,
			NodeID:      node.ID,
			ResumeToken: token,
		})
	})

	if err := e.completeWaiting(ctx, r, slot, models.CopyMap(payload)); err != nil {
		return nil, err
	}

	return r.instance.Clone(), nil
}

// Terminate stops an instance. Executors already running finish their
// attempt and record it; nothing is dispatched afterwards.
func (e *Engine) Terminate(ctx context.Context, instanceID, reason string) (*models.ProcessInstance, error) {
	r, err := e.lookup(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer e.release(r)

	children := r.children()
	slots := r.instance.Slots

	if err := Apply(r.instance, EventTerminate, time.Now()); err != nil {
		return nil, err
	}

	e.closeSlotRecords(ctx, r, slots, models.HistoryStatusTerminated, errors.New("instance terminated"))
	e.persist(ctx, r)
	e.finalize(ctx, r, "", reason)

	e.logger.InfoContext(ctx, "instance terminated", "instance_id", instanceID, "reason", reason)

	for _, child := range children {
		r.effect(func() { e.terminateChild(child, "parent terminated") })
	}

	return r.instance.Clone(), nil
}

// UpdateVariables merges values into the scope of a running or suspended instance.
func (e *Engine) UpdateVariables(ctx context.Context, instanceID string, values map[string]any) (*models.ProcessInstance, error) {
	r, err := e.lookup(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer e.release(r)

	if r.instance.Status.IsTerminal() {
		return nil, &TransitionError{InstanceID: instanceID, From: r.instance.Status, Event: "update_variables"}
	}

	r.scope.Merge(values)
	e.persist(ctx, r)

	r.effect(func() {
		e.publish(ctx, instanceID, events.InstanceVariablesUpdated{
			BaseEvent:  events.NewBaseEvent(events.InstanceVariablesUpdatedEvent),
			InstanceID: instanceID,
			Variables:  models.CopyMap(values),
		})
	})

	return r.instance.Clone(), nil
}

// Wait blocks until the instance is terminal, or suspended with nothing in
// flight, and returns its state.
func (e *Engine) Wait(ctx context.Context, instanceID string) (*models.ProcessInstance, error) {
	for {
		e.mu.Lock()
		r, ok := e.runs[instanceID]
		e.mu.Unlock()

		if !ok {
			return e.store.InstanceRepository().GetByID(ctx, instanceID)
		}

		r.mu.Lock()
		if r.settled() {
			instance := r.instance.Clone()
			r.mu.Unlock()

			return instance, nil
		}

		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Active returns the ids of instances held in memory.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}

	return ids
}

// Shutdown cancels in-flight dispatches and waits for their goroutines.
// Instances stay running in storage and are picked up by Recover.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()

	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) register(r *run) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}

	e.runs[r.instance.ID] = r

	return nil
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.runs, id)
}

// lookup returns the in-memory run of an instance, loading it from storage
// when needed. Terminal instances are returned detached.
func (e *Engine) lookup(ctx context.Context, instanceID string) (*run, error) {
	e.mu.Lock()
	r, ok := e.runs[instanceID]
	e.mu.Unlock()

	if ok {
		return r, nil
	}

	instance, err := e.store.InstanceRepository().GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	g, err := e.graphFor(instance.Definition)
	if err != nil {
		return nil, err
	}

	r = newRun(instance, g, e.evaluator)
	if instance.Status.IsTerminal() {
		r.finished = true

		return r, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.runs[instanceID]; ok {
		return existing, nil
	}

	e.runs[instanceID] = r

	return r, nil
}

// graphFor validates a definition once and caches the graph by id.
func (e *Engine) graphFor(def *models.ProcessDefinition) (*graph.Graph, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: missing definition snapshot", graph.ErrInvalidGraph)
	}

	e.graphMu.Lock()
	defer e.graphMu.Unlock()

	if g, ok := e.graphs[def.ID]; ok {
		return g, nil
	}

	g, err := e.validator.Validate(def)
	if err != nil {
		return nil, err
	}

	e.graphs[def.ID] = g

	return g, nil
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if err := e.publisher.Publish(context.WithoutCancel(ctx), key, event); err != nil {
		e.logger.ErrorContext(ctx, "failed to publish event", "event_type", event.GetType(), "key", key, "error", err)
	}
}

// terminateChild stops a child instance on behalf of its parent. A child
// that already ended is left alone.
func (e *Engine) terminateChild(childID, reason string) {
	_, err := e.Terminate(context.Background(), childID, reason)
	if err != nil && !errors.Is(err, ErrInvalidTransition) && !persistence.IsNotFound(err) {
		e.logger.Error("failed to terminate child instance", "instance_id", childID, "error", err)
	}
}

type nopObserver struct{}

func (nopObserver) InstanceStarted(string)                                            {}
func (nopObserver) InstanceFinished(models.InstanceStatus, time.Duration)             {}
func (nopObserver) NodeFinished(models.NodeType, models.HistoryStatus, time.Duration) {}
func (nopObserver) NodeRetried(models.NodeType)                                       {}
