package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dukex/opsflow/pkg/eventbus"
	"github.com/dukex/opsflow/pkg/events"
	"github.com/dukex/opsflow/pkg/executors"
	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/otelhelper"
	"github.com/dukex/opsflow/pkg/persistence"
	"github.com/dukex/opsflow/pkg/variables"
	"go.opentelemetry.io/otel/attribute"
)

var (
	errDispatchClosed = errors.New("dispatch closed")
	errSiblingFailed  = errors.New("cancelled: sibling branch failed")
	errNotRunning     = errors.New("instance no longer running")
)

// dispatch is one executor invocation. Its open record is finished exactly
// once, either by the dispatch itself or by a failing sibling.
type dispatch struct {
	mu        sync.Mutex
	node      *models.Node
	iteration int
	recordID  string
	started   time.Time
	closed    bool
	cancel    context.CancelFunc
}

// schedule launches every ready slot. r.mu must be held.
func (e *Engine) schedule(r *run) {
	if r.instance.Status != models.InstanceStatusRunning {
		return
	}

	for _, id := range r.slotIDs() {
		slot := r.instance.Slots[id]
		if slot.State != models.SlotStateReady {
			continue
		}

		if _, busy := r.inflight[id]; busy {
			continue
		}

		ctx, cancel := context.WithCancel(e.ctx)
		d := &dispatch{
			node:      r.graph.Node(id),
			iteration: slot.Iteration,
			started:   time.Now(),
			cancel:    cancel,
		}

		slot.State = models.SlotStateRunning
		r.inflight[id] = d

		e.wg.Add(1)

		go e.dispatch(ctx, r, d)
	}
}

func (e *Engine) dispatch(ctx context.Context, r *run, d *dispatch) {
	defer e.wg.Done()
	defer d.cancel()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer e.sem.Release(1)

	r.mu.Lock()
	live := r.instance.Status == models.InstanceStatusRunning && r.inflight[d.node.ID] == d
	r.mu.Unlock()

	if !live {
		e.closeDispatch(context.WithoutCancel(ctx), r, d, models.HistoryStatusTerminated, nil, errNotRunning)

		return
	}

	node := d.node
	scope := r.scope.WithDefaults(node.Defaults)
	input := inputData(node, scope, d.iteration)

	var result executors.Result

	switch {
	case node.Type == models.NodeTypeLoop:
		result = e.evaluateLoop(ctx, r, d, scope, input)
	default:
		if err := e.begin(ctx, r, d, input, 1, 0); err != nil {
			result = executors.Failed(err)
		} else {
			result = e.execute(ctx, r, d, scope, input)
		}
	}

	e.complete(ctx, r, d, result)
}

// evaluateLoop records a loop pass once its decision is known, so the record
// is closed before the body runs. A pass past the iteration cap is not
// recorded; the instance carries the error.
func (e *Engine) evaluateLoop(ctx context.Context, r *run, d *dispatch, scope *variables.Store, input map[string]any) executors.Result {
	result := e.execute(ctx, r, d, scope, input)
	if errors.Is(result.Err, executors.ErrLoopLimitExceeded) {
		return result
	}

	if err := e.begin(ctx, r, d, input, 1, d.iteration+1); err != nil {
		return executors.Failed(err)
	}

	return result
}

func (e *Engine) execute(ctx context.Context, r *run, d *dispatch, scope *variables.Store, input map[string]any) (result executors.Result) {
	node := d.node

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "opsflow.node."+string(node.Type),
		attribute.String(otelhelper.InstanceIDKey, r.instance.ID),
		attribute.String(otelhelper.DefinitionIDKey, r.instance.DefinitionID),
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.NodeTypeKey, string(node.Type)),
		attribute.Int(otelhelper.IterationKey, d.iteration),
	)
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			result = executors.Failed(fmt.Errorf("%w: node %s panicked: %v", executors.ErrExecutorError, node.ID, p))
		}

		span.SetAttributes(attribute.String(otelhelper.ResultKey, result.Status.String()))

		if result.Err != nil {
			otelhelper.SetError(span, result.Err, attribute.String(otelhelper.NodeIDKey, node.ID))
		}
	}()

	executor, err := e.registry.Get(node.Type)
	if err != nil {
		return executors.Failed(err)
	}

	return executor.Execute(ctx, &executors.Request{
		InstanceID:   r.instance.ID,
		DefinitionID: r.instance.DefinitionID,
		Node:         node,
		Outgoing:     r.graph.Outgoing(node.ID),
		Scope:        scope,
		Iteration:    d.iteration,
		Retry:        e.retryHook(r, d, input),
	})
}

// complete records the outcome of a dispatch and applies it to the instance.
func (e *Engine) complete(ctx context.Context, r *run, d *dispatch, result executors.Result) {
	node := d.node
	wctx := context.WithoutCancel(ctx)

	switch result.Status {
	case executors.StatusFailed:
		e.closeDispatch(wctx, r, d, models.HistoryStatusFailed, result.Output, result.Err)
	case executors.StatusCompleted:
		e.closeDispatch(wctx, r, d, models.HistoryStatusCompleted, result.Output, nil)
	}

	r.mu.Lock()
	defer e.release(r)

	current, tracked := r.inflight[node.ID]
	if tracked && current == d {
		delete(r.inflight, node.ID)
	}

	if !tracked || current != d || r.instance.Status != models.InstanceStatusRunning {
		e.discard(wctx, r, d, result)
		r.notify()

		return
	}

	switch result.Status {
	case executors.StatusFailed:
		e.fail(wctx, r, node.ID, result.Err)
	case executors.StatusSuspended:
		e.suspend(wctx, r, d, result)
	default:
		e.advanceFrom(wctx, r, node, d, result)
	}
}

// discard drops the outcome of a dispatch that returned after the instance
// stopped. Records it left open are closed terminated.
func (e *Engine) discard(ctx context.Context, r *run, d *dispatch, result executors.Result) {
	e.closeDispatch(ctx, r, d, models.HistoryStatusTerminated, result.Output, errNotRunning)

	if result.Status == executors.StatusSuspended && d.node.Type == models.NodeTypeSubProcess {
		child := result.ResumeToken
		r.effect(func() { e.terminateChild(child, "parent no longer running") })
	}
}

func (e *Engine) suspend(ctx context.Context, r *run, d *dispatch, result executors.Result) {
	slot := r.instance.Slots[d.node.ID]
	slot.State = models.SlotStateWaiting
	slot.ResumeToken = result.ResumeToken
	slot.RecordID = d.recordID

	if d.node.Type == models.NodeTypeSubProcess {
		slot.ChildInstanceID = result.ResumeToken
		child := result.ResumeToken
		r.effect(func() { e.launch(child) })
	}

	e.logger.InfoContext(ctx, "node waiting",
		"instance_id", r.instance.ID,
		"node_id", d.node.ID,
		"node_type", d.node.Type,
	)

	e.advance(ctx, r)
}

// advanceFrom applies a completed node: merges its output, releases its
// slot and activates the edges it selected.
func (e *Engine) advanceFrom(ctx context.Context, r *run, node *models.Node, d *dispatch, result executors.Result) {
	if err := Apply(r.instance, EventAdvance, time.Now()); err != nil {
		e.fail(ctx, r, node.ID, err)

		return
	}

	if err := r.scope.MergeOutput(node.ID, result.Output, node.Outputs, node.Defaults); err != nil {
		e.fail(ctx, r, node.ID, err)

		return
	}

	slot := r.instance.Slots[node.ID]

	if node.Type == models.NodeTypeLoop && result.Continue {
		slot.State = models.SlotStateIterating
	} else {
		r.releaseSlot(node.ID)
	}

	branches := result.Branches
	if branches == nil {
		var err error

		branches, err = executors.Follow(r.scope, r.graph.Outgoing(node.ID))
		if err != nil {
			e.fail(ctx, r, node.ID, err)

			return
		}
	}

	for _, edgeID := range branches {
		e.activate(r, edgeID)
	}

	e.advance(ctx, r)
}

// completeWaiting finishes a waiting slot with output, as if its executor
// had just completed.
func (e *Engine) completeWaiting(ctx context.Context, r *run, slot *models.NodeSlot, output map[string]any) error {
	node := r.graph.Node(slot.NodeID)

	if r.instance.Status == models.InstanceStatusSuspended {
		if err := Apply(r.instance, EventResume, time.Now()); err != nil {
			return err
		}
	}

	if slot.RecordID != "" {
		e.finishRecord(ctx, r, node, slot.RecordID, time.Time{}, models.HistoryStatusCompleted, output, nil)
	}

	if err := r.scope.MergeOutput(node.ID, output, node.Outputs, node.Defaults); err != nil {
		e.fail(ctx, r, node.ID, err)

		return nil
	}

	r.releaseSlot(node.ID)

	branches, err := executors.Follow(r.scope, r.graph.Outgoing(node.ID))
	if err != nil {
		e.fail(ctx, r, node.ID, err)

		return nil
	}

	for _, edgeID := range branches {
		e.activate(r, edgeID)
	}

	e.advance(ctx, r)

	return nil
}

// releaseSlot removes a finished node from the arena, or re-arms it when
// activations arrived while it was busy.
func (r *run) releaseSlot(nodeID string) {
	slot := r.instance.Slots[nodeID]
	if slot == nil {
		return
	}

	if slot.Pending > 0 {
		*slot = models.NodeSlot{NodeID: nodeID, State: models.SlotStateReady, Pending: slot.Pending - 1}

		return
	}

	delete(r.instance.Slots, nodeID)
}

// activate delivers an edge to its target.
func (e *Engine) activate(r *run, edgeID string) {
	edge := r.graph.Edge(edgeID)
	target := r.graph.Node(edge.Target)
	slot := r.instance.Slots[target.ID]

	switch {
	case edge.Kind == models.EdgeKindLoopBack && slot != nil && slot.State == models.SlotStateIterating:
		slot.Iteration++
		slot.State = models.SlotStateReady
	case target.Type == models.NodeTypeParallelJoin && (slot == nil || slot.State == models.SlotStateJoining):
		if slot == nil {
			slot = &models.NodeSlot{NodeID: target.ID, State: models.SlotStateJoining}
			r.instance.Slots[target.ID] = slot
		}

		slot.Arrivals = append(slot.Arrivals, edge.ID)
	case slot != nil:
		slot.Pending++
	default:
		r.instance.Slots[target.ID] = &models.NodeSlot{NodeID: target.ID, State: models.SlotStateReady}
	}
}

// advance dispatches whatever became ready, then settles the instance when
// nothing is left in flight. r.mu must be held.
func (e *Engine) advance(ctx context.Context, r *run) {
	r.openJoins()
	e.schedule(r)

	if len(r.inflight) > 0 {
		e.persist(ctx, r)

		return
	}

	switch waiting := r.waiting(); {
	case len(r.instance.Slots) == 0:
		if err := Apply(r.instance, EventFinish, time.Now()); err != nil {
			e.fail(ctx, r, "", err)

			return
		}

		e.persist(ctx, r)
		e.finalize(ctx, r, "", "")

		e.logger.InfoContext(ctx, "instance completed", "instance_id", r.instance.ID)
	case len(waiting) > 0:
		if r.instance.Status == models.InstanceStatusRunning {
			if err := Apply(r.instance, EventAwait, time.Now()); err != nil {
				e.fail(ctx, r, "", err)

				return
			}
		}

		e.persist(ctx, r)

		id := r.instance.ID
		r.effect(func() {
			e.publish(ctx, id, events.InstanceSuspended{
				BaseEvent:  events.NewBaseEvent(events.InstanceSuspendedEvent),
				InstanceID: id,
				WaitingOn:  waiting,
			})
		})
	default:
		e.fail(ctx, r, "", fmt.Errorf("%w: waiting on %v", ErrJoinStalled, r.slotIDs()))
	}
}

// fail moves the instance to failed. In-flight dispatches are cancelled and
// every record still open is closed terminated. r.mu must be held.
func (e *Engine) fail(ctx context.Context, r *run, nodeID string, cause error) {
	inflight := r.inflight
	r.inflight = make(map[string]*dispatch)

	for _, d := range inflight {
		d.cancel()
		e.closeDispatch(ctx, r, d, models.HistoryStatusTerminated, nil, errSiblingFailed)
	}

	children := r.children()
	slots := r.instance.Slots

	if err := Apply(r.instance, EventFail, time.Now()); err != nil {
		e.logger.ErrorContext(ctx, "cannot fail instance", "instance_id", r.instance.ID, "error", err)

		return
	}

	r.instance.ErrorMessage = cause.Error()

	e.closeSlotRecords(ctx, r, slots, models.HistoryStatusTerminated, cause)
	e.persist(ctx, r)
	e.finalize(ctx, r, nodeID, "")

	e.logger.ErrorContext(ctx, "instance failed",
		"instance_id", r.instance.ID,
		"node_id", nodeID,
		"error", cause,
	)

	for _, child := range children {
		r.effect(func() { e.terminateChild(child, "parent failed") })
	}
}

// finalize publishes the terminal event and forgets the run. r.mu must be held.
func (e *Engine) finalize(ctx context.Context, r *run, nodeID, reason string) {
	r.finished = true
	e.unregister(r.instance.ID)

	instance := r.instance.Clone()

	var duration time.Duration
	if instance.EndedAt != nil {
		duration = instance.EndedAt.Sub(instance.StartedAt)
	}

	e.observer.InstanceFinished(instance.Status, duration)

	var event eventbus.Event

	switch instance.Status {
	case models.InstanceStatusCompleted:
		event = events.InstanceCompleted{
			BaseEvent:  events.NewBaseEvent(events.InstanceCompletedEvent),
			InstanceID: instance.ID,
			Variables:  instance.Variables,
			DurationMs: duration.Milliseconds(),
		}
	case models.InstanceStatusFailed:
		event = events.InstanceFailed{
			BaseEvent:  events.NewBaseEvent(events.InstanceFailedEvent),
			InstanceID: instance.ID,
			NodeID:     nodeID,
			Error:      instance.ErrorMessage,
			DurationMs: duration.Milliseconds(),
		}
	default:
		event = events.InstanceTerminated{
			BaseEvent:  events.NewBaseEvent(events.InstanceTerminatedEvent),
			InstanceID: instance.ID,
			Reason:     reason,
			DurationMs: duration.Milliseconds(),
		}
	}

	r.effect(func() { e.publish(ctx, instance.ID, event) })

	if instance.ParentInstanceID != "" {
		r.effect(func() { e.childDone(ctx, instance) })
	}

	r.notify()
}

func (e *Engine) persist(ctx context.Context, r *run) {
	r.instance.Variables = r.scope.Snapshot()
	r.instance.SyncCurrentNodes()

	if err := e.store.InstanceRepository().Update(ctx, r.instance); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist instance",
			"instance_id", r.instance.ID,
			"revision", r.instance.Revision,
			"error", err,
		)
	}

	r.notify()
}

// launch starts a child created by StartChild.
func (e *Engine) launch(childID string) {
	e.mu.Lock()
	r, ok := e.runs[childID]
	e.mu.Unlock()

	if !ok {
		return
	}

	r.mu.Lock()
	e.schedule(r)
	e.release(r)
}

// childDone resumes or fails the parent of a child that reached a terminal state.
func (e *Engine) childDone(ctx context.Context, child *models.ProcessInstance) {
	ctx = context.WithoutCancel(ctx)

	r, err := e.lookup(ctx, child.ParentInstanceID)
	if err != nil {
		e.logger.ErrorContext(ctx, "parent of finished child not found",
			"instance_id", child.ID, "parent_instance_id", child.ParentInstanceID, "error", err)

		return
	}

	r.mu.Lock()
	defer e.release(r)

	if r.instance.Status.IsTerminal() {
		return
	}

	slot := r.waitingSlot(func(s *models.NodeSlot) bool { return s.ChildInstanceID == child.ID })
	if slot == nil {
		return
	}

	if child.Status == models.InstanceStatusCompleted {
		if err := e.completeWaiting(ctx, r, slot, models.CopyMap(child.Variables)); err != nil {
			e.fail(ctx, r, slot.NodeID, err)
		}

		return
	}

	cause := fmt.Errorf("%w: child %s %s", ErrChildFailed, child.ID, child.Status)
	if child.ErrorMessage != "" {
		cause = fmt.Errorf("%w: %s", cause, child.ErrorMessage)
	}

	node := r.graph.Node(slot.NodeID)
	if slot.RecordID != "" {
		e.finishRecord(ctx, r, node, slot.RecordID, time.Time{}, models.HistoryStatusFailed, nil, cause)
	}

	slot.RecordID = ""
	slot.ChildInstanceID = ""

	e.fail(ctx, r, node.ID, cause)
}

// retryHook closes the failed attempt and opens the record of the next one.
func (e *Engine) retryHook(r *run, d *dispatch, input map[string]any) executors.RetryFunc {
	return func(ctx context.Context, attempt int, cause error) error {
		ctx = context.WithoutCancel(ctx)

		d.mu.Lock()
		defer d.mu.Unlock()

		if d.closed {
			return errDispatchClosed
		}

		e.finishRecord(ctx, r, d.node, d.recordID, d.started, models.HistoryStatusFailed, nil, cause)

		id, err := e.recorder.Begin(ctx, r.instance.ID, d.node, input, attempt, 0)
		if err != nil {
			d.closed = true
			d.recordID = ""

			return err
		}

		d.recordID = id
		d.started = time.Now()

		e.observer.NodeRetried(d.node.Type)
		e.publishStarted(ctx, r, d.node, id, attempt, 0)

		return nil
	}
}

func (e *Engine) begin(ctx context.Context, r *run, d *dispatch, input map[string]any, attempt, iteration int) error {
	ctx = context.WithoutCancel(ctx)

	id, err := e.recorder.Begin(ctx, r.instance.ID, d.node, input, attempt, iteration)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		e.finishRecord(ctx, r, d.node, id, time.Now(), models.HistoryStatusTerminated, nil, errSiblingFailed)

		return errDispatchClosed
	}

	d.recordID = id
	d.started = time.Now()

	e.publishStarted(ctx, r, d.node, id, attempt, iteration)

	return nil
}

// closeDispatch finishes the open record of d unless that already happened.
func (e *Engine) closeDispatch(ctx context.Context, r *run, d *dispatch, status models.HistoryStatus, output map[string]any, cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	d.closed = true

	if d.recordID != "" {
		e.finishRecord(ctx, r, d.node, d.recordID, d.started, status, output, cause)
	}
}

// closeSlotRecords finishes the records held open by waiting slots.
func (e *Engine) closeSlotRecords(ctx context.Context, r *run, slots map[string]*models.NodeSlot, status models.HistoryStatus, cause error) {
	for _, slot := range slots {
		if slot.RecordID == "" || slot.State != models.SlotStateWaiting {
			continue
		}

		e.finishRecord(ctx, r, r.graph.Node(slot.NodeID), slot.RecordID, time.Time{}, status, nil, cause)
	}
}

func (e *Engine) finishRecord(ctx context.Context, r *run, node *models.Node, recordID string, started time.Time, status models.HistoryStatus, output map[string]any, cause error) {
	err := e.recorder.Finish(ctx, recordID, status, output, cause)

	switch {
	case persistence.IsRecordAlreadyFinished(err):
		return
	case err != nil:
		e.logger.ErrorContext(ctx, "failed to finish node record",
			"instance_id", r.instance.ID, "node_id", node.ID, "record_id", recordID, "error", err)

		return
	}

	var duration time.Duration
	if !started.IsZero() {
		duration = time.Since(started)
	}

	e.observer.NodeFinished(node.Type, status, duration)

	finished := events.NodeFinished{
		BaseEvent:  events.NewBaseEvent(events.NodeFinishedEvent),
		InstanceID: r.instance.ID,
		NodeID:     node.ID,
		NodeType:   string(node.Type),
		RecordID:   recordID,
		Status:     string(status),
		DurationMs: duration.Milliseconds(),
	}

	if cause != nil {
		finished.Error = cause.Error()
	}

	e.publish(ctx, r.instance.ID, finished)
}

func (e *Engine) publishStarted(ctx context.Context, r *run, node *models.Node, recordID string, attempt, iteration int) {
	e.publish(ctx, r.instance.ID, events.NodeStarted{
		BaseEvent:  events.NewBaseEvent(events.NodeStartedEvent),
		InstanceID: r.instance.ID,
		NodeID:     node.ID,
		NodeType:   string(node.Type),
		RecordID:   recordID,
		Attempt:    attempt,
		Iteration:  iteration,
	})
}

// inputData is the resolved input stored on a record. Rendering is lenient;
// the executor reports unresolved variables itself.
func inputData(node *models.Node, scope *variables.Store, iteration int) map[string]any {
	switch node.Type {
	case models.NodeTypeAction:
		cfg := node.Action
		input := map[string]any{
			"profile": scope.Render(cfg.Profile),
			"command": scope.Render(cfg.Command),
		}

		if cfg.Template != "" {
			input["template"] = cfg.Template
		}

		if cfg.Timeout > 0 {
			input["timeout"] = cfg.Timeout.Std().String()
		}

		return input
	case models.NodeTypeLoop:
		return map[string]any{"completed_iterations": iteration}
	case models.NodeTypeHumanTask:
		if cfg := node.HumanTask; cfg != nil {
			return map[string]any{"assignee": scope.Render(cfg.Assignee), "prompt": scope.Render(cfg.Prompt)}
		}
	case models.NodeTypeSubProcess:
		inputs := make(map[string]any, len(node.SubProcess.Inputs))
		for key, expression := range node.SubProcess.Inputs {
			inputs[key] = scope.Render(expression)
		}

		return map[string]any{"definition_group_id": node.SubProcess.DefinitionGroupID, "inputs": inputs}
	}

	return nil
}
