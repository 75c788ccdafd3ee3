package engine

import (
	"slices"
	"sync"

	"github.com/dukex/opsflow/pkg/graph"
	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/variables"
)

// run is the in-memory state of one instance. Every field is guarded by mu.
type run struct {
	mu       sync.Mutex
	instance *models.ProcessInstance
	graph    *graph.Graph
	scope    *variables.Store
	inflight map[string]*dispatch
	changed  chan struct{}
	effects  []func()
	finished bool
}

func newRun(instance *models.ProcessInstance, g *graph.Graph, evaluator *variables.Evaluator) *run {
	if instance.Slots == nil {
		instance.Slots = map[string]*models.NodeSlot{}
	}

	return &run{
		instance: instance,
		graph:    g,
		scope:    variables.NewStore(instance.Variables, evaluator),
		inflight: make(map[string]*dispatch),
		changed:  make(chan struct{}),
	}
}

// effect queues fn to run once mu is released.
func (r *run) effect(fn func()) {
	r.effects = append(r.effects, fn)
}

// notify wakes every Wait call.
func (r *run) notify() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *run) settled() bool {
	status := r.instance.Status

	return status.IsTerminal() || (status == models.InstanceStatusSuspended && len(r.inflight) == 0)
}

func (r *run) slotIDs() []string {
	ids := make([]string, 0, len(r.instance.Slots))
	for id := range r.instance.Slots {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

func (r *run) waitingSlot(match func(*models.NodeSlot) bool) *models.NodeSlot {
	for _, id := range r.slotIDs() {
		slot := r.instance.Slots[id]
		if slot.State == models.SlotStateWaiting && match(slot) {
			return slot
		}
	}

	return nil
}

func (r *run) waiting() []string {
	ids := make([]string, 0)

	for _, id := range r.slotIDs() {
		if r.instance.Slots[id].State == models.SlotStateWaiting {
			ids = append(ids, id)
		}
	}

	return ids
}

// openJoins readies every joining slot that no other live slot can still
// reach. A join waits for each branch that may arrive and ignores branches
// whose guards or conditions routed them elsewhere.
func (r *run) openJoins() {
	for _, id := range r.slotIDs() {
		slot := r.instance.Slots[id]
		if slot.State != models.SlotStateJoining || r.awaitsBranch(id) {
			continue
		}

		slot.State = models.SlotStateReady
		slot.Arrivals = nil
	}
}

// awaitsBranch reports whether a live slot lies upstream of joinID. An
// iterating loop whose body holds the join is represented by its body slots.
func (r *run) awaitsBranch(joinID string) bool {
	for id, slot := range r.instance.Slots {
		if id == joinID {
			continue
		}

		if slot.State == models.SlotStateIterating && r.graph.InLoopBody(id, joinID) {
			continue
		}

		if r.graph.Reaches(id, joinID) {
			return true
		}
	}

	return false
}

// children returns the child instances the run is waiting on.
func (r *run) children() []string {
	ids := make([]string, 0)

	for _, id := range r.slotIDs() {
		if child := r.instance.Slots[id].ChildInstanceID; child != "" {
			ids = append(ids, child)
		}
	}

	return ids
}

// release unlocks r and runs the effects queued while it was held.
func (e *Engine) release(r *run) {
	effects := r.effects
	r.effects = nil
	r.mu.Unlock()

	for _, fn := range effects {
		fn()
	}
}
