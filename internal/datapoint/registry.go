package datapoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// pendingUpsert is an object queued by UpsertObject until CommitBatch.
type pendingUpsert struct {
	obj      Object
	preserve []string
	initial  any
}

// Registry is the bridge's object store. It caches objects and states in
// memory in front of a Repository and queues object upserts until they are
// flushed with CommitBatch.
//
// All public methods are safe for concurrent use.
type Registry struct {
	repo   Repository
	logger Logger

	mu      sync.RWMutex
	objects map[string]*Object
	states  map[string]State

	pendingMu sync.Mutex
	pending   []pendingUpsert

	// commitMu serialises CommitBatch so a caller whose queue was drained
	// by a concurrent commit returns only after that commit is visible.
	commitMu sync.Mutex
}

// NewRegistry creates a registry backed by repo.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:    repo,
		logger:  noopLogger{},
		objects: make(map[string]*Object),
		states:  make(map[string]State),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache loads every object from the repository. Call once at startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	objects, err := r.repo.ListObjects(ctx, "")
	if err != nil {
		return fmt.Errorf("loading objects: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.objects = make(map[string]*Object, len(objects))
	for i := range objects {
		r.objects[objects[i].ID] = objects[i].DeepCopy()
	}

	r.logger.Info("datapoint cache refreshed", "count", len(objects))
	return nil
}

// UpsertObject queues obj for creation or update. Nothing is written until
// CommitBatch. When the object already exists, the Common fields named in
// preserve keep their stored values. initial, if non-nil, is written as the
// state value only when the object is newly created.
func (r *Registry) UpsertObject(obj Object, preserve []string, initial any) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	r.pending = append(r.pending, pendingUpsert{
		obj:      *obj.DeepCopy(),
		preserve: preserve,
		initial:  initial,
	})
}

// PendingCount returns the number of queued upserts.
func (r *Registry) PendingCount() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

// CommitBatch flushes queued upserts in one repository transaction and then
// writes initial values for newly created states. The queue is shared, so a
// commit may carry upserts queued by other callers. On failure the batch is
// put back at the front of the queue and retried by the next commit.
func (r *Registry) CommitBatch(ctx context.Context) error {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	r.pendingMu.Lock()
	batch := r.pending
	r.pending = nil
	r.pendingMu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	// Later entries for the same ID win, matching call order.
	index := make(map[string]int, len(batch))
	objects := make([]Object, 0, len(batch))
	var initials []State

	for _, p := range batch {
		obj := p.obj
		existing, err := r.GetObject(ctx, obj.ID)
		switch {
		case err == nil:
			obj.preserve(existing, p.preserve)
			obj.CreatedAt = existing.CreatedAt
		case errors.Is(err, ErrObjectNotFound):
			if p.initial != nil {
				initials = append(initials, State{ID: obj.ID, Value: p.initial, Ack: true})
			}
		default:
			r.requeue(batch)
			return fmt.Errorf("looking up %s: %w", obj.ID, err)
		}

		if i, dup := index[obj.ID]; dup {
			objects[i] = obj
			continue
		}
		index[obj.ID] = len(objects)
		objects = append(objects, obj)
	}

	if err := r.repo.UpsertObjects(ctx, objects); err != nil {
		r.requeue(batch)
		return fmt.Errorf("committing %d objects: %w", len(objects), err)
	}

	r.mu.Lock()
	for i := range objects {
		r.objects[objects[i].ID] = objects[i].DeepCopy()
	}
	r.mu.Unlock()

	for _, st := range initials {
		if err := r.SetValue(ctx, st.ID, st.Value, st.Ack); err != nil {
			r.logger.Warn("writing initial value failed", "id", st.ID, "error", err)
		}
	}

	r.logger.Debug("datapoint batch committed", "objects", len(objects), "initial_values", len(initials))
	return nil
}

// requeue puts a failed batch back ahead of upserts queued since it was
// drained. Entries are compacted by ID, the later upsert winning, so
// repeated retries do not grow the queue.
func (r *Registry) requeue(batch []pendingUpsert) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	merged := make([]pendingUpsert, 0, len(batch)+len(r.pending))
	index := make(map[string]int, len(batch)+len(r.pending))
	for _, p := range append(batch, r.pending...) {
		i, dup := index[p.obj.ID]
		if !dup {
			index[p.obj.ID] = len(merged)
			merged = append(merged, p)
			continue
		}
		if p.initial == nil {
			p.initial = merged[i].initial
		}
		merged[i] = p
	}
	r.pending = merged
}

// GetObject returns a copy of the object with the given ID.
func (r *Registry) GetObject(ctx context.Context, id string) (*Object, error) {
	r.mu.RLock()
	cached, ok := r.objects[id]
	r.mu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	obj, err := r.repo.GetObject(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.objects[id] = obj.DeepCopy()
	r.mu.Unlock()
	return obj, nil
}

// ListObjects returns copies of all cached objects of the given kind.
// RefreshCache must have been called for persisted objects to appear.
func (r *Registry) ListObjects(kind Kind) []Object {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Object
	for _, obj := range r.objects {
		if kind == "" || obj.Kind == kind {
			out = append(out, *obj.DeepCopy())
		}
	}
	return out
}

// DeleteObject removes an object and its value. Deleting a missing object
// is not an error.
func (r *Registry) DeleteObject(ctx context.Context, id string) error {
	if err := r.repo.DeleteObject(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.objects, id)
	delete(r.states, id)
	r.mu.Unlock()

	r.logger.Debug("object deleted", "id", id)
	return nil
}

// SetValue stores the value of an existing state datapoint.
func (r *Registry) SetValue(ctx context.Context, id string, value any, ack bool) error {
	obj, err := r.GetObject(ctx, id)
	if err != nil {
		return err
	}
	if obj.Kind != KindState {
		return fmt.Errorf("%w: %s is a %s, not a state", ErrInvalidObject, id, obj.Kind)
	}

	st := State{ID: id, Value: value, Ack: ack, UpdatedAt: time.Now()}
	if err := r.repo.SetState(ctx, st); err != nil {
		return err
	}

	r.mu.Lock()
	r.states[id] = st
	r.mu.Unlock()
	return nil
}

// GetState returns the latest value of a datapoint.
func (r *Registry) GetState(ctx context.Context, id string) (*State, error) {
	r.mu.RLock()
	st, ok := r.states[id]
	r.mu.RUnlock()
	if ok {
		return &st, nil
	}

	stored, err := r.repo.GetState(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.states[id] = *stored
	r.mu.Unlock()
	return stored, nil
}

// Count returns the number of cached objects.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}
