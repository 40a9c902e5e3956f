package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimeout bounds every pending operation unless overridden.
const DefaultTimeout = 30 * time.Second

var (
	ErrTimeout  = errors.New("operation timed out")
	ErrInFlight = errors.New("operation of this kind already in flight")
	ErrCanceled = errors.New("operation canceled")
)

// Kind partitions pending operations. One partition per RPC method.
type Kind string

// Config tunes a Registry.
type Config struct {
	Timeout time.Duration
	// OnChange observes the total pending count after every mutation.
	OnChange func(pending int)
}

// Registry correlates outbound requests with responses that arrive out of order.
// At most one operation per kind is pending at any time.
type Registry struct {
	timeout  time.Duration
	onChange func(int)
	nextID   atomic.Uint64

	mu         sync.Mutex
	partitions map[Kind]map[uint64]*Operation
}

// New builds an empty registry.
func New(cfg Config) *Registry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Registry{
		timeout:    cfg.Timeout,
		onChange:   cfg.OnChange,
		partitions: make(map[Kind]map[uint64]*Operation),
	}
}

// Operation is a registered request awaiting its response.
type Operation struct {
	ID      uint64
	Kind    Kind
	Created time.Time

	reg    *Registry
	timer  *time.Timer
	done   chan struct{}
	once   sync.Once
	result json.RawMessage
	err    error
}

// Register reserves the partition slot for kind and arms its timeout.
// A zero timeout uses the registry default.
func (r *Registry) Register(kind Kind, timeout time.Duration) (*Operation, error) {
	if timeout <= 0 {
		timeout = r.timeout
	}

	r.mu.Lock()
	part := r.partitions[kind]
	if len(part) > 0 {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", kind, ErrInFlight)
	}
	if part == nil {
		part = make(map[uint64]*Operation)
		r.partitions[kind] = part
	}
	op := &Operation{
		ID:      r.nextID.Add(1),
		Kind:    kind,
		Created: time.Now(),
		reg:     r,
		done:    make(chan struct{}),
	}
	part[op.ID] = op
	op.timer = time.AfterFunc(timeout, func() {
		if r.remove(op) {
			op.finish(nil, fmt.Errorf("%s after %s: %w", kind, timeout, ErrTimeout))
		}
	})
	n := r.countLocked()
	r.mu.Unlock()

	r.notify(n)
	return op, nil
}

// Resolve completes the pending operation for kind. A non-zero id must match
// the pending entry, so a late reply to an expired request is dropped. A zero
// id selects the single pending entry of kind.
func (r *Registry) Resolve(kind Kind, id uint64, payload json.RawMessage) bool {
	op := r.take(kind, id)
	if op == nil {
		return false
	}
	op.finish(payload, nil)
	return true
}

// Reject fails the pending operation for kind with err. id matches as in Resolve.
func (r *Registry) Reject(kind Kind, id uint64, err error) bool {
	op := r.take(kind, id)
	if op == nil {
		return false
	}
	op.finish(nil, err)
	return true
}

// RejectAll fails and removes every pending operation in every partition.
func (r *Registry) RejectAll(err error) int {
	r.mu.Lock()
	var ops []*Operation
	for kind, part := range r.partitions {
		for id, op := range part {
			ops = append(ops, op)
			delete(part, id)
		}
		delete(r.partitions, kind)
	}
	r.mu.Unlock()

	for _, op := range ops {
		op.finish(nil, err)
	}
	if len(ops) > 0 {
		r.notify(0)
	}
	return len(ops)
}

// Pending returns the number of operations of kind awaiting a response.
func (r *Registry) Pending(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.partitions[kind])
}

// Len returns the total number of pending operations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked()
}

// Wait blocks until the operation completes or ctx ends. A canceled context
// removes the entry so the kind can be reused.
func (o *Operation) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-o.done:
		return o.result, o.err
	case <-ctx.Done():
		o.Cancel(ctx.Err())
		<-o.done
		return o.result, o.err
	}
}

// Done is closed once the operation has a result.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Cancel removes the operation and fails it with err.
func (o *Operation) Cancel(err error) {
	if err == nil {
		err = ErrCanceled
	}
	if o.reg.remove(o) {
		o.finish(nil, err)
	}
}

func (o *Operation) finish(result json.RawMessage, err error) {
	o.once.Do(func() {
		if o.timer != nil {
			o.timer.Stop()
		}
		o.result = result
		o.err = err
		close(o.done)
	})
}

func (r *Registry) take(kind Kind, id uint64) *Operation {
	r.mu.Lock()
	part := r.partitions[kind]
	var op *Operation
	if id != 0 {
		op = part[id]
	} else {
		for _, candidate := range part {
			op = candidate
			break
		}
	}
	if op == nil {
		r.mu.Unlock()
		return nil
	}
	delete(part, op.ID)
	n := r.countLocked()
	r.mu.Unlock()

	r.notify(n)
	return op
}

func (r *Registry) remove(op *Operation) bool {
	r.mu.Lock()
	part := r.partitions[op.Kind]
	if _, ok := part[op.ID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(part, op.ID)
	n := r.countLocked()
	r.mu.Unlock()

	r.notify(n)
	return true
}

func (r *Registry) countLocked() int {
	n := 0
	for _, part := range r.partitions {
		n += len(part)
	}
	return n
}

func (r *Registry) notify(n int) {
	if r.onChange != nil {
		r.onChange(n)
	}
}
