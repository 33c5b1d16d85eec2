package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/domain"
)

// Dev is an in-memory provider for local runs and tests. It deduplicates
// by idempotency key the way a real provider with idempotent submission
// would: a repeated send returns the original message id without a second
// delivery. Failure injection is scriptable per destination address.
type Dev struct {
	mu       sync.Mutex
	accepted map[string]Result // idempotency key -> result
	sends    int               // actual (non-deduplicated) accepts

	failNext map[string][]error // address -> queued errors, popped per send

	events chan domain.DeliveryEvent
}

func NewDev() *Dev {
	return &Dev{
		accepted: map[string]Result{},
		failNext: map[string][]error{},
		events:   make(chan domain.DeliveryEvent, 256),
	}
}

// Events implements the feedback source: tests and dev loops push
// synthetic delivery events through it with Emit.
func (d *Dev) Events() <-chan domain.DeliveryEvent { return d.events }

// Emit queues a delivery event as if the provider had reported it.
func (d *Dev) Emit(ev domain.DeliveryEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	d.events <- ev
}

// FailNext queues an error for the next send to the address.
func (d *Dev) FailNext(address string, err error) {
	d.mu.Lock()
	d.failNext[address] = append(d.failNext[address], err)
	d.mu.Unlock()
}

func (d *Dev) Send(ctx context.Context, req SendRequest) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, Transient(err)
	}
	if req.IdempotencyKey == "" {
		return Result{}, Permanent(errors.New("missing idempotency key"))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.accepted[req.IdempotencyKey]; ok {
		// Redelivered job: same receipt, no second send.
		return r, nil
	}
	if q := d.failNext[req.ToAddress]; len(q) > 0 {
		err := q[0]
		d.failNext[req.ToAddress] = q[1:]
		return Result{}, err
	}

	r := Result{MessageID: uuid.NewString()}
	d.accepted[req.IdempotencyKey] = r
	d.sends++
	return r, nil
}

// Sends reports how many distinct messages were actually accepted.
func (d *Dev) Sends() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sends
}
