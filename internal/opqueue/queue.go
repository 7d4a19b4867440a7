package opqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parking-kiosk/internal/model"
	"parking-kiosk/internal/store"
)

// Kind identifies the type of a queued database operation.
type Kind string

const (
	KindLogEntry       Kind = "log_entry"
	KindParkingSession Kind = "parking_session"
	KindBarrierAction  Kind = "barrier_action"
	KindVehicle        Kind = "vehicle"
)

// Handle identifies a submitted operation so its completion can be
// matched up by the caller.
type Handle string

// ErrClosed is returned by Submit after Close has been called.
var ErrClosed = errors.New("operation queue closed")

// LogEntryParams describes an append-log operation.
type LogEntryParams struct {
	Lane       string
	PlateID    string
	Confidence float64
	Type       string
	ImagePath  string
	Timestamp  time.Time
}

// SessionAction selects between opening and closing a session.
type SessionAction string

const (
	SessionCreate SessionAction = "create"
	SessionUpdate SessionAction = "update"
)

// SessionParams describes a parking-session operation.
type SessionParams struct {
	Action     SessionAction
	PlateID    string
	LotID      int64
	Confidence float64
	ImagePath  string
}

// BarrierParams describes a barrier-action operation.
type BarrierParams struct {
	SessionID   *int64
	ActionType  string
	TriggerType string
}

// VehicleParams describes a vehicle upsert.
type VehicleParams struct {
	PlateID       string
	IsBlacklisted bool
}

// Result is the completion message for one operation, delivered on the
// queue's results channel.
type Result struct {
	Handle  Handle
	Kind    Kind
	Payload any
	Err     error
}

type operation struct {
	handle Handle
	kind   Kind
	params any
}

// Queue serializes all local-store mutations onto a single worker,
// absorbing transient lock contention with bounded retries. Multiple
// producers, one consumer.
type Queue struct {
	store      store.Store
	log        zerolog.Logger
	jobs       chan operation
	results    chan Result
	maxRetries int
	baseDelay  time.Duration

	mu     sync.Mutex
	closed bool

	quit chan struct{}
	done chan struct{}
}

// New creates an operation queue. Call Start to launch the worker.
func New(s store.Store, logger zerolog.Logger, depth, maxRetries int, baseDelay time.Duration) *Queue {
	return &Queue{
		store:      s,
		log:        logger.With().Str("component", "opqueue").Logger(),
		jobs:       make(chan operation, depth),
		results:    make(chan Result, depth),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (q *Queue) Start() {
	go q.worker()
}

// Results returns the channel completion messages are delivered on. The
// owner must consume it; it is buffered to the queue depth.
func (q *Queue) Results() <-chan Result {
	return q.results
}

// Submit enqueues an operation and returns a handle for matching its
// completion. Accepts LogEntryParams, SessionParams, BarrierParams or
// VehicleParams.
func (q *Queue) Submit(params any) (Handle, error) {
	kind, ok := kindOf(params)
	if !ok {
		return "", errors.New("unsupported operation parameters")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	handle := Handle(string(kind) + "-" + uuid.NewString())
	q.jobs <- operation{handle: handle, kind: kind, params: params}
	q.mu.Unlock()

	return handle, nil
}

// Close stops intake, lets the worker finish queued work and waits up to
// grace for it to exit. Returns false if the worker had to be abandoned.
func (q *Queue) Close(grace time.Duration) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return true
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	close(q.quit)

	select {
	case <-q.done:
		return true
	case <-time.After(grace):
		q.log.Warn().Msg("operation queue worker did not drain in time")
		return false
	}
}

func kindOf(params any) (Kind, bool) {
	switch params.(type) {
	case LogEntryParams:
		return KindLogEntry, true
	case SessionParams:
		return KindParkingSession, true
	case BarrierParams:
		return KindBarrierAction, true
	case VehicleParams:
		return KindVehicle, true
	default:
		return "", false
	}
}

func (q *Queue) worker() {
	defer close(q.done)
	q.log.Debug().Msg("worker started")

	for op := range q.jobs {
		payload, err := q.execute(op)
		q.deliver(Result{Handle: op.handle, Kind: op.kind, Payload: payload, Err: err})
	}

	q.log.Debug().Msg("worker drained and stopped")
}

// execute runs one operation with bounded retries on transient storage
// contention. Non-busy errors surface immediately.
func (q *Queue) execute(op operation) (any, error) {
	var payload any
	var err error

	for attempt := 1; attempt <= q.maxRetries; attempt++ {
		payload, err = q.dispatch(op)
		if err == nil || !store.IsBusy(err) {
			return payload, err
		}

		q.log.Warn().
			Str("kind", string(op.kind)).
			Int("attempt", attempt).
			Err(err).
			Msg("storage busy, retrying")

		if attempt == q.maxRetries {
			break
		}
		// Linear backoff, interruptible by shutdown.
		select {
		case <-time.After(time.Duration(attempt) * q.baseDelay):
		case <-q.quit:
			return nil, err
		}
	}
	return nil, err
}

func (q *Queue) dispatch(op operation) (any, error) {
	ctx := context.Background()

	switch p := op.params.(type) {
	case LogEntryParams:
		entry := &model.LogEntry{
			Timestamp:  p.Timestamp,
			Lane:       p.Lane,
			PlateID:    p.PlateID,
			Confidence: p.Confidence,
			Type:       p.Type,
			ImagePath:  p.ImagePath,
		}
		id, err := q.store.AppendLog(ctx, entry)
		if err != nil {
			return nil, err
		}
		return LogEntryResult{LogID: id, ImagePath: p.ImagePath}, nil

	case SessionParams:
		switch p.Action {
		case SessionCreate:
			id, err := q.store.StartSession(ctx, store.SessionStart{
				PlateID:    p.PlateID,
				LotID:      p.LotID,
				Confidence: p.Confidence,
				ImagePath:  p.ImagePath,
			})
			if err != nil {
				return nil, err
			}
			return SessionResult{SessionID: id}, nil
		case SessionUpdate:
			id, err := q.store.EndSession(ctx, store.SessionEnd{
				PlateID:    p.PlateID,
				LotID:      p.LotID,
				Confidence: p.Confidence,
				ImagePath:  p.ImagePath,
			})
			if err != nil {
				return nil, err
			}
			return SessionResult{SessionID: id}, nil
		default:
			return nil, errors.New("unknown session action")
		}

	case BarrierParams:
		id, err := q.store.RecordBarrierAction(ctx, &model.BarrierAction{
			SessionID:   p.SessionID,
			ActionType:  p.ActionType,
			TriggerType: p.TriggerType,
		})
		if err != nil {
			return nil, err
		}
		return BarrierResult{ActionID: id}, nil

	case VehicleParams:
		if err := q.store.UpsertVehicle(ctx, p.PlateID, p.IsBlacklisted); err != nil {
			return nil, err
		}
		return VehicleResult{PlateID: p.PlateID}, nil

	default:
		return nil, errors.New("unsupported operation parameters")
	}
}

// deliver pushes a completion message without ever blocking the worker.
func (q *Queue) deliver(r Result) {
	select {
	case q.results <- r:
	default:
		q.log.Warn().
			Str("handle", string(r.Handle)).
			Msg("results channel full, dropping completion message")
	}
}

// LogEntryResult is the payload for a completed log append.
type LogEntryResult struct {
	LogID     int64
	ImagePath string
}

// SessionResult is the payload for a completed session operation.
type SessionResult struct {
	SessionID int64
}

// BarrierResult is the payload for a completed barrier action.
type BarrierResult struct {
	ActionID int64
}

// VehicleResult is the payload for a completed vehicle upsert.
type VehicleResult struct {
	PlateID string
}
