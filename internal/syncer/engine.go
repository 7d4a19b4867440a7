package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"parking-kiosk/internal/apiclient"
	"parking-kiosk/internal/auth"
	"parking-kiosk/config"
	"parking-kiosk/internal/imagestore"
	"parking-kiosk/internal/model"
	"parking-kiosk/internal/store"
)

// Scope selects what a sync request covers.
type Scope int

const (
	ScopeAll Scope = iota
	ScopeLogs
	ScopeBlacklist
)

func (s Scope) String() string {
	switch s {
	case ScopeLogs:
		return "logs"
	case ScopeBlacklist:
		return "blacklist"
	default:
		return "all"
	}
}

// EventKind classifies engine events.
type EventKind int

const (
	// EventProgress is emitted after each successfully uploaded entry.
	EventProgress EventKind = iota
	// EventCompleted marks the end of a cycle, successful or not.
	EventCompleted
)

// Event reports sync progress to interested consumers.
type Event struct {
	Kind      EventKind
	Scope     Scope
	Sent      int
	Remaining int64
	Err       error
	At        time.Time
}

// ErrPaused is reported when a cycle stops early because the engine was
// paused mid-batch.
var ErrPaused = errors.New("sync paused")

// Engine drains unsynced local data to the backend. It never runs on a
// timer of its own: callers request a sync and the engine coalesces
// requests that arrive while a cycle is running into a single follow-up
// cycle.
type Engine struct {
	st     store.Store
	client *apiclient.Client
	auth   *auth.State
	images *imagestore.Store
	cfg    config.SyncConfig
	lotID  int64
	log    zerolog.Logger

	// mailbox of pending requests, coalesced by scope
	mu      sync.Mutex
	wantAll bool
	wantLog bool
	wantBL  bool
	paused  bool

	// cycleMu serializes cycles between the Run loop and direct
	// SyncOnce callers (startup and shutdown syncs).
	cycleMu sync.Mutex

	// gate, when set, holds requests in the mailbox while the backend is
	// known unreachable. Must be installed before Run starts.
	gate func() bool

	events chan Event
}

// UseGate installs a readiness check consulted by the run loop before a
// cycle starts. Requests stay queued while it returns false. Direct
// SyncOnce callers are not gated.
func (e *Engine) UseGate(f func() bool) {
	e.gate = f
}

// New creates a sync engine. Call Run to start the request loop.
func New(st store.Store, client *apiclient.Client, authState *auth.State,
	images *imagestore.Store, cfg config.SyncConfig, lotID int64, logger zerolog.Logger) *Engine {
	return &Engine{
		st:     st,
		client: client,
		auth:   authState,
		images: images,
		cfg:    cfg,
		lotID:  lotID,
		log:    logger.With().Str("component", "syncer").Logger(),
		events: make(chan Event, 32),
	}
}

// Events returns the engine's event channel. Slow consumers lose events
// rather than stalling a cycle.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// RequestSync queues a sync request. Requests made while a cycle runs
// are folded into at most one follow-up cycle per scope.
func (e *Engine) RequestSync(scope Scope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch scope {
	case ScopeLogs:
		e.wantLog = true
	case ScopeBlacklist:
		e.wantBL = true
	default:
		e.wantAll = true
	}
}

// Pause stops uploading at the next entry boundary. Requests made while
// paused stay queued and run on Resume.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.log.Info().Msg("sync paused")
}

// Resume lifts a pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.log.Info().Msg("sync resumed")
}

// Paused reports whether the engine is paused.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// PendingCount returns how many log entries still await upload.
func (e *Engine) PendingCount(ctx context.Context) (int64, error) {
	return e.st.PendingLogCount(ctx)
}

// Run polls the request mailbox until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	interval := time.Duration(e.cfg.PollIntervalMS) * time.Millisecond
	t := time.NewTicker(interval)
	defer t.Stop()

	e.log.Info().Msg("sync engine started")
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("sync engine stopped")
			return
		case <-t.C:
		}

		if e.gate != nil && !e.gate() {
			continue
		}
		scope, ok := e.takeRequest()
		if !ok {
			continue
		}
		e.SyncOnce(ctx, scope)
	}
}

// takeRequest drains the mailbox into a single scope. Returns false
// when nothing is queued or the engine is paused.
func (e *Engine) takeRequest() (Scope, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return 0, false
	}
	switch {
	case e.wantAll || (e.wantLog && e.wantBL):
		e.wantAll, e.wantLog, e.wantBL = false, false, false
		return ScopeAll, true
	case e.wantLog:
		e.wantLog = false
		return ScopeLogs, true
	case e.wantBL:
		e.wantBL = false
		return ScopeBlacklist, true
	}
	return 0, false
}

// SyncOnce runs one full cycle for the given scope and returns how many
// log entries were uploaded. Exposed for the startup and shutdown syncs
// which must run to completion rather than through the mailbox.
func (e *Engine) SyncOnce(ctx context.Context, scope Scope) (int, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	// no scope proceeds with a token we cannot trust
	if err := e.auth.EnsureFresh(ctx); err != nil {
		e.log.Warn().Err(err).Msg("sync aborted, no valid token")
		e.complete(ctx, scope, 0, err)
		return 0, err
	}

	var sent int
	var firstErr error

	if scope == ScopeAll || scope == ScopeBlacklist {
		if err := e.pullBlacklist(ctx); err != nil {
			e.log.Warn().Err(err).Msg("blacklist pull failed")
			firstErr = err
		}
	}

	if scope == ScopeAll || scope == ScopeLogs {
		n, err := e.pushLogs(ctx)
		sent = n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	e.complete(ctx, scope, sent, firstErr)
	return sent, firstErr
}

// pullBlacklist replaces the local blacklist flags with the server's
// authoritative list. Independent of the log drain: a failed pull never
// blocks uploads.
func (e *Engine) pullBlacklist(ctx context.Context) error {
	hdr, err := e.auth.AuthHeader()
	if err != nil {
		return err
	}
	entries, err := e.client.Blacklist(ctx, hdr)
	if err != nil {
		if errors.Is(err, apiclient.ErrUnauthorized) {
			e.auth.Invalidate()
		}
		return err
	}
	if err := e.st.UpdateBlacklist(ctx, entries); err != nil {
		return err
	}
	e.log.Info().Int("entries", len(entries)).Msg("blacklist updated")
	return nil
}

// pushLogs drains unsynced log entries oldest first, one bounded batch
// at a time, and marks each entry synced as its upload is acknowledged.
// A single rejected entry does not stop the drain; an authentication
// failure does, because every remaining upload would fail the same way.
func (e *Engine) pushLogs(ctx context.Context) (int, error) {
	sent := 0
	for {
		if e.Paused() {
			e.RequestSync(ScopeLogs) // resume picks up where we left off
			return sent, ErrPaused
		}
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		batch, err := e.st.UnsyncedLogs(ctx, e.cfg.BatchSize)
		if err != nil {
			return sent, err
		}
		if len(batch) == 0 {
			break
		}

		// advanced counts rows that will not reappear in the next fetch,
		// whether uploaded or tombstoned
		advanced := 0
		for i := range batch {
			if e.Paused() {
				e.RequestSync(ScopeLogs)
				return sent, ErrPaused
			}

			ok, err := e.pushOne(ctx, &batch[i])
			if err != nil {
				if errors.Is(err, apiclient.ErrUnauthorized) {
					e.auth.Invalidate()
					e.log.Warn().Msg("upload rejected as unauthorized, aborting batch")
					return sent, err
				}
				if errors.Is(err, apiclient.ErrUnreachable) || errors.Is(err, context.Canceled) ||
					errors.Is(err, context.DeadlineExceeded) {
					return sent, err
				}
				// rejected entry; move on to the next one
				e.log.Warn().Int64("log_id", batch[i].ID).Err(err).Msg("entry rejected, skipping")
				continue
			}
			advanced++
			if ok {
				sent++
				e.progress(ctx, sent)
			}
		}

		if len(batch) < e.cfg.BatchSize {
			break
		}
		// a full batch where every row was rejected would otherwise be
		// refetched forever
		if advanced == 0 {
			break
		}
	}

	if sent > 0 {
		if err := e.st.TouchSyncTime(ctx, "log_entries"); err != nil {
			e.log.Warn().Err(err).Msg("could not record sync time")
		}
	}
	return sent, nil
}

// pushOne uploads a single entry. Returns (false, nil) when the entry
// was tombstoned locally instead of uploaded.
func (e *Engine) pushOne(ctx context.Context, entry *model.LogEntry) (bool, error) {
	if entry.PlateID == "" {
		// cannot build a guard event without a plate; mark it so it
		// stops clogging the drain
		e.log.Warn().Int64("log_id", entry.ID).Msg("entry has no plate, marking synced")
		return false, e.st.MarkLogSynced(ctx, entry.ID)
	}

	hdr, err := e.auth.AuthHeader()
	if err != nil {
		return false, apiclient.ErrUnauthorized
	}

	_, err = e.client.SubmitGuardEvent(ctx, hdr, apiclient.GuardEvent{
		PlateID:   entry.PlateID,
		LotID:     e.lotID,
		Lane:      entry.Lane,
		Type:      entry.Type,
		Timestamp: entry.Timestamp,
		ImagePath: entry.ImagePath,
	})
	if err != nil {
		return false, err
	}

	if err := e.st.MarkLogSynced(ctx, entry.ID); err != nil {
		return false, err
	}
	if entry.ImagePath != "" {
		if err := e.images.Remove(entry.ImagePath); err != nil {
			e.log.Warn().Str("image", entry.ImagePath).Err(err).Msg("could not remove uploaded image")
		}
	}
	return true, nil
}

func (e *Engine) progress(ctx context.Context, sent int) {
	remaining, err := e.st.PendingLogCount(ctx)
	if err != nil {
		remaining = -1
	}
	e.emit(Event{Kind: EventProgress, Scope: ScopeLogs, Sent: sent, Remaining: remaining, At: time.Now()})
}

func (e *Engine) complete(ctx context.Context, scope Scope, sent int, err error) {
	remaining, cerr := e.st.PendingLogCount(ctx)
	if cerr != nil {
		remaining = -1
	}
	e.emit(Event{Kind: EventCompleted, Scope: scope, Sent: sent, Remaining: remaining, Err: err, At: time.Now()})

	evt := e.log.Info()
	if err != nil {
		evt = e.log.Warn().Err(err)
	}
	evt.Stringer("scope", scope).Int("sent", sent).Int64("remaining", remaining).Msg("sync cycle finished")
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}
