package store

import (
	"errors"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// ErrNoOpenSession is returned by EndSession when the plate has no
// pending session in the lot. Callers treat it as a reportable no-op.
var ErrNoOpenSession = errors.New("no open parking session")

// busyError wraps a transient storage contention error. The operation
// queue retries these; everything else surfaces immediately.
type busyError struct {
	err error
}

func (e *busyError) Error() string { return "database busy: " + e.err.Error() }
func (e *busyError) Unwrap() error { return e.err }

// classify wraps transient SQLite contention errors so callers can test
// with IsBusy instead of matching message text.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		if se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked {
			return &busyError{err: err}
		}
	}
	return err
}

// IsBusy reports whether err is transient storage contention worth
// retrying.
func IsBusy(err error) bool {
	var be *busyError
	return errors.As(err, &be)
}

// Busy wraps err as transient storage contention. Exposed so Store fakes
// can exercise retry paths.
func Busy(err error) error {
	return &busyError{err: err}
}
