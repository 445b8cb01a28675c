// Package events maps the transfer engine's lifecycle events onto the session store
// and the handlers the caller registered.
package events

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/vpstream/go-vpuploader/session"
)

// ErrHandlerMissing is logged, never returned, when an event has no registered handler.
var ErrHandlerMissing = errors.New("no handler registered")

// SuccessResult describes what happened to a success event. CleanupErr is set when the
// session could not be retired; the report is still delivered.
type SuccessResult struct {
	RequestKey string
	Session    *session.Session
	Delivered  bool
	CleanupErr error
}

// Router owns the terminal transitions of sessions.
type Router struct {
	store  *session.Store
	logger log.Logger

	handlers Handlers
	mu       sync.RWMutex
}

// NewRouter ...
func NewRouter(store *session.Store, logger log.Logger) *Router {
	return &Router{
		store:  store,
		logger: logger,
	}
}

// SetHandlers replaces the registered handlers.
func (r *Router) SetHandlers(handlers Handlers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = handlers
}

// Handlers returns the registered handlers.
func (r *Router) Handlers() Handlers {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers
}

func (r *Router) missing(event string, id session.Identity) {
	r.logger.Warnf("%s for %s event of %s", ErrHandlerMissing, event, id)
}

// Progress forwards a progress report unchanged.
func (r *Router) Progress(p Progress) {
	handler := r.Handlers().OnProgress
	if handler == nil {
		r.logger.Debugf("%s for progress event of %s, dropped", ErrHandlerMissing, p.File)
		return
	}
	handler(p)
}

// Success retires the file's session and reports its request key. The engine's request key
// is reported when the session is already gone.
func (r *Router) Success(id session.Identity, engineRequestKey string) SuccessResult {
	result := SuccessResult{RequestKey: engineRequestKey}

	deleted, err := r.store.Delete(id)
	if err != nil {
		result.CleanupErr = fmt.Errorf("retire session after success: %w", err)
		r.logger.Warnf("Failed to retire session of %s: %s", id, err)
	} else {
		deleted.Status = session.StatusSucceeded
		result.Session = &deleted
		result.RequestKey = deleted.RequestKey
	}

	handler := r.Handlers().OnSuccess
	if handler == nil {
		r.missing("success", id)
		return result
	}
	handler(SuccessReport{RequestKey: result.RequestKey, CleanupErr: result.CleanupErr})
	result.Delivered = true

	return result
}

// Error marks the session failed and reports it. The session is kept so the upload can be retried.
func (r *Router) Error(id session.Identity, cause error, response *Response) {
	report := ErrorReport{
		Err:      cause,
		File:     id,
		Response: response,
	}

	failed, err := r.store.Update(id, session.StatusPatch(session.StatusFailed))
	if err != nil {
		r.logger.Debugf("No session to mark failed for %s: %s", id, err)
	} else {
		report.Session = &failed
	}

	r.logger.Errorf("Upload of %s failed: %s", id.Name, cause)

	handler := r.Handlers().OnError
	if handler == nil {
		r.missing("error", id)
		return
	}
	handler(report)
}

// Removal deletes the file's session and reports the removal.
func (r *Router) Removal(id session.Identity) error {
	_, err := r.store.Delete(id)
	if err != nil {
		err = fmt.Errorf("remove session: %w", err)
	}

	handler := r.Handlers().OnRemoval
	if handler == nil {
		r.missing("removal", id)
		return err
	}
	handler(id)

	return err
}

// CancelAll clears every session and reports how many were dropped.
func (r *Router) CancelAll() int {
	removed := r.store.Clear()
	r.logger.Infof("Cancelled %d upload session(s)", removed)

	handler := r.Handlers().OnCancelAll
	if handler == nil {
		r.logger.Warnf("%s for cancel all event", ErrHandlerMissing)
		return removed
	}
	handler(removed)

	return removed
}
