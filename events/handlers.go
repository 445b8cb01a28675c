package events

import (
	"context"

	"github.com/vpstream/go-vpuploader/handshake"
	"github.com/vpstream/go-vpuploader/session"
)

// Progress is the engine's progress report for one file, forwarded as received.
type Progress struct {
	File          session.Identity
	BytesUploaded int64
	BytesTotal    int64
}

// Percentage ...
func (p Progress) Percentage() float64 {
	if p.BytesTotal <= 0 {
		return 0
	}
	return float64(p.BytesUploaded) / float64(p.BytesTotal) * 100
}

// SuccessReport is delivered once a file is fully transferred. CleanupErr is set when
// the session could not be retired afterwards.
type SuccessReport struct {
	RequestKey string
	CleanupErr error
}

// Response is the HTTP response the engine received along with an error, if any.
type Response struct {
	StatusCode int
	Body       string
}

// ErrorReport is delivered when the engine gives up on a file. Session is nil when
// the session was already gone.
type ErrorReport struct {
	Err      error
	Session  *session.Session
	File     session.Identity
	Response *Response
}

// Handlers is the set of caller callbacks. Every slot is optional.
type Handlers struct {
	OnProgress   func(Progress)
	OnSuccess    func(SuccessReport)
	OnError      func(ErrorReport)
	OnCompletion handshake.CompletionHandler
	OnRemoval    func(session.Identity)
	OnCancelAll  func(removed int)
}

// Chain merges handler sets: each event is delivered to every non-nil slot in order.
// A completion is aborted by the first handler that fails.
func Chain(sets ...Handlers) Handlers {
	var chained Handlers

	var progress []func(Progress)
	var success []func(SuccessReport)
	var failure []func(ErrorReport)
	var completion []handshake.CompletionHandler
	var removal []func(session.Identity)
	var cancelAll []func(int)

	for _, h := range sets {
		if h.OnProgress != nil {
			progress = append(progress, h.OnProgress)
		}
		if h.OnSuccess != nil {
			success = append(success, h.OnSuccess)
		}
		if h.OnError != nil {
			failure = append(failure, h.OnError)
		}
		if h.OnCompletion != nil {
			completion = append(completion, h.OnCompletion)
		}
		if h.OnRemoval != nil {
			removal = append(removal, h.OnRemoval)
		}
		if h.OnCancelAll != nil {
			cancelAll = append(cancelAll, h.OnCancelAll)
		}
	}

	if len(progress) > 0 {
		chained.OnProgress = func(p Progress) {
			for _, fn := range progress {
				fn(p)
			}
		}
	}
	if len(success) > 0 {
		chained.OnSuccess = func(r SuccessReport) {
			for _, fn := range success {
				fn(r)
			}
		}
	}
	if len(failure) > 0 {
		chained.OnError = func(r ErrorReport) {
			for _, fn := range failure {
				fn(r)
			}
		}
	}
	if len(completion) > 0 {
		chained.OnCompletion = func(ctx context.Context, c handshake.Completion) error {
			for _, fn := range completion {
				if err := fn(ctx, c); err != nil {
					return err
				}
			}
			return nil
		}
	}
	if len(removal) > 0 {
		chained.OnRemoval = func(id session.Identity) {
			for _, fn := range removal {
				fn(id)
			}
		}
	}
	if len(cancelAll) > 0 {
		chained.OnCancelAll = func(n int) {
			for _, fn := range cancelAll {
				fn(n)
			}
		}
	}

	return chained
}
