package analytics

import (
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/vpstream/go-vpuploader/events"
	"github.com/vpstream/go-vpuploader/session"
)

type TrackerFactory func(...analytics.Properties) analytics.Tracker

const (
	UploadRunIDEnvKey = "VPUPLOAD_RUN_ID"
	UploadRunID       = "upload_run_id"
	ClientEnvKey      = "VPUPLOAD_CLIENT"
	Client            = "client"
)

const (
	eventUploadSucceeded  = "upload_succeeded"
	eventUploadFailed     = "upload_failed"
	eventUploadRemoved    = "upload_removed"
	eventUploadsCancelled = "uploads_cancelled"
)

// UploadTracker reports the upload lifecycle as analytics events.
type UploadTracker struct {
	tracker analytics.Tracker
	runID   string
}

// NewUploadTracker creates a tracker whose events carry the run ID from the environment,
// or a generated one.
func NewUploadTracker(repository env.Repository, trackerFactory TrackerFactory) *UploadTracker {
	runID := repository.Get(UploadRunIDEnvKey)
	if runID == "" {
		runID = uuid.NewString()
	}

	p := analytics.Properties{UploadRunID: runID}
	if client := repository.Get(ClientEnvKey); client != "" {
		p[Client] = client
	}

	return &UploadTracker{
		tracker: trackerFactory(p),
		runID:   runID,
	}
}

// NewDefaultUploadTracker ...
func NewDefaultUploadTracker(repository env.Repository, logger log.Logger) *UploadTracker {
	return NewUploadTracker(repository, func(p ...analytics.Properties) analytics.Tracker {
		return analytics.NewDefaultTracker(logger, p...)
	})
}

// RunID ...
func (t *UploadTracker) RunID() string {
	return t.runID
}

// Handlers returns event handlers that enqueue an analytics event per lifecycle event.
// Combine them with the caller's handlers using events.Chain.
func (t *UploadTracker) Handlers() events.Handlers {
	return events.Handlers{
		OnSuccess: func(report events.SuccessReport) {
			t.tracker.Enqueue(eventUploadSucceeded, analytics.Properties{
				"request_key": report.RequestKey,
			})
		},
		OnError: func(report events.ErrorReport) {
			p := analytics.Properties{
				"file_name": report.File.Name,
				"file_size": report.File.Size,
				"error":     report.Err.Error(),
			}
			if report.Response != nil {
				p["status_code"] = report.Response.StatusCode
			}
			if report.Session != nil {
				p["multipart"] = report.Session.IsMultiPart
				p["bytes_uploaded"] = report.Session.BytesUploaded
			}
			t.tracker.Enqueue(eventUploadFailed, p)
		},
		OnRemoval: func(id session.Identity) {
			t.tracker.Enqueue(eventUploadRemoved, analytics.Properties{
				"file_name": id.Name,
				"file_size": id.Size,
			})
		},
		OnCancelAll: func(removed int) {
			t.tracker.Enqueue(eventUploadsCancelled, analytics.Properties{
				"count": removed,
			})
		},
	}
}

// Wait blocks until the queued events are sent.
func (t *UploadTracker) Wait() {
	t.tracker.Wait()
}
