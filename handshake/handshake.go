// Package handshake answers the protocol callbacks the transfer engine invokes
// for every file: begin the upload, sign each part, finalize the upload.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/vpstream/go-vpuploader/session"
)

// ContentType is sent with every signed part.
const ContentType = "application/octet-stream"

var (
	ErrRequestKeyMissing    = errors.New("request key not set, ensure initialization is complete before uploading")
	ErrUploadIDMissing      = errors.New("upload id not set, ensure initialization is complete before uploading")
	ErrPresignedURLsMissing = errors.New("presigned urls are missing")
	ErrPartIndexOutOfRange  = errors.New("part index out of range")
	ErrCompletionFailed     = errors.New("completion handler failed")
)

// PartIndexOutOfRangeError is returned when a part number has no presigned URL.
type PartIndexOutOfRangeError struct {
	PartNumber int
	URLCount   int
}

func (e *PartIndexOutOfRangeError) Error() string {
	return fmt.Sprintf("%s: part %d requested, %d presigned urls available", ErrPartIndexOutOfRange, e.PartNumber, e.URLCount)
}

// Unwrap ...
func (e *PartIndexOutOfRangeError) Unwrap() error {
	return ErrPartIndexOutOfRange
}

// BeginResult identifies the upload the engine transfers into.
type BeginResult struct {
	UploadID   string
	RequestKey string
}

// SignedPart is where and how to send one part.
type SignedPart struct {
	URL     string
	Headers map[string]string
}

// ReportedPart is a part as the object store reported it.
type ReportedPart struct {
	ETag       string
	PartNumber int
}

// FinalizeRequest is sent by the engine once every part is transferred.
type FinalizeRequest struct {
	UploadID   string
	RequestKey string
	Parts      []ReportedPart
}

// CompletedPart is a part with its ETag unquoted.
type CompletedPart struct {
	ETag       string `json:"eTag"`
	PartNumber int    `json:"partNumber"`
}

// Completion is handed to the completion handler of a multi-part upload.
type Completion struct {
	RequestKey string          `json:"requestKey"`
	UploadID   string          `json:"uploadId,omitempty"`
	Parts      []CompletedPart `json:"parts"`
}

// Ack is the empty acknowledgment the protocol expects from finalize.
type Ack struct{}

// CompletionHandler finishes a multi-part upload on the caller's side, e.g. by asking the broker
// or the object store to assemble the parts.
type CompletionHandler func(ctx context.Context, completion Completion) error

// Controller implements the handshake against the session store. It never creates sessions.
type Controller struct {
	store  *session.Store
	logger log.Logger

	onCompletion CompletionHandler
	mu           sync.RWMutex
}

// NewController ...
func NewController(store *session.Store, logger log.Logger) *Controller {
	return &Controller{
		store:  store,
		logger: logger,
	}
}

// SetCompletionHandler replaces the handler invoked by Finalize. Nil unregisters it.
func (c *Controller) SetCompletionHandler(handler CompletionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCompletion = handler
}

func (c *Controller) completionHandler() CompletionHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.onCompletion
}

// Begin checks the session can be transferred and marks it active.
func (c *Controller) Begin(ctx context.Context, id session.Identity) (BeginResult, error) {
	if err := ctx.Err(); err != nil {
		return BeginResult{}, err
	}

	sess, err := c.store.Get(id)
	if err != nil {
		return BeginResult{}, fmt.Errorf("begin: %w", err)
	}

	if sess.RequestKey == "" {
		return BeginResult{}, fmt.Errorf("begin %s: %w", id, ErrRequestKeyMissing)
	}
	if sess.IsMultiPart && sess.UploadID == "" {
		return BeginResult{}, fmt.Errorf("begin %s: %w", id, ErrUploadIDMissing)
	}

	if _, err := c.store.Update(id, session.StatusPatch(session.StatusActive)); err != nil {
		return BeginResult{}, fmt.Errorf("begin: %w", err)
	}

	c.logger.Debugf("Upload started for %s (request key: %s, multipart: %t)", id.Name, sess.RequestKey, sess.IsMultiPart)

	return BeginResult{UploadID: sess.UploadID, RequestKey: sess.RequestKey}, nil
}

// SignPart resolves the presigned URL of a part. Single-part sessions answer every part with their only URL.
func (c *Controller) SignPart(ctx context.Context, id session.Identity, partNumber int) (SignedPart, error) {
	if err := ctx.Err(); err != nil {
		return SignedPart{}, err
	}

	sess, err := c.store.Get(id)
	if err != nil {
		return SignedPart{}, fmt.Errorf("sign part %d: %w", partNumber, err)
	}

	if len(sess.PresignedURLs) == 0 {
		return SignedPart{}, fmt.Errorf("sign part %d of %s: %w", partNumber, id, ErrPresignedURLsMissing)
	}

	index := 0
	if sess.IsMultiPart {
		index = partNumber - 1
	}
	if index < 0 || index >= len(sess.PresignedURLs) {
		return SignedPart{}, &PartIndexOutOfRangeError{PartNumber: partNumber, URLCount: len(sess.PresignedURLs)}
	}

	return SignedPart{
		URL:     sess.PresignedURLs[index],
		Headers: map[string]string{"Content-Type": ContentType},
	}, nil
}

// Finalize hands the transferred parts of a multi-part upload to the completion handler.
// Single-part uploads have nothing to finalize.
func (c *Controller) Finalize(ctx context.Context, id session.Identity, req FinalizeRequest) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}

	sess, err := c.store.Get(id)
	if err != nil {
		return Ack{}, fmt.Errorf("finalize: %w", err)
	}

	if !sess.IsMultiPart {
		c.logger.Debugf("Single part upload of %s, nothing to finalize", id.Name)
		return Ack{}, nil
	}

	handler := c.completionHandler()
	if handler == nil {
		c.logger.Warnf("No completion handler registered, multipart upload of %s is not finalized", id.Name)
		return Ack{}, nil
	}

	completion := Completion{
		RequestKey: req.RequestKey,
		UploadID:   req.UploadID,
		Parts:      CompletedParts(req.Parts),
	}
	if completion.RequestKey == "" {
		completion.RequestKey = sess.RequestKey
	}
	if completion.UploadID == "" {
		completion.UploadID = sess.UploadID
	}

	if err := handler(ctx, completion); err != nil {
		return Ack{}, fmt.Errorf("%w for %s: %w", ErrCompletionFailed, completion.RequestKey, err)
	}

	c.logger.Debugf("Multipart upload of %s finalized with %d parts", id.Name, len(completion.Parts))
	return Ack{}, nil
}

// RecordProgress stores the progress the engine reported for a session.
func (c *Controller) RecordProgress(id session.Identity, uploaded, total int64) error {
	_, err := c.store.Update(id, session.ProgressPatch(uploaded, total))
	return err
}

// CompletedParts unquotes the ETags of the reported parts, keeping their order.
func CompletedParts(parts []ReportedPart) []CompletedPart {
	completed := make([]CompletedPart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, CompletedPart{
			ETag:       strings.Trim(part.ETag, `"`),
			PartNumber: part.PartNumber,
		})
	}
	return completed
}
