// Package uploader coordinates presigned uploads of video files: it validates the
// credentials issued for each file, keeps one session per file, answers the transfer
// engine's handshake and routes its lifecycle events to the caller's handlers.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gabriel-vasile/mimetype"
	"github.com/vpstream/go-vpuploader/batch"
	"github.com/vpstream/go-vpuploader/chunking"
	"github.com/vpstream/go-vpuploader/config"
	"github.com/vpstream/go-vpuploader/events"
	"github.com/vpstream/go-vpuploader/handshake"
	"github.com/vpstream/go-vpuploader/session"
	"github.com/vpstream/go-vpuploader/transfer"
)

// ErrFileCategoryNotAllowed is returned for files whose MIME type matches none of the allowed categories.
var ErrFileCategoryNotAllowed = errors.New("file category not allowed")

// File is a file submitted for upload.
type File = transfer.Source

// Option customizes an Uploader.
type Option func(*options)

type options struct {
	engineConfig transfer.Config
}

// WithEngineConfig sets the configuration of the transfer engine.
func WithEngineConfig(engineConfig transfer.Config) Option {
	return func(o *options) {
		o.engineConfig = engineConfig
	}
}

// Uploader is the entry point of the package.
type Uploader struct {
	config     config.Config
	logger     log.Logger
	store      *session.Store
	controller *handshake.Controller
	router     *events.Router
	engine     *transfer.Engine
}

// New creates an Uploader with a validated configuration.
func New(cfg config.Config, logger log.Logger, opts ...Option) *Uploader {
	o := options{engineConfig: transfer.DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	logger.EnableDebugLog(cfg.Debug)

	store := session.NewStore()
	u := &Uploader{
		config:     cfg,
		logger:     logger,
		store:      store,
		controller: handshake.NewController(store, logger),
		router:     events.NewRouter(store, logger),
	}
	u.engine = transfer.New(o.engineConfig, protocol{u}, listener{u}, logger)

	return u
}

// Config returns the configuration the Uploader runs with.
func (u *Uploader) Config() config.Config {
	return u.config
}

// RegisterHandlers replaces the caller's handlers. The completion handler finishes multipart uploads.
func (u *Uploader) RegisterHandlers(handlers events.Handlers) {
	u.router.SetHandlers(handlers)
	u.controller.SetCompletionHandler(handlers.OnCompletion)
}

// Upload validates the file and its credentials, then transfers it. Invalid input is rejected
// before any session exists. Upload returns once the file succeeded or failed.
func (u *Uploader) Upload(ctx context.Context, file File, details session.Details) (transfer.File, error) {
	file, multiPart, err := u.validate(file, details)
	if err != nil {
		return transfer.File{}, err
	}

	id := session.NewIdentity(file.Name, file.Blob.Size())
	if err := u.store.Create(session.New(id, details, multiPart)); err != nil {
		return transfer.File{}, err
	}

	if _, err := u.engine.AddFile(id, file); err != nil {
		if _, deleteErr := u.store.Delete(id); deleteErr != nil {
			u.logger.Warnf("Failed to drop session of %s: %s", id, deleteErr)
		}
		return transfer.File{}, err
	}

	uploadErr := u.engine.Upload(ctx, id)

	snapshot, err := u.engine.GetFile(id)
	if err != nil {
		snapshot = transfer.File{ID: id, Name: file.Name, Type: file.Type, Size: file.Blob.Size()}
	}

	return snapshot, uploadErr
}

// UploadMany validates every item, then uploads them concurrently.
func (u *Uploader) UploadMany(ctx context.Context, items []batch.Item, callbacks batch.Callbacks) (batch.Summary, error) {
	return batch.Run(ctx, items, submitter{u}, callbacks, u.logger)
}

// Sessions returns the live upload sessions.
func (u *Uploader) Sessions() []session.Session {
	return u.store.List()
}

// GetFile ...
func (u *Uploader) GetFile(id session.Identity) (transfer.File, error) {
	return u.engine.GetFile(id)
}

// GetFiles ...
func (u *Uploader) GetFiles() []transfer.File {
	return u.engine.GetFiles()
}

// GetFilesByIDs ...
func (u *Uploader) GetFilesByIDs(ids ...session.Identity) []transfer.File {
	return u.engine.GetFilesByIDs(ids...)
}

// GetState ...
func (u *Uploader) GetState() transfer.Overview {
	return u.engine.GetState()
}

// GetFilesGroupedByState ...
func (u *Uploader) GetFilesGroupedByState() map[transfer.State][]transfer.File {
	return u.engine.GetFilesGroupedByState()
}

// RemoveFile aborts and forgets one file. Other files are not affected.
func (u *Uploader) RemoveFile(id session.Identity) error {
	return u.engine.RemoveFile(id)
}

// CancelAll aborts and forgets every file.
func (u *Uploader) CancelAll() {
	u.engine.CancelAll()
}

// RetryUpload uploads a failed file again with the credentials of its session.
func (u *Uploader) RetryUpload(ctx context.Context, id session.Identity) error {
	return u.engine.Retry(ctx, id)
}

// RetryAll retries every failed file.
func (u *Uploader) RetryAll(ctx context.Context) error {
	return u.engine.RetryAll(ctx)
}

func (u *Uploader) validate(file File, details session.Details) (File, bool, error) {
	if file.Blob == nil {
		return file, false, fmt.Errorf("%s: %w", file.Name, transfer.ErrMissingBlob)
	}

	if file.Type == "" {
		detected, err := mimetype.DetectReader(io.NewSectionReader(file.Blob, 0, file.Blob.Size()))
		if err != nil {
			return file, false, fmt.Errorf("detect type of %s: %w", file.Name, err)
		}
		file.Type = detected.String()
		u.logger.Debugf("Detected type of %s: %s", file.Name, file.Type)
	}

	if !u.config.AllowsType(file.Type) {
		return file, false, fmt.Errorf("%s (%s): %w", file.Name, file.Type, ErrFileCategoryNotAllowed)
	}

	multiPart := chunking.DecideMultiPart(file.Blob.Size(), u.config.ChunkSize)
	if err := session.Validate(details, multiPart); err != nil {
		return file, false, fmt.Errorf("%s: %w", file.Name, err)
	}

	return file, multiPart, nil
}

type submitter struct {
	u *Uploader
}

func (s submitter) Validate(item batch.Item) error {
	_, _, err := s.u.validate(item.File, item.Details)
	return err
}

func (s submitter) Submit(ctx context.Context, item batch.Item) error {
	_, err := s.u.Upload(ctx, item.File, item.Details)
	return err
}
