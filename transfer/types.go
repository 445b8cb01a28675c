// Package transfer is a transfer engine for presigned uploads. It drives the
// begin/sign/finalize handshake of every file, sends the parts in parallel and
// reports the lifecycle of each file to a listener.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/vpstream/go-vpuploader/handshake"
	"github.com/vpstream/go-vpuploader/session"
)

// State is the lifecycle state of a file in the engine.
type State string

const (
	StateAdded     State = "added"
	StateUploading State = "uploading"
	StateComplete  State = "complete"
	StateError     State = "error"
)

var (
	ErrFileNotFound  = errors.New("file not found")
	ErrDuplicateFile = errors.New("file already added")
	ErrInvalidState  = errors.New("invalid file state")
	ErrFileRemoved   = errors.New("file removed")
	ErrETagMissing   = errors.New("no ETag in response")
	ErrMissingBlob   = errors.New("file has no content")
)

// Blob is the content of a file. *bytes.Reader and *os.File based sources satisfy it.
type Blob interface {
	io.ReaderAt
	Size() int64
}

// Source is a file submitted for upload.
type Source struct {
	Name string
	// Type is the MIME type. Empty means unknown.
	Type string
	Blob Blob
}

// File is a snapshot of a file tracked by the engine.
type File struct {
	ID            session.Identity
	Name          string
	Type          string
	Size          int64
	State         State
	BytesUploaded int64
	RequestKey    string
	Err           error

	// CleanupErr is set when a completed file's session could not be retired.
	CleanupErr error
}

// Overview is a snapshot of the whole engine.
type Overview struct {
	Files         []File
	BytesUploaded int64
	BytesTotal    int64
	// Progress is the percentage of bytes uploaded over every file.
	Progress int
}

// Protocol answers the handshake of a file.
type Protocol interface {
	Begin(ctx context.Context, file File) (handshake.BeginResult, error)
	SignPart(ctx context.Context, file File, partNumber int) (handshake.SignedPart, error)
	Finalize(ctx context.Context, file File, req handshake.FinalizeRequest) (handshake.Ack, error)
	ChunkSize(file File) int64
	UseMultipart(file File) bool
}

// Listener receives the lifecycle events of the engine. An error returned by OnSuccess
// is recorded on the completed file as its CleanupErr.
type Listener interface {
	OnProgress(file File, uploaded, total int64)
	OnSuccess(file File, requestKey string) error
	OnError(file File, err error)
	OnRemoval(file File)
	OnCancelAll()
}

// TransferError is returned when the object store rejects a part.
type TransferError struct {
	PartNumber int
	StatusCode int
	Body       string
	Err        error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("part %d: %s", e.PartNumber, e.Err)
	}
	return fmt.Sprintf("part %d: upload failed with status %d: %s", e.PartNumber, e.StatusCode, e.Body)
}

// Unwrap ...
func (e *TransferError) Unwrap() error {
	return e.Err
}
