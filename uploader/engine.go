package uploader

import (
	"context"
	"errors"

	"github.com/vpstream/go-vpuploader/chunking"
	"github.com/vpstream/go-vpuploader/events"
	"github.com/vpstream/go-vpuploader/handshake"
	"github.com/vpstream/go-vpuploader/transfer"
)

// protocol answers the engine's handshake through the controller.
type protocol struct {
	u *Uploader
}

func (p protocol) Begin(ctx context.Context, file transfer.File) (handshake.BeginResult, error) {
	return p.u.controller.Begin(ctx, file.ID)
}

func (p protocol) SignPart(ctx context.Context, file transfer.File, partNumber int) (handshake.SignedPart, error) {
	return p.u.controller.SignPart(ctx, file.ID, partNumber)
}

func (p protocol) Finalize(ctx context.Context, file transfer.File, req handshake.FinalizeRequest) (handshake.Ack, error) {
	return p.u.controller.Finalize(ctx, file.ID, req)
}

func (p protocol) ChunkSize(transfer.File) int64 {
	return p.u.config.ChunkSize
}

// UseMultipart returns the decision taken when the session was created.
func (p protocol) UseMultipart(file transfer.File) bool {
	sess, err := p.u.store.Get(file.ID)
	if err != nil {
		return chunking.DecideMultiPart(file.Size, p.u.config.ChunkSize)
	}
	return sess.IsMultiPart
}

// listener feeds the engine's lifecycle events to the router.
type listener struct {
	u *Uploader
}

func (l listener) OnProgress(file transfer.File, uploaded, total int64) {
	if err := l.u.controller.RecordProgress(file.ID, uploaded, total); err != nil {
		l.u.logger.Debugf("Progress of %s not recorded: %s", file.ID, err)
	}
	l.u.router.Progress(events.Progress{File: file.ID, BytesUploaded: uploaded, BytesTotal: total})
}

func (l listener) OnSuccess(file transfer.File, requestKey string) error {
	result := l.u.router.Success(file.ID, requestKey)
	if !result.Delivered {
		l.u.logger.Debugf("Upload of %s succeeded (request key: %s)", file.Name, result.RequestKey)
	}
	return result.CleanupErr
}

func (l listener) OnError(file transfer.File, err error) {
	var response *events.Response
	var transferErr *transfer.TransferError
	if errors.As(err, &transferErr) && transferErr.StatusCode != 0 {
		response = &events.Response{StatusCode: transferErr.StatusCode, Body: transferErr.Body}
	}
	l.u.router.Error(file.ID, err, response)
}

func (l listener) OnRemoval(file transfer.File) {
	if err := l.u.router.Removal(file.ID); err != nil {
		l.u.logger.Debugf("Removed %s without a session: %s", file.Name, err)
	}
}

func (l listener) OnCancelAll() {
	l.u.router.CancelAll()
}
