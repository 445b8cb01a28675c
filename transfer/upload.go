package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/vpstream/go-vpuploader/chunking"
	"github.com/vpstream/go-vpuploader/handshake"
	"github.com/vpstream/go-vpuploader/session"
)

type partResult struct {
	part chunking.Part
	etag string
	err  error
}

// Upload transfers an added file and blocks until it succeeded, failed or was removed.
// The outcome is also reported to the listener, except for removed files.
func (e *Engine) Upload(ctx context.Context, id session.Identity) error {
	key := id.Key()

	e.mu.Lock()
	ent, ok := e.files[key]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("upload %s: %w", id, ErrFileNotFound)
	}
	if ent.file.State != StateAdded {
		state := ent.file.State
		e.mu.Unlock()
		return fmt.Errorf("upload %s in state %s: %w", id, state, ErrInvalidState)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ent.cancel = cancel
	ent.file.State = StateUploading
	file := ent.file
	e.mu.Unlock()

	start := time.Now()
	requestKey, err := e.transfer(ctx, ent, file)

	e.mu.Lock()
	if e.files[key] != ent {
		e.mu.Unlock()
		e.logger.Debugf("Upload of %s stopped, file was removed", id.Name)
		return fmt.Errorf("upload %s: %w", id, ErrFileRemoved)
	}
	ent.cancel = nil
	if err != nil {
		ent.file.State = StateError
		ent.file.Err = err
	} else {
		ent.file.State = StateComplete
		ent.file.RequestKey = requestKey
		ent.file.BytesUploaded = ent.file.Size
	}
	file = ent.file
	e.mu.Unlock()

	if err != nil {
		e.listener.OnError(file, err)
		return fmt.Errorf("upload %s: %w", id, err)
	}

	e.logger.Donef("Uploaded %s (%s) in %s", file.Name, units.HumanSize(float64(file.Size)), time.Since(start).Round(time.Millisecond))
	if cleanupErr := e.listener.OnSuccess(file, requestKey); cleanupErr != nil {
		e.mu.Lock()
		if e.files[key] == ent {
			ent.file.CleanupErr = cleanupErr
		}
		e.mu.Unlock()
	}

	return nil
}

func (e *Engine) transfer(ctx context.Context, ent *entry, file File) (string, error) {
	begin, err := e.protocol.Begin(ctx, file)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}

	parts := chunking.Layout(file.Size, e.protocol.ChunkSize(file), e.protocol.UseMultipart(file))
	e.logger.Infof("Uploading %s (%s) in %d part(s)", file.Name, units.HumanSize(float64(file.Size)), len(parts))

	etags, err := e.uploadParts(ctx, ent, file, parts)
	if err != nil {
		return "", err
	}

	reported := make([]handshake.ReportedPart, len(parts))
	for i, part := range parts {
		reported[i] = handshake.ReportedPart{ETag: etags[i], PartNumber: part.Number}
	}

	_, err = e.protocol.Finalize(ctx, file, handshake.FinalizeRequest{
		UploadID:   begin.UploadID,
		RequestKey: begin.RequestKey,
		Parts:      reported,
	})
	if err != nil {
		return "", fmt.Errorf("finalize: %w", err)
	}

	return begin.RequestKey, nil
}

// uploadParts sends the parts in parallel and returns their ETags in part order.
func (e *Engine) uploadParts(ctx context.Context, ent *entry, file File, parts []chunking.Part) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultChan := make(chan partResult, len(parts))

	for _, part := range parts {
		go func(part chunking.Part) {
			select {
			case e.inFlight <- struct{}{}:
			case <-ctx.Done():
				resultChan <- partResult{part: part, err: fmt.Errorf("part %d upload cancelled: %w", part.Number, ctx.Err())}
				return
			}
			defer func() { <-e.inFlight }()

			etag, err := e.uploadPartWithRetry(ctx, ent, file, part, len(parts))
			resultChan <- partResult{part: part, etag: etag, err: err}
		}(part)
	}

	etags := make([]string, len(parts))
	for completed := 0; completed < len(parts); completed++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("upload cancelled while waiting for parts: %w", ctx.Err())
		case result := <-resultChan:
			if result.err != nil {
				return nil, result.err
			}
			etags[result.part.Number-1] = result.etag
		}
	}

	return etags, nil
}

func (e *Engine) uploadPartWithRetry(ctx context.Context, ent *entry, file File, part chunking.Part, totalParts int) (string, error) {
	var uploadErr error

	for attempt := 0; attempt < e.config.MaxAttemptsPerPart; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("part %d upload cancelled: %w", part.Number, err)
		}

		signed, err := e.protocol.SignPart(ctx, file, part.Number)
		if err != nil {
			return "", fmt.Errorf("sign part %d: %w", part.Number, err)
		}

		e.logger.Debugf("Uploading part %d/%d of %s (attempt %d/%d) [finished=%d] [throughput=%s/s]",
			part.Number, totalParts, file.Name, attempt+1, e.config.MaxAttemptsPerPart,
			e.stats.FinishedCount(), units.HumanSize(e.stats.Throughput()))

		start := time.Now()
		partCtx, cancelPart := context.WithCancel(ctx)
		var hung atomic.Bool

		if attempt < e.config.MaxAttemptsPerPart-1 && e.config.HungThreshold > 0 {
			go e.detectHungUpload(partCtx, cancelPart, &hung, start, part)
		}

		var etag string
		etag, uploadErr = e.uploadPart(partCtx, signed, ent.blob, part)
		cancelPart()

		if uploadErr == nil {
			took := time.Since(start)
			e.stats.Record(part.Size, took)
			e.logger.Debugf("Part %d of %s uploaded in %v, ETag: %s", part.Number, file.Name, took.Round(time.Millisecond), etag)
			e.addProgress(ent, part.Size)
			return etag, nil
		}

		if ctx.Err() != nil {
			return "", fmt.Errorf("part %d upload cancelled: %w", part.Number, ctx.Err())
		}
		if !hung.Load() {
			return "", uploadErr
		}

		backoff := time.Duration((attempt+1)*2) * time.Second
		e.logger.Warnf("Part %d of %s attempt %d cancelled (hung), retrying after %v", part.Number, file.Name, attempt+1, backoff)
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("part %d upload cancelled: %w", part.Number, ctx.Err())
		case <-time.After(backoff):
		}
	}

	return "", uploadErr
}

func (e *Engine) detectHungUpload(ctx context.Context, cancel context.CancelFunc, hung *atomic.Bool, start time.Time, part chunking.Part) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expected, ok := e.stats.Expected(part.Size); ok {
				elapsed := time.Since(start)
				if elapsed-expected > e.config.HungThreshold {
					e.logger.Warnf("Found hung part upload (part %d); canceling request after %s (expected: %s)",
						part.Number, elapsed.Round(time.Second), expected.Round(time.Second))
					hung.Store(true)
					cancel()
					return
				}
			}
		}
	}
}

func (e *Engine) uploadPart(ctx context.Context, signed handshake.SignedPart, blob Blob, part chunking.Part) (string, error) {
	data := make([]byte, part.Size)
	n, err := blob.ReadAt(data, part.Offset)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == part.Size) {
		return "", fmt.Errorf("read part %d: %w", part.Number, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, signed.URL, data)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	for k, v := range signed.Headers {
		req.Header.Set(k, v)
	}

	// Add Content-Length header manually because retryablehttp doesn't do it automatically
	req.Header.Set("Content-Length", fmt.Sprintf("%d", part.Size))
	req.ContentLength = part.Size

	resp, err := e.client.Do(req)
	if err != nil {
		return "", &TransferError{PartNumber: part.Number, Err: err}
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			e.logger.Warnf("Failed to close response body: %s", err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody := make([]byte, 1024)
		n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
		return "", &TransferError{PartNumber: part.Number, StatusCode: resp.StatusCode, Body: string(errorBody[:n])}
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", &TransferError{PartNumber: part.Number, StatusCode: resp.StatusCode, Err: ErrETagMissing}
	}

	return etag, nil
}
