package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/vpstream/go-vpuploader/session"
)

type entry struct {
	file   File
	blob   Blob
	cancel context.CancelFunc
}

// Engine tracks files and transfers them through a Protocol.
type Engine struct {
	config   Config
	client   *retryablehttp.Client
	logger   log.Logger
	protocol Protocol
	listener Listener
	stats    *Stats
	// inFlight bounds the part transfers of all files together.
	inFlight chan struct{}

	files map[string]*entry
	order []string
	mu    sync.RWMutex
}

// New creates an engine answering its handshake with protocol and reporting to listener.
func New(config Config, protocol Protocol, listener Listener, logger log.Logger) *Engine {
	config = config.withDefaults()

	client := config.HTTPClient
	if client == nil {
		client = retryhttp.NewClient(logger)
	}
	if client.ErrorHandler == nil {
		client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	}

	return &Engine{
		config:   config,
		client:   client,
		logger:   logger,
		protocol: protocol,
		listener: listener,
		stats:    NewStats(),
		inFlight: make(chan struct{}, config.Concurrency),
		files:    map[string]*entry{},
	}
}

// Stats returns the part transfer statistics.
func (e *Engine) Stats() *Stats {
	return e.stats
}

// AddFile registers a file under id. The file is transferred by Upload.
func (e *Engine) AddFile(id session.Identity, src Source) (File, error) {
	if src.Blob == nil {
		return File{}, fmt.Errorf("add %s: %w", src.Name, ErrMissingBlob)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := id.Key()
	if _, ok := e.files[key]; ok {
		return File{}, fmt.Errorf("add %s: %w", id, ErrDuplicateFile)
	}

	ent := &entry{
		file: File{
			ID:    id,
			Name:  src.Name,
			Type:  src.Type,
			Size:  src.Blob.Size(),
			State: StateAdded,
		},
		blob: src.Blob,
	}
	e.files[key] = ent
	e.order = append(e.order, key)

	return ent.file, nil
}

// GetFile ...
func (e *Engine) GetFile(id session.Identity) (File, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ent, ok := e.files[id.Key()]
	if !ok {
		return File{}, fmt.Errorf("%s: %w", id, ErrFileNotFound)
	}
	return ent.file, nil
}

// GetFiles returns every file in the order they were added.
func (e *Engine) GetFiles() []File {
	e.mu.RLock()
	defer e.mu.RUnlock()

	files := make([]File, 0, len(e.order))
	for _, key := range e.order {
		files = append(files, e.files[key].file)
	}
	return files
}

// GetFilesByIDs returns the files of ids that are tracked, in the order of ids.
func (e *Engine) GetFilesByIDs(ids ...session.Identity) []File {
	e.mu.RLock()
	defer e.mu.RUnlock()

	files := make([]File, 0, len(ids))
	for _, id := range ids {
		if ent, ok := e.files[id.Key()]; ok {
			files = append(files, ent.file)
		}
	}
	return files
}

// GetFilesGroupedByState ...
func (e *Engine) GetFilesGroupedByState() map[State][]File {
	grouped := map[State][]File{}
	for _, file := range e.GetFiles() {
		grouped[file.State] = append(grouped[file.State], file)
	}
	return grouped
}

// GetState returns a snapshot of every file and the overall progress.
func (e *Engine) GetState() Overview {
	overview := Overview{Files: e.GetFiles()}
	for _, file := range overview.Files {
		overview.BytesUploaded += file.BytesUploaded
		overview.BytesTotal += file.Size
	}
	if overview.BytesTotal > 0 {
		overview.Progress = int(overview.BytesUploaded * 100 / overview.BytesTotal)
	}
	return overview
}

// RemoveFile forgets a file, aborting its transfer if one is running.
func (e *Engine) RemoveFile(id session.Identity) error {
	key := id.Key()

	e.mu.Lock()
	ent, ok := e.files[key]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("remove %s: %w", id, ErrFileNotFound)
	}
	delete(e.files, key)
	e.order = without(e.order, key)
	cancel, file := ent.cancel, ent.file
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	e.logger.Debugf("Removed %s", id.Name)
	e.listener.OnRemoval(file)

	return nil
}

// CancelAll forgets every file, aborting all running transfers.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	var cancels []context.CancelFunc
	for _, ent := range e.files {
		if ent.cancel != nil {
			cancels = append(cancels, ent.cancel)
		}
	}
	count := len(e.files)
	e.files = map[string]*entry{}
	e.order = nil
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	e.logger.Debugf("Cancelled %d file(s)", count)
	e.listener.OnCancelAll()
}

// Retry transfers a failed file again.
func (e *Engine) Retry(ctx context.Context, id session.Identity) error {
	e.mu.Lock()
	ent, ok := e.files[id.Key()]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("retry %s: %w", id, ErrFileNotFound)
	}
	if ent.file.State != StateError {
		state := ent.file.State
		e.mu.Unlock()
		return fmt.Errorf("retry %s in state %s: %w", id, state, ErrInvalidState)
	}
	ent.file.State = StateAdded
	ent.file.Err = nil
	ent.file.BytesUploaded = 0
	e.mu.Unlock()

	e.logger.Infof("Retrying upload of %s", id.Name)
	return e.Upload(ctx, id)
}

// RetryAll retries every failed file concurrently.
func (e *Engine) RetryAll(ctx context.Context) error {
	failed := e.GetFilesGroupedByState()[StateError]

	errs := make([]error, len(failed))
	var wg sync.WaitGroup
	for i, file := range failed {
		wg.Add(1)
		go func(i int, id session.Identity) {
			defer wg.Done()
			errs[i] = e.Retry(ctx, id)
		}(i, file.ID)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (e *Engine) addProgress(ent *entry, n int64) {
	e.mu.Lock()
	if e.files[ent.file.ID.Key()] != ent {
		e.mu.Unlock()
		return
	}
	ent.file.BytesUploaded += n
	file := ent.file
	e.mu.Unlock()

	e.listener.OnProgress(file, file.BytesUploaded, file.Size)
}

func without(keys []string, key string) []string {
	for i, k := range keys {
		if k == key {
			return append(keys[:i:i], keys[i+1:]...)
		}
	}
	return keys
}
