package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vpstream/go-vpuploader/chunking"
	"github.com/vpstream/go-vpuploader/handshake"
	"github.com/vpstream/go-vpuploader/internal"
	"github.com/vpstream/go-vpuploader/session"
)

type fakeProtocol struct {
	serverURL string
	chunkSize int64
	beginErr  error

	mu        sync.Mutex
	finalized []handshake.FinalizeRequest
}

func (p *fakeProtocol) Begin(_ context.Context, file File) (handshake.BeginResult, error) {
	if p.beginErr != nil {
		return handshake.BeginResult{}, p.beginErr
	}
	return handshake.BeginResult{UploadID: "upload-1", RequestKey: "videos/" + file.Name}, nil
}

func (p *fakeProtocol) SignPart(_ context.Context, _ File, partNumber int) (handshake.SignedPart, error) {
	return handshake.SignedPart{
		URL:     fmt.Sprintf("%s/part/%d", p.serverURL, partNumber),
		Headers: map[string]string{"Content-Type": handshake.ContentType},
	}, nil
}

func (p *fakeProtocol) Finalize(_ context.Context, _ File, req handshake.FinalizeRequest) (handshake.Ack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finalized = append(p.finalized, req)
	return handshake.Ack{}, nil
}

func (p *fakeProtocol) ChunkSize(File) int64 {
	return p.chunkSize
}

func (p *fakeProtocol) UseMultipart(file File) bool {
	return chunking.DecideMultiPart(file.Size, p.chunkSize)
}

type recordingListener struct {
	mu        sync.Mutex
	progress  []int64
	successes []string
	failures  []error
	removed   []string
	cancelled int

	cleanupErr error
}

func (l *recordingListener) OnProgress(_ File, uploaded, _ int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.progress = append(l.progress, uploaded)
}

func (l *recordingListener) OnSuccess(_ File, requestKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes = append(l.successes, requestKey)
	return l.cleanupErr
}

func (l *recordingListener) OnError(_ File, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, err)
}

func (l *recordingListener) OnRemoval(file File) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, file.Name)
}

func (l *recordingListener) OnCancelAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancelled++
}

type partServer struct {
	*httptest.Server

	mu          sync.Mutex
	parts       map[string][]byte
	contentType string
	failStatus  atomic.Int32
	requests    atomic.Int32

	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newPartServer(t *testing.T) *partServer {
	s := &partServer{parts: map[string][]byte{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		current := s.inFlight.Add(1)
		defer s.inFlight.Add(-1)
		for {
			peak := s.peak.Load()
			if current <= peak || s.peak.CompareAndSwap(peak, current) {
				break
			}
		}
		time.Sleep(s.delay)

		if status := s.failStatus.Load(); status != 0 {
			w.WriteHeader(int(status))
			_, _ = w.Write([]byte("request expired"))
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		s.parts[r.URL.Path] = body
		s.contentType = r.Header.Get("Content-Type")
		s.mu.Unlock()

		w.Header().Set("ETag", fmt.Sprintf("\"etag-%s\"", strings.TrimPrefix(r.URL.Path, "/part/")))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *partServer) part(path string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parts[path]
}

func (s *partServer) lastContentType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentType
}

func testClient() *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	return client
}

func newTestEngine(protocol Protocol, listener Listener) *Engine {
	config := DefaultConfig()
	config.Concurrency = 2
	config.HungThreshold = 0
	config.HTTPClient = testClient()
	return New(config, protocol, listener, log.NewLogger())
}

func TestEngine_UploadMultipart(t *testing.T) {
	server := newPartServer(t)
	protocol := &fakeProtocol{serverURL: server.URL, chunkSize: 10}
	listener := &recordingListener{}
	engine := newTestEngine(protocol, listener)

	data := []byte("0123456789abcdefghijKLMNO")
	id := session.NewIdentity("clip.mp4", int64(len(data)))
	_, err := engine.AddFile(id, BytesSource("clip.mp4", "video/mp4", data))
	require.NoError(t, err)

	require.NoError(t, engine.Upload(context.Background(), id))

	var reassembled []byte
	for n := 1; n <= 3; n++ {
		reassembled = append(reassembled, server.part(fmt.Sprintf("/part/%d", n))...)
	}
	require.Equal(t, data, reassembled)
	require.Equal(t, handshake.ContentType, server.lastContentType())

	require.Equal(t, []handshake.FinalizeRequest{{
		UploadID:   "upload-1",
		RequestKey: "videos/clip.mp4",
		Parts: []handshake.ReportedPart{
			{ETag: `"etag-1"`, PartNumber: 1},
			{ETag: `"etag-2"`, PartNumber: 2},
			{ETag: `"etag-3"`, PartNumber: 3},
		},
	}}, protocol.finalized)

	require.Equal(t, []string{"videos/clip.mp4"}, listener.successes)
	require.Len(t, listener.progress, 3)
	require.Contains(t, listener.progress, int64(25))

	file, err := engine.GetFile(id)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, file.State)
	assert.Equal(t, "videos/clip.mp4", file.RequestKey)
	assert.Equal(t, 100, engine.GetState().Progress)
	assert.Equal(t, int64(3), engine.Stats().FinishedCount())
}

func TestEngine_UploadSinglePart(t *testing.T) {
	server := newPartServer(t)
	protocol := &fakeProtocol{serverURL: server.URL, chunkSize: 100}
	engine := newTestEngine(protocol, &recordingListener{})

	data := []byte("small video")
	id := session.NewIdentity("small.mp4", int64(len(data)))
	_, err := engine.AddFile(id, BytesSource("small.mp4", "", data))
	require.NoError(t, err)

	require.NoError(t, engine.Upload(context.Background(), id))
	require.Equal(t, int32(1), server.requests.Load())
	require.Equal(t, data, server.part("/part/1"))
	require.Len(t, protocol.finalized, 1)
	require.Len(t, protocol.finalized[0].Parts, 1)
}

func TestEngine_RejectedPartThenRetry(t *testing.T) {
	server := newPartServer(t)
	server.failStatus.Store(http.StatusForbidden)
	protocol := &fakeProtocol{serverURL: server.URL, chunkSize: 100}
	listener := &recordingListener{}
	engine := newTestEngine(protocol, listener)

	id := session.NewIdentity("a.mp4", 4)
	_, err := engine.AddFile(id, BytesSource("a.mp4", "", []byte("data")))
	require.NoError(t, err)

	err = engine.Upload(context.Background(), id)
	var transferErr *TransferError
	require.True(t, errors.As(err, &transferErr), "got %v", err)
	require.Equal(t, http.StatusForbidden, transferErr.StatusCode)
	require.Equal(t, "request expired", transferErr.Body)
	require.Len(t, listener.failures, 1)
	require.Empty(t, protocol.finalized)

	file, err := engine.GetFile(id)
	require.NoError(t, err)
	require.Equal(t, StateError, file.State)
	require.Len(t, engine.GetFilesGroupedByState()[StateError], 1)

	server.failStatus.Store(0)
	require.NoError(t, engine.RetryAll(context.Background()))
	require.Equal(t, []string{"videos/a.mp4"}, listener.successes)

	err = engine.Retry(context.Background(), id)
	require.True(t, errors.Is(err, ErrInvalidState))
}

func TestEngine_BeginFailure(t *testing.T) {
	server := newPartServer(t)
	beginErr := errors.New("request key not set")
	protocol := &fakeProtocol{serverURL: server.URL, chunkSize: 100, beginErr: beginErr}
	listener := &recordingListener{}
	engine := newTestEngine(protocol, listener)

	id := session.NewIdentity("a.mp4", 4)
	_, err := engine.AddFile(id, BytesSource("a.mp4", "", []byte("data")))
	require.NoError(t, err)

	err = engine.Upload(context.Background(), id)
	require.True(t, errors.Is(err, beginErr))
	require.Equal(t, int32(0), server.requests.Load())
	require.Len(t, listener.failures, 1)
}

func TestEngine_RemoveFileStopsTransfer(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	listener := &recordingListener{}
	engine := newTestEngine(&fakeProtocol{serverURL: server.URL, chunkSize: 100}, listener)

	removed := session.NewIdentity("slow.mp4", 4)
	kept := session.NewIdentity("other.mp4", 4)
	_, err := engine.AddFile(removed, BytesSource("slow.mp4", "", []byte("data")))
	require.NoError(t, err)
	_, err = engine.AddFile(kept, BytesSource("other.mp4", "", []byte("data")))
	require.NoError(t, err)

	errChan := make(chan error, 1)
	go func() { errChan <- engine.Upload(context.Background(), removed) }()

	<-started
	require.NoError(t, engine.RemoveFile(removed))

	select {
	case err := <-errChan:
		require.True(t, errors.Is(err, ErrFileRemoved), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("upload did not stop after removal")
	}

	require.Equal(t, []string{"slow.mp4"}, listener.removed)
	require.Empty(t, listener.failures)
	require.Len(t, engine.GetFiles(), 1)
	require.Len(t, engine.GetFilesByIDs(removed, kept), 1)

	err = engine.RemoveFile(removed)
	require.True(t, errors.Is(err, ErrFileNotFound))
}

func TestEngine_CancelAll(t *testing.T) {
	listener := &recordingListener{}
	engine := newTestEngine(&fakeProtocol{chunkSize: 100}, listener)

	for _, name := range []string{"a.mp4", "b.mp4"} {
		_, err := engine.AddFile(session.NewIdentity(name, 1), BytesSource(name, "", []byte("x")))
		require.NoError(t, err)
	}

	engine.CancelAll()
	require.Empty(t, engine.GetFiles())
	require.Equal(t, 1, listener.cancelled)
}

func TestEngine_AddFile(t *testing.T) {
	engine := newTestEngine(&fakeProtocol{chunkSize: 100}, &recordingListener{})
	id := session.NewIdentity("a.mp4", 1)

	_, err := engine.AddFile(id, Source{Name: "a.mp4"})
	require.True(t, errors.Is(err, ErrMissingBlob))

	file, err := engine.AddFile(id, BytesSource("a.mp4", "video/mp4", []byte("x")))
	require.NoError(t, err)
	require.Equal(t, File{ID: id, Name: "a.mp4", Type: "video/mp4", Size: 1, State: StateAdded}, file)

	_, err = engine.AddFile(id, BytesSource("a.mp4", "video/mp4", []byte("x")))
	require.True(t, errors.Is(err, ErrDuplicateFile))

	_, err = engine.GetFile(session.NewIdentity("a.mp4", 1))
	require.True(t, errors.Is(err, ErrFileNotFound))
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0600))

	src, blob, err := OpenFile(internal.RealOS{}, path)
	require.NoError(t, err)
	defer func() { require.NoError(t, blob.Close()) }()

	require.Equal(t, "clip.mp4", src.Name)
	require.Equal(t, int64(10), src.Blob.Size())

	part := make([]byte, 4)
	_, err = src.Blob.ReadAt(part, 3)
	require.NoError(t, err)
	require.Equal(t, []byte("3456"), part)

	_, _, err = OpenFile(internal.RealOS{}, dir)
	require.Error(t, err)
	_, _, err = OpenFile(internal.RealOS{}, filepath.Join(dir, "missing.mp4"))
	require.Error(t, err)
}

func TestBytesSource(t *testing.T) {
	src := BytesSource("a.mp4", "video/mp4", []byte("abc"))
	require.Equal(t, int64(3), src.Blob.Size())
	require.IsType(t, &bytes.Reader{}, src.Blob)
}

func TestEngine_ConcurrencyBoundsAllFiles(t *testing.T) {
	server := newPartServer(t)
	server.delay = 20 * time.Millisecond
	protocol := &fakeProtocol{serverURL: server.URL, chunkSize: 4}
	engine := newTestEngine(protocol, &recordingListener{})

	var ids []session.Identity
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("clip-%d.mp4", i)
		id := session.NewIdentity(name, 12)
		_, err := engine.AddFile(id, BytesSource(name, "video/mp4", []byte("0123456789ab")))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id session.Identity) {
			defer wg.Done()
			errs[i] = engine.Upload(context.Background(), id)
		}(i, id)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(12), server.requests.Load())
	require.LessOrEqual(t, server.peak.Load(), int32(2))
	require.Equal(t, int64(12), engine.Stats().FinishedCount())
}

func TestEngine_SuccessKeepsCleanupError(t *testing.T) {
	server := newPartServer(t)
	protocol := &fakeProtocol{serverURL: server.URL, chunkSize: 100}
	cleanupErr := errors.New("session already retired")
	listener := &recordingListener{cleanupErr: cleanupErr}
	engine := newTestEngine(protocol, listener)

	id := session.NewIdentity("a.mp4", 4)
	_, err := engine.AddFile(id, BytesSource("a.mp4", "", []byte("data")))
	require.NoError(t, err)

	require.NoError(t, engine.Upload(context.Background(), id))

	file, err := engine.GetFile(id)
	require.NoError(t, err)
	require.Equal(t, StateComplete, file.State)
	require.ErrorIs(t, file.CleanupErr, cleanupErr)
	require.Equal(t, []string{"videos/a.mp4"}, listener.successes)
}
