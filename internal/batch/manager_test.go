package batch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ingestor/internal/processor"
	"ingestor/internal/retry"
	"ingestor/internal/storage"
	"ingestor/internal/validation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.DataDir == "" {
		opts.DataDir = t.TempDir()
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.Policy{MaxRetries: 3, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}
	}
	if opts.ProgressInterval == 0 {
		opts.ProgressInterval = time.Millisecond
	}
	opts.Validation.SniffMIME = true
	opts.Validation.ScanContent = true
	m := NewManagerWithOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		m.Shutdown(shutdownCtx)
	})
	return m
}

// payload writes content into a temp file and returns a Source for it.
func payload(t *testing.T, name, content string) Source {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return Source{Filename: name, Size: int64(len(content)), Path: path}
}

// waitFor polls the snapshot until cond holds, checking the count invariant on
// every observation.
func waitFor(t *testing.T, m *Manager, id string, cond func(*Batch) bool) *Batch {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := m.Status(id)
		require.NoError(t, err)
		assertCounts(t, snap)
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time; batch status %s, files %+v", snap.Status, snap.Files)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func terminal(b *Batch) bool { return b.Status.Terminal() }

func assertCounts(t *testing.T, b *Batch) {
	t.Helper()
	var processed, failed, skipped int
	for _, f := range b.Files {
		switch f.Status {
		case FileCompleted:
			processed++
		case FileFailed:
			failed++
		case FileSkipped:
			skipped++
		}
	}
	require.Equal(t, processed, b.ProcessedFiles)
	require.Equal(t, failed, b.FailedFiles)
	require.Equal(t, skipped, b.SkippedFiles)
	if b.Status.Terminal() {
		require.Equal(t, b.TotalFiles, processed+failed+skipped, "terminal batch %s has unfinished files", b.Status)
	} else {
		require.Less(t, processed+failed+skipped, b.TotalFiles, "batch %s has every file finished", b.Status)
	}
	require.LessOrEqual(t, b.ProgressPercentage, 100.0)
	require.GreaterOrEqual(t, b.ProgressPercentage, 0.0)
}

func TestInitValidation(t *testing.T) {
	m := newTestManager(t, Options{MaxBatchFiles: 2, MaxFileSize: 10, MaxBatchSize: 15})

	_, err := m.Init(InitRequest{})
	require.ErrorIs(t, err, ErrInvalidInput)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "files", verr.Field)

	_, err = m.Init(InitRequest{Files: []Source{payload(t, "a.txt", "a"), payload(t, "b.txt", "b"), payload(t, "c.txt", "c")}})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = m.Init(InitRequest{Files: []Source{payload(t, "a.txt", "a")}, Priority: "asap"})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = m.Init(InitRequest{Files: []Source{payload(t, "big.txt", "0123456789abc")}})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = m.Init(InitRequest{Files: []Source{payload(t, "a.txt", "012345678"), payload(t, "b.txt", "012345678")}})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = m.Init(InitRequest{Files: []Source{payload(t, "empty.txt", "")}})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "empty")

	assert.Empty(t, m.Active(""))
}

func TestBatchCompletes(t *testing.T) {
	m := newTestManager(t, Options{})
	snap, err := m.Init(InitRequest{
		Files: []Source{
			payload(t, "a.txt", strings.Repeat("a", 100)),
			payload(t, "b.md", strings.Repeat("b", 100)),
			payload(t, "c.csv", strings.Repeat("c,", 400)),
		},
		NotebookIDs: []string{"nb-1, nb-2", "nb-1"},
		Owner:       "session-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, snap.TotalFiles)
	assert.Equal(t, int64(1000), snap.TotalSize)
	assert.Equal(t, []string{"nb-1", "nb-2"}, snap.NotebookIDs)
	assert.Greater(t, snap.EstimatedDuration, 0.0)

	last := 0.0
	done := waitFor(t, m, snap.ID, func(b *Batch) bool {
		require.GreaterOrEqual(t, b.ProgressPercentage, last, "progress went backwards")
		last = b.ProgressPercentage
		return terminal(b)
	})
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 100.0, done.ProgressPercentage)
	assert.Equal(t, 3, done.ProcessedFiles)
	assert.Zero(t, done.FailedFiles)
	assert.Equal(t, int64(1000), done.UploadedSize)
	require.NotNil(t, done.EstimatedTimeRemaining)
	assert.Zero(t, *done.EstimatedTimeRemaining)
	require.NotNil(t, done.CompletedAt)
	for _, f := range done.Files {
		assert.Equal(t, FileCompleted, f.Status)
		assert.Equal(t, 100.0, f.UploadProgress)
		assert.Equal(t, 100.0, f.ProcessingProgress)
		assert.NotEmpty(t, f.Checksum)
	}

	assert.Empty(t, m.Active("session-1"))
	st := m.Stats("session-1")
	assert.Equal(t, 1, st.TotalBatches)
	assert.Equal(t, 1, st.CompletedBatches)
	assert.Equal(t, 3, st.ProcessedFiles)
	assert.Zero(t, m.Stats("someone-else").TotalBatches)
}

func TestValidationFailureKeepsBatchGoing(t *testing.T) {
	m := newTestManager(t, Options{})
	snap, err := m.Init(InitRequest{Files: []Source{
		payload(t, "evil.txt", "hello <script>alert(1)</script>"),
		payload(t, "good.txt", "plain words"),
	}})
	require.NoError(t, err)

	done := waitFor(t, m, snap.ID, terminal)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 1, done.FailedFiles)
	assert.Equal(t, 1, done.ProcessedFiles)
	assert.Equal(t, map[string]int{"validation_suspicious_content": 1}, done.ErrorSummary)
	assert.Equal(t, FileFailed, done.Files[0].Status)
	assert.Contains(t, done.Files[0].ErrorMessage, "suspicious_content")
	assert.Zero(t, done.Files[0].RetryCount)
}

func TestUnsupportedTypeIsSkipped(t *testing.T) {
	m := newTestManager(t, Options{})
	snap, err := m.Init(InitRequest{Files: []Source{
		payload(t, "notes.xyz", "data"),
		payload(t, "good.txt", "plain words"),
	}})
	require.NoError(t, err)

	done := waitFor(t, m, snap.ID, terminal)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 1, done.SkippedFiles)
	assert.Equal(t, FileSkipped, done.Files[0].Status)
	assert.Equal(t, 1, done.ErrorSummary[validation.ReasonUnsupportedType])
}

func TestAllPermanentFailuresFailBatch(t *testing.T) {
	var calls atomic.Int32
	m := newTestManager(t, Options{Processor: processor.Func(func(context.Context, processor.Request, processor.ProgressFunc) (processor.Result, error) {
		calls.Add(1)
		return processor.Result{}, processor.Permanent("rejected", errors.New("nope"))
	})})
	files := make([]Source, 5)
	for i := range files {
		files[i] = payload(t, "f"+string(rune('a'+i))+".txt", "content")
	}
	snap, err := m.Init(InitRequest{Files: files})
	require.NoError(t, err)

	done := waitFor(t, m, snap.ID, terminal)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, 5, done.FailedFiles)
	assert.Equal(t, map[string]int{"rejected": 5}, done.ErrorSummary)
	assert.Equal(t, int32(5), calls.Load())
	for _, f := range done.Files {
		assert.Zero(t, f.RetryCount)
	}
	assert.Nil(t, done.EstimatedTimeRemaining)
}

func TestTransientFailuresExhaustRetries(t *testing.T) {
	var calls atomic.Int32
	m := newTestManager(t, Options{Processor: processor.Func(func(context.Context, processor.Request, processor.ProgressFunc) (processor.Result, error) {
		calls.Add(1)
		return processor.Result{}, processor.Transient("remote_error", errors.New("503"))
	})})
	snap, err := m.Init(InitRequest{Files: []Source{payload(t, "a.txt", "content")}})
	require.NoError(t, err)

	done := waitFor(t, m, snap.ID, terminal)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, 3, done.Files[0].RetryCount)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 1, done.ErrorSummary["remote_error"])
}

func TestTransientFailureRecovers(t *testing.T) {
	var calls atomic.Int32
	m := newTestManager(t, Options{Processor: processor.Func(func(_ context.Context, _ processor.Request, progress processor.ProgressFunc) (processor.Result, error) {
		if calls.Add(1) <= 2 {
			progress(50)
			return processor.Result{}, processor.Transient("remote_error", errors.New("busy"))
		}
		progress(100)
		return processor.Result{SourceID: "src-1"}, nil
	})})
	snap, err := m.Init(InitRequest{Files: []Source{payload(t, "a.txt", "content")}})
	require.NoError(t, err)

	done := waitFor(t, m, snap.ID, terminal)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 2, done.Files[0].RetryCount)
	assert.Empty(t, done.ErrorSummary)
	assert.Empty(t, done.Files[0].ErrorMessage)
	assert.Equal(t, "src-1", done.Files[0].SourceID)
}

func TestPanicBecomesInternalError(t *testing.T) {
	m := newTestManager(t, Options{Processor: processor.Func(func(context.Context, processor.Request, processor.ProgressFunc) (processor.Result, error) {
		panic("boom")
	})})
	snap, err := m.Init(InitRequest{Files: []Source{payload(t, "a.txt", "x"), payload(t, "b.txt", "y")}})
	require.NoError(t, err)

	done := waitFor(t, m, snap.ID, terminal)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, 2, done.ErrorSummary[CategoryInternal])
}

// gatedProcessor blocks every call until released.
type gatedProcessor struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
}

func newGatedProcessor() *gatedProcessor {
	return &gatedProcessor{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gatedProcessor) Process(ctx context.Context, req processor.Request, _ processor.ProgressFunc) (processor.Result, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	g.started <- struct{}{}
	select {
	case <-g.release:
		return processor.Result{SourceID: processor.SourceID(req.StorageKey)}, nil
	case <-ctx.Done():
		return processor.Result{}, ctx.Err()
	}
}

func (g *gatedProcessor) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestPauseStopsNewWorkAndResumeFinishes(t *testing.T) {
	gp := newGatedProcessor()
	m := newTestManager(t, Options{MaxConcurrentFiles: 1, Processor: gp})
	snap, err := m.Init(InitRequest{Files: []Source{
		payload(t, "a.txt", "aaa"), payload(t, "b.txt", "bbb"), payload(t, "c.txt", "ccc"),
	}})
	require.NoError(t, err)

	select {
	case <-gp.started:
	case <-time.After(5 * time.Second):
		t.Fatal("processing never started")
	}
	paused, msg, err := m.Control(snap.ID, "pause")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)
	assert.Equal(t, "batch paused", msg)
	assert.Nil(t, paused.EstimatedTimeRemaining)

	_, msg, err = m.Control(snap.ID, "pause")
	require.NoError(t, err)
	assert.Equal(t, "batch already paused", msg)

	// the in-flight phase finishes; nothing new starts
	close(gp.release)
	waitFor(t, m, snap.ID, func(b *Batch) bool { return b.ProcessedFiles == 1 })
	time.Sleep(50 * time.Millisecond)
	cur, err := m.Status(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, cur.Status)
	assert.Equal(t, 1, gp.Calls())
	assert.Len(t, m.Active(""), 1)
	assert.Equal(t, 1, m.Stats("").PausedBatches)

	_, msg, err = m.Control(snap.ID, "resume")
	require.NoError(t, err)
	assert.Equal(t, "batch resumed", msg)
	done := waitFor(t, m, snap.ID, terminal)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 3, gp.Calls())

	_, msg, err = m.Control(snap.ID, "resume")
	require.NoError(t, err)
	assert.Equal(t, "batch already completed", msg)
}

func TestCancelIsIdempotent(t *testing.T) {
	gp := newGatedProcessor()
	m := newTestManager(t, Options{MaxConcurrentFiles: 1, Processor: gp})
	snap, err := m.Init(InitRequest{Files: []Source{payload(t, "a.txt", "aaa"), payload(t, "b.txt", "bbb")}})
	require.NoError(t, err)
	<-gp.started

	cancelled, _, err := m.Control(snap.ID, "cancel")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	for _, f := range cancelled.Files {
		assert.Equal(t, FileSkipped, f.Status)
		assert.Equal(t, "cancelled", f.ErrorMessage)
	}

	again, msg, err := m.Control(snap.ID, "cancel")
	require.NoError(t, err)
	assert.Equal(t, "batch already cancelled", msg)
	assert.Equal(t, cancelled.CompletedAt, again.CompletedAt)

	time.Sleep(30 * time.Millisecond)
	cur, err := m.Status(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cur.Status)
	assert.Equal(t, 2, cur.SkippedFiles)
	assert.Equal(t, 1, gp.Calls())
}

func TestControlErrors(t *testing.T) {
	m := newTestManager(t, Options{})
	_, _, err := m.Control("missing", "pause")
	require.ErrorIs(t, err, ErrBatchNotFound)

	snap, err := m.Init(InitRequest{Files: []Source{payload(t, "a.txt", "a")}})
	require.NoError(t, err)
	_, _, err = m.Control(snap.ID, "explode")
	require.ErrorIs(t, err, ErrInvalidAction)

	_, err = m.Files(snap.ID, "bogus")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = m.Files("missing", "")
	require.ErrorIs(t, err, ErrBatchNotFound)
}

func TestManualStart(t *testing.T) {
	m := newTestManager(t, Options{})
	manual := false
	snap, err := m.Init(InitRequest{Files: []Source{payload(t, "a.txt", "a"), payload(t, "b.txt", "b")}, AutoStart: &manual})
	require.NoError(t, err)
	assert.Equal(t, StatusInitializing, snap.Status)

	time.Sleep(30 * time.Millisecond)
	cur, err := m.Status(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInitializing, cur.Status)
	assert.Nil(t, cur.StartedAt)

	_, msg, err := m.Control(snap.ID, "pause")
	require.NoError(t, err)
	assert.Equal(t, "batch not started", msg)

	_, msg, err = m.Control(snap.ID, "start")
	require.NoError(t, err)
	assert.Equal(t, "batch started", msg)
	done := waitFor(t, m, snap.ID, terminal)
	assert.Equal(t, StatusCompleted, done.Status)

	completed, err := m.Files(snap.ID, string(FileCompleted))
	require.NoError(t, err)
	assert.Len(t, completed, 2)
}

func TestDeleteRequiresForceWhileActive(t *testing.T) {
	gp := newGatedProcessor()
	m := newTestManager(t, Options{Processor: gp})
	snap, err := m.Init(InitRequest{Files: []Source{payload(t, "a.txt", "a")}})
	require.NoError(t, err)
	<-gp.started

	err = m.Delete(context.Background(), snap.ID, false)
	require.ErrorIs(t, err, ErrBatchActive)

	require.NoError(t, m.Delete(context.Background(), snap.ID, true))
	_, err = m.Status(snap.ID)
	require.ErrorIs(t, err, ErrBatchNotFound)
	_, err = m.storage.Size(context.Background(), snap.Files[0].StorageKey)
	require.Error(t, err)
	require.ErrorIs(t, m.Delete(context.Background(), snap.ID, false), ErrBatchNotFound)
}

func TestOwnedSourcesAreRemoved(t *testing.T) {
	m := newTestManager(t, Options{})
	src := payload(t, "a.txt", "staged")
	src.Owned = true
	snap, err := m.Init(InitRequest{Files: []Source{src}})
	require.NoError(t, err)
	waitFor(t, m, snap.ID, terminal)
	_, err = os.Stat(src.Path)
	assert.True(t, os.IsNotExist(err), "staged payload should be gone, got %v", err)
}

func TestMissingSourceFailsPermanently(t *testing.T) {
	m := newTestManager(t, Options{})
	src := Source{Filename: "gone.txt", Size: 3, Path: filepath.Join(t.TempDir(), "gone.txt")}
	snap, err := m.Init(InitRequest{Files: []Source{src}})
	require.NoError(t, err)

	done := waitFor(t, m, snap.ID, terminal)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, 1, done.ErrorSummary[CategorySourceMissing])
	assert.Zero(t, done.Files[0].RetryCount)
}

func TestShutdownStopsInit(t *testing.T) {
	m := NewManager(t.TempDir())
	m.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.True(t, m.Shutdown(ctx))
	_, err := m.Init(InitRequest{Files: []Source{payload(t, "a.txt", "a")}})
	require.ErrorIs(t, err, ErrManagerStopped)
}

func TestUpperCasePriorityIsNormalized(t *testing.T) {
	m := newTestManager(t, Options{})
	manual := false
	snap, err := m.Init(InitRequest{Files: []Source{payload(t, "a.txt", "a")}, Priority: " HIGH ", AutoStart: &manual})
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, snap.Priority)
	assert.Equal(t, 2, snap.Priority.rank())
}

func TestContentNotMatchingExtensionIsSkipped(t *testing.T) {
	m := newTestManager(t, Options{})
	png := "\x89PNG\r\n\x1a\n" + strings.Repeat("\x00", 64)
	elf := "\x7fELF\x02\x01\x01" + strings.Repeat("\x00", 64)
	snap, err := m.Init(InitRequest{Files: []Source{
		payload(t, "report.pdf", png),
		payload(t, "notes.txt", elf),
		payload(t, "good.txt", "plain words"),
	}})
	require.NoError(t, err)

	done := waitFor(t, m, snap.ID, terminal)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 2, done.SkippedFiles)
	assert.Equal(t, 1, done.ProcessedFiles)
	assert.Equal(t, 2, done.ErrorSummary[validation.ReasonUnsupportedType])
	assert.Equal(t, FileSkipped, done.Files[0].Status)
	assert.Equal(t, FileSkipped, done.Files[1].Status)
}

func TestTransformationsReachProcessor(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	m := newTestManager(t, Options{Processor: processor.Func(func(_ context.Context, req processor.Request, _ processor.ProgressFunc) (processor.Result, error) {
		mu.Lock()
		seen = append([]string(nil), req.Transformations...)
		mu.Unlock()
		return processor.Result{SourceID: "src-" + req.FileID}, nil
	})})
	snap, err := m.Init(InitRequest{
		Files:           []Source{payload(t, "a.txt", "content")},
		Transformations: []string{"summary, key-points", "summary"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"summary", "key-points"}, snap.Transformations)

	done := waitFor(t, m, snap.ID, terminal)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "src-"+done.Files[0].ID, done.Files[0].SourceID)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"summary", "key-points"}, seen)
}

// gatedStorage holds the first Put until released and records every key written.
type gatedStorage struct {
	storage.Storage

	mu      sync.Mutex
	keys    []string
	first   sync.Once
	started chan struct{}
	release chan struct{}
}

func newGatedStorage(root string) *gatedStorage {
	return &gatedStorage{
		Storage: storage.NewLocal(root),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedStorage) Put(ctx context.Context, key string, r io.Reader, progress storage.ProgressFunc) (int64, error) {
	g.mu.Lock()
	g.keys = append(g.keys, key)
	g.mu.Unlock()
	gated := false
	g.first.Do(func() { gated = true })
	if gated {
		close(g.started)
		// an uninterruptible write: ctx is not watched
		<-g.release
	}
	return g.Storage.Put(ctx, key, r, progress)
}

func (g *gatedStorage) Keys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.keys...)
}

func TestUrgentBatchOvertakesQueuedWork(t *testing.T) {
	dir := t.TempDir()
	gs := newGatedStorage(filepath.Join(dir, "objects"))
	noop := processor.Func(func(context.Context, processor.Request, processor.ProgressFunc) (processor.Result, error) {
		return processor.Result{}, nil
	})
	m := newTestManager(t, Options{DataDir: dir, MaxConcurrentFiles: 1, Storage: gs, Processor: noop})

	low, err := m.Init(InitRequest{Priority: PriorityLow, Files: []Source{
		payload(t, "l0.txt", "low zero"), payload(t, "l1.txt", "low one"),
		payload(t, "l2.txt", "low two"), payload(t, "l3.txt", "low three"),
	}})
	require.NoError(t, err)
	select {
	case <-gs.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first upload never started")
	}

	urgent, err := m.Init(InitRequest{Priority: PriorityUrgent, Files: []Source{
		payload(t, "u0.txt", "urgent zero"), payload(t, "u1.txt", "urgent one"),
	}})
	require.NoError(t, err)
	close(gs.release)

	waitFor(t, m, urgent.ID, terminal)
	waitFor(t, m, low.ID, terminal)

	keys := gs.Keys()
	require.Len(t, keys, 6)
	assert.True(t, strings.HasPrefix(keys[0], low.ID+"/"), "first write %s", keys[0])
	assert.True(t, strings.HasPrefix(keys[1], urgent.ID+"/"), "second write %s", keys[1])
	assert.True(t, strings.HasPrefix(keys[2], urgent.ID+"/"), "third write %s", keys[2])
	for _, k := range keys[3:] {
		assert.True(t, strings.HasPrefix(k, low.ID+"/"), "late write %s", k)
	}
}

func TestProcessingRetryKeepsUploadComplete(t *testing.T) {
	var calls atomic.Int32
	m := newTestManager(t, Options{
		Retry: retry.Policy{MaxRetries: 2, BaseDelay: 300 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 1},
		Processor: processor.Func(func(_ context.Context, _ processor.Request, progress processor.ProgressFunc) (processor.Result, error) {
			if calls.Add(1) == 1 {
				progress(40)
				return processor.Result{}, processor.Transient("remote_error", errors.New("busy"))
			}
			progress(100)
			return processor.Result{SourceID: "src-1"}, nil
		}),
	})
	snap, err := m.Init(InitRequest{Files: []Source{payload(t, "a.txt", "content")}})
	require.NoError(t, err)

	retrying := waitFor(t, m, snap.ID, func(b *Batch) bool { return b.Files[0].Status == FileRetrying })
	f := retrying.Files[0]
	assert.Equal(t, PhaseProcess, f.RetryPhase)
	assert.Equal(t, 100.0, f.UploadProgress)
	assert.Zero(t, f.ProcessingProgress)
	assert.Equal(t, 1, f.RetryCount)

	done := waitFor(t, m, snap.ID, terminal)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 1, done.Files[0].RetryCount)
	assert.Equal(t, 100.0, done.Files[0].UploadProgress)
}

func TestForcedDeleteWaitsForInflightWrites(t *testing.T) {
	dir := t.TempDir()
	gs := newGatedStorage(filepath.Join(dir, "objects"))
	m := newTestManager(t, Options{DataDir: dir, MaxConcurrentFiles: 1, Storage: gs})
	snap, err := m.Init(InitRequest{Files: []Source{payload(t, "a.txt", "aaa"), payload(t, "b.txt", "bbb")}})
	require.NoError(t, err)
	<-gs.started

	deleted := make(chan error, 1)
	go func() { deleted <- m.Delete(context.Background(), snap.ID, true) }()

	select {
	case err := <-deleted:
		t.Fatalf("delete returned while a write was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gs.release)
	select {
	case err := <-deleted:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("delete never returned")
	}
	_, err = os.Stat(filepath.Join(dir, "objects", snap.ID))
	assert.True(t, os.IsNotExist(err), "batch objects should be gone, got %v", err)
	_, err = m.Status(snap.ID)
	require.ErrorIs(t, err, ErrBatchNotFound)
}

// switchAdmission refuses work until opened.
type switchAdmission struct {
	open  atomic.Bool
	calls atomic.Int32
}

func (a *switchAdmission) Check(context.Context) error {
	a.calls.Add(1)
	if a.open.Load() {
		return nil
	}
	return errors.New("low disk space")
}

func TestAdmissionHoldsWorkUnderPressure(t *testing.T) {
	adm := &switchAdmission{}
	m := newTestManager(t, Options{Admission: adm, AdmissionRetry: 5 * time.Millisecond})
	snap, err := m.Init(InitRequest{Files: []Source{payload(t, "a.txt", "content")}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return adm.calls.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	st := m.Stats("")
	assert.Equal(t, "low disk space", st.Pressure)
	cur, err := m.Status(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, FilePending, cur.Files[0].Status)

	adm.open.Store(true)
	done := waitFor(t, m, snap.ID, terminal)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Empty(t, m.Stats("").Pressure)
}
