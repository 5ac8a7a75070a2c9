package batch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ingestor/internal/notify"
	"ingestor/internal/processor"
	"ingestor/internal/retry"
	"ingestor/internal/storage"
	"ingestor/internal/validation"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const publishTimeout = 10 * time.Second

// Manager owns every batch of this process and the worker pool they share.
type Manager struct {
	mu      sync.RWMutex
	runners map[string]*runner

	opts      Options
	queue     *workQueue
	semaphore chan struct{}
	seq       atomic.Uint64

	store     BatchStore
	storage   storage.Storage
	inspector *validation.Inspector
	processor processor.Processor
	publisher notify.Publisher
	policy    retry.Policy

	baseCtx    context.Context
	baseCancel context.CancelFunc
	quit       chan struct{}
	quitOnce   sync.Once
	started    atomic.Bool
	pressure   atomic.Pointer[string]

	dispatcherWG sync.WaitGroup
	workersWG    sync.WaitGroup
	aggWG        sync.WaitGroup
	notifyWG     sync.WaitGroup
}

// NewManager creates a manager with defaults suitable for tests: local storage
// and file records under a fresh data dir, in-process extraction.
func NewManager(dataDir string) *Manager {
	return NewManagerWithOptions(Options{DataDir: dataDir})
}

// NewManagerWithOptions creates a manager with the provided configuration.
// Call Start to begin dispatching work.
func NewManagerWithOptions(opts Options) *Manager { //nolint:cyclop
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if opts.MaxConcurrentFiles <= 0 {
		opts.MaxConcurrentFiles = defaultMaxConcurrent
	}
	if opts.MaxBatchFiles <= 0 {
		opts.MaxBatchFiles = defaultMaxBatchFiles
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = defaultMaxFileSize
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = defaultMaxBatchSize
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.ETASamples <= 0 {
		opts.ETASamples = defaultETASamples
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaultProgressInterval
	}
	if opts.AdmissionRetry <= 0 {
		opts.AdmissionRetry = defaultAdmissionRetry
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.Default()
	}
	if opts.Storage == nil {
		opts.Storage = storage.NewLocal(filepath.Join(opts.DataDir, "objects"))
	}
	if opts.Processor == nil {
		opts.Processor = processor.NewExtractor(opts.Storage)
	}
	if opts.Store == nil {
		opts.Store = memoryStore{}
	}
	if opts.Publisher == nil {
		opts.Publisher = notify.LogPublisher{}
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		runners:    make(map[string]*runner),
		opts:       opts,
		queue:      newWorkQueue(),
		semaphore:  make(chan struct{}, opts.MaxConcurrentFiles),
		store:      opts.Store,
		storage:    opts.Storage,
		inspector:  validation.NewInspector(opts.Storage, opts.Validation),
		processor:  opts.Processor,
		publisher:  opts.Publisher,
		policy:     opts.Retry,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		quit:       make(chan struct{}),
	}
}

// Start launches the dispatcher. Cancelling ctx interrupts in-flight work;
// follow with WaitAll to drain.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			m.baseCancel()
		case <-m.baseCtx.Done():
		}
	}()
	m.dispatcherWG.Add(1)
	go func() {
		defer m.dispatcherWG.Done()
		m.dispatch()
	}()
	log.Info().Str("component", "batch").Int("workers", cap(m.semaphore)).Msg("batch dispatcher started")
}

// Limits are the size and count bounds Init enforces.
type Limits struct {
	MaxBatchFiles int
	MaxFileSize   int64
	MaxBatchSize  int64
}

func (m *Manager) Limits() Limits {
	return Limits{MaxBatchFiles: m.opts.MaxBatchFiles, MaxFileSize: m.opts.MaxFileSize, MaxBatchSize: m.opts.MaxBatchSize}
}

// IsBusy reports whether every worker slot is taken.
func (m *Manager) IsBusy() bool {
	return len(m.semaphore) >= cap(m.semaphore)
}

// WaitAll blocks until in-flight workers finish, then stops the aggregators.
// Returns false if ctx expired first. Only meaningful once the Start context
// is cancelled or Shutdown was called.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.dispatcherWG.Wait()
		m.workersWG.Wait()
		m.quitOnce.Do(func() { close(m.quit) })
		m.aggWG.Wait()
		m.notifyWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Shutdown interrupts in-flight work and waits for everything to settle.
func (m *Manager) Shutdown(ctx context.Context) bool {
	m.baseCancel()
	ok := m.WaitAll(ctx)
	if err := m.store.Close(); err != nil {
		log.Warn().Err(err).Msg("close batch store failed")
	}
	return ok
}

// dispatch hands queued items to workers, one per free slot.
func (m *Manager) dispatch() {
	for {
		select {
		case m.semaphore <- struct{}{}:
		case <-m.baseCtx.Done():
			return
		}
		if !m.admit() {
			<-m.semaphore
			return
		}
		item, ok := m.queue.Pop(m.baseCtx)
		if !ok {
			<-m.semaphore
			return
		}
		m.workersWG.Add(1)
		go func() {
			defer m.workersWG.Done()
			defer func() { <-m.semaphore }()
			m.runItem(item)
		}()
	}
}

// admit waits until the admission check passes. It returns false once the
// manager is shutting down.
func (m *Manager) admit() bool {
	if m.opts.Admission == nil {
		return true
	}
	for {
		err := m.opts.Admission.Check(m.baseCtx)
		if err == nil {
			if prev := m.pressure.Swap(nil); prev != nil {
				log.Info().Str("was", *prev).Msg("resource pressure cleared, dispatching")
			}
			return true
		}
		reason := err.Error()
		if prev := m.pressure.Swap(&reason); prev == nil || *prev != reason {
			log.Warn().Err(err).Dur("retry_in", m.opts.AdmissionRetry).Msg("holding back work under resource pressure")
		}
		t := time.NewTimer(m.opts.AdmissionRetry)
		select {
		case <-t.C:
		case <-m.baseCtx.Done():
			t.Stop()
			return false
		}
	}
}

func (m *Manager) runner(batchID string) *runner {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runners[batchID]
}

func (m *Manager) stopped() bool {
	select {
	case <-m.quit:
		return true
	default:
		return false
	}
}

// Init validates the request, registers the batch and, unless AutoStart is
// false, queues its files for upload.
func (m *Manager) Init(req InitRequest) (*Batch, error) {
	if m.stopped() {
		return nil, ErrManagerStopped
	}
	b, err := m.newBatch(req)
	if err != nil {
		return nil, err
	}
	n := uint64(len(b.Files))
	seqBase := m.seq.Add(n) - n

	r := newRunner(m, b, seqBase)
	m.mu.Lock()
	m.runners[b.ID] = r
	m.mu.Unlock()

	m.persist(b)
	m.aggWG.Add(1)
	go r.run()

	log.Info().Str("batch_id", b.ID).Int("files", b.TotalFiles).Int64("bytes", b.TotalSize).
		Str("priority", string(b.Priority)).Msg("batch created")

	if b.AutoStart {
		snap, _, err := r.control(ActionStart)
		if err != nil {
			return nil, err
		}
		return snap, nil
	}
	return r.snapshot.Load(), nil
}

func (m *Manager) newBatch(req InitRequest) (*Batch, error) { //nolint:cyclop
	if len(req.Files) == 0 {
		return nil, newValidationError("files", "no files provided")
	}
	if len(req.Files) > m.opts.MaxBatchFiles {
		return nil, newValidationError("files", "too many files: %d (max %d)", len(req.Files), m.opts.MaxBatchFiles)
	}
	priority, err := ParsePriority(string(req.Priority))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	b := &Batch{
		ID:           uuid.NewString(),
		Owner:        req.Owner,
		Status:       StatusInitializing,
		Priority:     priority,
		AutoStart:    req.AutoStart == nil || *req.AutoStart,
		Embed:        req.Embed,
		NotebookIDs:  cleanIDs(req.NotebookIDs),
		TotalFiles:   len(req.Files),
		ErrorSummary: map[string]int{},
		CreatedAt:    now,
		Files:        make([]File, 0, len(req.Files)),
	}
	if t := cleanIDs(req.Transformations); len(t) > 0 {
		b.Transformations = t
	}
	for i, src := range req.Files {
		name := strings.TrimSpace(src.Filename)
		if name == "" {
			return nil, newValidationError("files", "file %d has no name", i+1)
		}
		if src.Size <= 0 {
			return nil, newValidationError("files", "%s is empty", name)
		}
		if src.Size > m.opts.MaxFileSize {
			return nil, newValidationError("files", "%s is too large: %d bytes (max %d)", name, src.Size, m.opts.MaxFileSize)
		}
		if src.Path == "" {
			return nil, newValidationError("files", "%s has no payload", name)
		}
		b.TotalSize += src.Size
		notebooks := cleanIDs(src.NotebookIDs)
		if len(notebooks) == 0 {
			notebooks = append([]string(nil), b.NotebookIDs...)
		}
		fileID := uuid.NewString()
		b.Files = append(b.Files, File{
			ID:               fileID,
			OriginalFilename: name,
			FileSize:         src.Size,
			MimeType:         src.MimeType,
			Status:           FilePending,
			NotebookIDs:      notebooks,
			StorageKey:       storage.Key(b.ID, fileID, name),
			SourcePath:       src.Path,
			OwnsSource:       src.Owned,
		})
	}
	if b.TotalSize > m.opts.MaxBatchSize {
		return nil, newValidationError("files", "batch too large: %d bytes (max %d)", b.TotalSize, m.opts.MaxBatchSize)
	}
	b.EstimatedDuration = EstimateDuration(b.TotalFiles, b.TotalSize, b.Priority)
	return b, nil
}

func cleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, raw := range ids {
		for _, id := range strings.Split(raw, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// persist writes the batch record; failures are logged, not returned.
func (m *Manager) persist(b *Batch) {
	if err := m.store.SaveBatch(context.Background(), b); err != nil {
		log.Warn().Str("batch_id", b.ID).Err(err).Msg("persist batch failed")
	}
}

// announce publishes a terminal batch event in the background.
func (m *Manager) announce(b *Batch) {
	evt := notify.Event{
		BatchID:        b.ID,
		Owner:          b.Owner,
		Status:         string(b.Status),
		TotalFiles:     b.TotalFiles,
		ProcessedFiles: b.ProcessedFiles,
		FailedFiles:    b.FailedFiles,
		SkippedFiles:   b.SkippedFiles,
		ErrorSummary:   b.ErrorSummary,
		NotebookIDs:    b.NotebookIDs,
		CompletedAt:    time.Now(),
	}
	if b.CompletedAt != nil {
		evt.CompletedAt = *b.CompletedAt
	}
	m.notifyWG.Add(1)
	go func() {
		defer m.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := m.publisher.Publish(ctx, evt); err != nil {
			log.Warn().Str("batch_id", evt.BatchID).Err(err).Msg("publish batch event failed")
		}
	}()
}
