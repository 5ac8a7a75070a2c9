package batch

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Events folded by a batch aggregator. Every change to a batch goes through
// its event channel, so transitions and control commands are totally ordered.
type (
	beginEvent struct {
		item  workItem
		reply chan grant
	}
	progressEvent struct {
		fileIdx int
		phase   Phase
		percent float64
		bytes   int64
	}
	resultEvent struct {
		item    workItem
		err     error
		outcome phaseOutcome
	}
	retryDueEvent struct {
		fileIdx int
		phase   Phase
	}
	controlEvent struct {
		action Action
		reply  chan controlReply
	}
	closeEvent struct {
		reply chan struct{}
	}
)

// grant is the aggregator's answer to a worker asking to start a phase.
type grant struct {
	ok              bool
	ctx             context.Context
	file            File
	embed           *bool
	transformations []string
}

type phaseOutcome struct {
	storageKey string
	checksum   string
	mimeType   string
	sourceID   string
}

type controlReply struct {
	snapshot *Batch
	message  string
}

// runner is the per-batch aggregator. Fields below snapshot are owned by the
// aggregator goroutine.
type runner struct {
	m        *Manager
	id       string
	seqBase  uint64
	events   chan any
	done     chan struct{}
	snapshot atomic.Pointer[Batch]
	// inflight counts granted phases whose worker has not returned.
	inflight sync.WaitGroup

	batch  *Batch
	ctx    context.Context
	cancel context.CancelFunc
	parked []workItem
	timers map[int]*time.Timer
	eta    *etaTracker
}

func newRunner(m *Manager, b *Batch, seqBase uint64) *runner {
	ctx, cancel := context.WithCancel(m.baseCtx)
	r := &runner{
		m:       m,
		id:      b.ID,
		seqBase: seqBase,
		events:  make(chan any, m.opts.EventBuffer),
		done:    make(chan struct{}),
		batch:   b,
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[int]*time.Timer),
		eta:     newETATracker(m.opts.ETASamples),
	}
	if b.ErrorSummary == nil {
		b.ErrorSummary = map[string]int{}
	}
	if b.Status.Terminal() {
		cancel()
	}
	r.publish()
	return r
}

func (r *runner) run() {
	defer r.m.aggWG.Done()
	defer close(r.done)
	for {
		select {
		case ev := <-r.events:
			if r.handle(ev) {
				return
			}
		case <-r.m.quit:
			r.stopTimers()
			r.cancel()
			r.persist()
			return
		}
	}
}

// post delivers an event unless the aggregator has exited.
func (r *runner) post(ev any) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.done:
		return false
	}
}

func (r *runner) begin(item workItem) grant {
	reply := make(chan grant, 1)
	if !r.post(beginEvent{item: item, reply: reply}) {
		return grant{}
	}
	select {
	case g := <-reply:
		return g
	case <-r.done:
		select {
		case g := <-reply:
			if g.ok {
				r.inflight.Done()
			}
		default:
		}
		return grant{}
	}
}

func (r *runner) control(action Action) (*Batch, string, error) {
	reply := make(chan controlReply, 1)
	if !r.post(controlEvent{action: action, reply: reply}) {
		return nil, "", ErrManagerStopped
	}
	select {
	case rep := <-reply:
		return rep.snapshot, rep.message, nil
	case <-r.done:
		return nil, "", ErrManagerStopped
	}
}

func (r *runner) close() {
	reply := make(chan struct{})
	if !r.post(closeEvent{reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-r.done:
	}
}

// handle applies one event; it returns true when the aggregator should exit.
func (r *runner) handle(ev any) bool {
	switch e := ev.(type) {
	case beginEvent:
		g := r.onBegin(e.item)
		e.reply <- g
	case progressEvent:
		r.onProgress(e)
	case resultEvent:
		r.onResult(e)
	case retryDueEvent:
		r.onRetryDue(e)
	case controlEvent:
		msg := r.onControl(e.action)
		r.publish()
		e.reply <- controlReply{snapshot: r.snapshot.Load(), message: msg}
		return false
	case closeEvent:
		r.stopTimers()
		r.cancel()
		r.parked = nil
		close(e.reply)
		return true
	}
	r.publish()
	return false
}

func (r *runner) item(idx int, phase Phase) workItem {
	return workItem{
		batchID:  r.id,
		fileIdx:  idx,
		phase:    phase,
		priority: r.batch.Priority,
		seq:      r.seqBase + uint64(idx), //nolint:gosec // idx is a slice index
	}
}

// schedule queues work, or parks it while the batch is paused.
func (r *runner) schedule(items ...workItem) {
	if r.batch.Status == StatusPaused {
		r.parked = append(r.parked, items...)
		return
	}
	r.m.queue.Push(items...)
}

func readyFor(f *File, phase Phase) bool {
	switch phase {
	case PhaseUpload:
		return f.Status == FilePending || (f.Status == FileRetrying && f.RetryPhase == PhaseUpload)
	case PhaseValidate:
		return f.Status == FileUploaded
	case PhaseProcess:
		return f.Status == FileValidated || (f.Status == FileRetrying && f.RetryPhase == PhaseProcess)
	}
	return false
}

func (r *runner) onBegin(item workItem) grant {
	b := r.batch
	if b.Status.Terminal() || item.fileIdx < 0 || item.fileIdx >= len(b.Files) {
		return grant{}
	}
	f := &b.Files[item.fileIdx]
	if !readyFor(f, item.phase) {
		return grant{}
	}
	if b.Status == StatusPaused {
		r.parked = append(r.parked, item)
		return grant{}
	}

	now := time.Now()
	if b.StartedAt == nil {
		b.StartedAt = &now
		r.eta.reset(now, 0)
	}
	if f.StartedAt == nil {
		f.StartedAt = &now
	}
	switch item.phase {
	case PhaseUpload:
		f.Status = FileUploading
		f.UploadProgress = 0
		f.UploadedBytes = 0
	case PhaseValidate:
		f.Status = FileValidating
	case PhaseProcess:
		f.Status = FileProcessing
		f.ProcessingProgress = 0
	}
	log.Debug().Str("batch_id", r.id).Str("file_id", f.ID).Str("phase", string(item.phase)).Msg("phase started")
	r.persist()
	r.inflight.Add(1)
	return grant{
		ok:              true,
		ctx:             r.ctx,
		file:            cloneFile(f),
		embed:           b.Embed,
		transformations: append([]string(nil), b.Transformations...),
	}
}

func cloneFile(f *File) File {
	c := *f
	c.NotebookIDs = append([]string(nil), f.NotebookIDs...)
	return c
}

func (r *runner) onProgress(e progressEvent) {
	if e.fileIdx < 0 || e.fileIdx >= len(r.batch.Files) {
		return
	}
	f := &r.batch.Files[e.fileIdx]
	pct := clamp(e.percent, 0, 100)
	switch {
	case e.phase == PhaseUpload && f.Status == FileUploading:
		if pct > f.UploadProgress {
			f.UploadProgress = pct
		}
		if e.bytes > f.UploadedBytes {
			f.UploadedBytes = min(e.bytes, f.FileSize)
		}
	case e.phase == PhaseProcess && f.Status == FileProcessing:
		if pct > f.ProcessingProgress {
			f.ProcessingProgress = pct
		}
	}
}

func (r *runner) onResult(e resultEvent) {
	b := r.batch
	idx := e.item.fileIdx
	if idx < 0 || idx >= len(b.Files) {
		return
	}
	f := &b.Files[idx]
	if b.Status == StatusCancelled || f.Status.Terminal() {
		return
	}

	switch {
	case e.err == nil:
		r.advance(f, e)
	case r.ctx.Err() != nil && isContextErr(e.err):
		r.interrupt(f, e.item)
	default:
		r.fail(f, e.item, e.err)
	}

	if allTerminal(b) {
		r.finish(terminalStatus(recounted(b)))
	}
	r.persist()
}

func recounted(b *Batch) *Batch {
	recount(b)
	return b
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (r *runner) advance(f *File, e resultEvent) {
	now := time.Now()
	f.ErrorMessage = ""
	f.ErrorCategory = ""
	f.RetryPhase = ""
	switch e.item.phase {
	case PhaseUpload:
		f.Status = FileUploaded
		f.UploadProgress = 100
		f.UploadedBytes = f.FileSize
		if e.outcome.storageKey != "" {
			f.StorageKey = e.outcome.storageKey
		}
		f.Checksum = e.outcome.checksum
		r.releaseSource(f)
		r.schedule(r.item(e.item.fileIdx, PhaseValidate))
	case PhaseValidate:
		f.Status = FileValidated
		if e.outcome.mimeType != "" && (f.MimeType == "" || f.MimeType == "application/octet-stream") {
			f.MimeType = e.outcome.mimeType
		}
		r.schedule(r.item(e.item.fileIdx, PhaseProcess))
	case PhaseProcess:
		f.Status = FileCompleted
		f.ProcessingProgress = 100
		f.SourceID = e.outcome.sourceID
		f.CompletedAt = &now
		log.Info().Str("batch_id", r.id).Str("file_id", f.ID).Str("filename", f.OriginalFilename).
			Str("source_id", f.SourceID).Msg("file ingested")
	}
}

// interrupt returns a file to the start of its phase after shutdown cut it short.
func (r *runner) interrupt(f *File, item workItem) {
	resetToPhaseStart(f, item.phase)
	r.parked = append(r.parked, item)
	log.Info().Str("batch_id", r.id).Str("file_id", f.ID).Str("phase", string(item.phase)).Msg("phase interrupted")
}

func resetToPhaseStart(f *File, phase Phase) {
	switch phase {
	case PhaseUpload:
		f.Status = FilePending
		f.UploadProgress = 0
		f.UploadedBytes = 0
	case PhaseValidate:
		f.Status = FileUploaded
	case PhaseProcess:
		f.Status = FileValidated
		f.ProcessingProgress = 0
	}
	f.RetryPhase = ""
}

func (r *runner) fail(f *File, item workItem, err error) {
	class, category, skip := classify(item.phase, err)
	if d := r.m.policy.Decide(class, f.RetryCount); d.Retry {
		f.RetryCount++
		f.Status = FileRetrying
		f.RetryPhase = item.phase
		f.ErrorMessage = err.Error()
		f.ErrorCategory = category
		if item.phase == PhaseUpload {
			f.UploadProgress = 0
			f.UploadedBytes = 0
		} else {
			f.ProcessingProgress = 0
		}
		idx, phase := item.fileIdx, item.phase
		r.timers[idx] = time.AfterFunc(d.Delay, func() {
			r.post(retryDueEvent{fileIdx: idx, phase: phase})
		})
		log.Warn().Str("batch_id", r.id).Str("file_id", f.ID).Str("phase", string(phase)).
			Int("retry", f.RetryCount).Dur("delay", d.Delay).Err(err).Msg("file phase failed, retrying")
		return
	}

	now := time.Now()
	f.ErrorMessage = err.Error()
	f.ErrorCategory = category
	f.CompletedAt = &now
	f.RetryPhase = ""
	if skip {
		f.Status = FileSkipped
	} else {
		f.Status = FileFailed
	}
	r.batch.ErrorSummary[category]++
	r.releaseSource(f)
	log.Warn().Str("batch_id", r.id).Str("file_id", f.ID).Str("phase", string(item.phase)).
		Str("category", category).Str("status", string(f.Status)).Err(err).Msg("file failed")
}

func (r *runner) onRetryDue(e retryDueEvent) {
	delete(r.timers, e.fileIdx)
	if r.batch.Status.Terminal() || e.fileIdx < 0 || e.fileIdx >= len(r.batch.Files) {
		return
	}
	f := &r.batch.Files[e.fileIdx]
	if f.Status != FileRetrying || f.RetryPhase != e.phase {
		return
	}
	r.schedule(r.item(e.fileIdx, e.phase))
}

// finish moves the batch to a terminal status.
func (r *runner) finish(status Status) {
	b := r.batch
	if b.Status.Terminal() {
		return
	}
	now := time.Now()
	b.Status = status
	b.CompletedAt = &now
	r.stopTimers()
	r.parked = nil
	r.cancel()
	recount(b)
	log.Info().Str("batch_id", r.id).Str("status", string(status)).Int("processed", b.ProcessedFiles).
		Int("failed", b.FailedFiles).Int("skipped", b.SkippedFiles).Msg("batch finished")
	r.m.announce(b.Clone())
}

func (r *runner) stopTimers() {
	for idx, t := range r.timers {
		t.Stop()
		delete(r.timers, idx)
	}
}

// releaseSource removes a staged payload the engine owns once it is no longer needed.
func (r *runner) releaseSource(f *File) {
	if !f.OwnsSource || f.SourcePath == "" {
		return
	}
	if err := os.Remove(f.SourcePath); err != nil && !os.IsNotExist(err) {
		log.Warn().Str("batch_id", r.id).Str("file_id", f.ID).Err(err).Msg("remove staged payload failed")
		return
	}
	f.SourcePath = ""
	f.OwnsSource = false
}

func (r *runner) persist() {
	r.m.persist(r.batch)
}

// publish recomputes derived fields and swaps in a fresh snapshot.
func (r *runner) publish() {
	b := r.batch
	recount(b)
	now := time.Now()
	switch {
	case b.Status == StatusCompleted:
		zero := 0.0
		b.EstimatedTimeRemaining = &zero
	case b.Status.Terminal(), b.Status == StatusPaused:
		b.EstimatedTimeRemaining = nil
	default:
		b.Status = activeStatus(b)
		if b.StartedAt != nil {
			done, total := weightedDone(b)
			r.eta.observe(now, done)
			b.EstimatedTimeRemaining = r.eta.estimate(done, total)
		}
	}
	r.snapshot.Store(b.Clone())
}
