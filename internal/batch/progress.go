package batch

import (
	"math"
	"time"
)

const maxActiveProgress = 99

// combinedProgress is the file's own completion in percent.
func combinedProgress(f *File) float64 {
	if f.Status == FileCompleted {
		return 100
	}
	p := math.Max(f.UploadProgress, f.ProcessingProgress)
	return clamp(p, 0, maxActiveProgress)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// weightedDone returns completed work and total work, in bytes when the batch
// has any, otherwise in files.
func weightedDone(b *Batch) (done, total float64) {
	bySize := b.TotalSize > 0
	for i := range b.Files {
		f := &b.Files[i]
		w := 1.0
		if bySize {
			w = float64(f.FileSize)
		}
		total += w
		done += w * combinedProgress(f) / 100
	}
	return done, total
}

// recount refreshes the counters and size totals derived from file records.
func recount(b *Batch) {
	b.ProcessedFiles, b.FailedFiles, b.SkippedFiles = 0, 0, 0
	b.UploadedSize = 0
	for i := range b.Files {
		f := &b.Files[i]
		switch f.Status {
		case FileCompleted:
			b.ProcessedFiles++
		case FileFailed:
			b.FailedFiles++
		case FileSkipped:
			b.SkippedFiles++
		}
		b.UploadedSize += f.UploadedBytes
	}
	done, total := weightedDone(b)
	if total > 0 {
		b.ProgressPercentage = clamp(round2(done*100/total), 0, 100)
	}
	if b.ProcessedFiles == b.TotalFiles && b.TotalFiles > 0 {
		b.ProgressPercentage = 100
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// allTerminal reports whether every file reached a terminal status.
func allTerminal(b *Batch) bool {
	for i := range b.Files {
		if !b.Files[i].Status.Terminal() {
			return false
		}
	}
	return true
}

// phaseOf returns the phase a non-terminal file is in or queued for.
func phaseOf(f *File) (Phase, bool) {
	switch f.Status {
	case FilePending, FileUploading:
		return PhaseUpload, true
	case FileUploaded, FileValidating:
		return PhaseValidate, true
	case FileValidated, FileProcessing:
		return PhaseProcess, true
	case FileRetrying:
		if f.RetryPhase == "" {
			return PhaseUpload, true
		}
		return f.RetryPhase, true
	}
	return "", false
}

// dominantStatus labels an active batch by the phase holding the most files.
// Ties go to the earlier phase. Returns "" when no file is in any phase.
func dominantStatus(b *Batch) Status {
	var upload, validate, process int
	for i := range b.Files {
		ph, ok := phaseOf(&b.Files[i])
		if !ok {
			continue
		}
		switch ph {
		case PhaseUpload:
			upload++
		case PhaseValidate:
			validate++
		case PhaseProcess:
			process++
		}
	}
	switch {
	case upload == 0 && validate == 0 && process == 0:
		return ""
	case upload >= validate && upload >= process:
		return StatusUploading
	case validate >= process:
		return StatusValidating
	default:
		return StatusProcessing
	}
}

// activeStatus is the status a running batch should report right now.
func activeStatus(b *Batch) Status {
	if b.StartedAt == nil {
		return StatusInitializing
	}
	if s := dominantStatus(b); s != "" {
		return s
	}
	return b.Status
}

// terminalStatus returns the final status once every file is terminal.
func terminalStatus(b *Batch) Status {
	if b.TotalFiles > 0 && b.FailedFiles == b.TotalFiles {
		return StatusFailed
	}
	return StatusCompleted
}

type etaSample struct {
	at   time.Time
	done float64
}

// etaTracker estimates remaining time from a moving window of the last N
// samples of completed work. reset seeds the window with a baseline.
type etaTracker struct {
	samples []etaSample
	size    int
}

func newETATracker(size int) *etaTracker {
	if size < 2 {
		size = 2
	}
	return &etaTracker{size: size}
}

func (e *etaTracker) reset(at time.Time, done float64) {
	e.samples = append(e.samples[:0], etaSample{at: at, done: done})
}

func (e *etaTracker) observe(at time.Time, done float64) {
	if n := len(e.samples); n > 0 && e.samples[n-1].done == done {
		return
	}
	e.samples = append(e.samples, etaSample{at: at, done: done})
	if len(e.samples) > e.size {
		e.samples = e.samples[len(e.samples)-e.size:]
	}
}

// estimate returns seconds remaining, or nil when no positive rate is known.
func (e *etaTracker) estimate(done, total float64) *float64 {
	if len(e.samples) < 2 {
		return nil
	}
	first, last := e.samples[0], e.samples[len(e.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	delta := last.done - first.done
	if elapsed <= 0 || delta <= 0 {
		return nil
	}
	rate := delta / elapsed
	remaining := math.Max(total-done, 0) / rate
	remaining = math.Max(math.Round(remaining*10)/10, 0)
	return &remaining
}

// EstimateDuration is the rough up-front duration guess, in seconds, for a
// batch of the given shape: 5s per file plus 1s per MiB, scaled by priority.
func EstimateDuration(files int, totalSize int64, p Priority) float64 {
	base := float64(files)*5 + float64(totalSize)/(1<<20)
	est := base * p.durationFactor()
	return math.Min(math.Round(est*10)/10, maxEstimatedDuration)
}
