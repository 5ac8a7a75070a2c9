package batch

import (
	"math"
	"sort"
)

// Status returns the last published snapshot of a batch. It never waits on
// in-flight work.
func (m *Manager) Status(batchID string) (*Batch, error) {
	r := m.runner(batchID)
	if r == nil {
		return nil, notFound(batchID)
	}
	return r.snapshot.Load(), nil
}

// Files lists the files of a batch, optionally only those with the given status.
func (m *Manager) Files(batchID, statusFilter string) ([]File, error) {
	if statusFilter != "" && !ValidFileStatus(statusFilter) {
		return nil, newValidationError("status_filter", "unknown file status %q", statusFilter)
	}
	snap, err := m.Status(batchID)
	if err != nil {
		return nil, err
	}
	if statusFilter == "" {
		return snap.Files, nil
	}
	out := make([]File, 0, len(snap.Files))
	for _, f := range snap.Files {
		if string(f.Status) == statusFilter {
			out = append(out, f)
		}
	}
	return out, nil
}

// snapshots returns the current snapshot of every batch visible to owner,
// oldest first. An empty owner sees everything.
func (m *Manager) snapshots(owner string) []*Batch {
	m.mu.RLock()
	out := make([]*Batch, 0, len(m.runners))
	for _, r := range m.runners {
		snap := r.snapshot.Load()
		if owner != "" && snap.Owner != owner {
			continue
		}
		out = append(out, snap)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Active summarizes every batch that has not reached a terminal status.
func (m *Manager) Active(owner string) []Summary {
	var out []Summary
	for _, b := range m.snapshots(owner) {
		if b.Status.Terminal() {
			continue
		}
		out = append(out, summarize(b))
	}
	return out
}

func summarize(b *Batch) Summary {
	return Summary{
		ID:                 b.ID,
		Status:             b.Status,
		Priority:           b.Priority,
		ProgressPercentage: b.ProgressPercentage,
		TotalFiles:         b.TotalFiles,
		ProcessedFiles:     b.ProcessedFiles,
		FailedFiles:        b.FailedFiles,
		SkippedFiles:       b.SkippedFiles,
		TotalSize:          b.TotalSize,
		UploadedSize:       b.UploadedSize,
		CreatedAt:          b.CreatedAt,
		StartedAt:          b.StartedAt,
	}
}

// Stats aggregates counters over the batches visible to owner.
func (m *Manager) Stats(owner string) Stats {
	st := Stats{
		ErrorSummary: map[string]int{},
		ByStatus:     map[Status]int{},
		QueuedItems:  m.queue.Len(),
		Busy:         m.IsBusy(),
		WorkerSlots:  cap(m.semaphore),
	}
	if p := m.pressure.Load(); p != nil {
		st.Pressure = *p
	}
	for _, b := range m.snapshots(owner) {
		st.TotalBatches++
		st.ByStatus[b.Status]++
		switch b.Status {
		case StatusCompleted:
			st.CompletedBatches++
		case StatusFailed:
			st.FailedBatches++
		case StatusCancelled:
			st.CancelledBatches++
		case StatusPaused:
			st.PausedBatches++
			st.ActiveBatches++
		case StatusUploading, StatusValidating, StatusProcessing:
			st.ProcessingBatches++
			st.ActiveBatches++
		default:
			st.ActiveBatches++
		}
		st.TotalFiles += b.TotalFiles
		st.ProcessedFiles += b.ProcessedFiles
		st.FailedFiles += b.FailedFiles
		st.SkippedFiles += b.SkippedFiles
		st.TotalSizeBytes += b.TotalSize
		for k, v := range b.ErrorSummary {
			st.ErrorSummary[k] += v
		}
	}
	st.TotalSizeMB = math.Round(float64(st.TotalSizeBytes)/(1<<20)*100) / 100
	if st.TotalBatches > 0 {
		st.AverageBatchSize = math.Round(float64(st.TotalFiles)/float64(st.TotalBatches)*100) / 100
	}
	return st
}
