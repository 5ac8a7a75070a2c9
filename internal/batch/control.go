package batch

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ParseAction validates a control action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionPause, ActionResume, ActionCancel, ActionStart:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// Control applies pause, resume, cancel or start. Repeating an action, or
// issuing one against a terminal batch, succeeds without side effects.
func (m *Manager) Control(batchID, action string) (*Batch, string, error) {
	act, err := ParseAction(action)
	if err != nil {
		return nil, "", err
	}
	r := m.runner(batchID)
	if r == nil {
		return nil, "", notFound(batchID)
	}
	snap, msg, err := r.control(act)
	if err != nil {
		return nil, "", err
	}
	log.Info().Str("batch_id", batchID).Str("action", string(act)).Str("status", string(snap.Status)).Msg(msg)
	return snap, msg, nil
}

// onControl runs inside the aggregator.
func (r *runner) onControl(action Action) string {
	b := r.batch
	if b.Status.Terminal() {
		return fmt.Sprintf("batch already %s", b.Status)
	}
	switch action {
	case ActionStart:
		return r.start()
	case ActionPause:
		return r.pause()
	case ActionResume:
		return r.resume()
	case ActionCancel:
		return r.cancelBatch()
	}
	return "no-op"
}

func (r *runner) start() string {
	b := r.batch
	if b.Dispatched {
		return "batch already started"
	}
	b.Dispatched = true
	items := make([]workItem, 0, len(b.Files))
	for i := range b.Files {
		if ph, ok := phaseOf(&b.Files[i]); ok && b.Files[i].Status != FileRetrying {
			items = append(items, r.item(i, ph))
		}
	}
	r.schedule(items...)
	r.persist()
	return "batch started"
}

func (r *runner) pause() string {
	b := r.batch
	if b.Status == StatusPaused {
		return "batch already paused"
	}
	if !b.Dispatched {
		return "batch not started"
	}
	b.Status = StatusPaused
	r.parked = append(r.parked, r.m.queue.RemoveBatch(r.id)...)
	r.persist()
	return "batch paused"
}

func (r *runner) resume() string {
	b := r.batch
	if b.Status != StatusPaused {
		return "batch not paused"
	}
	b.Status = activeStatus(b)
	parked := r.parked
	r.parked = nil
	sortItems(parked)
	r.m.queue.Push(parked...)
	done, _ := weightedDone(b)
	r.eta.reset(time.Now(), done)
	r.persist()
	return "batch resumed"
}

func (r *runner) cancelBatch() string {
	b := r.batch
	r.cancel()
	r.stopTimers()
	r.m.queue.RemoveBatch(r.id)
	r.parked = nil
	now := time.Now()
	for i := range b.Files {
		f := &b.Files[i]
		if f.Status.Terminal() {
			continue
		}
		f.Status = FileSkipped
		f.ErrorMessage = "cancelled"
		f.RetryPhase = ""
		f.CompletedAt = &now
		r.releaseSource(f)
	}
	r.finish(StatusCancelled)
	r.persist()
	return "batch cancelled"
}

// Delete removes a batch. A batch that is still running is rejected unless
// force is set, in which case it is cancelled first. Stored payloads are
// removed on a best-effort basis.
func (m *Manager) Delete(ctx context.Context, batchID string, force bool) error {
	r := m.runner(batchID)
	if r == nil {
		return notFound(batchID)
	}
	if snap := r.snapshot.Load(); !snap.Status.Terminal() {
		if !force {
			return fmt.Errorf("%w: %s is %s", ErrBatchActive, batchID, snap.Status)
		}
		if _, _, err := r.control(ActionCancel); err != nil {
			return err
		}
	}
	// cancelled workers may still be writing objects
	if !waitInflight(ctx, r) {
		log.Warn().Str("batch_id", batchID).Msg("deleting while workers are still running")
	}
	r.close()

	m.mu.Lock()
	delete(m.runners, batchID)
	m.mu.Unlock()

	if err := m.store.DeleteBatch(ctx, batchID); err != nil {
		log.Warn().Str("batch_id", batchID).Err(err).Msg("delete batch record failed")
	}
	if err := m.storage.DeletePrefix(ctx, batchID); err != nil {
		log.Warn().Str("batch_id", batchID).Err(err).Msg("storage cleanup failed")
	}
	for _, f := range r.snapshot.Load().Files {
		if f.OwnsSource && f.SourcePath != "" {
			if err := os.Remove(f.SourcePath); err != nil && !os.IsNotExist(err) {
				log.Warn().Str("batch_id", batchID).Str("file_id", f.ID).Err(err).Msg("remove staged payload failed")
			}
		}
	}
	log.Info().Str("batch_id", batchID).Bool("force", force).Msg("batch deleted")
	return nil
}

func waitInflight(ctx context.Context, r *runner) bool {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
