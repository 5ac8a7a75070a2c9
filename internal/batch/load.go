package batch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// LoadFromDisk restores batches from the store. Non-terminal files go back to
// the start of their current phase. Started batches are queued again, paused
// ones keep their work parked and batches never started wait for a start.
func (m *Manager) LoadFromDisk(ctx context.Context) error {
	batches, err := m.store.LoadBatches(ctx)
	if err != nil {
		return fmt.Errorf("load batches: %w", err)
	}
	sort.SliceStable(batches, func(i, j int) bool {
		return batches[i].CreatedAt.Before(batches[j].CreatedAt)
	})

	var restored, requeued int
	for _, b := range batches {
		if b == nil || b.ID == "" || m.runner(b.ID) != nil {
			continue
		}
		requeued += m.restore(b)
		restored++
	}
	log.Info().Int("batches", restored).Int("requeued", requeued).Msg("batches restored")
	return nil
}

// restore registers one loaded batch and returns how many items it queued.
func (m *Manager) restore(b *Batch) int {
	for i := range b.Files {
		f := &b.Files[i]
		if ph, ok := phaseOf(f); ok {
			resetToPhaseStart(f, ph)
		}
	}
	n := uint64(len(b.Files))
	r := newRunner(m, b, m.seq.Add(n)-n)
	// registered before anything is queued so the dispatcher can find it;
	// events posted meanwhile wait in the buffer until run starts
	m.mu.Lock()
	m.runners[b.ID] = r
	m.mu.Unlock()

	queued := 0
	switch {
	case b.Status.Terminal():
	case allTerminal(b):
		r.finish(terminalStatus(recounted(b)))
	case b.Dispatched:
		items := make([]workItem, 0, len(b.Files))
		for i := range b.Files {
			if ph, ok := phaseOf(&b.Files[i]); ok {
				items = append(items, r.item(i, ph))
			}
		}
		if b.Status == StatusPaused {
			r.parked = items
		} else {
			m.queue.Push(items...)
			queued = len(items)
		}
		if b.StartedAt != nil {
			done, _ := weightedDone(b)
			r.eta.reset(time.Now(), done)
		}
	}
	r.publish()
	m.persist(b)

	m.aggWG.Add(1)
	go r.run()
	log.Debug().Str("batch_id", b.ID).Str("status", string(b.Status)).Int("queued", queued).Msg("batch restored")
	return queued
}
