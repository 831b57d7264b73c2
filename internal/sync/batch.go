package sync

import (
	"fmt"

	"github.com/matheus3301/tgsync/internal/bus"
	"github.com/matheus3301/tgsync/internal/filter"
	"go.uber.org/zap"
)

type peerKey struct {
	accountID string
	peerID    string
}

type peerGroup struct {
	latest ConversationInput
	convID int64
}

// IngestBatch ingests msgs with one settings lookup per account, one
// conversation upsert per (account, peer) and one dedup insert per admitted
// message. The outcome matches calling Ingest on each message in order.
// Results are index-aligned with msgs.
func (e *Engine) IngestBatch(msgs []InboundMessage) (BatchResult, error) {
	for i := range msgs {
		if err := msgs[i].Validate(); err != nil {
			return BatchResult{}, fmt.Errorf("batch item %d: %w", i, err)
		}
	}

	out := BatchResult{Results: make([]Result, len(msgs))}
	settings := make(map[string]*filter.Settings)
	groups := make(map[peerKey]*peerGroup)
	var (
		order    []peerKey
		admitted []int
	)

	for i := range msgs {
		m := &msgs[i]
		s, ok := settings[m.AccountID]
		if !ok {
			var err error
			if s, err = e.store.AccountSettings(m.AccountID); err != nil {
				return BatchResult{}, fmt.Errorf("load settings for %s: %w", m.AccountID, err)
			}
			settings[m.AccountID] = s
		}

		if d := filter.Decide(s, m.candidate()); !d.Admit {
			out.Results[i] = Result{Reason: d.Reason}
			out.SkippedCount++
			e.recordSkip(d.Reason)
			continue
		}

		k := peerKey{m.AccountID, m.PeerID}
		g, ok := groups[k]
		switch {
		case !ok:
			groups[k] = &peerGroup{latest: m.conversation()}
			order = append(order, k)
		case m.Timestamp >= g.latest.Timestamp:
			// Later-scanned wins on equal timestamps.
			g.latest = m.conversation()
		}
		admitted = append(admitted, i)
	}

	for _, k := range order {
		g := groups[k]
		id, err := e.reconciler.Upsert(g.latest)
		if err != nil {
			return BatchResult{}, err
		}
		g.convID = id
	}

	for _, i := range admitted {
		m := &msgs[i]
		res, err := e.saveAdmitted(m, groups[peerKey{m.AccountID, m.PeerID}].convID)
		if err != nil {
			return BatchResult{}, err
		}
		out.Results[i] = res
		out.SavedCount++
		if res.Deduped {
			out.DedupedCount++
		}
	}

	e.metrics.ObserveBatch(len(msgs))
	e.bus.Emit(bus.KindBatchIngested, BatchIngested{
		Size:    len(msgs),
		Saved:   out.SavedCount,
		Skipped: out.SkippedCount,
		Deduped: out.DedupedCount,
	})
	e.logger.Debug("batch ingested",
		zap.Int("size", len(msgs)),
		zap.Int("conversations", len(order)),
		zap.Int("saved", out.SavedCount),
		zap.Int("skipped", out.SkippedCount),
		zap.Int("deduped", out.DedupedCount))
	return out, nil
}
