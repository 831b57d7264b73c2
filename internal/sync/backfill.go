package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Dialog is one conversation as listed by the worker.
type Dialog struct {
	PeerID        string
	PeerType      string
	Name          string
	Username      string
	UnreadCount   int
	LastMessageAt int64
}

// HistorySource lists dialogs and fetches recent messages for an account.
type HistorySource interface {
	GetDialogs(ctx context.Context, accountID string, limit int) ([]Dialog, error)
	FetchMessages(ctx context.Context, accountID string, d Dialog, limit int) ([]InboundMessage, error)
}

// CheckpointStore persists backfill progress.
type CheckpointStore interface {
	Checkpoint(key string) (string, bool, error)
	SetCheckpoint(key, value string) error
	TouchLastSync(accountID string, ts int64) error
}

// BatchIngester ingests a batch of messages.
type BatchIngester interface {
	IngestBatch(msgs []InboundMessage) (BatchResult, error)
}

// BackfillReport summarises one Backfiller.Run.
type BackfillReport struct {
	Dialogs  int `json:"dialogs"`
	UpToDate int `json:"upToDate"`
	Failed   int `json:"failed"`
	Saved    int `json:"saved"`
	Skipped  int `json:"skipped"`
	Deduped  int `json:"deduped"`
}

// Backfiller pulls recent history for every dialog that changed since the
// last run and ingests it through the batch path.
type Backfiller struct {
	source      HistorySource
	checkpoints CheckpointStore
	ingest      BatchIngester
	dialogs     int
	messages    int
	logger      *zap.Logger
}

// NewBackfiller creates a backfiller fetching up to dialogs dialogs and
// messages messages per dialog.
func NewBackfiller(src HistorySource, cp CheckpointStore, ing BatchIngester, dialogs, messages int, logger *zap.Logger) *Backfiller {
	if dialogs <= 0 {
		dialogs = 50
	}
	if messages <= 0 {
		messages = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backfiller{
		source:      src,
		checkpoints: cp,
		ingest:      ing,
		dialogs:     dialogs,
		messages:    messages,
		logger:      logger,
	}
}

// CheckpointKey names the backfill checkpoint of one dialog.
func CheckpointKey(accountID, peerID string) string {
	return fmt.Sprintf("backfill:%s:%s", accountID, peerID)
}

// Run backfills accountID. A failing dialog is logged and skipped; the
// returned error aggregates all dialog failures.
func (b *Backfiller) Run(ctx context.Context, accountID string) (BackfillReport, error) {
	var report BackfillReport
	dialogs, err := b.source.GetDialogs(ctx, accountID, b.dialogs)
	if err != nil {
		return report, fmt.Errorf("list dialogs: %w", err)
	}
	report.Dialogs = len(dialogs)

	var errs error
	for _, d := range dialogs {
		if err := ctx.Err(); err != nil {
			return report, multierr.Append(errs, err)
		}
		key := CheckpointKey(accountID, d.PeerID)
		if b.upToDate(key, d) {
			report.UpToDate++
			continue
		}
		res, err := b.dialog(ctx, accountID, d)
		if err != nil {
			report.Failed++
			errs = multierr.Append(errs, fmt.Errorf("dialog %s: %w", d.PeerID, err))
			b.logger.Warn("backfill dialog failed", zap.String("account", accountID), zap.String("peer", d.PeerID), zap.Error(err))
			continue
		}
		report.Saved += res.SavedCount
		report.Skipped += res.SkippedCount
		report.Deduped += res.DedupedCount
		if d.LastMessageAt > 0 {
			if err := b.checkpoints.SetCheckpoint(key, strconv.FormatInt(d.LastMessageAt, 10)); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("checkpoint %s: %w", key, err))
			}
		}
	}

	if err := b.checkpoints.TouchLastSync(accountID, time.Now().UnixMilli()); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("touch last sync: %w", err))
	}
	b.logger.Info("backfill finished",
		zap.String("account", accountID),
		zap.Int("dialogs", report.Dialogs),
		zap.Int("up_to_date", report.UpToDate),
		zap.Int("saved", report.Saved),
		zap.Int("deduped", report.Deduped),
		zap.Int("failed", report.Failed))
	return report, errs
}

func (b *Backfiller) upToDate(key string, d Dialog) bool {
	if d.LastMessageAt <= 0 {
		return false
	}
	v, ok, err := b.checkpoints.Checkpoint(key)
	if err != nil || !ok {
		return false
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	return err == nil && ts >= d.LastMessageAt
}

func (b *Backfiller) dialog(ctx context.Context, accountID string, d Dialog) (BatchResult, error) {
	msgs, err := b.source.FetchMessages(ctx, accountID, d, b.messages)
	if err != nil {
		return BatchResult{}, err
	}
	if len(msgs) == 0 {
		return BatchResult{}, nil
	}
	return b.ingest.IngestBatch(msgs)
}
