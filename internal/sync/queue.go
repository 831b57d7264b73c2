package sync

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"
	"time"

	"github.com/matheus3301/tgsync/internal/metrics"
	"github.com/matheus3301/tgsync/internal/store"
	"go.uber.org/zap"
)

// Spool is the on-disk overflow for the live queue.
type Spool interface {
	SpoolPush(payload []byte) error
	SpoolPeek(n int) ([]store.SpoolItem, error)
	SpoolDelete(ids ...int64) error
	SpoolDepth() (int, error)
}

// Ingester ingests one message.
type Ingester interface {
	Ingest(msg InboundMessage) (Result, error)
}

// QueueOptions tunes a Queue.
type QueueOptions struct {
	Size          int
	Workers       int
	DrainInterval time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Queue decouples live message events from ingestion. Enqueue never blocks:
// when the channel is full the message is spilled to the spool, and a drain
// loop feeds spilled messages back, oldest first, as room frees up.
type Queue struct {
	ch       chan InboundMessage
	spool    Spool
	ingest   Ingester
	workers  int
	interval time.Duration
	wake     chan struct{}
	logger   *zap.Logger
	metrics  *metrics.Metrics

	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// NewQueue creates a stopped queue.
func NewQueue(ing Ingester, sp Spool, opts QueueOptions) *Queue {
	if opts.Size <= 0 {
		opts.Size = 2000
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Queue{
		ch:       make(chan InboundMessage, opts.Size),
		spool:    sp,
		ingest:   ing,
		workers:  opts.Workers,
		interval: opts.DrainInterval,
		wake:     make(chan struct{}, 1),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Enqueue accepts msg for ingestion.
func (q *Queue) Enqueue(msg InboundMessage) error {
	select {
	case q.ch <- msg:
		return nil
	default:
	}
	if err := q.spill(msg); err != nil {
		return err
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of in-memory messages waiting.
func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) spill(msg InboundMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode spilled message: %w", err)
	}
	if err := q.spool.SpoolPush(payload); err != nil {
		return err
	}
	q.updateDepth()
	return nil
}

func (q *Queue) updateDepth() {
	if n, err := q.spool.SpoolDepth(); err == nil {
		q.metrics.SetSpoolDepth(n)
	}
}

// Start launches the ingestion workers and the drain loop.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.work(ctx)
		}()
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.drainLoop(ctx)
	}()
}

// Stop halts the workers and spills whatever is still buffered in memory so
// the next run picks it up.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	spilled := 0
	for {
		select {
		case msg := <-q.ch:
			if err := q.spill(msg); err != nil {
				q.logger.Error("failed to spill message on stop", zap.Error(err), zap.String("peer", msg.PeerID))
				continue
			}
			spilled++
		default:
			if spilled > 0 {
				q.logger.Info("spilled buffered messages", zap.Int("count", spilled))
			}
			return
		}
	}
}

func (q *Queue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q.ch:
			res, err := q.ingest.Ingest(msg)
			if err != nil {
				q.logger.Error("failed to ingest message",
					zap.Error(err),
					zap.String("account", msg.AccountID),
					zap.String("peer", msg.PeerID),
					zap.String("remote_id", msg.RemoteID))
				continue
			}
			if !res.Saved {
				q.logger.Debug("message skipped", zap.String("peer", msg.PeerID), zap.String("reason", res.Reason))
			}
		}
	}
}

func (q *Queue) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		if err := q.drain(ctx); err != nil && ctx.Err() == nil {
			q.logger.Warn("spool drain failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.wake:
		}
	}
}

// drain moves spooled messages into the channel, waiting for room. Each item
// is deleted once handed over; a crash in between replays it, which the
// deduplicator absorbs.
func (q *Queue) drain(ctx context.Context) error {
	for {
		items, err := q.spool.SpoolPeek(100)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			q.metrics.SetSpoolDepth(0)
			return nil
		}
		for _, it := range items {
			var msg InboundMessage
			if err := json.Unmarshal(it.Payload, &msg); err != nil {
				q.logger.Error("dropping undecodable spool item", zap.Int64("id", it.ID), zap.Error(err))
			} else {
				select {
				case q.ch <- msg:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err := q.spool.SpoolDelete(it.ID); err != nil {
				return err
			}
		}
		q.updateDepth()
	}
}
