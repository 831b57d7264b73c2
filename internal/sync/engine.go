package sync

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/matheus3301/tgsync/internal/bus"
	"github.com/matheus3301/tgsync/internal/filter"
	"github.com/matheus3301/tgsync/internal/metrics"
	"go.uber.org/zap"
)

// Store is everything ingestion needs from persistence.
type Store interface {
	ConversationStore
	MessageStore
	AccountSettings(accountID string) (*filter.Settings, error)
}

// Options tunes an Engine.
type Options struct {
	// SettingsTTL bounds how stale cached filter settings may be on the live path.
	SettingsTTL  time.Duration
	SettingsSize int
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Engine filters, reconciles and deduplicates inbound messages.
type Engine struct {
	store      Store
	reconciler *Reconciler
	dedup      *Deduplicator
	settings   *expirable.LRU[string, *filter.Settings]
	bus        *bus.Bus
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// MessageStored is the payload of message.upserted events.
type MessageStored struct {
	AccountID      string
	PeerID         string
	RemoteID       string
	ConversationID int64
	MessageID      int64
}

// BatchIngested is the payload of sync.batch_ingested events.
type BatchIngested struct {
	Size    int
	Saved   int
	Skipped int
	Deduped int
}

// NewEngine creates a new ingestion engine.
func NewEngine(s Store, b *bus.Bus, opts Options) *Engine {
	if opts.SettingsTTL <= 0 {
		opts.SettingsTTL = 30 * time.Second
	}
	if opts.SettingsSize <= 0 {
		opts.SettingsSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		store:      s,
		reconciler: NewReconciler(s),
		dedup:      NewDeduplicator(s),
		settings:   expirable.NewLRU[string, *filter.Settings](opts.SettingsSize, nil, opts.SettingsTTL),
		bus:        b,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
}

// InvalidateSettings drops the cached settings of an account, e.g. after a
// filter toggle.
func (e *Engine) InvalidateSettings(accountID string) {
	e.settings.Remove(accountID)
}

func (e *Engine) cachedSettings(accountID string) (*filter.Settings, error) {
	if s, ok := e.settings.Get(accountID); ok {
		return s, nil
	}
	s, err := e.store.AccountSettings(accountID)
	if err != nil {
		return nil, fmt.Errorf("load settings for %s: %w", accountID, err)
	}
	e.settings.Add(accountID, s)
	return s, nil
}

// Ingest runs one message through filter, reconciler and deduplicator.
// A rejection is a normal Result, not an error.
func (e *Engine) Ingest(msg InboundMessage) (Result, error) {
	if err := msg.Validate(); err != nil {
		return Result{}, err
	}
	settings, err := e.cachedSettings(msg.AccountID)
	if err != nil {
		return Result{}, err
	}
	if d := filter.Decide(settings, msg.candidate()); !d.Admit {
		e.recordSkip(d.Reason)
		e.logger.Debug("message rejected",
			zap.String("account", msg.AccountID),
			zap.String("peer", msg.PeerID),
			zap.String("reason", d.Reason))
		return Result{Reason: d.Reason}, nil
	}

	convID, err := e.reconciler.Upsert(msg.conversation())
	if err != nil {
		return Result{}, err
	}
	return e.saveAdmitted(&msg, convID)
}

// saveAdmitted deduplicates and inserts one admitted message.
func (e *Engine) saveAdmitted(msg *InboundMessage, convID int64) (Result, error) {
	id, deduped, err := e.dedup.InsertIfAbsent(msg.record(convID))
	if err != nil {
		return Result{}, fmt.Errorf("store message %s/%s: %w", msg.PeerID, msg.RemoteID, err)
	}
	if deduped {
		e.metrics.RecordIngest("deduped")
	} else {
		e.metrics.RecordIngest("saved")
		e.bus.Emit(bus.KindMessageStored, MessageStored{
			AccountID:      msg.AccountID,
			PeerID:         msg.PeerID,
			RemoteID:       msg.RemoteID,
			ConversationID: convID,
			MessageID:      id,
		})
	}
	return Result{Saved: true, ConversationID: convID, MessageID: id, Deduped: deduped}, nil
}

func (e *Engine) recordSkip(reason string) {
	e.metrics.RecordIngest("skipped")
	e.metrics.RecordRejection(reason)
}
