package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adi-253/Haven/backend/internal/api"
	"github.com/adi-253/Haven/backend/internal/reconciler"
	"go.uber.org/zap"
)

// Fetcher is the part of the REST client the poller needs.
type Fetcher interface {
	ListMessages(ctx context.Context, id int64) ([]map[string]any, error)
}

// Poller is the polling fallback. On every tick it refetches the messages of
// the conversation on screen, and optionally of every listed conversation,
// and merges them through the reconciler.
//
// The target is read from the store at tick time, never captured when the
// loop starts, so switching conversations between ticks polls the new one.
type Poller struct {
	api      Fetcher
	recon    *reconciler.Reconciler
	interval time.Duration
	all      bool
	logger   *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once

	// halted is set on 401/403 so a revoked token does not hammer the API
	halted atomic.Bool
}

// New creates a poller.
// - interval: how often to poll (1-10 seconds is typical)
// - all: also poll every conversation in the list, not just the active one
func New(fetcher Fetcher, recon *reconciler.Reconciler, interval time.Duration, all bool, logger *zap.Logger) *Poller {
	return &Poller{
		api:      fetcher,
		recon:    recon,
		interval: interval,
		all:      all,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start runs the polling loop until Stop is called or ctx is done.
// It should be called with 'go'.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("poller started", zap.Duration("interval", p.interval), zap.Bool("all_conversations", p.all))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Poll(ctx)
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-p.stopChan:
			p.logger.Info("poller stopped")
			return
		}
	}
}

// Stop ends the polling loop. Safe to call more than once.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
}

// Halted reports whether polling stopped after an auth failure.
func (p *Poller) Halted() bool {
	return p.halted.Load()
}

// Resume re-opens the auth gate, e.g. after the token was refreshed.
func (p *Poller) Resume() {
	p.halted.Store(false)
}

// Poll runs one tick. Transport errors are logged and retried next tick;
// auth errors close the gate.
func (p *Poller) Poll(ctx context.Context) {
	if p.halted.Load() {
		return
	}

	for _, id := range p.targets() {
		raws, err := p.api.ListMessages(ctx, id)
		if err != nil {
			if api.IsAuthError(err) {
				p.halted.Store(true)
				p.logger.Error("poll unauthorized, polling halted", zap.Int64("conversation_id", id), zap.Error(err))
				return
			}
			p.logger.Warn("poll failed", zap.Int64("conversation_id", id), zap.Error(err))
			continue
		}

		n, outcome := p.recon.MergeMessages(id, raws)
		if n > 0 {
			p.logger.Debug("poll merged messages", zap.Int64("conversation_id", id), zap.Int("new", n))
		}
		if outcome == reconciler.UnknownConversation {
			p.logger.Debug("polled conversation left the store", zap.Int64("conversation_id", id))
		}
	}
}

func (p *Poller) targets() []int64 {
	st := p.recon.Store()
	active := st.Active()

	var ids []int64
	if active != 0 {
		ids = append(ids, active)
	}
	if p.all {
		for _, c := range st.Conversations() {
			if c.ID != active {
				ids = append(ids, c.ID)
			}
		}
	}
	return ids
}
