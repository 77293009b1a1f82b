package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pocketmirror/internal/config"
	"pocketmirror/internal/logging"
	"pocketmirror/internal/state"
	"pocketmirror/internal/telegram"
)

// Engine assembles the registry, the three loops, and their collaborators,
// and owns the startup/shutdown sequence.
type Engine struct {
	cfg   *config.Config
	reg   *Registry
	tg    *telegram.Client
	disc  Discovery
	store *state.Store

	sel       *Selector
	topology  *Topology
	forwarder *Forwarder
	inbound   *Inbound
}

// NewEngine wires an engine from its external collaborators. transcriber may
// be nil when voice support is unconfigured.
func NewEngine(cfg *config.Config, tg *telegram.Client, disc Discovery, store *state.Store, transcriber Transcriber) *Engine {
	e := &Engine{
		cfg:   cfg,
		reg:   NewRegistry(),
		tg:    tg,
		disc:  disc,
		store: store,
	}

	e.sel = NewSelector(e.reg, store, e.notify, cfg.Mirror.Debounce())
	e.topology = NewTopology(e.reg, disc, e.sel, e.notify, cfg.Mirror.Focus(), cfg.Mirror.Scan())
	e.forwarder = NewForwarder(
		e.reg, tg,
		store.LoadChatID, store.Muted,
		cfg.Mirror.StabilityTicks, cfg.Mirror.ThinkingLimit,
	)
	router := NewConfirmRouter(e.reg)
	e.inbound = NewInbound(e.reg, tg, store, router, e.sel, transcriber)
	return e
}

// notify sends a best-effort status line to the paired chat. Silently
// dropped while muted or before pairing.
func (e *Engine) notify(text string) {
	if e.store.Muted() {
		return
	}
	chatID := e.store.LoadChatID()
	if chatID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.tg.SendMessage(ctx, chatID, text); err != nil {
		logging.Telegram("notify: %v", err)
	}
}

// Run performs startup checks, seeds the topology, and drives the three
// loops until ctx is cancelled or one of them fails unrecoverably.
func (e *Engine) Run(ctx context.Context) error {
	runID := uuid.NewString()[:8]
	logging.Boot("engine run %s starting", runID)

	me, err := e.tg.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("external channel unreachable: %w", err)
	}
	logging.Boot("run %s: channel bot @%s", runID, me.Username)

	if e.cfg.Telegram.OwnerID != 0 && e.store.LoadOwnerID() == 0 {
		if err := e.store.SaveOwnerID(e.cfg.Telegram.OwnerID); err != nil {
			logging.Boot("seed owner id: %v", err)
		}
	}

	if err := e.disc.Reconnect(ctx); err != nil {
		return fmt.Errorf("introspection endpoint unreachable: %w", err)
	}

	e.topology.Rescan(ctx)
	if len(e.reg.Instances()) == 0 {
		return fmt.Errorf("no client instances discoverable; is the IDE running with remote debugging enabled?")
	}
	e.sel.Restore()
	if ref, name := e.reg.Mirrored(); !ref.IsZero() {
		logging.Boot("mirroring %q in %s", name, e.reg.InstanceLabel(ref.InstanceID))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.topology.Run(gctx) })
	g.Go(func() error { return e.runMonitor(gctx) })
	g.Go(func() error { return e.inbound.Run(gctx) })
	g.Go(func() error {
		err := e.store.WatchMute(gctx, func(muted bool) {
			if muted {
				logging.Boot("mute flag set externally; pausing outward sends")
			} else {
				logging.Boot("mute flag cleared externally; resuming")
			}
		})
		if err != nil {
			// Mirroring works without the watcher; mute is still read per tick.
			logging.Boot("mute watch unavailable: %v", err)
		}
		return nil
	})
	return g.Wait()
}

// runMonitor ticks the forwarder on the configured interval.
func (e *Engine) runMonitor(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Mirror.Tick())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.forwarder.Tick(ctx)
		}
	}
}
