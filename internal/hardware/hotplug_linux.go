package hardware

import (
	"context"
	"sync"

	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"
)

// Invalidator is implemented by Cache.
type Invalidator interface {
	Invalidate()
}

// HotplugWatcher listens for udev GPU add/remove events and invalidates the
// detection cache when one arrives.
type HotplugWatcher struct {
	target Invalidator
	logger *zap.Logger

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// NewHotplugWatcher creates a watcher invalidating target.
func NewHotplugWatcher(target Invalidator, logger *zap.Logger) *HotplugWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HotplugWatcher{target: target, logger: logger.Named("hotplug")}
}

// Start connects to the udev netlink socket. A failed connection is logged
// and leaves the cache on its TTL.
func (w *HotplugWatcher) Start(ctx context.Context) error {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		w.logger.Warn("failed to connect to netlink socket; hardware cache relies on its TTL", zap.Error(err))
		return nil
	}

	w.conn = conn
	w.quit = make(chan struct{})
	w.running = true

	quit := w.quit
	go w.loop(ctx, conn, quit)

	w.logger.Info("hotplug watcher started")
	return nil
}

// Stop shuts the watcher down. It is safe to call more than once.
func (w *HotplugWatcher) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if w.quit != nil {
		close(w.quit)
		w.quit = nil
	}
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
	w.running = false
	w.logger.Info("hotplug watcher stopped")
}

// Running reports whether the watcher is active.
func (w *HotplugWatcher) Running() bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *HotplugWatcher) loop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, hotplugMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case ev := <-queue:
			w.logger.Info("gpu hotplug event",
				zap.String("action", string(ev.Action)),
				zap.String("subsystem", ev.Env["SUBSYSTEM"]),
				zap.String("kobj", ev.KObj))
			w.target.Invalidate()
		case err := <-errs:
			w.logger.Warn("netlink monitor error", zap.Error(err))
		}
	}
}

// hotplugMatcher matches add/remove events for DRM cards.
func hotplugMatcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "^drm$",
			"DEVNAME":   "card[0-9]+$",
		},
	})
	return rules
}
