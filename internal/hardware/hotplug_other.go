//go:build !linux

package hardware

import (
	"context"

	"go.uber.org/zap"
)

// Invalidator is implemented by Cache.
type Invalidator interface {
	Invalidate()
}

// HotplugWatcher is inert outside linux; the cache relies on its TTL.
type HotplugWatcher struct{}

func NewHotplugWatcher(Invalidator, *zap.Logger) *HotplugWatcher { return &HotplugWatcher{} }

func (w *HotplugWatcher) Start(context.Context) error { return nil }

func (w *HotplugWatcher) Stop() {}

func (w *HotplugWatcher) Running() bool { return false }
