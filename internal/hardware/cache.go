package hardware

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DetectFunc performs one detection pass.
type DetectFunc func(ctx context.Context) ([]ComputeDevice, error)

// Cache holds the result of the latest detection pass. At most one pass is
// in flight; concurrent callers wait for it instead of starting their own.
type Cache struct {
	mu         sync.RWMutex
	devices    []ComputeDevice
	err        error
	fetchedAt  time.Time
	valid      bool
	generation uint64

	detect DetectFunc
	ttl    time.Duration
	group  singleflight.Group
	now    func() time.Time
	logger *zap.Logger
}

const detectKey = "detect"

// NewCache creates a cache over detect. A zero ttl keeps results until Invalidate.
func NewCache(detect DetectFunc, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		detect: detect,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.Named("hardware_cache"),
	}
}

// Devices returns the cached devices, running a detection pass when the
// slot is empty or expired. The pass itself is not cancelled when ctx is;
// only this caller stops waiting.
func (c *Cache) Devices(ctx context.Context) ([]ComputeDevice, error) {
	c.mu.RLock()
	if c.valid && (c.ttl == 0 || c.now().Sub(c.fetchedAt) < c.ttl) {
		devices, err := cloneDevices(c.devices), c.err
		c.mu.RUnlock()
		return devices, err
	}
	gen := c.generation
	c.mu.RUnlock()

	ch := c.group.DoChan(detectKey, func() (interface{}, error) {
		devices, err := c.detect(context.WithoutCancel(ctx))
		c.store(gen, devices, err)
		return devices, err
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		devices, _ := res.Val.([]ComputeDevice)
		return cloneDevices(devices), res.Err
	}
}

func (c *Cache) store(gen uint64, devices []ComputeDevice, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		// Invalidated while the pass ran; the result may predate a hotplug event.
		return
	}
	c.devices = devices
	c.err = err
	c.fetchedAt = c.now()
	c.valid = true
	c.logger.Info("Cache updated successfully", zap.Int("device_count", len(devices)))
}

// Invalidate drops the cached result so the next call detects again.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.generation++
	c.mu.Unlock()
	c.group.Forget(detectKey)
	c.logger.Debug("cache invalidated")
}

// Run refreshes the cache every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		c.logger.Info("Cache polling interval is zero, cache will not be updated periodically.")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Invalidate()
			if _, err := c.Devices(ctx); err != nil {
				c.logger.Warn("Failed to refresh cache", zap.Error(err))
			}
		}
	}
}

func cloneDevices(devices []ComputeDevice) []ComputeDevice {
	if devices == nil {
		return nil
	}
	out := make([]ComputeDevice, len(devices))
	copy(out, devices)
	return out
}
