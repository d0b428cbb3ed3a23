// Package sched rotates connections between an active set, allowed
// unrestricted receive-window behavior, and a paused set whose advertised
// window is forced to zero through the kernel map.
package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/flow"
	"github.com/flowgate/flowgate/internal/metrics"
	"github.com/flowgate/flowgate/internal/registry"
	"github.com/flowgate/flowgate/pkg/xlog"
)

// Gateway manipulates the kernel-side flow -> RWND map. Operations are
// fire-and-forget: failures at the kernel boundary are not actionable, so
// implementations log and move on.
type Gateway interface {
	// Pause upserts fl -> 0 so future ACKs advertise a zero window.
	Pause(fl flow.Flow)
	// Unpause deletes fl's entry, restoring default window behavior.
	Unpause(fl flow.Flow)
}

// Context aggregates everything scheduling needs: the registry, the two
// rotation queues and their shared lock, the kernel map gateway, and the
// process configuration. One Context lives for the whole process.
type Context struct {
	cfg *config.Config
	reg *registry.Registry
	gw  Gateway

	// ack forces the kernel to emit an ACK on the descriptor so the peer
	// observes a window change without waiting for regular traffic.
	ack func(fd int)

	// ready flips once the gateway has been opened; until then the
	// scheduler performs no work.
	ready atomic.Bool

	// mu guards active and paused. Queue order is FIFO on both: index 0
	// is the oldest entry.
	mu     sync.Mutex
	active []int
	paused []int
}

func NewContext(cfg *config.Config, reg *registry.Registry, gw Gateway, ack func(fd int)) *Context {
	return &Context{
		cfg: cfg,
		reg: reg,
		gw:  gw,
		ack: ack,
	}
}

// MarkReady records that one-time kernel setup completed.
func (c *Context) MarkReady() { c.ready.Store(true) }

// Ready reports whether kernel setup completed.
func (c *Context) Ready() bool { return c.ready.Load() }

// RegistrySize returns the approximate number of tracked descriptors.
func (c *Context) RegistrySize() int { return c.reg.Len() }

// Admit registers a newly accepted connection and classifies it: active if
// there is spare capacity, otherwise paused with its RWND forced to zero.
func (c *Context) Admit(fd int, fl flow.Flow) {
	c.reg.Register(fd, fl)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.active) < c.cfg.MaxActiveFlows {
		c.active = append(c.active, fd)
	} else {
		c.paused = append(c.paused, fd)
		c.gw.Pause(fl)
	}
	metrics.SetQueueSizes(len(c.active), len(c.paused))
}

// Forget deregisters a closed connection: its kernel map entry (if any) is
// removed and its registration dropped. The descriptor may linger in a queue
// as a stale entry; Rotate discards those lazily.
func (c *Context) Forget(fd int) {
	c.reg.VisitAndAct(fd, func(fl flow.Flow) {
		c.gw.Unpause(fl)
	})
	c.reg.Remove(fd)
}

// Run is the scheduler loop: sleep one epoch, rotate, repeat. It never
// returns except when the configuration is unusable; there is no shutdown
// protocol, the loop dies with the process.
func (c *Context) Run() {
	if !c.cfg.Valid() {
		xlog.Errorf("scheduler disabled: %s or %s unset or zero",
			config.EnvMaxActiveFlows, config.EnvEpochUS)
		return
	}
	xlog.Infof("scheduler started: max active flows=%d, epoch=%v",
		c.cfg.MaxActiveFlows, c.cfg.Epoch())

	for {
		time.Sleep(c.cfg.Epoch())

		if !c.Ready() {
			continue
		}
		active, paused := c.QueueLens()
		if active < c.cfg.MaxActiveFlows && paused == 0 {
			continue
		}
		c.Rotate()
	}
}

// Rotate performs one classification pass: promote up to MaxActiveFlows
// still-registered descriptors from the paused front, then demote the same
// number of longest-active descriptors. Between the two phases the active
// queue may briefly hold up to twice the configured capacity; a window
// change only takes effect on the next ACK round-trip, so the overlap is
// harmless.
func (c *Context) Rotate() (promoted, demoted int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.active) < c.cfg.MaxActiveFlows && len(c.paused) == 0 {
		return 0, 0
	}

	// Select descriptors to activate. Closed descriptors still sitting in
	// the paused queue are dropped here, not promoted and not re-queued.
	var promote []int
	for len(c.paused) > 0 && len(promote) < c.cfg.MaxActiveFlows {
		fd := c.paused[0]
		c.paused = c.paused[1:]
		if !c.reg.Contains(fd) {
			metrics.StaleDropsTotal.Inc()
			continue
		}
		promote = append(promote, fd)
	}
	prevActive := len(c.active)

	for _, fd := range promote {
		c.active = append(c.active, fd)
		c.reg.VisitAndAct(fd, c.gw.Unpause)
		c.ack(fd)
	}

	// Demote exactly as many flows as were promoted, oldest first, capped
	// by what was active before this pass.
	n := len(promote)
	if n > prevActive {
		n = prevActive
	}
	for i := 0; i < n; i++ {
		fd := c.active[0]
		c.active = c.active[1:]
		c.paused = append(c.paused, fd)
		c.reg.VisitAndAct(fd, c.gw.Pause)
		c.ack(fd)
	}

	if len(promote) > 0 || n > 0 {
		xlog.Debugf("rotated flows: activated %d, paused %d", len(promote), n)
	}
	metrics.RotationsTotal.Inc()
	metrics.PromotionsTotal.Add(float64(len(promote)))
	metrics.DemotionsTotal.Add(float64(n))
	metrics.SetQueueSizes(len(c.active), len(c.paused))
	return len(promote), n
}

// QueueLens returns the current sizes of the active and paused queues.
func (c *Context) QueueLens() (active, paused int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active), len(c.paused)
}

// Snapshot returns copies of both queues, for tests and the debug API.
func (c *Context) Snapshot() (active, paused []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.active...), append([]int(nil), c.paused...)
}
