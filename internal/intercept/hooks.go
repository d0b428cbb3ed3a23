package intercept

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/flow"
	"github.com/flowgate/flowgate/internal/metrics"
	"github.com/flowgate/flowgate/internal/sched"
	"github.com/flowgate/flowgate/pkg/xlog"
)

// ErrInvalidConfig is returned by Accept when admission parameters are unset
// or zero. Every accept fails in that state.
var ErrInvalidConfig = errors.New("intercept: max active flows or epoch duration not configured")

// GatewaySetup is the one-time kernel map attachment performed lazily on the
// first managed accept.
type GatewaySetup interface {
	Open() error
}

// Hooks implements the accept and close entry points. Many caller goroutines
// may enter concurrently.
type Hooks struct {
	cfg *config.Config
	ops SockOps
	ctx *sched.Context
	gw  GatewaySetup

	// One-time gateway setup. If Open fails the process stays unmanaged
	// for its entire lifetime: later accepts still succeed but register
	// nothing and the scheduler never runs.
	setupMu    sync.Mutex
	setupTried bool

	// The very first connection a process accepts is exempt from
	// scheduling (benchmark control connections). Resets only with the
	// process.
	skippedFirst atomic.Bool

	// Accept runs on the caller's hot path, so repetitive warnings are
	// throttled.
	warnLimit *rate.Limiter
}

func NewHooks(cfg *config.Config, ops SockOps, ctx *sched.Context, gw GatewaySetup) *Hooks {
	return &Hooks{
		cfg:       cfg,
		ops:       ops,
		ctx:       ctx,
		gw:        gw,
		warnLimit: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Accept wraps the underlying accept on listenFD and classifies the new
// connection. It returns the new descriptor exactly as the underlying call
// would, except for the internal failure conditions handled by Adopt, which
// convert an otherwise successful accept into a reported failure.
func (h *Hooks) Accept(listenFD int) (int, error) {
	if !h.cfg.Valid() {
		xlog.Errorf("accept rejected: %s or %s unset or zero",
			config.EnvMaxActiveFlows, config.EnvEpochUS)
		metrics.RecordAccept("error")
		return -1, ErrInvalidConfig
	}

	fd, _, ipv4, err := h.ops.Accept(listenFD)
	if err != nil {
		return fd, err
	}

	if err := h.Adopt(fd, ipv4); err != nil {
		metrics.RecordAccept("error")
		// The descriptor produced by the underlying accept is NOT
		// closed here even though the call reports failure; callers
		// treating this as a failed accept will leak it. Inherited
		// behavior, kept observable on purpose.
		return -1, err
	}
	return fd, nil
}

// Adopt runs the admission steps on a descriptor whose underlying accept
// already happened (either inside Accept or in a caller-owned listener).
// A nil return means the descriptor was either registered or deliberately
// left unmanaged; an error means introspection or congestion-control setup
// failed after the accept succeeded.
func (h *Hooks) Adopt(fd int, ipv4 bool) error {
	if !h.cfg.Valid() {
		return ErrInvalidConfig
	}

	if !ipv4 {
		if h.warnLimit.Allow() {
			xlog.Warnf("accept for non-IPv4 connection on fd %d, leaving unmanaged", fd)
		}
		metrics.RecordAccept("passthrough")
		return nil
	}

	if !h.ensureSetup() {
		metrics.RecordAccept("unmanaged")
		return nil
	}

	if h.cfg.ExemptFirstFlow && !h.skippedFirst.Load() && h.ctx.RegistrySize() == 0 {
		if h.skippedFirst.CompareAndSwap(false, true) {
			xlog.Warnf("skipping first flow on fd %d", fd)
			metrics.RecordAccept("exempt")
			return nil
		}
	}

	// Install the window-control-aware CCA and verify it took. The kernel
	// silently keeps the old algorithm when the requested one is not
	// available, hence the read-back.
	if err := h.ops.SetCongestionControl(fd, CCAName); err != nil {
		return fmt.Errorf("intercept: setting %s on fd %d: %w", CCAName, fd, err)
	}
	got, err := h.ops.CongestionControl(fd)
	if err != nil {
		return fmt.Errorf("intercept: reading congestion control on fd %d: %w", fd, err)
	}
	if got != CCAName {
		return fmt.Errorf("intercept: congestion control on fd %d is %q, want %q", fd, got, CCAName)
	}

	local, err := h.ops.LocalAddr(fd)
	if err != nil {
		return fmt.Errorf("intercept: getsockname on fd %d: %w", fd, err)
	}
	remote, err := h.ops.PeerAddr(fd)
	if err != nil {
		return fmt.Errorf("intercept: getpeername on fd %d: %w", fd, err)
	}
	fl, ok := flow.FromAddrPorts(local, remote)
	if !ok {
		return fmt.Errorf("intercept: fd %d endpoints %v->%v are not IPv4", fd, remote, local)
	}

	h.ctx.Admit(fd, fl)
	metrics.RecordAccept("managed")
	xlog.Debugf("managed accept: fd=%d flow=%s", fd, fl)
	return nil
}

// Close wraps the underlying close on fd. Bookkeeping runs only when the
// underlying close succeeds, and never alters the returned value.
func (h *Hooks) Close(fd int) error {
	if err := h.ops.Close(fd); err != nil {
		return err
	}
	h.Release(fd)
	return nil
}

// Release records a successful close performed by the caller itself: the
// flow's kernel map entry is cleared and its registration removed. Releasing
// an unknown descriptor is a no-op.
func (h *Hooks) Release(fd int) {
	h.ctx.Forget(fd)
	metrics.ClosesTotal.Inc()
}

// ensureSetup opens the kernel map gateway exactly once. It reports whether
// the process is managed; after a failed attempt it keeps answering false
// without retrying.
func (h *Hooks) ensureSetup() bool {
	if h.ctx.Ready() {
		return true
	}
	h.setupMu.Lock()
	defer h.setupMu.Unlock()
	if h.ctx.Ready() {
		return true
	}
	if h.setupTried {
		return false
	}
	h.setupTried = true
	if err := h.gw.Open(); err != nil {
		xlog.Errorf("kernel map setup failed, all flows left unmanaged: %v", err)
		return false
	}
	h.ctx.MarkReady()
	return true
}
