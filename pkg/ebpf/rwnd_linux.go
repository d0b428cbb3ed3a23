//go:build linux
// +build linux

package ebpf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/flowgate/flowgate/internal/flow"
	"github.com/flowgate/flowgate/internal/metrics"
	"github.com/flowgate/flowgate/pkg/xlog"
)

// RwndMap is the gateway to the pinned flow_to_rwnd map. Until Open succeeds
// it is disabled and all operations are no-ops. Pause and Unpause are
// fire-and-forget: map failures are logged and counted, never retried or
// surfaced.
type RwndMap struct {
	pinPath string

	mu      sync.Mutex
	m       *ebpf.Map
	enabled bool
}

// NewRwndMap returns a disabled gateway for the map pinned at pinPath.
func NewRwndMap(pinPath string) *RwndMap {
	return &RwndMap{pinPath: pinPath}
}

// Open attaches to the pinned map. It is called lazily, once, on the first
// managed accept; on failure the gateway stays disabled for good.
func (r *RwndMap) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled {
		return nil
	}

	// Allow the current process to lock memory for eBPF resources.
	if err := rlimit.RemoveMemlock(); err != nil {
		xlog.Warnf("Failed to remove memlock limit: %v", err)
	}

	m, err := ebpf.LoadPinnedMap(r.pinPath, nil)
	if err != nil {
		return fmt.Errorf("opening pinned map %s: %w", r.pinPath, err)
	}
	r.m = m
	r.enabled = true
	xlog.Infof("attached to flow_to_rwnd map at %s", r.pinPath)
	return nil
}

// Pause upserts fl -> 0, forcing the kernel program to advertise a zero
// receive window for the flow on every subsequent ACK.
func (r *RwndMap) Pause(fl flow.Flow) {
	if !r.isEnabled() {
		metrics.RecordMapOp("pause", "skipped")
		return
	}
	var zero uint32
	if err := r.m.Update(fl, zero, ebpf.UpdateAny); err != nil {
		xlog.Warnf("flow_to_rwnd update for %s failed: %v", fl, err)
		metrics.RecordMapOp("pause", "error")
		return
	}
	metrics.RecordMapOp("pause", "ok")
}

// Unpause deletes fl's entry, restoring default window behavior. Deleting an
// absent entry is not an error.
func (r *RwndMap) Unpause(fl flow.Flow) {
	if !r.isEnabled() {
		metrics.RecordMapOp("unpause", "skipped")
		return
	}
	if err := r.m.Delete(fl); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		xlog.Warnf("flow_to_rwnd delete for %s failed: %v", fl, err)
		metrics.RecordMapOp("unpause", "error")
		return
	}
	metrics.RecordMapOp("unpause", "ok")
}

// Close detaches from the pinned map. The map itself stays pinned; only this
// process's handle is released.
func (r *RwndMap) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return nil
	}
	r.enabled = false
	return r.m.Close()
}

// IsEnabled reports whether the gateway is attached to the kernel map.
func (r *RwndMap) IsEnabled() bool { return r.isEnabled() }

func (r *RwndMap) isEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}
