//go:build !linux
// +build !linux

package ebpf

import (
	"errors"

	"github.com/flowgate/flowgate/internal/flow"
)

// Stub implementation for non-Linux platforms. eBPF is Linux-only, so the
// gateway never enables and every operation is silently skipped.

type RwndMap struct {
	pinPath string
}

// NewRwndMap returns a permanently disabled gateway on non-Linux platforms.
func NewRwndMap(pinPath string) *RwndMap {
	return &RwndMap{pinPath: pinPath}
}

// Open always fails on non-Linux platforms.
func (r *RwndMap) Open() error {
	return errors.New("eBPF not supported on this platform")
}

// Pause is a no-op on non-Linux platforms.
func (r *RwndMap) Pause(fl flow.Flow) {}

// Unpause is a no-op on non-Linux platforms.
func (r *RwndMap) Unpause(fl flow.Flow) {}

// Close is a no-op on non-Linux platforms.
func (r *RwndMap) Close() error { return nil }

// IsEnabled always returns false on non-Linux platforms.
func (r *RwndMap) IsEnabled() bool { return false }
