// Package ebpf exposes the kernel-resident flow_to_rwnd map: a pinned hash
// map from a TCP four-tuple to the receive window (in bytes) that the
// kernel-side program advertises for that flow. Userspace only inserts zero
// entries (pause) and deletes them (unpause); the enforcement itself happens
// in the kernel program, which is loaded and pinned out of band.
//
// The gateway degrades instead of failing: if the pinned map cannot be
// opened, or on platforms without eBPF, every operation is silently skipped
// and the process simply runs unmanaged.
package ebpf
