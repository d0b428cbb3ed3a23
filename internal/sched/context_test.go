package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/flow"
	"github.com/flowgate/flowgate/internal/registry"
)

// fakeGateway records pause/unpause calls instead of touching a kernel map.
type fakeGateway struct {
	mu       sync.Mutex
	entries  map[flow.Flow]bool
	pauses   []flow.Flow
	unpauses []flow.Flow
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{entries: map[flow.Flow]bool{}}
}

func (g *fakeGateway) Pause(fl flow.Flow) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[fl] = true
	g.pauses = append(g.pauses, fl)
}

func (g *fakeGateway) Unpause(fl flow.Flow) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, fl)
	g.unpauses = append(g.unpauses, fl)
}

func (g *fakeGateway) hasEntry(fl flow.Flow) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entries[fl]
}

func (g *fakeGateway) pauseCount(fl flow.Flow) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, p := range g.pauses {
		if p == fl {
			n++
		}
	}
	return n
}

func (g *fakeGateway) unpauseCount(fl flow.Flow) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, p := range g.unpauses {
		if p == fl {
			n++
		}
	}
	return n
}

type ackLog struct {
	mu  sync.Mutex
	fds []int
}

func (a *ackLog) record(fd int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fds = append(a.fds, fd)
}

func (a *ackLog) all() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.fds...)
}

func flowFor(fd int) flow.Flow {
	return flow.Flow{
		LocalAddr:  0x0a000001,
		RemoteAddr: 0xc0a80100 + uint32(fd),
		LocalPort:  8080,
		RemotePort: uint16(40000 + fd),
	}
}

func newTestContext(t *testing.T, capacity int) (*Context, *fakeGateway, *ackLog) {
	t.Helper()
	cfg := &config.Config{MaxActiveFlows: capacity, EpochUS: 1000}
	gw := newFakeGateway()
	acks := &ackLog{}
	ctx := NewContext(cfg, registry.New(), gw, acks.record)
	ctx.MarkReady()
	return ctx, gw, acks
}

func admit(ctx *Context, fds ...int) {
	for _, fd := range fds {
		ctx.Admit(fd, flowFor(fd))
	}
}

// Capacity 2, three connections A=3 B=4 C=5 accepted in order: A and B go
// active, C is paused with a kernel map entry installed.
func TestAdmitClassification(t *testing.T) {
	ctx, gw, _ := newTestContext(t, 2)
	admit(ctx, 3, 4, 5)

	active, paused := ctx.Snapshot()
	assert.Equal(t, []int{3, 4}, active)
	assert.Equal(t, []int{5}, paused)

	assert.False(t, gw.hasEntry(flowFor(3)))
	assert.False(t, gw.hasEntry(flowFor(4)))
	assert.True(t, gw.hasEntry(flowFor(5)))
	assert.Equal(t, 1, gw.pauseCount(flowFor(5)))
}

// One epoch with {A,B active; C paused}: C is promoted (map entry removed),
// A, the oldest active flow, is demoted (map entry installed), and exactly
// two flows stay active.
func TestRotatePromotesOldestPausedDemotesOldestActive(t *testing.T) {
	ctx, gw, acks := newTestContext(t, 2)
	admit(ctx, 3, 4, 5)

	promoted, demoted := ctx.Rotate()
	assert.Equal(t, 1, promoted)
	assert.Equal(t, 1, demoted)

	active, paused := ctx.Snapshot()
	assert.Equal(t, []int{4, 5}, active)
	assert.Equal(t, []int{3}, paused)

	assert.False(t, gw.hasEntry(flowFor(5)), "promoted flow keeps no map entry")
	assert.True(t, gw.hasEntry(flowFor(3)), "demoted flow gets a map entry")
	assert.Equal(t, []int{5, 3}, acks.all(), "both transitions trigger an ACK")
}

// Closing a flow removes its map entry and registration; a stale reference
// left in a queue is never selected by later cycles and eventually vanishes.
func TestForgetDiscardsStaleQueueEntries(t *testing.T) {
	ctx, gw, _ := newTestContext(t, 2)
	admit(ctx, 3, 4, 5)

	ctx.Forget(4)
	assert.Equal(t, 1, gw.unpauseCount(flowFor(4)))
	assert.Equal(t, 2, ctx.RegistrySize())

	// Drive several cycles; the closed fd must never be promoted and its
	// flow must see no further map operations.
	for i := 0; i < 5; i++ {
		ctx.Rotate()
	}
	active, paused := ctx.Snapshot()
	assert.NotContains(t, active, 4)
	assert.NotContains(t, paused, 4)
	assert.Equal(t, 1, gw.unpauseCount(flowFor(4)))
	assert.Equal(t, 0, gw.pauseCount(flowFor(4)))
}

func TestForgetUnknownFDIsNoOp(t *testing.T) {
	ctx, gw, _ := newTestContext(t, 2)
	admit(ctx, 3)

	ctx.Forget(99)
	ctx.Forget(99)
	assert.Empty(t, gw.unpauses)
	assert.Equal(t, 1, ctx.RegistrySize())
}

func TestRotateNoWorkWhenUnderCapacityAndNothingPaused(t *testing.T) {
	ctx, gw, acks := newTestContext(t, 4)
	admit(ctx, 3, 4)

	promoted, demoted := ctx.Rotate()
	assert.Zero(t, promoted)
	assert.Zero(t, demoted)
	assert.Empty(t, gw.pauses)
	assert.Empty(t, gw.unpauses)
	assert.Empty(t, acks.all())
}

// A paused flow can be promoted even when nothing needs demotion, filling
// spare active capacity.
func TestRotateFillsSpareCapacity(t *testing.T) {
	ctx, _, _ := newTestContext(t, 3)
	admit(ctx, 3, 4, 5, 6)

	// Close an active flow; its slot opens up but the fd lingers in the
	// active queue until the scheduler pops it.
	ctx.Forget(3)

	promoted, demoted := ctx.Rotate()
	assert.Equal(t, 1, promoted)
	assert.Equal(t, 1, demoted)

	active, paused := ctx.Snapshot()
	assert.Equal(t, []int{4, 5, 6}, active)
	assert.Equal(t, []int{3}, paused)

	// Next pass drops the stale entry during selection.
	ctx.Rotate()
	_, paused = ctx.Snapshot()
	assert.NotContains(t, paused, 3)
}

// Strict FIFO rotation: with n flows and capacity c, every flow is activated
// within ceil(n/c) cycles and activation order matches admission order.
func TestRotationFairness(t *testing.T) {
	const capacity = 2
	fds := []int{10, 11, 12, 13, 14, 15}

	ctx, gw, _ := newTestContext(t, capacity)
	admit(ctx, fds...)

	// 10 and 11 start active; the rest start paused, in order.
	cycles := (len(fds) + capacity - 1) / capacity
	for i := 0; i < cycles; i++ {
		ctx.Rotate()
	}

	// Every initially paused flow was activated exactly once, oldest first.
	var promotedOrder []int
	for _, fl := range gw.unpauses {
		for _, fd := range fds {
			if flowFor(fd) == fl {
				promotedOrder = append(promotedOrder, fd)
			}
		}
	}
	assert.Equal(t, []int{12, 13, 14, 15, 10, 11}, promotedOrder)

	// Spacing bound: after another full round, each flow has been active
	// again, i.e. no flow waits more than ceil(n/c) cycles.
	seen := map[int]int{}
	for i := 0; i < cycles; i++ {
		ctx.Rotate()
	}
	for _, fl := range gw.unpauses {
		for _, fd := range fds {
			if flowFor(fd) == fl {
				seen[fd]++
			}
		}
	}
	for _, fd := range fds {
		assert.GreaterOrEqual(t, seen[fd], 2, "fd %d starved", fd)
	}
}

// Outside the scheduler's locked section, every registered descriptor sits in
// exactly one queue and the active queue never exceeds twice the capacity.
func TestPartitionInvariant(t *testing.T) {
	const capacity = 3
	ctx, _, _ := newTestContext(t, capacity)

	fds := []int{20, 21, 22, 23, 24, 25, 26, 27}
	admit(ctx, fds...)

	check := func() {
		active, paused := ctx.Snapshot()
		require.LessOrEqual(t, len(active), 2*capacity)

		counts := map[int]int{}
		for _, fd := range active {
			counts[fd]++
		}
		for _, fd := range paused {
			counts[fd]++
		}
		for _, fd := range fds {
			if ctx.reg.Contains(fd) {
				require.Equal(t, 1, counts[fd], "registered fd %d must be in exactly one queue", fd)
			}
		}
	}

	check()
	for i := 0; i < 10; i++ {
		ctx.Rotate()
		check()
	}

	// Invariant holds across closes interleaved with rotation.
	ctx.Forget(22)
	ctx.Forget(26)
	for i := 0; i < 10; i++ {
		ctx.Rotate()
		check()
	}
}

// Concurrent admits and closes against a rotating scheduler: no panics, no
// partition violations once the dust settles.
func TestConcurrentAdmitCloseRotate(t *testing.T) {
	ctx, _, _ := newTestContext(t, 4)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				ctx.Rotate()
			}
		}
	}()

	const workers = 8
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				fd := 100 + base*100 + i
				ctx.Admit(fd, flowFor(fd))
				if i%3 == 0 {
					ctx.Forget(fd)
				}
			}
		}(w)
	}

	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()

	// Flush stale entries, then verify the partition.
	for i := 0; i < 300; i++ {
		ctx.Rotate()
	}
	active, paused := ctx.Snapshot()
	counts := map[int]int{}
	for _, fd := range active {
		counts[fd]++
	}
	for _, fd := range paused {
		counts[fd]++
	}
	for fd, n := range counts {
		assert.Equal(t, 1, n, "fd %d queued %d times", fd, n)
		assert.True(t, ctx.reg.Contains(fd) || n == 1)
	}
}

// The epoch loop must coexist with caller goroutines admitting and closing
// flows; all queue reads it performs go through the shared lock.
func TestRunConcurrentWithAdmits(t *testing.T) {
	cfg := &config.Config{MaxActiveFlows: 1 << 30, EpochUS: 100}
	gw := newFakeGateway()
	acks := &ackLog{}
	ctx := NewContext(cfg, registry.New(), gw, acks.record)
	ctx.MarkReady()

	// No stop protocol: the loop goroutine outlives the test on purpose.
	go ctx.Run()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				fd := 1000 + base*200 + i
				ctx.Admit(fd, flowFor(fd))
				if i%2 == 0 {
					ctx.Forget(fd)
				}
			}
		}(w)
	}
	wg.Wait()
	time.Sleep(5 * time.Millisecond)

	active, paused := ctx.Snapshot()
	assert.Equal(t, 400, ctx.RegistrySize())
	assert.Len(t, active, 800)
	assert.Empty(t, paused)
}

// With invalid configuration the scheduler loop refuses to start, so no
// classification ever happens.
func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := &config.Config{}
	gw := newFakeGateway()
	ctx := NewContext(cfg, registry.New(), gw, func(int) {})

	done := make(chan struct{})
	go func() {
		ctx.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return for invalid config")
	}
	assert.Empty(t, gw.pauses)
	assert.Empty(t, gw.unpauses)
}
