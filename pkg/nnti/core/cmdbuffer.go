package core

import (
	"fmt"
	"sync"

	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
)

// CommandSlot is one pre-posted receive slot: a stable-identity record
// that owns its own MTU-sized backing array, per spec.md §4.6. The
// progress engine locates the owning slot directly from a provider
// completion's context, decodes into it, and reposts it once the
// message has been fully consumed.
type CommandSlot struct {
	Index int
	Raw   []byte // length == mtu, reused across reposts
}

// CommandBuffer is a ring of N pre-posted receive slots feeding the
// progress loop. N must be at least twice the expected in-flight
// concurrency, per spec.md §4.6.
type CommandBuffer struct {
	mu      sync.Mutex
	slots   []*CommandSlot
	free    []int // indices currently available to post a new receive into
	mtu     int
}

// NewCommandBuffer builds a CommandBuffer of n slots, each mtu bytes.
func NewCommandBuffer(n, mtu int) (*CommandBuffer, error) {
	if n < 2 {
		return nil, types.NewError(types.EINVAL, fmt.Errorf("nnti: command buffer depth %d is below the minimum of 2", n))
	}
	cb := &CommandBuffer{mtu: mtu}
	for i := 0; i < n; i++ {
		cb.slots = append(cb.slots, &CommandSlot{Index: i, Raw: make([]byte, mtu)})
		cb.free = append(cb.free, i)
	}
	return cb, nil
}

// Acquire takes a free slot to post a new receive into. Returns nil if
// none are free; the verbs adapter then delivers that message's
// completion with Slot -1, and no overflow slot is created.
func (cb *CommandBuffer) Acquire() *CommandSlot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.free) == 0 {
		return nil
	}
	idx := cb.free[len(cb.free)-1]
	cb.free = cb.free[:len(cb.free)-1]
	return cb.slots[idx]
}

// Repost returns a slot to the free set once its message has been
// fully consumed, either delivered to the EQ/app or fully processed by
// the rendezvous logic (spec.md §4.6).
func (cb *CommandBuffer) Repost(slot *CommandSlot) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.free = append(cb.free, slot.Index)
}

// Slot returns the slot at index, for a provider completion's context
// to resolve directly without a lookup.
func (cb *CommandBuffer) Slot(index int) *CommandSlot {
	return cb.slots[index]
}

// Depth returns the number of slots in this ring.
func (cb *CommandBuffer) Depth() int {
	return len(cb.slots)
}
