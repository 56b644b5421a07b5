package core

import (
	"sync"

	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
)

// BufferTable is the process-wide registered-memory map, keyed by
// buffer id, per spec.md §4.3. Registration and deregistration are
// serialized by this single lock (spec.md §5 Shared resources).
//
// It also hands out a dense uint64 "wire address" per buffer, standing
// in for the raw pointer a real verbs target_base_addr would carry;
// the progress engine resolves an incoming command message's target
// address back to a buffer through byAddr.
type BufferTable struct {
	mu      sync.Mutex
	byID    map[types.UID]*types.Buffer
	refs    map[types.UID]int
	byAddr  map[uint64]*types.Buffer
	addr    map[types.UID]uint64
	nextAddr uint64
}

// NewBufferTable builds an empty BufferTable.
func NewBufferTable() *BufferTable {
	return &BufferTable{
		byID:   make(map[types.UID]*types.Buffer),
		refs:   make(map[types.UID]int),
		byAddr: make(map[uint64]*types.Buffer),
		addr:   make(map[types.UID]uint64),
		// 0 is reserved: a zero target_base_addr marks an unexpected
		// message (types.CommandHeader.IsUnexpected), so real buffers
		// start at 1. Register also skips types.AckSentinel.
		nextAddr: 1,
	}
}

// Register records a buffer the application already pinned with the
// provider (ptr/len/flags/EQ/callback), per spec.md §4.3. Ownership of
// the memory stays with the caller.
func (t *BufferTable) Register(data []byte, flags types.BufferFlags, eq types.EventSink, cb types.CompletionCallback, cbCtx interface{}) *types.Buffer {
	b := &types.Buffer{
		ID:       types.GenerateUID(),
		Data:     data,
		Flags:    flags,
		EQ:       eq,
		Callback: cb,
		CbCtx:    cbCtx,
		Owned:    false,
	}
	t.mu.Lock()
	t.byID[b.ID] = b
	if t.nextAddr == types.AckSentinel {
		t.nextAddr++
	}
	a := t.nextAddr
	t.nextAddr++
	t.byAddr[a] = b
	t.addr[b.ID] = a
	t.mu.Unlock()
	return b
}

// Alloc is identical to Register, except the transport owns the
// backing memory it allocates.
func (t *BufferTable) Alloc(length uint64, flags types.BufferFlags, eq types.EventSink, cb types.CompletionCallback, cbCtx interface{}) *types.Buffer {
	b := t.Register(make([]byte, length), flags, eq, cb, cbCtx)
	b.Owned = true
	return b
}

// Get looks up a registered buffer by id.
func (t *BufferTable) Get(id types.UID) *types.Buffer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID[id]
}

// Addr returns the wire address a command message should carry in its
// target_base_addr field to name this buffer, or 0 if id is not
// registered.
func (t *BufferTable) Addr(id types.UID) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr[id]
}

// LookupAddr resolves a command message's target_base_addr back to the
// buffer it names, or nil if addr is 0 (unexpected) or stale
// (unregistered since the message was sent).
func (t *BufferTable) LookupAddr(addr uint64) *types.Buffer {
	if addr == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byAddr[addr]
}

// Ref marks id as referenced by an in-flight operation, for Unregister
// to check before releasing.
func (t *BufferTable) Ref(id types.UID) {
	t.mu.Lock()
	t.refs[id]++
	t.mu.Unlock()
}

// Unref releases a reference recorded by Ref.
func (t *BufferTable) Unref(id types.UID) {
	t.mu.Lock()
	if t.refs[id] > 0 {
		t.refs[id]--
	}
	t.mu.Unlock()
}

// Unregister removes id from the map and deregisters with the
// provider. It fails with EINVAL when outstanding operations still
// reference the handle (spec.md §4.3: "callers must drain").
func (t *BufferTable) Unregister(id types.UID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.refs[id] > 0 {
		return types.NewError(types.EINVAL, nil)
	}
	if _, ok := t.byID[id]; !ok {
		return types.NewError(types.ENOENT, nil)
	}
	delete(t.byID, id)
	delete(t.refs, id)
	if a, ok := t.addr[id]; ok {
		delete(t.byAddr, a)
		delete(t.addr, id)
	}
	return nil
}
