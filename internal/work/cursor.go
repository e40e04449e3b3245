package work

import "sync"

// Cursor exposes the buffer head as the current item. Advancing pops the
// head, clears per-item transient state and re-checks the refill threshold.
type Cursor struct {
	buf *Buffer

	mu     sync.Mutex
	resets []func()
}

// NewCursor binds a cursor to buf. Transient-state hooks also run when the
// buffer subject changes.
func NewCursor(buf *Buffer) *Cursor {
	c := &Cursor{buf: buf}
	buf.OnReset(c.clearTransient)
	return c
}

// OnClear registers fn to discard per-item state (drafts, hints, AB result).
func (c *Cursor) OnClear(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets = append(c.resets, fn)
}

// Current returns the head of the buffer, if any.
func (c *Cursor) Current() (WorkItem, bool) {
	return c.buf.Head()
}

// Advance pops whatever item is current. On an empty buffer it is a no-op
// that still re-checks the refill threshold.
func (c *Cursor) Advance() (WorkItem, bool) {
	return c.AdvanceFrom("")
}

// AdvanceFrom pops the head only if it is still the item with id, so a late
// caller cannot skip an item it never saw.
func (c *Cursor) AdvanceFrom(id string) (WorkItem, bool) {
	item, ok := c.buf.popIf(id)
	if ok {
		c.clearTransient()
	}
	c.buf.MaybeRefill()
	return item, ok
}

func (c *Cursor) clearTransient() {
	c.mu.Lock()
	hooks := append([]func(){}, c.resets...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}
