package work

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
)

// Source is the remote endpoint that hands out work items for a subject.
type Source interface {
	Fetch(ctx context.Context, req FetchRequest) ([]WorkItem, error)
}

// FetchRequest asks the source for up to Subject.Count items, none of which
// may carry an id listed in ExcludeIDs.
type FetchRequest struct {
	Subject    Subject
	ExcludeIDs []string
}

// BufferConfig sizes a buffer and sets when it asks for more items.
type BufferConfig struct {
	Capacity        int
	RefillThreshold int
}

func (c BufferConfig) normalized() BufferConfig {
	if c.Capacity < 1 {
		c.Capacity = 1
	}
	if c.RefillThreshold < 0 {
		c.RefillThreshold = 0
	}
	if c.RefillThreshold >= c.Capacity {
		c.RefillThreshold = c.Capacity - 1
	}
	return c
}

// BufferState is a point-in-time view of a buffer.
type BufferState struct {
	Subject   Subject    `json:"subject"`
	Epoch     uint64     `json:"epoch"`
	Items     []WorkItem `json:"items"`
	Capacity  int        `json:"capacity"`
	Exhausted bool       `json:"exhausted"`
	Error     string     `json:"error,omitempty"`
}

// Buffer is a capped FIFO of work items for one subject. Items are never
// duplicated, and an id consumed under the current subject is never
// accepted again until the subject changes.
type Buffer struct {
	source Source
	gate   *Gate
	cfg    BufferConfig

	mu         sync.Mutex
	subject    Subject
	hasSubject bool
	epoch      uint64
	ctx        context.Context
	cancel     context.CancelFunc
	items      []WorkItem
	consumed   map[string]struct{}
	exhausted  bool
	lastErr    error

	onReset  []func()
	onChange func(BufferState)

	// running counts background fetches. It may rise while Wait is
	// blocked: a consume or subject change schedules from any goroutine.
	runMu   sync.Mutex
	running int
	idle    *sync.Cond
}

// NewBuffer creates an empty buffer. Fetches are serialized through gate.
func NewBuffer(source Source, gate *Gate, cfg BufferConfig) *Buffer {
	b := &Buffer{
		source:   source,
		gate:     gate,
		cfg:      cfg.normalized(),
		consumed: make(map[string]struct{}),
	}
	b.idle = sync.NewCond(&b.runMu)
	return b
}

// OnReset registers fn to run whenever the subject changes.
func (b *Buffer) OnReset(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = append(b.onReset, fn)
}

// OnChange registers fn to receive the buffer state after every mutation.
func (b *Buffer) OnChange(fn func(BufferState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// SetSubject switches the buffer to subject: items and consumed ids are
// cleared, reset hooks run, in-flight fetches for the old subject lose
// relevance and a fetch for the new one is scheduled. Setting the subject
// already in effect is a no-op.
func (b *Buffer) SetSubject(subject Subject) error {
	if err := subject.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.hasSubject && b.subject == subject {
		b.mu.Unlock()
		return nil
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.epoch++
	b.subject = subject
	b.hasSubject = true
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.items = nil
	b.consumed = make(map[string]struct{})
	b.exhausted = false
	b.lastErr = nil
	hooks := append([]func(){}, b.onReset...)
	b.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	b.notify()
	b.schedule(false)
	return nil
}

// Subject returns the current subject and whether one is set.
func (b *Buffer) Subject() (Subject, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subject, b.hasSubject
}

// MaybeRefill schedules a fetch when the buffer holds no more than the
// refill threshold. An exhausted buffer waits for Refresh instead.
func (b *Buffer) MaybeRefill() bool {
	if !b.needsRefill() {
		return false
	}
	b.schedule(true)
	return true
}

func (b *Buffer) needsRefill() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasSubject && !b.exhausted && len(b.items) <= b.cfg.RefillThreshold
}

// Refresh clears the exhausted and error markers and fetches now. It is the
// manual retry behind the "nothing available" and error states.
func (b *Buffer) Refresh(ctx context.Context) error {
	b.mu.Lock()
	if !b.hasSubject {
		b.mu.Unlock()
		return ErrNoSubject
	}
	b.exhausted = false
	b.lastErr = nil
	b.mu.Unlock()
	return b.Refill(ctx)
}

// Refill runs one guarded fetch for the current subject and waits for it.
// If a fetch for the subject is already running, the call joins it.
func (b *Buffer) Refill(ctx context.Context) error {
	b.mu.Lock()
	if !b.hasSubject {
		b.mu.Unlock()
		return ErrNoSubject
	}
	epoch, subject, fetchCtx := b.epoch, b.subject, b.ctx
	b.mu.Unlock()

	key := fmt.Sprintf("%s#%d", subject.Key(), epoch)
	done := make(chan error, 1)
	go func() {
		_, err := b.gate.Controlled(key, func() error {
			req := FetchRequest{Subject: subject, ExcludeIDs: b.DedupIDs()}
			items, err := b.source.Fetch(fetchCtx, req)
			return b.apply(epoch, subject, items, err)
		})
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until no background fetch is running, including fetches
// scheduled while it waits.
func (b *Buffer) Wait() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	for b.running > 0 {
		b.idle.Wait()
	}
}

func (b *Buffer) started() {
	b.runMu.Lock()
	b.running++
	b.runMu.Unlock()
}

func (b *Buffer) stopped() {
	b.runMu.Lock()
	b.running--
	if b.running == 0 {
		b.idle.Broadcast()
	}
	b.runMu.Unlock()
}

// Close drops relevance of any in-flight fetch.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	b.epoch++
	b.hasSubject = false
	b.items = nil
}

// DedupIDs returns the ids of every buffered item, head first.
func (b *Buffer) DedupIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.items))
	for _, it := range b.items {
		ids = append(ids, it.ID)
	}
	return ids
}

// DedupKey joins DedupIDs for transmission.
func (b *Buffer) DedupKey() string {
	return strings.Join(b.DedupIDs(), ",")
}

// Len returns the number of buffered items.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Head returns the oldest buffered item.
func (b *Buffer) Head() (WorkItem, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return WorkItem{}, false
	}
	return b.items[0], true
}

// State returns a copy of the buffer contents and markers.
func (b *Buffer) State() BufferState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Buffer) stateLocked() BufferState {
	st := BufferState{
		Subject:   b.subject,
		Epoch:     b.epoch,
		Items:     append([]WorkItem(nil), b.items...),
		Capacity:  b.cfg.Capacity,
		Exhausted: b.exhausted,
	}
	if b.lastErr != nil {
		st.Error = b.lastErr.Error()
	}
	return st
}

// popIf removes the head when its id is id (any head when id is empty) and
// remembers it as consumed.
func (b *Buffer) popIf(id string) (WorkItem, bool) {
	b.mu.Lock()
	if len(b.items) == 0 || (id != "" && b.items[0].ID != id) {
		b.mu.Unlock()
		return WorkItem{}, false
	}
	head := b.items[0]
	b.items = append([]WorkItem(nil), b.items[1:]...)
	b.consumed[head.ID] = struct{}{}
	b.mu.Unlock()

	b.notify()
	return head, true
}

// schedule fetches in the background. A threshold-driven fetch re-checks
// the threshold when it starts, since an earlier fetch may have filled the
// buffer in the meantime.
func (b *Buffer) schedule(onlyIfNeeded bool) {
	b.started()
	go func() {
		defer b.stopped()
		if onlyIfNeeded && !b.needsRefill() {
			return
		}
		if err := b.Refill(context.Background()); err != nil && err != ErrNoSubject {
			log.Printf("[Buffer] background refill failed: %v", err)
		}
	}()
}

// apply merges a fetch result into the buffer if it still belongs to the
// current subject epoch.
func (b *Buffer) apply(epoch uint64, subject Subject, fetched []WorkItem, fetchErr error) error {
	b.mu.Lock()
	if epoch != b.epoch {
		b.mu.Unlock()
		log.Printf("[Buffer] dropping stale result for %s (epoch %d, now %d)", subject.Key(), epoch, b.epoch)
		return nil
	}
	if fetchErr != nil {
		b.lastErr = &TransientFetchError{Subject: subject, Err: fetchErr}
		err := b.lastErr
		b.mu.Unlock()
		b.notify()
		return err
	}

	held := make(map[string]struct{}, len(b.items)+len(fetched))
	for _, it := range b.items {
		held[it.ID] = struct{}{}
	}
	for _, it := range fetched {
		if it.ID == "" {
			continue
		}
		if _, dup := held[it.ID]; dup {
			continue
		}
		if _, seen := b.consumed[it.ID]; seen {
			continue
		}
		if it.Kind == "" {
			it.Kind = subject.Kind
		}
		it.LanguageID = subject.LanguageID
		held[it.ID] = struct{}{}
		b.items = append(b.items, it)
	}
	if len(b.items) > b.cfg.Capacity {
		b.items = b.items[:b.cfg.Capacity]
	}
	b.lastErr = nil
	b.exhausted = len(b.items) == 0
	exhausted := b.exhausted
	b.mu.Unlock()

	if exhausted {
		log.Printf("[Buffer] %s has no items available", subject.Key())
	}
	b.notify()
	return nil
}

func (b *Buffer) notify() {
	b.mu.Lock()
	fn := b.onChange
	st := b.stateLocked()
	b.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}
