package sessions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"evalflow/internal/work"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrUnknownScreen = errors.New("unknown screen")
)

const leaseKeyFmt = "worksession:%d"

// JournalFactory returns where a user's submissions on screen are recorded.
type JournalFactory func(userID uint, screen string) work.Journal

type entry struct {
	session  *work.Session
	userID   uint
	screen   string
	created  time.Time
	lastSeen time.Time
}

// Info describes a live session.
type Info struct {
	ID        string    `json:"id"`
	UserID    uint      `json:"userId"`
	Screen    string    `json:"screen"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Registry owns every live work session. A user has at most one: opening a
// new screen closes the previous one, across instances when Redis is set.
type Registry struct {
	profiles map[string]work.Profile
	upstream work.Upstream
	journals JournalFactory
	rdb      *redis.Client
	idle     time.Duration
	extra    []work.Option
	now      func() time.Time

	mu     sync.Mutex
	byID   map[string]*entry
	byUser map[uint]string
}

// Option customises a Registry.
type Option func(*Registry)

// WithRedis enables the cross-instance lease.
func WithRedis(rdb *redis.Client) Option {
	return func(r *Registry) { r.rdb = rdb }
}

// WithJournals records submissions of every session.
func WithJournals(f JournalFactory) Option {
	return func(r *Registry) { r.journals = f }
}

// WithIdleTimeout sets how long a session may go untouched.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idle = d }
}

// WithSessionOptions passes opts to every new session.
func WithSessionOptions(opts ...work.Option) Option {
	return func(r *Registry) { r.extra = append(r.extra, opts...) }
}

func NewRegistry(profiles map[string]work.Profile, up work.Upstream, opts ...Option) *Registry {
	r := &Registry{
		profiles: profiles,
		upstream: up,
		idle:     30 * time.Minute,
		now:      time.Now,
		byID:     map[string]*entry{},
		byUser:   map[uint]string{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Screens lists the configured screen names.
func (r *Registry) Screens() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create opens a session on screen for userID, closing the user's previous
// one.
func (r *Registry) Create(ctx context.Context, userID uint, screen string) (*work.Session, error) {
	profile, ok := r.profiles[screen]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScreen, screen)
	}

	id := uuid.NewString()
	opts := append([]work.Option(nil), r.extra...)
	if r.journals != nil {
		opts = append(opts, work.WithJournal(r.journals(userID, screen)))
	}
	s := work.NewSession(id, profile, r.upstream, opts...)

	now := r.now()
	r.mu.Lock()
	var previous *work.Session
	if prevID, ok := r.byUser[userID]; ok {
		if prev := r.byID[prevID]; prev != nil {
			previous = prev.session
		}
		delete(r.byID, prevID)
	}
	r.byID[id] = &entry{session: s, userID: userID, screen: screen, created: now, lastSeen: now}
	r.byUser[userID] = id
	r.mu.Unlock()

	if previous != nil {
		previous.Close()
		log.Printf("[Registry] User %d opened %s, closed session %s", userID, screen, previous.ID)
	}
	r.lease(ctx, userID, id)
	log.Printf("[Registry] Session %s created for user %d on %s", id, userID, screen)
	return s, nil
}

// Get returns the session if it exists and belongs to userID. A session
// superseded on another instance is closed and reported as not found.
func (r *Registry) Get(ctx context.Context, userID uint, id string) (*work.Session, error) {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok || e.userID != userID {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	e.lastSeen = r.now()
	r.mu.Unlock()

	if r.rdb != nil {
		current, err := r.rdb.Get(ctx, leaseKey(userID)).Result()
		switch {
		case err == nil && current != id:
			r.remove(id)
			log.Printf("[Registry] Session %s superseded by %s", id, current)
			return nil, ErrNotFound
		case err != nil && !errors.Is(err, redis.Nil):
			log.Printf("[Registry] Lease check for user %d failed: %v", userID, err)
		default:
			r.lease(ctx, userID, id)
		}
	}
	return e.session, nil
}

// Info describes the session id owned by userID.
func (r *Registry) Info(userID uint, id string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok || e.userID != userID {
		return Info{}, ErrNotFound
	}
	return Info{ID: id, UserID: e.userID, Screen: e.screen, CreatedAt: e.created, LastSeen: e.lastSeen}, nil
}

// Close ends a session owned by userID.
func (r *Registry) Close(ctx context.Context, userID uint, id string) error {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok || e.userID != userID {
		r.mu.Unlock()
		return ErrNotFound
	}
	r.mu.Unlock()

	r.remove(id)
	if r.rdb != nil {
		// Only drop the lease if it still points at this session.
		if current, err := r.rdb.Get(ctx, leaseKey(userID)).Result(); err == nil && current == id {
			_ = r.rdb.Del(ctx, leaseKey(userID)).Err()
		}
	}
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Reap closes sessions idle for longer than the idle timeout.
func (r *Registry) Reap() int {
	cutoff := r.now().Add(-r.idle)
	r.mu.Lock()
	var stale []string
	for id, e := range r.byID {
		if e.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.remove(id)
	}
	if len(stale) > 0 {
		log.Printf("[Registry] Reaped %d idle session(s)", len(stale))
	}
	return len(stale)
}

// ScheduleReaper runs Reap on c according to spec.
func (r *Registry) ScheduleReaper(c *cron.Cron, spec string) (cron.EntryID, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(spec)
	if err != nil {
		return 0, fmt.Errorf("invalid reap schedule %q: %w", spec, err)
	}
	log.Printf("[Registry] Idle reaper scheduled (cron: %s, idle: %s)", spec, r.idle)
	return c.Schedule(sched, cron.FuncJob(func() { r.Reap() })), nil
}

// Shutdown closes every session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.remove(id)
	}
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	e, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		if r.byUser[e.userID] == id {
			delete(r.byUser, e.userID)
		}
	}
	r.mu.Unlock()
	if ok {
		e.session.Close()
	}
}

func (r *Registry) lease(ctx context.Context, userID uint, id string) {
	if r.rdb == nil {
		return
	}
	if err := r.rdb.Set(ctx, leaseKey(userID), id, r.idle).Err(); err != nil {
		log.Printf("[Registry] Failed to lease session %s for user %d: %v", id, userID, err)
	}
}

func leaseKey(userID uint) string {
	return fmt.Sprintf(leaseKeyFmt, userID)
}
