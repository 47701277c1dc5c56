package registry

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/observability"
)

var (
	ErrValidation = errors.New("invalid session")
	ErrNoSession  = errors.New("no such session")
)

// Notifier receives lifecycle events produced by registry mutations.
// Implemented by the dispatch package.
type Notifier interface {
	Notify(participantID string, ev models.LifecycleEvent)
}

// StopReason distinguishes why a session leaves the registry.
type StopReason int

const (
	ReasonStopped StopReason = iota
	ReasonTimeout
	ReasonMatched
)

type Config struct {
	// ImmediateTTL is the wall-clock lifetime of an immediate-mode search.
	ImmediateTTL time.Duration
	// ScheduledOverrun is how long past departure a scheduled search may
	// linger unmatched before expiring.
	ScheduledOverrun time.Duration
	// Tick is the cadence of the expiry sweep.
	Tick time.Duration
}

func (c Config) withDefaults() Config {
	if c.ImmediateTTL <= 0 {
		c.ImmediateTTL = 5 * time.Minute
	}
	if c.ScheduledOverrun <= 0 {
		c.ScheduledOverrun = 2 * time.Hour
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	return c
}

type entry struct {
	session *models.SearchSession
	seq     uint64
}

// Registry is the authoritative in-process store of live search intents,
// one session per (participant, mode). A single min-heap of deadlines,
// drained by one ticking goroutine, replaces per-session timers.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	heap     deadlineHeap
	seq      uint64

	cfg      Config
	notifier Notifier
	validate *validator.Validate
	log      *slog.Logger

	done chan struct{}
	once sync.Once
}

func New(cfg Config, notifier Notifier, log *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		cfg:      cfg.withDefaults(),
		notifier: notifier,
		validate: validator.New(),
		log:      log,
		done:     make(chan struct{}),
	}
}

func key(participantID string, mode models.RideMode) string {
	return participantID + "/" + string(mode)
}

// Register admits a session, replacing any prior session for the same
// participant and mode, and arms its expiry deadline. Returns the registry id.
func (r *Registry) Register(s *models.SearchSession) (string, error) {
	now := time.Now()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	// Status and seat accounting are server-owned; whatever the caller
	// decoded from the wire is discarded.
	if s.Mode == models.ModeScheduled {
		s.Status = models.StatusScheduled
	} else {
		s.Status = models.StatusActive
	}
	s.SeatsClaimed = 0
	s.AcceptedCount = 0
	s.CreatedAt = now
	s.LastUpdated = now
	if err := r.validate.Struct(s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if s.Mode == models.ModeScheduled && s.Departure.IsZero() {
		return "", fmt.Errorf("%w: scheduled search requires a departure time", ErrValidation)
	}
	if s.Role == models.RoleSeeker && s.SeatsNeeded <= 0 {
		s.SeatsNeeded = 1
	}
	if s.Role == models.RoleProvider && s.SeatsCapacity <= 0 && !s.Unlimited {
		return "", fmt.Errorf("%w: provider requires seat capacity", ErrValidation)
	}

	deadline := now.Add(r.cfg.ImmediateTTL)
	if s.Mode == models.ModeScheduled {
		deadline = s.Departure.Add(r.cfg.ScheduledOverrun)
	}

	k := key(s.ParticipantID, s.Mode)
	r.mu.Lock()
	_, replaced := r.sessions[k]
	r.seq++
	e := &entry{session: s, seq: r.seq}
	r.sessions[k] = e
	heap.Push(&r.heap, heapItem{at: deadline, key: k, seq: e.seq})
	r.mu.Unlock()

	if !replaced {
		observability.SessionsActive.WithLabelValues(string(s.Role)).Inc()
	}

	r.emit(s.ParticipantID, models.LifecycleEvent{
		Type: models.EventSearchStarted, ParticipantID: s.ParticipantID,
		SessionID: s.ID, Mode: s.Mode, Timestamp: now,
	})
	return s.ID, nil
}

// Get returns a copy of the live session, if any.
func (r *Registry) Get(participantID string, mode models.RideMode) (*models.SearchSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[key(participantID, mode)]
	if !ok {
		return nil, false
	}
	cp := *e.session
	return &cp, true
}

// ByParticipant returns copies of all live sessions for a participant.
func (r *Registry) ByParticipant(participantID string) []*models.SearchSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SearchSession
	for _, mode := range []models.RideMode{models.ModeImmediate, models.ModeScheduled} {
		if e, ok := r.sessions[key(participantID, mode)]; ok {
			cp := *e.session
			out = append(out, &cp)
		}
	}
	return out
}

// ListByRole returns a point-in-time snapshot of sessions with the role,
// filtered to the given statuses (all statuses when none given), in stable
// registration order.
func (r *Registry) ListByRole(role models.Role, statuses ...models.SessionStatus) []*models.SearchSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	ordered := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		if e.session.Role != role {
			continue
		}
		if len(statuses) > 0 && !statusIn(e.session.Status, statuses) {
			continue
		}
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })
	out := make([]*models.SearchSession, len(ordered))
	for i, e := range ordered {
		cp := *e.session
		out[i] = &cp
	}
	return out
}

func statusIn(s models.SessionStatus, set []models.SessionStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Deregister removes the session and retires its deadline. The stale heap
// item is invalidated by sequence number rather than removed in place.
func (r *Registry) Deregister(participantID string, mode models.RideMode, reason StopReason) (*models.SearchSession, bool) {
	k := key(participantID, mode)
	r.mu.Lock()
	e, ok := r.sessions[k]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.sessions, k)
	switch reason {
	case ReasonTimeout:
		e.session.Status = models.StatusExpired
	default:
		e.session.Status = models.StatusStopped
	}
	e.session.LastUpdated = time.Now()
	cp := *e.session
	r.mu.Unlock()

	observability.SessionsActive.WithLabelValues(string(cp.Role)).Dec()
	switch reason {
	case ReasonStopped:
		r.emit(participantID, models.LifecycleEvent{
			Type: models.EventSearchStopped, ParticipantID: participantID,
			SessionID: cp.ID, Mode: mode, Timestamp: time.Now(),
		})
	case ReasonTimeout:
		r.emit(participantID, models.LifecycleEvent{
			Type: models.EventSearchTimeout, ParticipantID: participantID,
			SessionID: cp.ID, Mode: mode, Timestamp: time.Now(),
		})
	}
	return &cp, true
}

// UpdateStatus advances a session's status. Transitions only move forward
// (scheduled -> activating -> active) or jump to a terminal state.
func (r *Registry) UpdateStatus(participantID string, mode models.RideMode, to models.SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[key(participantID, mode)]
	if !ok {
		return ErrNoSession
	}
	from := e.session.Status
	if from.Terminal() {
		return fmt.Errorf("session %s is terminal (%s)", e.session.ID, from)
	}
	if !to.Terminal() && statusRank(to) <= statusRank(from) {
		return fmt.Errorf("cannot move %s -> %s", from, to)
	}
	e.session.Status = to
	e.session.LastUpdated = time.Now()
	return nil
}

func statusRank(s models.SessionStatus) int {
	switch s {
	case models.StatusScheduled:
		return 0
	case models.StatusActivating:
		return 1
	case models.StatusActive:
		return 2
	}
	return -1
}

// AddClaimed reserves seats on a provider session and reports the remaining
// free seats.
func (r *Registry) AddClaimed(participantID string, mode models.RideMode, seats int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[key(participantID, mode)]
	if !ok {
		return 0, ErrNoSession
	}
	s := e.session
	if !s.Unlimited && s.SeatsClaimed+seats > s.SeatsCapacity {
		return s.FreeSeats(), fmt.Errorf("seat capacity exceeded on session %s", s.ID)
	}
	s.SeatsClaimed += seats
	s.LastUpdated = time.Now()
	return s.FreeSeats(), nil
}

// ReleaseClaimed returns seats reserved by a proposal that was rejected or
// expired, if the provider is still searching.
func (r *Registry) ReleaseClaimed(participantID string, mode models.RideMode, seats int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[key(participantID, mode)]
	if !ok {
		return
	}
	e.session.SeatsClaimed -= seats
	if e.session.SeatsClaimed < 0 {
		e.session.SeatsClaimed = 0
	}
	e.session.LastUpdated = time.Now()
}

// IncrementAccepted records an accepted match on the session.
func (r *Registry) IncrementAccepted(participantID string, mode models.RideMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[key(participantID, mode)]; ok {
		e.session.AcceptedCount++
		e.session.LastUpdated = time.Now()
	}
}

// SweepExpired drains due deadlines and expires the sessions they still
// refer to. Deadlines retired by replace or deregister no longer match the
// live entry's sequence and are discarded, so no timeout fires after removal.
func (r *Registry) SweepExpired(now time.Time) int {
	type fired struct {
		participantID string
		sessionID     string
		mode          models.RideMode
		role          models.Role
	}
	var expired []fired

	r.mu.Lock()
	for r.heap.Len() > 0 && !r.heap.peek().at.After(now) {
		item := heap.Pop(&r.heap).(heapItem)
		e, ok := r.sessions[item.key]
		if !ok || e.seq != item.seq {
			continue // stale deadline
		}
		delete(r.sessions, item.key)
		e.session.Status = models.StatusExpired
		e.session.LastUpdated = now
		expired = append(expired, fired{e.session.ParticipantID, e.session.ID, e.session.Mode, e.session.Role})
	}
	r.mu.Unlock()

	for _, f := range expired {
		observability.SessionsExpired.Inc()
		observability.SessionsActive.WithLabelValues(string(f.role)).Dec()
		r.emit(f.participantID, models.LifecycleEvent{
			Type: models.EventSearchTimeout, ParticipantID: f.participantID,
			SessionID: f.sessionID, Mode: f.mode, Timestamp: now,
		})
	}
	return len(expired)
}

// Start runs the expiry sweep until Close.
func (r *Registry) Start() {
	go func() {
		t := time.NewTicker(r.cfg.Tick)
		defer t.Stop()
		for {
			select {
			case <-r.done:
				return
			case now := <-t.C:
				r.safeSweep(now)
			}
		}
	}()
}

func (r *Registry) safeSweep(now time.Time) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("expiry sweep panic", "error", rec)
		}
	}()
	if n := r.SweepExpired(now); n > 0 {
		r.log.Info("sessions expired", "count", n)
	}
}

func (r *Registry) Close() {
	r.once.Do(func() { close(r.done) })
}

func (r *Registry) emit(participantID string, ev models.LifecycleEvent) {
	if r.notifier != nil {
		r.notifier.Notify(participantID, ev)
	}
}

type heapItem struct {
	at  time.Time
	key string
	seq uint64
}

type deadlineHeap []heapItem

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
func (h deadlineHeap) peek() heapItem { return h[0] }
