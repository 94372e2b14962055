package websocket

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketchat/pkg/logger"
)

const (
	// sharedPresenceRefresh is how often users announced online are re-marked in the shared store.
	sharedPresenceRefresh = 20 * time.Second
	// lastSeenRetention bounds how long the last-seen time of an offline user is remembered.
	lastSeenRetention = 24 * time.Hour
	lastSeenSweep     = time.Hour
)

// PresenceNotifier receives presence and typing transitions. Status transitions of one user arrive in the
// order they happened.
type PresenceNotifier interface {
	UserStatusChanged(ctx context.Context, userID string, online bool, lastSeen time.Time)
	TypingChanged(ctx context.Context, roomID, userID string, isTyping bool, excludeConnID string)
}

// PresenceStore shares presence between instances. MarkOnline reports whether no other instance had the
// user online; MarkOffline reports whether no instance has the user online any more.
type PresenceStore interface {
	MarkOnline(ctx context.Context, userID string) (bool, error)
	MarkOffline(ctx context.Context, userID string) (bool, error)
	Refresh(ctx context.Context, userIDs []string) error
}

type presenceRecord struct {
	conns      int
	online     bool
	offlineGen uint64
	typing     map[string]*typingState // room id
}

type typingState struct {
	gen   uint64
	timer *time.Timer
}

type typingChange struct {
	userID  string
	roomID  string
	value   bool
	exclude string
}

type statusChange struct {
	seq      uint64
	userID   string
	online   bool
	lastSeen time.Time
}

// PresenceTracker counts live connections per user and holds typing state. Online and offline are emitted on
// the first connect and the last disconnect only; the offline transition waits for the grace period so a
// quick reconnect does not flicker.
//
// Status transitions are never dropped: the latest unannounced state of each user is kept until Run hands it
// to the notifier. Typing transitions go through a bounded queue and are dropped when it is full.
type PresenceTracker struct {
	mu       sync.Mutex
	users    map[string]*presenceRecord
	lastSeen map[string]time.Time
	gen      uint64

	grace         time.Duration
	typingTimeout time.Duration
	now           func() time.Time

	notifier PresenceNotifier
	store    PresenceStore

	typingEvents chan typingChange
	pending      map[string]statusChange
	seq          uint64
	wake         chan struct{}
}

func NewPresenceTracker(grace, typingTimeout time.Duration) *PresenceTracker {
	return &PresenceTracker{
		users:         make(map[string]*presenceRecord),
		lastSeen:      make(map[string]time.Time),
		grace:         grace,
		typingTimeout: typingTimeout,
		now:           time.Now,
		typingEvents:  make(chan typingChange, 1024),
		pending:       make(map[string]statusChange),
		wake:          make(chan struct{}, 1),
	}
}

// SetNotifier must be called before Run.
func (p *PresenceTracker) SetNotifier(n PresenceNotifier) {
	p.notifier = n
}

// SetStore makes status transitions global. Must be called before Run.
func (p *PresenceTracker) SetStore(s PresenceStore) {
	p.store = s
}

// Run delivers transitions to the notifier until ctx is done. Typing is delivered on its own goroutine so
// it never waits behind a status fan-out.
func (p *PresenceTracker) Run(ctx context.Context) {
	go p.runTyping(ctx)
	p.runStatus(ctx)
}

func (p *PresenceTracker) runTyping(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.typingEvents:
			if p.notifier != nil {
				p.notifier.TypingChanged(ctx, ev.roomID, ev.userID, ev.value, ev.exclude)
			}
		}
	}
}

func (p *PresenceTracker) runStatus(ctx context.Context) {
	// users last announced online
	announced := make(map[string]bool)

	var refresh <-chan time.Time
	if p.store != nil {
		t := time.NewTicker(sharedPresenceRefresh)
		defer t.Stop()
		refresh = t.C
	}
	sweep := time.NewTicker(lastSeenSweep)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
			for _, ch := range p.takePending() {
				p.announce(ctx, announced, ch)
			}
		case <-refresh:
			p.refreshStore(ctx, announced)
		case <-sweep.C:
			p.pruneLastSeen()
		}
	}
}

func (p *PresenceTracker) takePending() []statusChange {
	p.mu.Lock()
	out := make([]statusChange, 0, len(p.pending))
	for _, ch := range p.pending {
		out = append(out, ch)
	}
	p.pending = make(map[string]statusChange)
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (p *PresenceTracker) announce(ctx context.Context, announced map[string]bool, ch statusChange) {
	if prev, ok := announced[ch.userID]; ok && prev == ch.online {
		return
	}
	if ch.online {
		announced[ch.userID] = true
	} else {
		delete(announced, ch.userID)
	}

	if p.store != nil {
		var global bool
		var err error
		if ch.online {
			global, err = p.store.MarkOnline(ctx, ch.userID)
		} else {
			global, err = p.store.MarkOffline(ctx, ch.userID)
		}
		if err != nil {
			// fall back to what this instance knows
			logger.L().Error().Err(err).Str(logger.FieldUserID, ch.userID).Msg("shared presence update failed")
			global = true
		}
		if !global {
			return
		}
	}

	if p.notifier != nil {
		p.notifier.UserStatusChanged(ctx, ch.userID, ch.online, ch.lastSeen)
	}
}

func (p *PresenceTracker) refreshStore(ctx context.Context, announced map[string]bool) {
	if len(announced) == 0 {
		return
	}
	ids := make([]string, 0, len(announced))
	for id := range announced {
		ids = append(ids, id)
	}
	if err := p.store.Refresh(ctx, ids); err != nil {
		logger.L().Warn().Err(err).Int("users", len(ids)).Msg("shared presence refresh failed")
	}
}

// emitStatus is called with p.mu held. A newer state of the same user replaces an unannounced one.
func (p *PresenceTracker) emitStatus(userID string, online bool, lastSeen time.Time) {
	p.seq++
	p.pending[userID] = statusChange{seq: p.seq, userID: userID, online: online, lastSeen: lastSeen}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// emitTyping is called with p.mu held so the queue order matches the state order.
func (p *PresenceTracker) emitTyping(ev typingChange) {
	select {
	case p.typingEvents <- ev:
	default:
		logger.L().Warn().Str(logger.FieldUserID, ev.userID).Str(logger.FieldRoomID, ev.roomID).Msg("typing queue full, dropping transition")
	}
}

func (p *PresenceTracker) Connected(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.users[userID]
	if !ok {
		rec = &presenceRecord{typing: make(map[string]*typingState)}
		p.users[userID] = rec
	}
	rec.conns++
	rec.offlineGen++ // cancels a pending offline transition
	delete(p.lastSeen, userID)

	if !rec.online {
		rec.online = true
		p.emitStatus(userID, true, time.Time{})
	}
}

func (p *PresenceTracker) Disconnected(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.users[userID]
	if !ok || rec.conns == 0 {
		return
	}
	rec.conns--
	if rec.conns > 0 {
		return
	}

	for roomID, st := range rec.typing {
		st.timer.Stop()
		delete(rec.typing, roomID)
		p.emitTyping(typingChange{userID: userID, roomID: roomID, value: false})
	}

	now := p.now()
	p.lastSeen[userID] = now
	rec.offlineGen++
	gen := rec.offlineGen

	if p.grace <= 0 {
		p.goOfflineLocked(userID, rec, now)
		return
	}
	time.AfterFunc(p.grace, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if cur, ok := p.users[userID]; ok && cur == rec && rec.conns == 0 && rec.offlineGen == gen {
			p.goOfflineLocked(userID, rec, now)
		}
	})
}

func (p *PresenceTracker) goOfflineLocked(userID string, rec *presenceRecord, lastSeen time.Time) {
	delete(p.users, userID)
	if rec.online {
		rec.online = false
		p.emitStatus(userID, false, lastSeen)
	}
}

// pruneLastSeen forgets last-seen times older than lastSeenRetention.
func (p *PresenceTracker) pruneLastSeen() {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-lastSeenRetention)
	for userID, t := range p.lastSeen {
		if t.Before(cutoff) {
			delete(p.lastSeen, userID)
		}
	}
}

// SetTyping records a typing signal from connID. Only transitions are emitted. A true signal arms a timer
// that clears the state and emits false if no further signal arrives.
func (p *PresenceTracker) SetTyping(userID, roomID, connID string, isTyping bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.users[userID]
	if !ok || rec.conns == 0 {
		return
	}

	st, typing := rec.typing[roomID]
	if !isTyping {
		if typing {
			st.timer.Stop()
			delete(rec.typing, roomID)
			p.emitTyping(typingChange{userID: userID, roomID: roomID, value: false, exclude: connID})
		}
		return
	}

	p.gen++
	gen := p.gen
	if typing {
		st.timer.Stop()
		st.gen = gen
	} else {
		st = &typingState{gen: gen}
		rec.typing[roomID] = st
		p.emitTyping(typingChange{userID: userID, roomID: roomID, value: true, exclude: connID})
	}
	st.timer = time.AfterFunc(p.typingTimeout, func() {
		p.expireTyping(userID, roomID, gen)
	})
}

func (p *PresenceTracker) expireTyping(userID, roomID string, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.users[userID]
	if !ok {
		return
	}
	st, ok := rec.typing[roomID]
	if !ok || st.gen != gen {
		return
	}
	delete(rec.typing, roomID)
	p.emitTyping(typingChange{userID: userID, roomID: roomID, value: false})
}

// IsTyping reports whether userID currently has a live typing signal in roomID.
func (p *PresenceTracker) IsTyping(userID, roomID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.users[userID]
	if !ok {
		return false
	}
	_, ok = rec.typing[roomID]
	return ok
}

// Status returns the online flag and, for users seen disconnecting, the last time they did.
func (p *PresenceTracker) Status(userID string) (online bool, lastSeen *time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.users[userID]; ok && rec.online {
		online = true
	}
	if t, ok := p.lastSeen[userID]; ok && !online {
		lastSeen = &t
	}
	return online, lastSeen
}

// OnlineUsers returns how many users are currently online.
func (p *PresenceTracker) OnlineUsers() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, rec := range p.users {
		if rec.online {
			n++
		}
	}
	return n
}
