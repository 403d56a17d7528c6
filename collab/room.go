package collab

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"collab.evalgo.org/auth"
	"collab.evalgo.org/crdt"
	"collab.evalgo.org/store"
)

// cursorRate caps cursor broadcasts per participant; excess positions are
// coalesced and only the latest is flushed.
const cursorRate = 30

// persistRetryCap bounds the exponential backoff for failed state saves.
const persistRetryCap = 60 * time.Second

// inboxWait bounds how long a caller blocks on a full room inbox before
// giving up with ErrInboxFull.
const inboxWait = time.Second

// ErrRoomClosed is returned when a message is routed to a destroyed room.
var ErrRoomClosed = errors.New("room closed")

// ErrInboxFull is returned when the room inbox stays full past the
// bounded wait; the caller drops the sender rather than stall behind
// a wedged room.
var ErrInboxFull = errors.New("room inbox full")

// Config carries the room tuning knobs.
type Config struct {
	PersistInterval         time.Duration
	SnapshotUpdateThreshold int
	SnapshotTimeThreshold   time.Duration
	RoomIdleTTL             time.Duration
	JoinDeadline            time.Duration
}

// Peer is the room's view of a joined session. Enqueue must never block:
// it reports false when the session cannot accept the frame (the session
// handles its own slow-consumer eviction). Detach tells the session the
// room removed it and must not block either.
type Peer interface {
	SessionID() string
	Principal() auth.Principal
	Enqueue(msg *Message) bool
	Detach(docID string)
}

// Participant is a peer inside a room together with its room-local state.
type Participant struct {
	peer          Peer
	perm          store.Permission
	cursor        json.RawMessage
	pendingCursor json.RawMessage
	limiter       *rate.Limiter
	joinedAt      time.Time
}

// JoinResult is the synchronous response to a join: the full current
// state travels here and never through the ordinary update stream.
type JoinResult struct {
	DocID      string
	Meta       store.Metadata
	Permission store.Permission
	StateBytes []byte
	Roster     []auth.Summary
}

type msgKind int

const (
	msgJoin msgKind = iota
	msgLeave
	msgUpdate
	msgCursor
	msgACL
	msgStop
	msgFlush
)

type roomMsg struct {
	kind      msgKind
	sessionID string
	peer      Peer
	update    []byte
	cursor    json.RawMessage
	acl       store.ACL
	ttl       time.Duration

	joinReply chan joinReply
	boolReply chan bool
	doneReply chan struct{}
}

type joinReply struct {
	result *JoinResult
	err    error
}

// Room is the per-document actor. Exactly one goroutine (run) mutates the
// replica, the participant set and the dirty flag; everything else talks
// to it through the bounded inbox.
type Room struct {
	docID  string
	cfg    Config
	docs   store.DocumentStore
	cache  *store.MetadataCache
	logger *logrus.Entry

	inbox chan roomMsg
	done  chan struct{}

	// Owned by the actor goroutine.
	state        *crdt.Replica
	meta         store.Metadata
	acl          store.ACL
	participants map[string]*Participant
	order        []string
	seq          uint64
	dirty        bool
	idleSince    time.Time

	updatesSinceSnapshot int
	lastSnapshot         time.Time
	retryDelay           time.Duration
	nextPersistAttempt   time.Time
}

func newRoom(docID string, cfg Config, docs store.DocumentStore, cache *store.MetadataCache, logger *logrus.Logger) *Room {
	r := &Room{
		docID:        docID,
		cfg:          cfg,
		docs:         docs,
		cache:        cache,
		logger:       logger.WithField("component", "room").WithField("doc_id", docID),
		inbox:        make(chan roomMsg, 256),
		done:         make(chan struct{}),
		participants: make(map[string]*Participant),
		idleSince:    time.Now(),
		lastSnapshot: time.Now(),
	}
	go r.run()
	return r
}

// Join routes a join through the actor and waits for the synchronous
// response. The context bounds the whole operation including the state
// load on first join.
func (r *Room) Join(ctx context.Context, peer Peer) (*JoinResult, error) {
	reply := make(chan joinReply, 1)
	m := roomMsg{kind: msgJoin, sessionID: peer.SessionID(), peer: peer, joinReply: reply}

	select {
	case r.inbox <- m:
	case <-r.done:
		return nil, ErrRoomClosed
	case <-ctx.Done():
		return nil, wireErrorf(CodeJoinFailed, "join timed out")
	}

	select {
	case res := <-reply:
		return res.result, res.err
	case <-r.done:
		return nil, ErrRoomClosed
	case <-ctx.Done():
		return nil, wireErrorf(CodeJoinFailed, "join timed out")
	}
}

// Leave removes a participant. Safe to call for sessions that already left.
func (r *Room) Leave(sessionID string) error {
	return r.send(roomMsg{kind: msgLeave, sessionID: sessionID})
}

// Update routes CRDT update bytes from a session into the actor.
func (r *Room) Update(sessionID string, update []byte) error {
	return r.send(roomMsg{kind: msgUpdate, sessionID: sessionID, update: update})
}

// Cursor routes a cursor position from a session into the actor.
func (r *Room) Cursor(sessionID string, cursor json.RawMessage) error {
	return r.send(roomMsg{kind: msgCursor, sessionID: sessionID, cursor: cursor})
}

// ACLChanged replaces the room's ACL snapshot and recomputes every
// participant's effective permission.
func (r *Room) ACLChanged(acl store.ACL) error {
	return r.send(roomMsg{kind: msgACL, acl: acl.Clone()})
}

// send enqueues with a bounded wait so a wedged room cannot stall its
// callers indefinitely.
func (r *Room) send(m roomMsg) error {
	timer := time.NewTimer(inboxWait)
	defer timer.Stop()
	select {
	case r.inbox <- m:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-timer.C:
		return ErrInboxFull
	}
}

// tryStop asks the actor to terminate if the room has been empty and
// clean for at least ttl. Returns true when the room is now destroyed.
func (r *Room) tryStop(ttl time.Duration) bool {
	reply := make(chan bool, 1)
	select {
	case r.inbox <- roomMsg{kind: msgStop, ttl: ttl, boolReply: reply}:
	case <-r.done:
		return true
	}
	select {
	case ok := <-reply:
		return ok
	case <-r.done:
		return true
	}
}

// Flush forces a synchronous persist of dirty state, used on shutdown.
func (r *Room) Flush(ctx context.Context) {
	reply := make(chan struct{})
	select {
	case r.inbox <- roomMsg{kind: msgFlush, doneReply: reply}:
	case <-r.done:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-reply:
	case <-r.done:
	case <-ctx.Done():
	}
}

func (r *Room) run() {
	ticker := time.NewTicker(r.cfg.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case m := <-r.inbox:
			r.handle(m)
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Room) handle(m roomMsg) {
	switch m.kind {
	case msgJoin:
		r.handleJoin(m)
	case msgLeave:
		r.handleLeave(m.sessionID)
	case msgUpdate:
		r.handleUpdate(m.sessionID, m.update)
	case msgCursor:
		r.handleCursor(m.sessionID, m.cursor)
	case msgACL:
		r.handleACLChanged(m.acl)
	case msgStop:
		r.handleStop(m)
	case msgFlush:
		r.persist(true)
		close(m.doneReply)
	}
}

// handleJoin loads durable state on the first join, verifies access and
// answers with the full current state. Joins arriving while the first
// load is in flight queue behind it in the inbox.
func (r *Room) handleJoin(m roomMsg) {
	if r.state == nil {
		if err := r.load(); err != nil {
			m.joinReply <- joinReply{err: err}
			// A failed load destroys the room; the registry recreates
			// it on the next join, which retries the load.
			close(r.done)
			return
		}
	}

	principal := m.peer.Principal()
	perm, ok := store.EffectivePermission(r.meta, r.acl, principal)
	if !ok {
		m.joinReply <- joinReply{err: wireErrorf(CodeInsufficientPermissions,
			"no access to document %s", r.docID)}
		return
	}

	_, rejoin := r.participants[m.sessionID]
	r.participants[m.sessionID] = &Participant{
		peer:     m.peer,
		perm:     perm,
		limiter:  rate.NewLimiter(rate.Limit(cursorRate), 1),
		joinedAt: time.Now(),
	}
	if !rejoin {
		r.order = append(r.order, m.sessionID)
	}
	r.idleSince = time.Time{}

	result := &JoinResult{
		DocID:      r.docID,
		Meta:       r.meta,
		Permission: perm,
		StateBytes: r.state.Encode(),
		Roster:     r.roster(),
	}
	m.joinReply <- joinReply{result: result}

	if !rejoin {
		summary := principal.Summary()
		r.broadcast(m.sessionID, &Message{
			Type:       TypeUserJoined,
			DocumentID: r.docID,
			User:       &summary,
		})
		r.trackPresence(principal.ID, true)
	}

	r.logger.WithFields(logrus.Fields{
		"session_id":   m.sessionID,
		"principal_id": principal.ID,
		"participants": len(r.participants),
	}).Info("participant joined")
}

func (r *Room) load() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.JoinDeadline)
	defer cancel()

	record, err := r.docs.Load(ctx, r.docID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return wireErrorf(CodeDocumentNotFound, "document %s does not exist", r.docID)
		}
		r.logger.WithError(err).Error("state load failed")
		return wireErrorf(CodeUnavailable, "document %s is temporarily unavailable", r.docID)
	}

	state, err := crdt.DecodeState(record.StateBytes)
	if err != nil {
		r.logger.WithError(err).Error("persisted state is corrupt")
		return wireErrorf(CodeUnavailable, "document %s is temporarily unavailable", r.docID)
	}

	r.state = state
	r.meta = record.Meta
	r.acl = record.ACL.Clone()

	if r.cache != nil {
		cacheCtx, cacheCancel := context.WithTimeout(context.Background(), time.Second)
		defer cacheCancel()
		if err := r.cache.SetMetadata(cacheCtx, r.meta, r.acl); err != nil {
			r.logger.WithError(err).Debug("metadata cache write failed")
		}
	}

	r.logger.WithFields(logrus.Fields{
		"state_size": humanize.Bytes(uint64(len(record.StateBytes))),
		"ops":        r.state.Len(),
	}).Info("room loaded")
	return nil
}

func (r *Room) handleLeave(sessionID string) {
	p, ok := r.participants[sessionID]
	if !ok {
		return
	}
	r.removeParticipant(sessionID)

	r.broadcast(sessionID, &Message{
		Type:        TypeUserLeft,
		DocumentID:  r.docID,
		PrincipalID: p.peer.Principal().ID,
	})
	r.trackPresence(p.peer.Principal().ID, false)

	if len(r.participants) == 0 {
		r.idleSince = time.Now()
	}
}

// handleUpdate merges update bytes, acknowledges the originator and
// broadcasts the effective subset to everyone else. The originator never
// sees its own update again.
func (r *Room) handleUpdate(sessionID string, update []byte) {
	p, ok := r.participants[sessionID]
	if !ok {
		return
	}

	if !p.perm.CanWrite() {
		p.peer.Enqueue(&Message{
			Type:       TypeError,
			DocumentID: r.docID,
			Code:       CodeInsufficientPermissions,
			Message:    "write access required",
		})
		return
	}

	effective, err := r.state.MergeBytes(update)
	if err != nil {
		code := CodeUpdateProcessingError
		if errors.Is(err, crdt.ErrEmptyUpdate) || errors.Is(err, crdt.ErrMalformedUpdate) {
			code = CodeInvalidUpdateData
		}
		p.peer.Enqueue(&Message{
			Type:       TypeError,
			DocumentID: r.docID,
			Code:       code,
			Message:    err.Error(),
		})
		return
	}

	if effective == nil {
		// Fully redundant resend: acknowledge, do not broadcast.
		p.peer.Enqueue(&Message{Type: TypeDocumentUpdateAck, DocumentID: r.docID, Seq: r.seq})
		return
	}

	r.seq++
	r.dirty = true
	r.updatesSinceSnapshot++

	p.peer.Enqueue(&Message{Type: TypeDocumentUpdateAck, DocumentID: r.docID, Seq: r.seq})
	r.broadcast(sessionID, &Message{
		Type:              TypeDocumentUpdate,
		DocumentID:        r.docID,
		OriginPrincipalID: p.peer.Principal().ID,
		Update:            effective,
		Seq:               r.seq,
	})
}

// handleCursor overwrites the participant's cursor and broadcasts it to
// the other participants, throttled per session with coalescing.
func (r *Room) handleCursor(sessionID string, cursor json.RawMessage) {
	p, ok := r.participants[sessionID]
	if !ok {
		return
	}
	p.cursor = cursor

	if !p.limiter.Allow() {
		p.pendingCursor = cursor
		return
	}
	p.pendingCursor = nil
	r.broadcast(sessionID, &Message{
		Type:        TypeCursorUpdate,
		DocumentID:  r.docID,
		PrincipalID: p.peer.Principal().ID,
		Cursor:      cursor,
	})
}

// handleACLChanged recomputes effective permissions. Losing write keeps
// the participant joined read-only; losing read ejects them.
func (r *Room) handleACLChanged(acl store.ACL) {
	r.acl = acl

	for sessionID, p := range r.participants {
		principal := p.peer.Principal()
		perm, ok := store.EffectivePermission(r.meta, r.acl, principal)
		if !ok {
			r.removeParticipant(sessionID)
			p.peer.Enqueue(&Message{
				Type:       TypeAccessRevoked,
				DocumentID: r.docID,
				Reason:     "access revoked",
			})
			p.peer.Detach(r.docID)
			r.broadcast(sessionID, &Message{
				Type:        TypeUserLeft,
				DocumentID:  r.docID,
				PrincipalID: principal.ID,
			})
			r.trackPresence(principal.ID, false)
			continue
		}
		if perm != p.perm {
			p.perm = perm
			p.peer.Enqueue(&Message{
				Type:           TypePermissionChanged,
				DocumentID:     r.docID,
				HasWriteAccess: boolPtr(perm.CanWrite()),
			})
		}
	}

	if len(r.participants) == 0 && r.idleSince.IsZero() {
		r.idleSince = time.Now()
	}

	if r.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := r.cache.SetMetadata(ctx, r.meta, r.acl); err != nil {
			r.logger.WithError(err).Debug("metadata cache write failed")
		}
	}
}

func (r *Room) handleStop(m roomMsg) {
	if len(r.participants) > 0 || r.dirty {
		m.boolReply <- false
		return
	}
	if r.idleSince.IsZero() || time.Since(r.idleSince) < m.ttl {
		m.boolReply <- false
		return
	}
	if r.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := r.cache.ClearPresence(ctx, r.docID); err != nil {
			r.logger.WithError(err).Debug("presence clear failed")
		}
		cancel()
	}
	m.boolReply <- true
	close(r.done)
	r.logger.Info("room destroyed")
}

// tick runs the persistence and snapshot policy and flushes coalesced
// cursors.
func (r *Room) tick() {
	for sessionID, p := range r.participants {
		if p.pendingCursor == nil || !p.limiter.Allow() {
			continue
		}
		cursor := p.pendingCursor
		p.pendingCursor = nil
		r.broadcast(sessionID, &Message{
			Type:        TypeCursorUpdate,
			DocumentID:  r.docID,
			PrincipalID: p.peer.Principal().ID,
			Cursor:      cursor,
		})
	}

	r.persist(false)
}

// persist saves dirty state with exponential backoff on failure and
// applies the snapshot policy. Save failures are logged, never surfaced
// to participants.
func (r *Room) persist(force bool) {
	if r.state == nil {
		return
	}

	now := time.Now()
	if r.dirty && (force || now.After(r.nextPersistAttempt)) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		stateBytes := r.state.Encode()
		vector := r.state.StateVector().Encode()
		err := r.docs.SaveState(ctx, r.docID, stateBytes, vector)
		cancel()

		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Another writer owns newer state; reload and rebuild.
				r.logger.Warn("state save conflict, reloading")
				if loadErr := r.reload(); loadErr != nil {
					r.fail()
					return
				}
			}
			if r.retryDelay == 0 {
				r.retryDelay = r.cfg.PersistInterval
			} else {
				r.retryDelay *= 2
				if r.retryDelay > persistRetryCap {
					r.retryDelay = persistRetryCap
				}
			}
			r.nextPersistAttempt = now.Add(r.retryDelay)
			r.logger.WithError(err).WithField("retry_in", r.retryDelay).Warn("state save failed")
		} else {
			r.dirty = false
			r.retryDelay = 0
			r.nextPersistAttempt = time.Time{}
			r.logger.WithField("state_size", humanize.Bytes(uint64(len(stateBytes)))).Debug("state saved")
		}
	}

	byCount := r.cfg.SnapshotUpdateThreshold > 0 && r.updatesSinceSnapshot >= r.cfg.SnapshotUpdateThreshold
	byAge := r.updatesSinceSnapshot > 0 && time.Since(r.lastSnapshot) >= r.cfg.SnapshotTimeThreshold
	if byCount || byAge {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		snapshotID, err := r.docs.Snapshot(ctx, r.docID, r.state.Encode())
		cancel()
		if err != nil {
			r.logger.WithError(err).Warn("snapshot failed")
			return
		}
		r.updatesSinceSnapshot = 0
		r.lastSnapshot = time.Now()
		r.logger.WithField("snapshot_id", snapshotID).Info("snapshot created")
	}
}

// reload rebuilds in-memory state from durable state after a conflict.
func (r *Room) reload() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.JoinDeadline)
	defer cancel()

	record, err := r.docs.Load(ctx, r.docID)
	if err != nil {
		r.logger.WithError(err).Error("reload after conflict failed")
		return err
	}
	state, err := crdt.DecodeState(record.StateBytes)
	if err != nil {
		r.logger.WithError(err).Error("reload after conflict: corrupt state")
		return err
	}
	// Fold our unsaved operations back in; merge idempotence makes this safe.
	if _, err := state.Merge(r.state.Diff(nil)); err != nil {
		return err
	}
	r.state = state
	r.meta = record.Meta
	r.acl = record.ACL.Clone()
	return nil
}

// fail destroys the room after an invariant violation; every participant
// is ejected and the registry will recreate from durable state.
func (r *Room) fail() {
	for sessionID, p := range r.participants {
		p.peer.Enqueue(&Message{
			Type:       TypeError,
			DocumentID: r.docID,
			Code:       CodeUnavailable,
			Message:    "document room failed",
		})
		p.peer.Detach(r.docID)
		r.removeParticipant(sessionID)
	}
	close(r.done)
	r.logger.Error("room failed, destroying")
}

func (r *Room) removeParticipant(sessionID string) {
	delete(r.participants, sessionID)
	for i, id := range r.order {
		if id == sessionID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// broadcast enqueues a frame to every participant except the one named.
// Delivery order per peer matches the order the actor processed the
// source messages.
func (r *Room) broadcast(exceptSessionID string, msg *Message) {
	for _, sessionID := range r.order {
		if sessionID == exceptSessionID {
			continue
		}
		p, ok := r.participants[sessionID]
		if !ok {
			continue
		}
		p.peer.Enqueue(msg)
	}
}

func (r *Room) roster() []auth.Summary {
	users := make([]auth.Summary, 0, len(r.order))
	for _, sessionID := range r.order {
		if p, ok := r.participants[sessionID]; ok {
			users = append(users, p.peer.Principal().Summary())
		}
	}
	return users
}

func (r *Room) trackPresence(principalID string, present bool) {
	if r.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var err error
	if present {
		err = r.cache.AddPresence(ctx, r.docID, principalID)
	} else {
		err = r.cache.RemovePresence(ctx, r.docID, principalID)
	}
	if err != nil {
		r.logger.WithError(err).Debug("presence update failed")
	}
}
