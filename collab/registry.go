package collab

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"collab.evalgo.org/store"
)

// Registry owns the room table: at most one live room per document id.
// Lookups and lifecycle transitions happen under a short mutex; all
// document work happens inside the rooms themselves.
type Registry struct {
	cfg    Config
	docs   store.DocumentStore
	cache  *store.MetadataCache
	logger *logrus.Logger

	mu    sync.Mutex
	rooms map[string]*Room

	sweepStop    chan struct{}
	sweepDone    chan struct{}
	shutdownOnce sync.Once
}

// NewRegistry creates the registry and starts the idle-room sweeper.
func NewRegistry(cfg Config, docs store.DocumentStore, cache *store.MetadataCache, logger *logrus.Logger) *Registry {
	r := &Registry{
		cfg:       cfg,
		docs:      docs,
		cache:     cache,
		logger:    logger,
		rooms:     make(map[string]*Room),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go r.sweep()
	return r
}

// Join finds or creates the room for a document and joins the peer to
// it. A room that died between lookup and join is replaced and the join
// retried once.
func (r *Registry) Join(ctx context.Context, docID string, peer Peer) (*JoinResult, error) {
	for attempt := 0; attempt < 2; attempt++ {
		room := r.room(docID)
		result, err := room.Join(ctx, peer)
		if err == ErrRoomClosed {
			r.evict(docID, room)
			continue
		}
		if err != nil {
			// Rooms self-destruct on load failure; drop the dead entry
			// so the next join starts fresh.
			if we, ok := err.(*WireError); ok &&
				(we.Code == CodeDocumentNotFound || we.Code == CodeUnavailable) {
				r.evict(docID, room)
			}
			return nil, err
		}
		return result, nil
	}
	return nil, wireErrorf(CodeUnavailable, "document %s is temporarily unavailable", docID)
}

// Leave routes a leave to the document's room if one is live.
func (r *Registry) Leave(docID, sessionID string) {
	if room := r.lookup(docID); room != nil {
		_ = room.Leave(sessionID)
	}
}

// Update routes update bytes to the document's room.
func (r *Registry) Update(docID, sessionID string, update []byte) error {
	room := r.lookup(docID)
	if room == nil {
		return ErrRoomClosed
	}
	return room.Update(sessionID, update)
}

// Cursor routes a cursor position to the document's room.
func (r *Registry) Cursor(docID, sessionID string, cursor []byte) error {
	room := r.lookup(docID)
	if room == nil {
		return ErrRoomClosed
	}
	return room.Cursor(sessionID, cursor)
}

// ACLChanged notifies a live room that the document's ACL was rewritten.
// Documents without a live room need nothing: the next room load reads
// the new ACL from the store.
func (r *Registry) ACLChanged(docID string, acl store.ACL) {
	if room := r.lookup(docID); room != nil {
		_ = room.ACLChanged(acl)
	}
}

func (r *Registry) room(docID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[docID]
	if !ok {
		room = newRoom(docID, r.cfg, r.docs, r.cache, r.logger)
		r.rooms[docID] = room
	}
	return room
}

func (r *Registry) lookup(docID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[docID]
}

// evict removes a specific room instance from the table. The instance
// check keeps a racing recreate from being dropped by a stale caller.
func (r *Registry) evict(docID string, room *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[docID] == room {
		delete(r.rooms, docID)
	}
}

// sweep periodically destroys rooms that have been empty and clean for
// the idle TTL.
func (r *Registry) sweep() {
	defer close(r.sweepDone)
	interval := r.cfg.RoomIdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.sweepStop:
			return
		case <-ticker.C:
			r.mu.Lock()
			candidates := make(map[string]*Room, len(r.rooms))
			for docID, room := range r.rooms {
				candidates[docID] = room
			}
			r.mu.Unlock()

			// tryStop outside the lock: a stopping room may be mid-persist.
			for docID, room := range candidates {
				if room.tryStop(r.cfg.RoomIdleTTL) {
					r.evict(docID, room)
				}
			}
		}
	}
}

// Shutdown stops the sweeper and flushes every live room's dirty state.
// The context bounds the total flush time. Safe to call more than once;
// later calls are no-ops.
func (r *Registry) Shutdown(ctx context.Context) {
	r.shutdownOnce.Do(func() { r.shutdown(ctx) })
}

func (r *Registry) shutdown(ctx context.Context) {
	close(r.sweepStop)
	<-r.sweepDone

	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.rooms = make(map[string]*Room)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, room := range rooms {
		wg.Add(1)
		go func(room *Room) {
			defer wg.Done()
			room.Flush(ctx)
		}(room)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("all rooms flushed")
	case <-ctx.Done():
		r.logger.Warn("shutdown flush timed out")
	}
}
