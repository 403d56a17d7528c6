// Package gateway is the websocket edge: it upgrades connections,
// authenticates them, drives the per-connection protocol state machine
// and fans frames between sessions and the collaboration rooms.
package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"collab.evalgo.org/auth"
	"collab.evalgo.org/collab"
	"collab.evalgo.org/config"
)

// writeWait bounds a single websocket write.
const writeWait = 10 * time.Second

type sessionState int

const (
	stateConnected sessionState = iota
	stateAuthenticated
	stateClosed
)

// Session is one websocket connection. The read loop owns the protocol
// state; the write loop owns the connection's write side and drains the
// bounded outbound queue. Rooms enqueue into the queue through the
// collab.Peer interface and never block on a slow connection.
type Session struct {
	id       string
	conn     *websocket.Conn
	registry *collab.Registry
	tokens   *auth.TokenService
	cfg      config.CollabConfig
	logger   *logrus.Entry

	out      chan []byte
	outBytes atomic.Int64

	done      chan struct{}
	closeOnce sync.Once

	// state is written by the read loop and read by the auth timer.
	state atomic.Int32

	// Owned by the read loop.
	principal  *auth.Principal
	queryToken string
	fromQuery  bool

	// docID is read by room callbacks (Detach), hence the mutex.
	mu    sync.Mutex
	docID string

	lastPong atomic.Int64
}

func newSession(conn *websocket.Conn, registry *collab.Registry, tokens *auth.TokenService, cfg config.CollabConfig, logger *logrus.Logger) *Session {
	id := uuid.New().String()
	s := &Session{
		id:       id,
		conn:     conn,
		registry: registry,
		tokens:   tokens,
		cfg:      cfg,
		logger:   logger.WithField("component", "session").WithField("session_id", id),
		out:      make(chan []byte, cfg.SessionOutboundCapacity),
		done:     make(chan struct{}),
	}
	s.lastPong.Store(time.Now().UnixNano())
	return s
}

// SessionID implements collab.Peer.
func (s *Session) SessionID() string { return s.id }

// Principal implements collab.Peer.
func (s *Session) Principal() auth.Principal {
	if s.principal == nil {
		return auth.Principal{}
	}
	return *s.principal
}

// Enqueue implements collab.Peer. It never blocks: if the outbound queue
// or byte budget is exhausted the session is evicted as a slow consumer
// and false is returned.
func (s *Session) Enqueue(msg *collab.Message) bool {
	data, err := msg.JSON()
	if err != nil {
		s.logger.WithError(err).Error("failed to encode frame")
		return false
	}

	if s.outBytes.Add(int64(len(data))) > s.cfg.SessionOutboundBytes {
		s.outBytes.Add(int64(-len(data)))
		s.evictSlow()
		return false
	}

	select {
	case s.out <- data:
		return true
	case <-s.done:
		s.outBytes.Add(int64(-len(data)))
		return false
	default:
		s.outBytes.Add(int64(-len(data)))
		s.evictSlow()
		return false
	}
}

// Detach implements collab.Peer. The room already removed the session;
// this only clears the local join so later frames for the document are
// rejected.
func (s *Session) Detach(docID string) {
	s.mu.Lock()
	if s.docID == docID {
		s.docID = ""
	}
	s.mu.Unlock()
}

func (s *Session) joinedDoc() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docID
}

func (s *Session) setJoinedDoc(docID string) {
	s.mu.Lock()
	s.docID = docID
	s.mu.Unlock()
}

// run drives the session until the connection dies or the session is
// closed. It blocks; the gateway calls it in the connection's goroutine.
func (s *Session) run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	authTimer := time.AfterFunc(s.cfg.AuthDeadline, func() {
		if s.phase() == stateConnected {
			// Queued, not written directly: the write loop is the only
			// data writer and flushes the queue on its way out.
			s.trySend(&collab.Message{
				Type:    collab.TypeAuthError,
				Code:    collab.CodeAuthRequired,
				Message: "authentication deadline exceeded",
			})
			s.close()
		}
	})
	defer authTimer.Stop()

	s.conn.SetPongHandler(func(string) error {
		s.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	// A token supplied on the connection URL authenticates eagerly. On
	// failure the connection stays open: the client may still send a
	// proper authenticate frame within the deadline.
	if s.queryToken != "" {
		if principal, err := s.tokens.Verify(s.queryToken); err == nil {
			s.principal = principal
			s.setPhase(stateAuthenticated)
			s.fromQuery = true
			s.logger = s.logger.WithField("principal_id", principal.ID)
			s.send(&collab.Message{
				Type:        collab.TypeAuthenticated,
				PrincipalID: principal.ID,
				DisplayName: principal.DisplayName,
				Role:        principal.Role,
				Permissions: principal.Permissions,
			})
		}
	}

	s.readLoop()

	s.close()
	<-writerDone
	s.leaveCurrent()
	s.logger.Debug("session ended")
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.WithError(err).Debug("read error")
			}
			return
		}

		msg, err := collab.ParseMessage(data)
		if err != nil {
			s.sendError(collab.CodeProtocolError, "malformed frame")
			continue
		}

		if !s.handle(msg) {
			return
		}
	}
}

// handle processes one inbound frame. Returning false ends the session.
func (s *Session) handle(msg *collab.Message) bool {
	switch s.phase() {
	case stateConnected:
		switch msg.Type {
		case collab.TypeAuthenticate:
			return s.handleAuthenticate(msg)
		case collab.TypePing:
			s.send(&collab.Message{Type: collab.TypePong})
			return true
		default:
			s.sendError(collab.CodeAuthRequired, "authenticate first")
			return true
		}
	case stateAuthenticated:
		switch msg.Type {
		case collab.TypeAuthenticate:
			// The authenticate frame is authoritative over a query-string
			// token, but only before the session joins a document.
			if s.fromQuery && s.joinedDoc() == "" {
				s.fromQuery = false
				return s.handleAuthenticate(msg)
			}
			s.sendError(collab.CodeProtocolError, "already authenticated")
			return true
		case collab.TypeJoinDocument:
			s.handleJoin(msg)
			return true
		case collab.TypeLeaveDocument:
			s.handleLeave(msg)
			return true
		case collab.TypeDocumentUpdate:
			s.handleUpdate(msg)
			return true
		case collab.TypeCursorUpdate:
			s.handleCursor(msg)
			return true
		case collab.TypePing:
			s.send(&collab.Message{Type: collab.TypePong})
			return true
		default:
			s.sendError(collab.CodeProtocolError, "unexpected frame type "+string(msg.Type))
			return true
		}
	default:
		return false
	}
}

func (s *Session) handleAuthenticate(msg *collab.Message) bool {
	principal, err := s.tokens.Verify(msg.Token)
	if err != nil {
		code := collab.CodeAuthInvalid
		if errors.Is(err, auth.ErrExpiredToken) {
			code = collab.CodeAuthExpired
		}
		s.send(&collab.Message{Type: collab.TypeAuthError, Code: code, Message: "authentication failed"})
		return false
	}

	s.principal = principal
	s.setPhase(stateAuthenticated)
	s.logger = s.logger.WithField("principal_id", principal.ID)

	s.send(&collab.Message{
		Type:        collab.TypeAuthenticated,
		PrincipalID: principal.ID,
		DisplayName: principal.DisplayName,
		Role:        principal.Role,
		Permissions: principal.Permissions,
	})
	s.logger.Info("session authenticated")
	return true
}

func (s *Session) handleJoin(msg *collab.Message) {
	if msg.DocumentID == "" {
		s.sendError(collab.CodeProtocolError, "missing documentId")
		return
	}

	// Joining a different document implicitly leaves the current one.
	if current := s.joinedDoc(); current != "" && current != msg.DocumentID {
		s.registry.Leave(current, s.id)
		s.setJoinedDoc("")
		s.send(&collab.Message{Type: collab.TypeDocumentLeft, DocumentID: current})
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JoinDeadline)
	defer cancel()

	result, err := s.registry.Join(ctx, msg.DocumentID, s)
	if err != nil {
		var we *collab.WireError
		if errors.As(err, &we) {
			s.send(&collab.Message{
				Type:       collab.TypeError,
				DocumentID: msg.DocumentID,
				Code:       we.Code,
				Message:    we.Message,
			})
			return
		}
		s.sendError(collab.CodeJoinFailed, "join failed")
		return
	}

	s.setJoinedDoc(msg.DocumentID)
	s.send(&collab.Message{
		Type:           collab.TypeDocumentJoined,
		DocumentID:     result.DocID,
		Metadata:       &result.Meta,
		HasWriteAccess: hasWrite(result.Permission.CanWrite()),
		Users:          result.Roster,
		DocumentState:  result.StateBytes,
	})
}

func (s *Session) handleLeave(msg *collab.Message) {
	current := s.joinedDoc()
	if current == "" || (msg.DocumentID != "" && msg.DocumentID != current) {
		s.sendError(collab.CodeProtocolError, "not joined to that document")
		return
	}
	s.registry.Leave(current, s.id)
	s.setJoinedDoc("")
	s.send(&collab.Message{Type: collab.TypeDocumentLeft, DocumentID: current})
}

func (s *Session) handleUpdate(msg *collab.Message) {
	current := s.joinedDoc()
	if current == "" || msg.DocumentID != current {
		s.sendError(collab.CodeProtocolError, "not joined to that document")
		return
	}
	if err := s.registry.Update(current, s.id, msg.Update); err != nil {
		if errors.Is(err, collab.ErrInboxFull) {
			// The room could not absorb the frame within the bounded
			// wait; drop the session rather than stall its reader.
			s.evictSlow()
			return
		}
		s.send(&collab.Message{
			Type:       collab.TypeError,
			DocumentID: current,
			Code:       collab.CodeUnavailable,
			Message:    "document is temporarily unavailable",
		})
	}
}

func (s *Session) handleCursor(msg *collab.Message) {
	current := s.joinedDoc()
	if current == "" || msg.DocumentID != current {
		s.sendError(collab.CodeProtocolError, "not joined to that document")
		return
	}
	if err := s.registry.Cursor(current, s.id, msg.Cursor); errors.Is(err, collab.ErrInboxFull) {
		s.evictSlow()
	}
}

// writeLoop is the only goroutine writing to the connection. It also
// drives the server-side heartbeat.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			s.drainClose()
			return
		case data := <-s.out:
			s.outBytes.Add(int64(-len(data)))
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			deadline := time.Duration(s.cfg.HeartbeatMissLimit) * s.cfg.HeartbeatInterval
			if time.Since(time.Unix(0, s.lastPong.Load())) > deadline {
				s.logger.Debug("heartbeat missed, closing")
				s.close()
				return
			}
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.close()
				return
			}
		}
	}
}

// drainClose flushes whatever is already queued, then closes the socket.
func (s *Session) drainClose() {
	for {
		select {
		case data := <-s.out:
			s.outBytes.Add(int64(-len(data)))
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if s.conn.WriteMessage(websocket.TextMessage, data) != nil {
				s.conn.Close()
				return
			}
		default:
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			s.conn.Close()
			return
		}
	}
}

// send queues a frame for the write loop, dropping it if the session is
// already closing.
func (s *Session) send(msg *collab.Message) {
	data, err := msg.JSON()
	if err != nil {
		s.logger.WithError(err).Error("failed to encode frame")
		return
	}
	select {
	case s.out <- data:
		s.outBytes.Add(int64(len(data)))
	case <-s.done:
	}
}

func (s *Session) sendError(code, message string) {
	s.send(collab.ErrorMessage(code, message))
}

// trySend queues a frame best-effort, dropping it when the queue is
// full. Used from goroutines other than the read loop; the write loop
// remains the only goroutine writing data frames to the connection.
func (s *Session) trySend(msg *collab.Message) {
	data, err := msg.JSON()
	if err != nil {
		return
	}
	select {
	case s.out <- data:
		s.outBytes.Add(int64(len(data)))
	default:
	}
}

// evictSlow terminates a session whose outbound queue overflowed.
func (s *Session) evictSlow() {
	s.closeOnce.Do(func() {
		s.logger.Warn("slow consumer, evicting")
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, collab.CodeSlowConsumer),
			time.Now().Add(writeWait))
		close(s.done)
		s.conn.Close()
	})
}

// shutdown notifies the client the server is going away and closes. The
// notice travels through the outbound queue and is flushed by the write
// loop's drain, so no second writer ever touches the connection.
func (s *Session) shutdown() {
	s.trySend(&collab.Message{
		Type:   collab.TypeShuttingDown,
		Code:   collab.CodeShuttingDown,
		Reason: "server is shutting down",
	})
	s.close()
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) leaveCurrent() {
	if current := s.joinedDoc(); current != "" {
		s.registry.Leave(current, s.id)
		s.setJoinedDoc("")
	}
}

func (s *Session) phase() sessionState {
	return sessionState(s.state.Load())
}

func (s *Session) setPhase(st sessionState) {
	s.state.Store(int32(st))
}

func hasWrite(b bool) *bool { return &b }
