package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/fanout"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/syncproto"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/updatelog"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateAuthenticating
	stateAuthorizing
	stateSyncing
	stateActive
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateAuthorizing:
		return "authorizing"
	case stateSyncing:
		return "syncing"
	case stateActive:
		return "active"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	opAuthenticate = "collab.authenticate"
	opAuthorize    = "collab.authorize"
	opHydrate      = "collab.hydrate"
	opPersist      = "collab.persist"
	opReceive      = "collab.receive"
	opRemote       = "collab.remote"

	reasonInvalidToken    = "invalid_token"
	reasonInvalidDocument = "invalid_document_id"
	reasonDenied          = "denied"
	reasonDirectoryFailed = "directory_failed"
	reasonLogFailed       = "log_failed"
	reasonSeedFailed      = "seed_failed"
	reasonInsertFailed    = "insert_failed"
	reasonProtocol        = "protocol_error"
	reasonSendFailed      = "send_failed"
	reasonSubscribeFailed = "subscribe_failed"
)

// closeError ends the read loop with a close code.
type closeError struct {
	code   int
	reason string
	err    error
}

func (e *closeError) Error() string {
	return fmt.Sprintf("close %d (%s): %v", e.code, e.reason, e.err)
}

func (e *closeError) Unwrap() error {
	return e.err
}

type session struct {
	handler *Handler
	conn    *websocket.Conn
	peer    *wsPeer
	logger  *zap.Logger
	state   sessionState

	identity     Identity
	documentID   documents.DocumentID
	document     crdt.Document
	connection   *rooms.Connection
	subscription *fanout.Subscription
}

func (s *session) run(ctx context.Context, rawDocumentID, token string) {
	s.handler.metrics.ConnectionOpened()
	code, reason := CloseNormal, "session ended"
	defer func() {
		s.cleanup(code, reason)
	}()

	s.transition(stateAuthenticating)
	identity, err := s.handler.authenticator.Authenticate(ctx, token)
	if err != nil {
		s.logWarn(opAuthenticate, reasonInvalidToken, err)
		code, reason = CloseAuthenticationFailed, "authentication failed"
		return
	}
	s.identity = identity
	s.logger = s.logger.With(zap.String("user_id", identity.UserID))

	s.transition(stateAuthorizing)
	documentID, err := documents.NewDocumentID(rawDocumentID)
	if err != nil {
		s.logWarn(opAuthorize, reasonInvalidDocument, err)
		code, reason = CloseForbidden, "invalid document"
		return
	}
	s.documentID = documentID
	allowed, err := s.handler.directory.Authorize(ctx, identity.UserID, documentID)
	if err != nil {
		s.logError(opAuthorize, reasonDirectoryFailed, err)
		code, reason = CloseInternalError, "authorization unavailable"
		return
	}
	if !allowed {
		s.logWarn(opAuthorize, reasonDenied, nil)
		code, reason = CloseForbidden, "forbidden"
		return
	}

	s.transition(stateSyncing)
	if err := s.hydrate(ctx); err != nil {
		s.logError(opHydrate, reasonLogFailed, err)
		code, reason = CloseInternalError, "document unavailable"
		return
	}
	s.join(ctx)
	if s.handler.isDraining() {
		// Joined after Shutdown collected the rooms.
		code, reason = CloseGoingAway, "server shutting down"
		return
	}

	s.transition(stateActive)
	if err := s.readLoop(ctx); err != nil {
		code, reason = CloseInternalError, "internal error"
		var closing *closeError
		if errors.As(err, &closing) {
			code, reason = closing.code, closing.reason
		}
	}
}

func (s *session) transition(next sessionState) {
	s.logger.Debug("session state", zap.Stringer("from", s.state), zap.Stringer("to", next))
	s.state = next
}

// hydrate builds the connection-local document. A flattened state imported
// after the newest logged update takes precedence over the log and is written
// back into it, so every replica converges on the imported content.
func (s *session) hydrate(ctx context.Context) error {
	lock := s.handler.seedLock(s.documentID.String())
	lock.Lock()
	defer lock.Unlock()

	started := s.handler.clock()
	record, err := s.handler.directory.Get(ctx, s.documentID)
	if err != nil && !errors.Is(err, documents.ErrDocumentNotFound) {
		return err
	}
	latest, hasUpdates, err := s.handler.store.LatestUpdate(ctx, s.documentID.String())
	if err != nil {
		return err
	}

	engine := s.handler.store.Engine()
	if state, ok := s.pendingImport(record, latest, hasUpdates); ok {
		document, err := s.seed(ctx, engine, state, hasUpdates)
		if err != nil {
			return err
		}
		s.document = document
		return nil
	}

	document := engine.NewDocument()
	if hasUpdates {
		if _, err := s.handler.store.LoadInto(ctx, s.documentID.String(), document); err != nil {
			return err
		}
	}
	s.handler.metrics.ObserveReplay(s.handler.clock().Sub(started))
	s.document = document
	return nil
}

// pendingImport reports a flattened state that was written directly, not
// derived from the log, after the log's newest update.
func (s *session) pendingImport(record documents.Document, latest updatelog.Update, hasUpdates bool) (documents.FlattenedState, bool) {
	if !record.PendingImport(latest.CreatedAtMillis, hasUpdates) {
		return documents.FlattenedState{}, false
	}
	state, err := record.Flattened()
	if err != nil {
		s.logWarn(opHydrate, reasonSeedFailed, err)
		return documents.FlattenedState{}, false
	}
	return state, true
}

func (s *session) seed(ctx context.Context, engine crdt.Engine, state documents.FlattenedState, hasUpdates bool) (crdt.Document, error) {
	if !hasUpdates {
		document, err := engine.FromContent(state.Content)
		if err != nil {
			return nil, err
		}
		update, err := document.EncodeStateAsUpdate(nil)
		if err != nil {
			return nil, err
		}
		if !crdt.IsEmptyUpdate(update) {
			s.persist(ctx, update)
		}
		s.logger.Info("document seeded from flattened state", zap.String("source", state.Source))
		return document, nil
	}

	document := engine.NewDocument()
	if _, err := s.handler.store.LoadInto(ctx, s.documentID.String(), document); err != nil {
		return nil, err
	}
	if document.Content().Equal(state.Content) {
		return document, nil
	}
	update, err := engine.ReplaceContent(document, state.Content)
	if err != nil {
		return nil, err
	}
	s.persist(ctx, update)
	frame := syncproto.EncodeSyncUpdate(update)
	s.handler.rooms.Broadcast(s.documentID.String(), frame, "")
	_ = s.handler.fanout.PublishUpdate(ctx, s.documentID.String(), s.origin(), frame)
	s.logger.Warn("flattened state supersedes update history",
		zap.String("source", state.Source),
		zap.Int64("snapshot_at_ms", state.SnapshotAt.UnixMilli()))
	return document, nil
}

func (s *session) join(ctx context.Context) {
	documentID := s.documentID.String()
	s.connection = s.handler.rooms.Connect(s.peer, documentID, s.identity.UserID, s.identity.UserName)
	s.logger = s.logger.With(zap.String("connection_id", s.connection.ID()))

	subscription, err := s.handler.fanout.Subscribe(ctx, documentID, s.deliverRemote)
	if err != nil {
		s.logWarn(opRemote, reasonSubscribeFailed, err)
	}
	s.subscription = subscription

	presence := syncproto.ControlFrame{Type: syncproto.ControlJoin, UserID: s.identity.UserID, UserName: s.identity.UserName}
	_, _ = s.handler.rooms.BroadcastJSON(documentID, presence, s.connection.ID())
	_ = s.handler.fanout.PublishJoin(ctx, documentID, s.origin())
}

func (s *session) readLoop(ctx context.Context) error {
	idle := s.handler.idleTimeout
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(idle))
	})
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(idle))
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", zap.Error(err))
			}
			return nil
		}
		s.connection.Touch(s.handler.clock())

		switch messageType {
		case websocket.BinaryMessage:
			if err := s.handleBinary(ctx, data); err != nil {
				return err
			}
		case websocket.TextMessage:
			s.handleText(data)
		}
	}
}

func (s *session) handleBinary(ctx context.Context, frame []byte) error {
	message, decodeErr := syncproto.Decode(frame)
	var handleErr error
	switch typed := message.(type) {
	case syncproto.SyncMessage:
		s.handler.metrics.Frame(syncproto.TypeName(syncproto.TypeSync))
		handleErr = s.handleSync(ctx, typed)
	case syncproto.AwarenessMessage:
		s.handler.metrics.Frame(syncproto.TypeName(syncproto.TypeAwareness))
		handleErr = s.handleAwareness(ctx, typed)
	case syncproto.QueryAwarenessMessage:
		s.handler.metrics.Frame(syncproto.TypeName(syncproto.TypeQueryAwareness))
		s.handler.rooms.Broadcast(s.documentID.String(), frame, s.connection.ID())
	case syncproto.AuthMessage:
		// Identity is fixed at connect time.
		s.handler.metrics.Frame(syncproto.TypeName(syncproto.TypeAuth))
	}
	if handleErr == nil {
		handleErr = decodeErr
	}
	if handleErr == nil {
		return nil
	}
	if errors.Is(handleErr, syncproto.ErrProtocol) {
		s.handler.metrics.ProtocolError()
		s.logWarn(opReceive, reasonProtocol, handleErr)
		return nil
	}
	return handleErr
}

func (s *session) handleSync(ctx context.Context, message syncproto.SyncMessage) error {
	for _, part := range message.Parts {
		switch part.Kind {
		case syncproto.SyncStep1:
			diff, err := s.document.EncodeStateAsUpdate(part.Payload)
			if err != nil {
				return fmt.Errorf("%w: state vector: %v", syncproto.ErrProtocol, err)
			}
			if err := s.send(syncproto.EncodeSyncStep2(diff)); err != nil {
				return err
			}
			if err := s.send(syncproto.EncodeSyncStep1(s.document.EncodeStateVector())); err != nil {
				return err
			}
		case syncproto.SyncStep2, syncproto.SyncUpdate:
			if err := s.applyUpdate(ctx, part.Payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyUpdate merges a client update, persists it best-effort and relays it
// to the room and other instances framed as UPDATE.
func (s *session) applyUpdate(ctx context.Context, update []byte) error {
	if err := s.document.Apply(update); err != nil {
		return fmt.Errorf("%w: update: %v", syncproto.ErrProtocol, err)
	}
	if crdt.IsEmptyUpdate(update) {
		return nil
	}
	s.persist(ctx, update)

	frame := syncproto.EncodeSyncUpdate(update)
	documentID := s.documentID.String()
	s.handler.rooms.Broadcast(documentID, frame, s.connection.ID())
	_ = s.handler.fanout.PublishUpdate(ctx, documentID, s.origin(), frame)
	return nil
}

// persist appends to the log. A failure leaves the update live in the
// session but not durable; it is logged and counted.
func (s *session) persist(ctx context.Context, update []byte) {
	if _, err := s.handler.store.StoreUpdate(ctx, s.documentID.String(), update, s.identity.UserID); err != nil {
		s.handler.metrics.PersistFailure()
		s.logError(opPersist, reasonInsertFailed, err)
	}
}

func (s *session) handleAwareness(ctx context.Context, message syncproto.AwarenessMessage) error {
	entries, err := syncproto.DecodeAwarenessUpdate(message.Update)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		s.connection.ObserveAwareness(entry.ClientID, entry.Clock, entry.Removed())
	}
	frame := syncproto.EncodeAwareness(message.Update)
	documentID := s.documentID.String()
	s.handler.rooms.Broadcast(documentID, frame, s.connection.ID())
	_ = s.handler.fanout.PublishAwareness(ctx, documentID, s.origin(), frame)
	return nil
}

func (s *session) handleText(data []byte) {
	frame, err := syncproto.DecodeControl(data)
	if err != nil {
		s.handler.metrics.ProtocolError()
		s.logger.Debug("ignoring text frame", zap.Error(err))
		return
	}
	s.handler.metrics.Frame("control_" + frame.Type)
	switch frame.Type {
	case syncproto.ControlPing:
		pong, _ := json.Marshal(syncproto.ControlFrame{Type: syncproto.ControlPong})
		if err := s.peer.reply(pong); err != nil {
			s.logger.Debug("pong dropped", zap.Error(err))
		}
	case syncproto.ControlAwareness:
		relay := syncproto.ControlFrame{
			Type:     syncproto.ControlAwareness,
			Payload:  frame.Payload,
			UserID:   s.identity.UserID,
			UserName: s.identity.UserName,
		}
		_, _ = s.handler.rooms.BroadcastJSON(s.documentID.String(), relay, s.connection.ID())
	}
}

// deliverRemote forwards traffic from other instances to this peer. It runs
// on the fanout listener and never blocks.
func (s *session) deliverRemote(event fanout.Event) {
	var err error
	switch event.Channel {
	case fanout.ChannelUpdates, fanout.ChannelAwareness:
		err = s.peer.SendBinary(event.Payload)
	case fanout.ChannelJoin, fanout.ChannelLeave:
		controlType := syncproto.ControlJoin
		if event.Channel == fanout.ChannelLeave {
			controlType = syncproto.ControlLeave
		}
		encoded, marshalErr := json.Marshal(syncproto.ControlFrame{
			Type:     controlType,
			UserID:   event.UserID,
			UserName: event.UserName,
		})
		if marshalErr != nil {
			return
		}
		err = s.peer.SendText(encoded)
	}
	if err != nil && !errors.Is(err, errPeerClosed) {
		s.handler.metrics.BroadcastFailure()
		s.logWarn(opRemote, reasonSendFailed, err)
		_ = s.peer.Close(CloseInternalError, "send failed")
	}
}

func (s *session) send(frame []byte) error {
	if err := s.peer.SendBinary(frame); err != nil {
		return &closeError{code: CloseInternalError, reason: "send failed", err: err}
	}
	return nil
}

// cleanup runs on every exit path: it leaves the room, drops the fanout
// subscription, announces awareness removal and closes the socket.
func (s *session) cleanup(code int, reason string) {
	s.transition(stateClosed)
	ctx, cancel := context.WithTimeout(context.Background(), s.handler.writeTimeout)
	defer cancel()

	if s.subscription != nil {
		if err := s.handler.fanout.Unsubscribe(ctx, s.subscription); err != nil {
			s.logWarn(opRemote, reasonSubscribeFailed, err)
		}
	}
	if s.connection != nil {
		documentID := s.documentID.String()
		s.handler.rooms.Disconnect(s.connection)
		if removal := syncproto.RemovalUpdate(s.connection.AwarenessClocks()); removal != nil {
			frame := syncproto.EncodeAwareness(removal)
			s.handler.rooms.Broadcast(documentID, frame, s.connection.ID())
			_ = s.handler.fanout.PublishAwareness(ctx, documentID, s.origin(), frame)
		}
		presence := syncproto.ControlFrame{Type: syncproto.ControlLeave, UserID: s.identity.UserID, UserName: s.identity.UserName}
		_, _ = s.handler.rooms.BroadcastJSON(documentID, presence, s.connection.ID())
		_ = s.handler.fanout.PublishLeave(ctx, documentID, s.origin())
	}

	_ = s.peer.Close(code, reason)
	s.peer.wait()
	s.handler.metrics.ConnectionClosed(strconv.Itoa(code))
	s.logger.Debug("session closed", zap.Int("close_code", code), zap.String("close_reason", reason))
}

func (s *session) origin() fanout.Origin {
	origin := fanout.Origin{UserID: s.identity.UserID, UserName: s.identity.UserName}
	if s.connection != nil {
		origin.ConnectionID = s.connection.ID()
	}
	return origin
}

func (s *session) logWarn(operation, reason string, err error) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Warn("collab session warning", fields...)
}

func (s *session) logError(operation, reason string, err error) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Error("collab session error", fields...)
}
