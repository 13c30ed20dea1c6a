// Package collab terminates collaboration websockets: it authenticates and
// authorizes each connection, hydrates a connection-local document from the
// update log, and runs the binary sync protocol against it.
package collab

import (
	"context"
	"errors"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/fanout"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/updatelog"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Close codes sent to clients.
const (
	CloseNormal               = websocket.CloseNormalClosure
	CloseGoingAway            = websocket.CloseGoingAway
	CloseInternalError        = rooms.CloseInternalError
	CloseAuthenticationFailed = 4001
	CloseForbidden            = 4003
)

const (
	// DefaultReadLimit caps a single inbound frame.
	DefaultReadLimit int64 = 1 << 20
	// DefaultWriteTimeout bounds a single outbound write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultIdleTimeout closes sessions with no inbound traffic or pongs.
	DefaultIdleTimeout = 90 * time.Second
	// DefaultSendBuffer is the per-peer outbound queue length.
	DefaultSendBuffer = 256

	// QueryToken carries the session token on the websocket URL.
	QueryToken = "token"
	// QueryPresence opts a connection into JSON presence frames.
	QueryPresence = "presence"

	seedLockStripes = 64
)

var (
	errMissingStore         = errors.New("collab: update log store is required")
	errMissingDirectory     = errors.New("collab: document directory is required")
	errMissingAuthenticator = errors.New("collab: authenticator is required")
	errMissingRooms         = errors.New("collab: room manager is required")
)

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID   string
	UserName string
}

// Authenticator validates the token presented on connect.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// Directory is the document gate and record lookup.
type Directory interface {
	Authorize(ctx context.Context, userID string, documentID documents.DocumentID) (bool, error)
	Get(ctx context.Context, documentID documents.DocumentID) (documents.Document, error)
}

// Config describes a Handler.
type Config struct {
	Store         *updatelog.Store
	Directory     Directory
	Authenticator Authenticator
	Rooms         *rooms.Manager
	// Fanout is optional; without it the handler serves this instance only.
	Fanout       *fanout.Service
	ReadLimit    int64
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	SendBuffer   int
	CheckOrigin  func(r *http.Request) bool
	Clock        func() time.Time
	Logger       *zap.Logger
	Metrics      *metrics.Collab
}

// Handler serves collaboration websockets.
type Handler struct {
	store         *updatelog.Store
	directory     Directory
	authenticator Authenticator
	rooms         *rooms.Manager
	fanout        *fanout.Service
	readLimit     int64
	writeTimeout  time.Duration
	idleTimeout   time.Duration
	sendBuffer    int
	clock         func() time.Time
	logger        *zap.Logger
	metrics       *metrics.Collab
	upgrader      websocket.Upgrader

	seedLocks [seedLockStripes]sync.Mutex

	lifecycle sync.Mutex
	draining  bool
	sessions  sync.WaitGroup
}

// NewHandler validates the configuration and applies defaults.
func NewHandler(cfg Config) (*Handler, error) {
	switch {
	case cfg.Store == nil:
		return nil, errMissingStore
	case cfg.Directory == nil:
		return nil, errMissingDirectory
	case cfg.Authenticator == nil:
		return nil, errMissingAuthenticator
	case cfg.Rooms == nil:
		return nil, errMissingRooms
	}
	handler := &Handler{
		store:         cfg.Store,
		directory:     cfg.Directory,
		authenticator: cfg.Authenticator,
		rooms:         cfg.Rooms,
		fanout:        cfg.Fanout,
		readLimit:     cfg.ReadLimit,
		writeTimeout:  cfg.WriteTimeout,
		idleTimeout:   cfg.IdleTimeout,
		sendBuffer:    cfg.SendBuffer,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
	if handler.fanout == nil {
		handler.fanout = fanout.NewService(fanout.Config{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	if handler.readLimit <= 0 {
		handler.readLimit = DefaultReadLimit
	}
	if handler.writeTimeout <= 0 {
		handler.writeTimeout = DefaultWriteTimeout
	}
	if handler.idleTimeout <= 0 {
		handler.idleTimeout = DefaultIdleTimeout
	}
	if handler.sendBuffer <= 0 {
		handler.sendBuffer = DefaultSendBuffer
	}
	if handler.clock == nil {
		handler.clock = time.Now
	}
	if handler.logger == nil {
		handler.logger = zap.NewNop()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
	return handler, nil
}

// Serve upgrades the request and runs the session until the socket closes.
// Authentication and authorization happen after the upgrade so failures
// reach the client as close codes.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, documentID string) {
	if !h.enter() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.sessions.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("document_id", documentID), zap.Error(err))
		return
	}
	conn.SetReadLimit(h.readLimit)

	query := r.URL.Query()
	peer := newPeer(conn, h.sendBuffer, h.writeTimeout, h.idleTimeout/2, query.Get(QueryPresence) == "1")
	session := &session{
		handler: h,
		conn:    conn,
		peer:    peer,
		logger:  h.logger.With(zap.String("document_id", documentID)),
	}
	session.run(r.Context(), documentID, query.Get(QueryToken))
}

// Shutdown refuses new sessions, closes the live ones with CloseGoingAway and
// waits until every session has finished its cleanup or ctx expires.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.lifecycle.Lock()
	h.draining = true
	h.lifecycle.Unlock()

	h.rooms.CloseAll(CloseGoingAway, "server shutting down")
	drained := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) enter() bool {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	if h.draining {
		return false
	}
	h.sessions.Add(1)
	return true
}

func (h *Handler) isDraining() bool {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	return h.draining
}

func (h *Handler) seedLock(documentID string) *sync.Mutex {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(documentID))
	return &h.seedLocks[hasher.Sum32()%seedLockStripes]
}
