package collab

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	errPeerClosed     = errors.New("collab: peer closed")
	errSendBufferFull = errors.New("collab: send buffer full")
)

type outbound struct {
	messageType int
	data        []byte
}

// wsPeer owns the write side of a websocket. Frames are queued and written by
// a single goroutine; a full queue is reported to the sender instead of
// blocking it.
type wsPeer struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pingInterval time.Duration
	textEnabled  bool

	queue     chan outbound
	done      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
	code      int
	reason    string
}

func newPeer(conn *websocket.Conn, sendBuffer int, writeTimeout, pingInterval time.Duration, textEnabled bool) *wsPeer {
	peer := &wsPeer{
		conn:         conn,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		textEnabled:  textEnabled,
		queue:        make(chan outbound, sendBuffer),
		done:         make(chan struct{}),
		finished:     make(chan struct{}),
	}
	go peer.writeLoop()
	return peer
}

func (p *wsPeer) SendBinary(data []byte) error {
	return p.enqueue(websocket.BinaryMessage, data)
}

// SendText delivers JSON presence frames. Peers that did not opt into
// presence silently drop them.
func (p *wsPeer) SendText(data []byte) error {
	if !p.textEnabled {
		return nil
	}
	return p.enqueue(websocket.TextMessage, data)
}

// reply sends a text frame regardless of the presence opt-in.
func (p *wsPeer) reply(data []byte) error {
	return p.enqueue(websocket.TextMessage, data)
}

// Close flushes queued frames, sends a close frame with the code and closes
// the socket. Only the first call has an effect.
func (p *wsPeer) Close(code int, reason string) error {
	p.closeOnce.Do(func() {
		p.code = code
		p.reason = reason
		close(p.done)
	})
	return nil
}

// wait blocks until the writer goroutine has released the socket.
func (p *wsPeer) wait() {
	<-p.finished
}

func (p *wsPeer) enqueue(messageType int, data []byte) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.queue <- outbound{messageType: messageType, data: data}:
		return nil
	default:
		return errSendBufferFull
	}
}

func (p *wsPeer) writeLoop() {
	defer close(p.finished)
	defer p.conn.Close()

	var ticks <-chan time.Time
	if p.pingInterval > 0 {
		ticker := time.NewTicker(p.pingInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	for {
		select {
		case message := <-p.queue:
			if err := p.write(message); err != nil {
				p.abort()
				return
			}
		case <-ticks:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.writeTimeout)); err != nil {
				p.abort()
				return
			}
		case <-p.done:
			p.flush()
			if p.code > 0 {
				payload := websocket.FormatCloseMessage(p.code, p.reason)
				_ = p.conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(p.writeTimeout))
			}
			return
		}
	}
}

func (p *wsPeer) write(message outbound) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	return p.conn.WriteMessage(message.messageType, message.data)
}

func (p *wsPeer) flush() {
	for {
		select {
		case message := <-p.queue:
			if err := p.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// abort marks the peer closed after a transport failure without attempting a
// close handshake.
func (p *wsPeer) abort() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}
