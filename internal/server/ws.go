package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	serrors "github.com/slithernet/serpent/internal/errors"
	"github.com/slithernet/serpent/internal/frame"
)

// Browser clients connect cross-origin; access control matches the CORS
// policy on the REST endpoints.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 4 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsAck is the per-frame acknowledgement sent back over the socket.
type wsAck struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// handleWS ingests frames over a websocket, one JSON frame per text
// message. Each frame is acknowledged in order; a malformed message gets a
// rejection ack but does not close the stream.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	log.Info("websocket connected", "remote", r.RemoteAddr)
	conn.SetReadLimit(s.cfg.Server.MaxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	// Gorilla allows one concurrent writer; acks and pings share writeMu.
	var writeMu sync.Mutex
	done := make(chan struct{})
	defer close(done)
	go s.wsPingLoop(conn, &writeMu, done)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read failed", "remote", r.RemoteAddr, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		ack := s.wsIngest(data, r.RemoteAddr)
		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		err = conn.WriteJSON(ack)
		writeMu.Unlock()
		if err != nil {
			log.Warn("websocket ack failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	}
}

func (s *Server) wsIngest(data []byte, remote string) wsAck {
	f, err := frame.Decode(data)
	if err != nil {
		return wsAck{Status: "rejected", Reason: err.Error()}
	}
	accepted, err := s.mgr.SubmitFrameFrom(f, remote)
	switch {
	case err != nil && serrors.IsStorage(err):
		// Frame is buffered; the flush retries later.
		return wsAck{Status: "ok"}
	case err != nil:
		return wsAck{Status: "rejected", Reason: err.Error()}
	case !accepted:
		return wsAck{Status: "rejected"}
	default:
		return wsAck{Status: "ok"}
	}
}

func (s *Server) wsPingLoop(conn *websocket.Conn, writeMu *sync.Mutex, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
