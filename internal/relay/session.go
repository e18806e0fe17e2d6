package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jackiexiao/asr-gateway/adapters/volc"
	"github.com/jackiexiao/asr-gateway/domain/repositories"
)

const (
	// Time allowed to write a message to either peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the client.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from the client.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	// How long the session waits for the vendor to close naturally after
	// the end-of-stream frame before forcing the upstream socket shut.
	finishWait = 10 * time.Second

	upstreamDialTimeout = 10 * time.Second

	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// State is the lifecycle state of a relay session.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateFinishing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateFinishing:
		return "finishing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// controlMessage is the only shape the relay sends to the client: one of
// {"type":"connected"}, {"type":"result","data":...} or
// {"type":"error","message":...}.
type controlMessage struct {
	Type    string      `json:"type"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Session bridges one client WebSocket to one upstream vendor WebSocket for
// one recognition conversation. Sessions share no state with each other.
type Session struct {
	client   *websocket.Conn
	upstream *websocket.Conn
	params   volc.RealtimeParams

	// send buffers outbound client messages; writePump is the only writer
	// to the client socket.
	send chan []byte

	// mu guards state, finishTimer and all upstream writes. Checking the
	// state and writing upstream happen under the same lock so no audio
	// frame can go out after a transition away from Streaming is recorded.
	mu          sync.Mutex
	state       State
	finishTimer *time.Timer

	done        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string

	logger *zap.Logger
}

// Handle upgrades the client connection and runs a relay session until
// either side closes. It blocks for the lifetime of the session.
func Handle(c echo.Context, upstream repositories.RealtimeUpstream, logger *zap.Logger) error {
	params := volc.ParseRealtimeParams(c.QueryParams())

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	session := &Session{
		client: conn,
		params: params,
		send:   make(chan []byte, sendBufferSize),
		state:  StateConnecting,
		done:   make(chan struct{}),
		logger: logger,
	}

	go session.writePump()
	session.run(upstream)
	return nil
}

func (s *Session) run(upstream repositories.RealtimeUpstream) {
	ctx, cancel := context.WithTimeout(context.Background(), upstreamDialTimeout)
	up, connectID, err := upstream.Dial(ctx)
	cancel()
	if err != nil {
		s.logger.Error("Upstream connect failed", zap.Error(err))
		s.sendControl(controlMessage{Type: "error", Message: upstreamErrorText(err)})
		s.fail(websocket.CloseInternalServerErr, "upstream unavailable")
		return
	}

	s.mu.Lock()
	s.upstream = up
	s.mu.Unlock()

	configFrame, err := volc.ConfigFrame(s.params)
	if err != nil {
		s.logger.Error("Failed to build config frame", zap.Error(err))
		s.sendControl(controlMessage{Type: "error", Message: "failed to configure recognition"})
		s.fail(websocket.CloseInternalServerErr, "config error")
		return
	}
	if err := s.writeUpstream(configFrame); err != nil {
		s.logger.Error("Failed to send config frame", zap.Error(err))
		s.sendControl(controlMessage{Type: "error", Message: "failed to configure recognition"})
		s.fail(websocket.CloseInternalServerErr, "upstream write failed")
		return
	}

	s.setState(StateStreaming)
	s.sendControl(controlMessage{Type: "connected"})
	s.logger.Info("Relay session streaming", zap.String("connectID", connectID))

	go s.keepalive()
	go s.upstreamPump()
	s.readPump()
}

func upstreamErrorText(err error) string {
	if errors.Is(err, volc.ErrMissingCredentials) {
		return "recognition credentials are not configured"
	}
	return "failed to connect to recognition service"
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) writeUpstream(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeUpstreamLocked(frame)
}

func (s *Session) writeUpstreamLocked(frame []byte) error {
	s.upstream.SetWriteDeadline(time.Now().Add(writeWait))
	return s.upstream.WriteMessage(websocket.BinaryMessage, frame)
}

// readPump pumps messages from the client connection into the session.
func (s *Session) readPump() {
	defer s.teardown(websocket.CloseNormalClosure, "")

	s.client.SetReadLimit(maxMessageSize)
	s.client.SetReadDeadline(time.Now().Add(pongWait))
	s.client.SetPongHandler(func(string) error {
		s.client.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := s.client.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("Client WebSocket error", zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			s.forwardAudio(message)
		case websocket.TextMessage:
			s.handleControl(message)
		}
	}
}

// forwardAudio wraps one client audio chunk as an AudioOnlyRequest frame and
// sends it upstream. Audio arriving after the session left Streaming is
// dropped, even if it was already in flight when the transition happened.
func (s *Session) forwardAudio(chunk []byte) {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	err := s.writeUpstreamLocked(volc.AudioFrame(chunk))
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Failed to forward audio upstream", zap.Error(err))
		s.teardown(websocket.CloseInternalServerErr, "upstream write failed")
	}
}

func (s *Session) handleControl(message []byte) {
	var control struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &control); err != nil {
		s.logger.Warn("Ignoring malformed control message", zap.Error(err))
		return
	}

	switch control.Type {
	case "end":
		s.finish()
	default:
		// Unknown control types are a no-op for forward compatibility.
	}
}

// finish sends the terminal audio frame and moves the session to Finishing:
// audio forwarding stops, upstream results keep flowing, and a one-shot
// timer forces the upstream socket shut if the vendor never closes.
func (s *Session) finish() {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	s.state = StateFinishing
	err := s.writeUpstreamLocked(volc.LastAudioFrame())
	if err == nil {
		s.finishTimer = time.AfterFunc(finishWait, s.forceCloseUpstream)
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Failed to send end of stream", zap.Error(err))
		s.teardown(websocket.CloseInternalServerErr, "upstream write failed")
		return
	}
	s.logger.Info("End of stream sent, waiting for final transcript")
}

func (s *Session) forceCloseUpstream() {
	s.logger.Warn("Upstream did not close after end of stream, forcing close")
	s.mu.Lock()
	up := s.upstream
	s.mu.Unlock()
	if up != nil {
		up.Close()
	}
}

// upstreamPump decodes vendor frames and relays them to the client as JSON
// control messages. A codec failure is fatal to the whole relay.
func (s *Session) upstreamPump() {
	closeCode := websocket.CloseNormalClosure
	closeReason := ""
	defer func() {
		s.teardown(closeCode, closeReason)
	}()

	for {
		_, data, err := s.upstream.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				closeCode = closeErr.Code
				closeReason = closeErr.Text
			} else {
				closeCode = websocket.CloseInternalServerErr
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("Upstream connection closed", zap.Error(err))
			}
			return
		}

		msg, err := volc.ParseServerMessage(data)
		if err != nil {
			s.logger.Error("Failed to decode upstream frame", zap.Error(err))
			s.sendControl(controlMessage{Type: "error", Message: "upstream protocol error"})
			closeCode = websocket.CloseInternalServerErr
			closeReason = "protocol error"
			return
		}

		switch msg.Type {
		case volc.ServerErrorResponse:
			// Non-fatal by default; the vendor may still close afterwards.
			s.logger.Warn("Upstream error frame",
				zap.Uint32("errorCode", msg.ErrorCode),
				zap.String("errorMessage", msg.ErrorMessage))
			s.sendControl(controlMessage{Type: "error", Message: msg.ErrorMessage})
		case volc.FullServerResponse:
			if msg.JSON != nil {
				s.sendControl(controlMessage{Type: "result", Data: msg.JSON})
			}
		default:
			s.logger.Debug("Ignoring upstream frame", zap.Int("messageType", int(msg.Type)))
		}
	}
}

// keepalive pings the upstream socket periodically so the vendor does not
// drop the connection during pauses in the audio stream.
func (s *Session) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			var err error
			if s.upstream != nil {
				s.upstream.SetWriteDeadline(time.Now().Add(writeWait))
				err = s.upstream.WriteMessage(websocket.PingMessage, nil)
			}
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// writePump is the single writer to the client socket: queued control
// messages, periodic pings, and the final close frame.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.client.Close()
	}()

	for {
		select {
		case payload := <-s.send:
			s.client.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.client.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Error("Failed to write to client", zap.Error(err))
				return
			}

		case <-ticker.C:
			s.client.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.client.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			// Flush anything still queued, then close with the normalized
			// code recorded by teardown.
			for {
				select {
				case payload := <-s.send:
					s.client.SetWriteDeadline(time.Now().Add(writeWait))
					if err := s.client.WriteMessage(websocket.TextMessage, payload); err != nil {
						return
					}
				default:
					s.client.SetWriteDeadline(time.Now().Add(writeWait))
					s.client.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(s.closeCode, s.closeReason))
					return
				}
			}
		}
	}
}

func (s *Session) sendControl(msg controlMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal control message", zap.Error(err))
		return
	}
	select {
	case s.send <- payload:
	default:
		s.logger.Warn("Client send buffer full, dropping message",
			zap.String("type", msg.Type))
	}
}

func (s *Session) fail(code int, reason string) {
	s.mu.Lock()
	s.state = StateFailed
	s.mu.Unlock()
	s.teardown(code, reason)
}

// teardown releases everything exactly once: the finish timer, the upstream
// socket, and (through done) the keepalive goroutine and writePump.
func (s *Session) teardown(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.state != StateFailed {
			s.state = StateClosed
		}
		if s.finishTimer != nil {
			s.finishTimer.Stop()
		}
		state := s.state
		up := s.upstream
		s.mu.Unlock()

		s.closeCode = NormalizeCloseCode(code)
		s.closeReason = truncateCloseReason(reason)
		close(s.done)

		if up != nil {
			up.Close()
		}

		s.logger.Info("Relay session closed",
			zap.String("state", state.String()),
			zap.Int("closeCode", s.closeCode))
	})
}
