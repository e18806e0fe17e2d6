package relay

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jackiexiao/asr-gateway/adapters/volc"
	"github.com/jackiexiao/asr-gateway/domain/repositories"
)

// vendorServer is a fake recognition backend. It records every decoded frame
// the relay sends upstream and exposes the raw connection so tests can push
// response frames back.
type vendorServer struct {
	server *httptest.Server
	frames chan *volc.ServerMessage
	conns  chan *websocket.Conn
}

func newVendorServer(t *testing.T) *vendorServer {
	t.Helper()
	v := &vendorServer{
		frames: make(chan *volc.ServerMessage, 64),
		conns:  make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{}
	v.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		v.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(v.frames)
				return
			}
			msg, err := volc.ParseServerMessage(data)
			if err != nil {
				t.Errorf("vendor received undecodable frame: %v", err)
				continue
			}
			v.frames <- msg
		}
	}))
	t.Cleanup(v.server.Close)
	return v
}

func (v *vendorServer) url() string {
	return "ws" + strings.TrimPrefix(v.server.URL, "http")
}

func (v *vendorServer) nextFrame(t *testing.T) *volc.ServerMessage {
	t.Helper()
	select {
	case msg, ok := <-v.frames:
		if !ok {
			t.Fatal("vendor connection closed before expected frame")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream frame")
	}
	return nil
}

func (v *vendorServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-v.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream connection")
	}
	return nil
}

type fakeUpstream struct {
	url string
}

func (f *fakeUpstream) Dial(ctx context.Context) (*websocket.Conn, string, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return nil, "", err
	}
	return conn, "test-connect-id", nil
}

type failingUpstream struct {
	err error
}

func (f *failingUpstream) Dial(ctx context.Context) (*websocket.Conn, string, error) {
	return nil, "", f.err
}

func dialRelay(t *testing.T, upstream repositories.RealtimeUpstream) *websocket.Conn {
	t.Helper()
	e := echo.New()
	e.GET("/ws/asr", func(c echo.Context) error {
		return Handle(c, upstream, zap.NewNop())
	})
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws/asr", nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readControl(t *testing.T, conn *websocket.Conn) controlMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read control message: %v", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("control message is not JSON: %v", err)
		}
		return msg
	}
}

func resultFrame(t *testing.T, payload string) []byte {
	t.Helper()
	frame, err := volc.EncodeClientMessage(volc.ClientMessage{
		Type:          volc.FullServerResponse,
		Serialization: volc.JSONSerialization,
		Payload:       []byte(payload),
	})
	if err != nil {
		t.Fatalf("build result frame: %v", err)
	}
	return frame
}

func errorFrame(code uint32, message string) []byte {
	frame := []byte{0x11, byte(volc.ServerErrorResponse) << 4, 0x00, 0x00}
	frame = binary.BigEndian.AppendUint32(frame, code)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(message)))
	return append(frame, message...)
}

func TestSessionHandshakeAndResults(t *testing.T) {
	vendor := newVendorServer(t)
	client := dialRelay(t, &fakeUpstream{url: vendor.url()})

	if msg := readControl(t, client); msg.Type != "connected" {
		t.Fatalf("first control message = %q, want connected", msg.Type)
	}

	config := vendor.nextFrame(t)
	if config.Type != volc.FullClientRequest {
		t.Fatalf("first upstream frame type = 0x%x, want FullClientRequest", byte(config.Type))
	}
	if config.JSON == nil {
		t.Fatal("config frame carried no JSON payload")
	}

	upstream := vendor.conn(t)
	if err := upstream.WriteMessage(websocket.BinaryMessage, resultFrame(t, `{"result":{"text":"hello"}}`)); err != nil {
		t.Fatalf("write result frame: %v", err)
	}

	msg := readControl(t, client)
	if msg.Type != "result" {
		t.Fatalf("control message = %q, want result", msg.Type)
	}
	data, ok := msg.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("result data has unexpected shape: %#v", msg.Data)
	}
	if _, ok := data["result"]; !ok {
		t.Errorf("result data missing result field: %#v", data)
	}
}

func TestSessionRelaysUpstreamErrors(t *testing.T) {
	vendor := newVendorServer(t)
	client := dialRelay(t, &fakeUpstream{url: vendor.url()})

	if msg := readControl(t, client); msg.Type != "connected" {
		t.Fatalf("first control message = %q, want connected", msg.Type)
	}
	vendor.nextFrame(t) // config

	upstream := vendor.conn(t)
	if err := upstream.WriteMessage(websocket.BinaryMessage, errorFrame(40000001, "bad request")); err != nil {
		t.Fatalf("write error frame: %v", err)
	}

	msg := readControl(t, client)
	if msg.Type != "error" {
		t.Fatalf("control message = %q, want error", msg.Type)
	}
	if msg.Message != "bad request" {
		t.Errorf("error message = %q, want bad request", msg.Message)
	}
}

func TestSessionForwardsAudio(t *testing.T) {
	vendor := newVendorServer(t)
	client := dialRelay(t, &fakeUpstream{url: vendor.url()})

	if msg := readControl(t, client); msg.Type != "connected" {
		t.Fatalf("first control message = %q, want connected", msg.Type)
	}
	vendor.nextFrame(t) // config

	chunk := []byte{0x01, 0x02, 0x03, 0x04}
	if err := client.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		t.Fatalf("write audio chunk: %v", err)
	}

	frame := vendor.nextFrame(t)
	if frame.Type != volc.AudioOnlyRequest {
		t.Fatalf("upstream frame type = 0x%x, want AudioOnlyRequest", byte(frame.Type))
	}
	if string(frame.Payload) != string(chunk) {
		t.Errorf("upstream payload = %x, want %x", frame.Payload, chunk)
	}
}

func TestNoAudioForwardedAfterEnd(t *testing.T) {
	vendor := newVendorServer(t)
	client := dialRelay(t, &fakeUpstream{url: vendor.url()})

	if msg := readControl(t, client); msg.Type != "connected" {
		t.Fatalf("first control message = %q, want connected", msg.Type)
	}

	if err := client.WriteMessage(websocket.BinaryMessage, []byte("before")); err != nil {
		t.Fatalf("write audio chunk: %v", err)
	}
	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"end"}`)); err != nil {
		t.Fatalf("write end control: %v", err)
	}
	// Late chunks race the end marker in the client but arrive after it on
	// the wire. None of them may reach the vendor.
	if err := client.WriteMessage(websocket.BinaryMessage, []byte("late-1")); err != nil {
		t.Fatalf("write late chunk: %v", err)
	}
	if err := client.WriteMessage(websocket.BinaryMessage, []byte("late-2")); err != nil {
		t.Fatalf("write late chunk: %v", err)
	}
	client.Close()

	var received []*volc.ServerMessage
	deadline := time.After(3 * time.Second)
drain:
	for {
		select {
		case msg, ok := <-vendor.frames:
			if !ok {
				break drain
			}
			received = append(received, msg)
		case <-deadline:
			t.Fatal("vendor connection never closed")
		}
	}

	if len(received) != 3 {
		t.Fatalf("vendor received %d frames, want config, audio and last packet", len(received))
	}
	if received[0].Type != volc.FullClientRequest {
		t.Errorf("frame 0 type = 0x%x, want FullClientRequest", byte(received[0].Type))
	}
	if received[1].Type != volc.AudioOnlyRequest || string(received[1].Payload) != "before" {
		t.Errorf("frame 1 = %v %q, want audio %q", received[1].Type, received[1].Payload, "before")
	}
	last := received[2]
	if last.Type != volc.AudioOnlyRequest || last.Flags != volc.LastPacket {
		t.Errorf("frame 2 type/flags = 0x%x/0x%x, want audio with LastPacket", byte(last.Type), byte(last.Flags))
	}
	if len(last.Payload) != 0 {
		t.Errorf("last packet payload = %x, want empty", last.Payload)
	}
}

func TestSessionReportsDialFailure(t *testing.T) {
	client := dialRelay(t, &failingUpstream{err: volc.ErrMissingCredentials})

	msg := readControl(t, client)
	if msg.Type != "error" {
		t.Fatalf("control message = %q, want error", msg.Type)
	}
	if msg.Message != "recognition credentials are not configured" {
		t.Errorf("error message = %q", msg.Message)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
		t.Errorf("close error = %v, want code 1011", err)
	}
}

func TestSessionPropagatesUpstreamClose(t *testing.T) {
	vendor := newVendorServer(t)
	client := dialRelay(t, &fakeUpstream{url: vendor.url()})

	if msg := readControl(t, client); msg.Type != "connected" {
		t.Fatalf("first control message = %q, want connected", msg.Type)
	}
	vendor.nextFrame(t) // config

	upstream := vendor.conn(t)
	deadline := time.Now().Add(time.Second)
	upstream.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(4001, "session quota exceeded"), deadline)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("error = %v, want close error", err)
	}
	if closeErr.Code != 4001 {
		t.Errorf("close code = %d, want 4001 passed through", closeErr.Code)
	}
	if closeErr.Text != "session quota exceeded" {
		t.Errorf("close reason = %q", closeErr.Text)
	}
}
