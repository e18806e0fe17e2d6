package repositories

import (
	"context"

	"github.com/gorilla/websocket"
)

// RealtimeUpstream opens authenticated connections to the vendor's realtime
// speech recognition endpoint. The returned string is the connect id the
// connection was opened with.
type RealtimeUpstream interface {
	Dial(ctx context.Context) (*websocket.Conn, string, error)
}
