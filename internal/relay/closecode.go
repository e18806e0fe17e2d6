package relay

import "github.com/gorilla/websocket"

// Control frames cap the close reason at 123 bytes (125 minus the 2-byte
// status code).
const maxCloseReasonBytes = 123

// NormalizeCloseCode remaps close codes the transport considers invalid or
// reserved to a generic internal-error code before relaying them to the
// client. 1005, 1006 and 1015 only ever exist locally and must not appear on
// the wire; 1004 is reserved; anything outside 1000..4999 is unregistered.
func NormalizeCloseCode(code int) int {
	switch code {
	case websocket.CloseNoStatusReceived, // 1005
		websocket.CloseAbnormalClosure, // 1006
		websocket.CloseTLSHandshake,    // 1015
		1004:
		return websocket.CloseInternalServerErr
	}
	if code < websocket.CloseNormalClosure || code > 4999 {
		return websocket.CloseInternalServerErr
	}
	return code
}

func truncateCloseReason(reason string) string {
	if len(reason) > maxCloseReasonBytes {
		return reason[:maxCloseReasonBytes]
	}
	return reason
}
