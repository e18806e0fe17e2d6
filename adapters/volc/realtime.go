package volc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// DefaultRealtimeEndpoint is the vendor's streaming recognition endpoint.
	DefaultRealtimeEndpoint = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel"
	// DefaultRealtimeResourceID selects the duration-billed bigmodel resource.
	DefaultRealtimeResourceID = "volc.bigasr.sauc.duration"

	defaultDialTimeout = 10 * time.Second

	minEndWindowSize = 200
	maxEndWindowSize = 10000
)

// RealtimeParams are the per-session recognition options a browser may tweak
// through the query string of the relay endpoint.
type RealtimeParams struct {
	EnableNonstream bool `json:"enable_nonstream"`
	EnableITN       bool `json:"enable_itn"`
	EnablePunc      bool `json:"enable_punc"`
	ShowUtterances  bool `json:"show_utterances"`
	EndWindowSize   int  `json:"end_window_size"`
}

// DefaultRealtimeParams returns the recognition options used when the client
// does not override anything.
func DefaultRealtimeParams() RealtimeParams {
	return RealtimeParams{
		EnableNonstream: true,
		EnableITN:       true,
		EnablePunc:      true,
		ShowUtterances:  true,
		EndWindowSize:   800,
	}
}

// ParseRealtimeParams reads recognition options from a query string, falling
// back to the defaults for anything missing or unparseable. The end window
// size is clamped into the vendor's accepted range.
func ParseRealtimeParams(query url.Values) RealtimeParams {
	params := DefaultRealtimeParams()
	params.EnableNonstream = parseBool(query.Get("enable_nonstream"), params.EnableNonstream)
	params.EnableITN = parseBool(query.Get("enable_itn"), params.EnableITN)
	params.EnablePunc = parseBool(query.Get("enable_punc"), params.EnablePunc)
	params.ShowUtterances = parseBool(query.Get("show_utterances"), params.ShowUtterances)
	params.EndWindowSize = parseBoundedInt(query.Get("end_window_size"), params.EndWindowSize, minEndWindowSize, maxEndWindowSize)
	return params
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseBoundedInt(value string, fallback, min, max int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return min
	}
	if parsed > max {
		return max
	}
	return parsed
}

// ConfigFrame builds the FullClientRequest frame that opens a realtime
// conversation: the audio format is fixed to what the browser capture layer
// produces (16 kHz mono PCM16) and the request carries the session params.
func ConfigFrame(params RealtimeParams) ([]byte, error) {
	config := map[string]interface{}{
		"audio": map[string]interface{}{
			"format":  "pcm",
			"rate":    16000,
			"bits":    16,
			"channel": 1,
		},
		"request": map[string]interface{}{
			"model_name":       "bigmodel",
			"enable_nonstream": params.EnableNonstream,
			"enable_itn":       params.EnableITN,
			"enable_punc":      params.EnablePunc,
			"show_utterances":  params.ShowUtterances,
			"result_type":      "full",
			"end_window_size":  params.EndWindowSize,
		},
	}

	payload, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal realtime config: %w", err)
	}

	return EncodeClientMessage(ClientMessage{
		Type:          FullClientRequest,
		Serialization: JSONSerialization,
		Payload:       payload,
	})
}

// AudioFrame wraps one raw audio chunk as an AudioOnlyRequest frame.
// The content is forwarded unchanged: no serialization, no compression.
func AudioFrame(chunk []byte) []byte {
	frame, _ := EncodeClientMessage(ClientMessage{
		Type:    AudioOnlyRequest,
		Payload: chunk,
	})
	return frame
}

// LastAudioFrame builds the terminal audio frame that signals end of stream:
// the LastPacket flag with a zero-length payload.
func LastAudioFrame() []byte {
	frame, _ := EncodeClientMessage(ClientMessage{
		Type:  AudioOnlyRequest,
		Flags: LastPacket,
	})
	return frame
}

// RealtimeClient dials authenticated connections to the vendor's realtime
// WebSocket endpoint.
type RealtimeClient struct {
	endpoint   string
	resourceID string
	creds      Credentials
	dialer     *websocket.Dialer
	logger     *zap.Logger
}

// NewRealtimeClient creates a realtime dialer. Empty endpoint or resource id
// fall back to the vendor defaults.
func NewRealtimeClient(creds Credentials, endpoint, resourceID string, logger *zap.Logger) *RealtimeClient {
	if endpoint == "" {
		endpoint = DefaultRealtimeEndpoint
	}
	if resourceID == "" {
		resourceID = DefaultRealtimeResourceID
	}
	return &RealtimeClient{
		endpoint:   endpoint,
		resourceID: resourceID,
		creds:      creds,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultDialTimeout,
		},
		logger: logger,
	}
}

// Dial opens the upstream WebSocket with the vendor authentication headers
// and a fresh connect id. A missing credential fails before any network I/O.
func (c *RealtimeClient) Dial(ctx context.Context) (*websocket.Conn, string, error) {
	if err := c.creds.Validate(); err != nil {
		return nil, "", err
	}

	connectID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Api-App-Key", c.creds.AppID)
	header.Set("X-Api-Access-Key", c.creds.AccessToken)
	header.Set("X-Api-Resource-Id", c.resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		if resp != nil {
			// A failed handshake surfaces the vendor's HTTP status.
			return nil, "", fmt.Errorf("dial realtime endpoint: %w (status %d)", err, resp.StatusCode)
		}
		return nil, "", fmt.Errorf("dial realtime endpoint: %w", err)
	}

	c.logger.Info("Connected to realtime ASR endpoint",
		zap.String("endpoint", c.endpoint),
		zap.String("connectID", connectID))

	return conn, connectID, nil
}
