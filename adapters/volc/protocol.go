package volc

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Binary framing for the Volcengine streaming ASR WebSocket protocol.
//
// Every frame starts with a 4-byte header:
//
//	byte 0: protocol version (high nibble) | header size in 4-byte units (low nibble)
//	byte 1: message type (high nibble) | message flags (low nibble)
//	byte 2: serialization (high nibble) | compression (low nibble)
//	byte 3: reserved
//
// When the flags ask for one, a 4-byte big-endian signed sequence number
// follows the header. Data frames then carry a 4-byte big-endian payload
// size and the payload itself; error frames carry a 4-byte error code, a
// 4-byte message size and a UTF-8 error message instead.

// MessageType identifies the kind of frame being exchanged.
type MessageType byte

const (
	FullClientRequest   MessageType = 0x1
	AudioOnlyRequest    MessageType = 0x2
	FullServerResponse  MessageType = 0x9
	ServerErrorResponse MessageType = 0xf
)

// MessageFlags modify how a frame is interpreted.
type MessageFlags byte

const (
	NoFlags MessageFlags = 0x0
	// PosSequence and NegSequence mean a sequence number follows the header.
	PosSequence MessageFlags = 0x1
	NegSequence MessageFlags = 0x3
	// LastPacket marks the terminal audio chunk of a stream.
	LastPacket MessageFlags = 0x2
)

// SerializationType describes the payload encoding.
type SerializationType byte

const (
	RawBytes          SerializationType = 0x0
	JSONSerialization SerializationType = 0x1
)

// CompressionType describes the payload compression.
type CompressionType byte

const (
	NoCompression   CompressionType = 0x0
	GzipCompression CompressionType = 0x1
)

const (
	protocolVersion = 0x1
	// Client frames always use the minimal 4-byte header (one 4-byte unit).
	clientHeaderUnits = 0x1
)

var (
	ErrTruncatedFrame         = errors.New("volc: truncated frame")
	ErrUnsupportedCompression = errors.New("volc: unsupported compression")
	ErrMalformedPayload       = errors.New("volc: malformed payload")
)

// SequenceRequired reports whether the given flags imply a sequence number
// between the header and the payload.
func SequenceRequired(flags MessageFlags) bool {
	return flags == PosSequence || flags == NegSequence
}

// ClientMessage is the logical content of an outgoing frame.
type ClientMessage struct {
	Type          MessageType
	Flags         MessageFlags
	Serialization SerializationType
	Compression   CompressionType
	Payload       []byte
	// Sequence is only emitted when Flags require it. Zero means "use the
	// protocol default of 1".
	Sequence int32
}

// ServerMessage is the decoded content of an incoming frame.
type ServerMessage struct {
	Type          MessageType
	Flags         MessageFlags
	Serialization SerializationType
	Compression   CompressionType

	HasSequence bool
	Sequence    int32

	// Payload holds the decompressed payload of a data frame. JSON is the
	// parsed payload when the serialization flag says the payload is JSON
	// and the payload is non-empty.
	Payload []byte
	JSON    interface{}

	// Error fields are only set for ServerErrorResponse frames.
	ErrorCode    uint32
	ErrorMessage string
}

func compressPayload(payload []byte, compression CompressionType) ([]byte, error) {
	switch compression {
	case NoCompression:
		return payload, nil
	case GzipCompression:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, fmt.Errorf("gzip payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip payload: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: 0x%x", ErrUnsupportedCompression, byte(compression))
	}
}

func decompressPayload(payload []byte, compression CompressionType) ([]byte, error) {
	switch compression {
	case NoCompression:
		return payload, nil
	case GzipCompression:
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: 0x%x", ErrUnsupportedCompression, byte(compression))
	}
}

// EncodeClientMessage serializes a logical message into the vendor's binary
// frame. It is a pure function: identical inputs produce identical bytes.
func EncodeClientMessage(msg ClientMessage) ([]byte, error) {
	payload, err := compressPayload(msg.Payload, msg.Compression)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 4+4+4+len(payload))
	buf = append(buf,
		protocolVersion<<4|clientHeaderUnits,
		byte(msg.Type)<<4|byte(msg.Flags)&0x0f,
		byte(msg.Serialization)<<4|byte(msg.Compression)&0x0f,
		0x00,
	)

	if SequenceRequired(msg.Flags) {
		seq := msg.Sequence
		if seq == 0 {
			seq = 1
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(seq))
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

func ensureBytes(data []byte, offset, size int, label string) error {
	if offset+size > len(data) {
		return fmt.Errorf("%w: missing %s", ErrTruncatedFrame, label)
	}
	return nil
}

// ParseServerMessage decodes a received buffer back into a logical message.
// It never reads past the end of the buffer: any frame shorter than its
// declared header or body length fails with ErrTruncatedFrame.
func ParseServerMessage(data []byte) (*ServerMessage, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: header too short", ErrTruncatedFrame)
	}

	headerSize := int(data[0]&0x0f) * 4
	if err := ensureBytes(data, 0, headerSize, "header"); err != nil {
		return nil, err
	}

	msg := &ServerMessage{
		Type:          MessageType(data[1] >> 4),
		Flags:         MessageFlags(data[1] & 0x0f),
		Serialization: SerializationType(data[2] >> 4),
		Compression:   CompressionType(data[2] & 0x0f),
	}

	offset := headerSize
	if SequenceRequired(msg.Flags) {
		if err := ensureBytes(data, offset, 4, "sequence"); err != nil {
			return nil, err
		}
		msg.Sequence = int32(binary.BigEndian.Uint32(data[offset : offset+4]))
		msg.HasSequence = true
		offset += 4
	}

	if msg.Type == ServerErrorResponse {
		if err := ensureBytes(data, offset, 8, "error code and size"); err != nil {
			return nil, err
		}
		msg.ErrorCode = binary.BigEndian.Uint32(data[offset : offset+4])
		offset += 4
		errorSize := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		offset += 4
		if err := ensureBytes(data, offset, errorSize, "error message"); err != nil {
			return nil, err
		}
		msg.ErrorMessage = string(data[offset : offset+errorSize])
		return msg, nil
	}

	if err := ensureBytes(data, offset, 4, "payload size"); err != nil {
		return nil, err
	}
	payloadSize := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if err := ensureBytes(data, offset, payloadSize, "payload"); err != nil {
		return nil, err
	}

	payload, err := decompressPayload(data[offset:offset+payloadSize], msg.Compression)
	if err != nil {
		return nil, err
	}
	msg.Payload = payload

	// An empty JSON payload is a valid frame, e.g. the end-of-stream ack.
	if msg.Serialization == JSONSerialization && len(payload) > 0 {
		if err := json.Unmarshal(payload, &msg.JSON); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}

	return msg, nil
}
