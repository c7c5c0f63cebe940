// Package protocol implements the binary framing used on the document sync
// transport. Every frame is [kind:1 byte][timestamp:8 bytes][payload_len:4
// bytes][payload]. Sync and update payloads are opaque CRDT bytes; awareness
// and error payloads are JSON.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// MessageKind identifies a frame on the wire.
type MessageKind byte

const (
	// KindSyncStep1 carries a sync-protocol message from the side
	// requesting changes (state-vector exchange).
	KindSyncStep1 MessageKind = 0x14
	// KindSyncStep2 carries the responding side's sync-protocol message
	// (diff response).
	KindSyncStep2 MessageKind = 0x15
	// KindUpdate carries an incremental CRDT delta.
	KindUpdate MessageKind = 0x20
	// KindAck confirms that an update was accepted by the server.
	KindAck MessageKind = 0x21
	// KindAwareness carries an ephemeral presence delta.
	KindAwareness MessageKind = 0x40
	// KindError carries a JSON error payload.
	KindError MessageKind = 0xFF
)

var kindNames = map[MessageKind]string{
	KindSyncStep1: "sync-step-1",
	KindSyncStep2: "sync-step-2",
	KindUpdate:    "update",
	KindAck:       "ack",
	KindAwareness: "awareness",
	KindError:     "error",
}

// String returns the wire name of the kind.
func (k MessageKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%#x)", byte(k))
}

// Valid reports whether the kind is one this build understands.
func (k MessageKind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

const headerLen = 13

// Message is a decoded frame.
type Message struct {
	Kind      MessageKind
	Timestamp int64
	Payload   []byte
}

// Encode serialises a frame.
func Encode(kind MessageKind, payload []byte, timestamp int64) []byte {
	buf := make([]byte, headerLen+len(payload))
	buf[0] = byte(kind)
	binary.BigEndian.PutUint64(buf[1:9], uint64(timestamp))
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(payload)))
	copy(buf[headerLen:], payload)
	return buf
}

// Decode parses a frame. Unknown kinds decode successfully so that newer
// peers can speak to older ones; callers skip frames they do not handle.
func Decode(data []byte) (*Message, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("message too short: %d bytes", len(data))
	}

	payloadLen := binary.BigEndian.Uint32(data[9:13])
	if uint32(len(data)-headerLen) < payloadLen {
		return nil, fmt.Errorf("incomplete message: expected %d payload bytes, got %d", payloadLen, len(data)-headerLen)
	}

	return &Message{
		Kind:      MessageKind(data[0]),
		Timestamp: int64(binary.BigEndian.Uint64(data[1:9])),
		Payload:   data[headerLen : headerLen+payloadLen],
	}, nil
}

// ErrorPayload is the JSON body of a KindError frame.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// EncodeError builds an error frame.
func EncodeError(message, code string, timestamp int64) []byte {
	payload, _ := json.Marshal(ErrorPayload{Error: message, Code: code})
	return Encode(KindError, payload, timestamp)
}

// DecodeErrorPayload parses the payload of a KindError frame.
func DecodeErrorPayload(payload []byte) (*ErrorPayload, error) {
	var p ErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode error payload: %w", err)
	}
	return &p, nil
}
