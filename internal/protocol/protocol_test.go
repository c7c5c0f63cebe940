package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestMessageKindCodes(t *testing.T) {
	tests := []struct {
		kind MessageKind
		want byte
	}{
		{KindSyncStep1, 0x14},
		{KindSyncStep2, 0x15},
		{KindUpdate, 0x20},
		{KindAck, 0x21},
		{KindAwareness, 0x40},
		{KindError, 0xFF},
	}

	for _, tt := range tests {
		if byte(tt.kind) != tt.want {
			t.Errorf("MessageKind %v = %#x, want %#x", tt.kind, byte(tt.kind), tt.want)
		}
	}
}

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name      string
		kind      MessageKind
		payload   []byte
		timestamp int64
	}{
		{"update with binary payload", KindUpdate, []byte{0x85, 0x6f, 0x4a, 0x83, 0x00}, 1234567890000},
		{"sync step 1", KindSyncStep1, []byte("state-vector"), 1},
		{"awareness", KindAwareness, []byte(`{"clientId":"c1"}`), 1700000000000},
		{"empty payload", KindAck, nil, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := Encode(tt.kind, tt.payload, tt.timestamp)

			if len(frame) != headerLen+len(tt.payload) {
				t.Fatalf("frame length = %d, want %d", len(frame), headerLen+len(tt.payload))
			}
			if gotLen := binary.BigEndian.Uint32(frame[9:13]); int(gotLen) != len(tt.payload) {
				t.Errorf("encoded payload length = %d, want %d", gotLen, len(tt.payload))
			}

			msg, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if msg.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", msg.Kind, tt.kind)
			}
			if msg.Timestamp != tt.timestamp {
				t.Errorf("Timestamp = %d, want %d", msg.Timestamp, tt.timestamp)
			}
			if !bytes.Equal(msg.Payload, tt.payload) {
				t.Errorf("Payload = %v, want %v", msg.Payload, tt.payload)
			}
		})
	}
}

func TestDecode_TooShort(t *testing.T) {
	if _, err := Decode([]byte{0x20, 0x00}); err == nil {
		t.Error("Decode() of truncated header should fail")
	}
}

func TestDecode_TruncatedPayload(t *testing.T) {
	frame := Encode(KindUpdate, []byte("full payload"), 1)
	if _, err := Decode(frame[:len(frame)-3]); err == nil {
		t.Error("Decode() of truncated payload should fail")
	}
}

func TestDecode_UnknownKindTolerated(t *testing.T) {
	frame := Encode(MessageKind(0x7E), []byte("future"), 1)
	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Kind.Valid() {
		t.Error("kind 0x7E should not be valid in this build")
	}
	if msg.Kind.String() == "" {
		t.Error("unknown kind should still render a name")
	}
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	frame := EncodeError("write denied", "PERMISSION_DENIED", 99)

	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Kind != KindError {
		t.Fatalf("Kind = %v, want KindError", msg.Kind)
	}

	p, err := DecodeErrorPayload(msg.Payload)
	if err != nil {
		t.Fatalf("DecodeErrorPayload() error = %v", err)
	}
	if p.Error != "write denied" || p.Code != "PERMISSION_DENIED" {
		t.Errorf("payload = %+v", p)
	}
}
