package transport

import (
	"encoding/json"
	"errors"
	"testing"

	"medichat/models"
)

func TestEncodeDecodeEnvelope(t *testing.T) {
	payload, err := EncodeEnvelope(EventMessageSend, OutgoingMessage{
		CorrelationID:  "l-1",
		ConversationID: "conv-1",
		Kind:           "text",
		Body:           "hello",
	})
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}

	envelope, err := DecodeEnvelope(payload)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if envelope.Event != EventMessageSend {
		t.Errorf("expected event %q, got %q", EventMessageSend, envelope.Event)
	}

	var msg OutgoingMessage
	if err := json.Unmarshal(envelope.Data, &msg); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if msg.CorrelationID != "l-1" || msg.Body != "hello" {
		t.Errorf("unexpected payload: %+v", msg)
	}
}

func TestEncodeEnvelopeRejectsEmptyEvent(t *testing.T) {
	if _, err := EncodeEnvelope("", nil); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestDecodeEnvelopeRejectsBadFrames(t *testing.T) {
	if _, err := DecodeEnvelope([]byte("not json")); err == nil {
		t.Error("expected error for malformed frame")
	}
	if _, err := DecodeEnvelope([]byte(`{"data":{}}`)); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent for missing event name, got %v", err)
	}
}

func TestServerMessageToModel(t *testing.T) {
	sm := ServerMessage{
		MessageID:      "m1",
		CorrelationID:  "l-1",
		ConversationID: "conv-1",
		SenderID:       "dr-house",
		SenderRole:     "doctor",
		Kind:           "image",
		Body:           "x-ray",
		Attachment: &AttachmentInfo{
			Filename:  "scan.png",
			Size:      1024,
			MimeType:  "image/png",
			RemoteURL: "https://cdn.example.com/scan.png",
		},
		Timestamp: 300,
	}

	msg := sm.ToModel(models.StatusDelivered)
	if msg.ServerID != "m1" || msg.LocalID != "l-1" {
		t.Errorf("unexpected identity: server %q, local %q", msg.ServerID, msg.LocalID)
	}
	if msg.SenderRole != models.RoleDoctor || msg.Kind != models.KindImage {
		t.Errorf("unexpected role/kind: %q, %q", msg.SenderRole, msg.Kind)
	}
	if msg.EffectiveTimestamp() != 300 {
		t.Errorf("expected effective timestamp 300, got %d", msg.EffectiveTimestamp())
	}
	if msg.Attachment == nil || msg.Attachment.RemoteURL == "" {
		t.Error("expected attachment metadata carried over")
	}
}
