package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/SafeStatus/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

var (
	_ Service = (*WhatsAppService)(nil)
	_ Service = (*TwilioService)(nil)
)

func textEvent(id, user, text string, fromMe bool) *events.Message {
	sender := types.NewJID(user, types.DefaultUserServer)
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:     sender,
				Sender:   sender,
				IsFromMe: fromMe,
			},
			ID:        id,
			Timestamp: time.Unix(1700000000, 0),
		},
		Message: &waE2E.Message{Conversation: &text},
	}
}

func TestWhatsAppService_SendMessageCanonicalizes(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)

	if err := svc.SendMessage(context.Background(), "+972 50-123-4567", "hello"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	msgs := mockClient.Messages()
	if len(msgs) != 1 || msgs[0].To != "972501234567" {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	if err := svc.SendMessage(context.Background(), "abc", "hello"); err == nil {
		t.Error("expected validation error")
	}
}

func TestWhatsAppService_ForwardsIncomingText(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer svc.Stop()

	mockClient.Emit(textEvent("MSG1", "972501234567", "2", false))

	select {
	case resp := <-svc.Responses():
		if resp.ID != "MSG1" || resp.From != "+972501234567" || resp.Body != "2" {
			t.Errorf("unexpected response %+v", resp)
		}
		if resp.Time != 1700000000 {
			t.Errorf("Time = %d", resp.Time)
		}
	case <-time.After(time.Second):
		t.Fatal("expected response")
	}
}

func TestWhatsAppService_IgnoresOwnAndNonText(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	svc.Start(context.Background())
	defer svc.Stop()

	mockClient.Emit(textEvent("MSG1", "972501234567", "1", true))
	mockClient.Emit(&events.Message{Info: types.MessageInfo{ID: "MSG2"}, Message: &waE2E.Message{}})
	mockClient.Emit(&events.Connected{})

	select {
	case resp := <-svc.Responses():
		t.Fatalf("unexpected response %+v", resp)
	default:
	}
}

func TestWhatsAppService_StartStop(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if response, ok := <-svc.Responses(); ok {
		t.Errorf("expected responses channel closed, got value %v", response)
	}
	// the handler is gone, so this must not panic on the closed channel
	mockClient.Emit(textEvent("MSG3", "972501234567", "1", false))

	if err := svc.SendMessage(context.Background(), "972501234567", "x"); err != ErrServiceStopped {
		t.Errorf("SendMessage after Stop = %v, want ErrServiceStopped", err)
	}
}

func TestCanonicalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+972-50-123-4567", "972501234567", false},
		{"whatsapp:+15551234567", "15551234567", false},
		{"", "", true},
		{"12345", "", true},
		{"phone", "", true},
	}
	for _, tt := range tests {
		got, err := canonicalizePhone(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("canonicalizePhone(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("canonicalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
