package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/SafeStatus/internal/clock"
	"github.com/BTreeMap/SafeStatus/internal/flow"
	"github.com/BTreeMap/SafeStatus/internal/models"
	"github.com/BTreeMap/SafeStatus/internal/store"
	"github.com/BTreeMap/SafeStatus/internal/whatsapp"
)

const userPhone = "972501234567"

type stubResponder struct {
	actions []models.ResponseAction
	err     error
}

func (s *stubResponder) Respond(ctx context.Context, action models.ResponseAction) error {
	s.actions = append(s.actions, action)
	return s.err
}

func newHandler(t *testing.T, opts ...HandlerOption) (*ResponseHandler, *whatsapp.MockClient, *WhatsAppService) {
	t.Helper()
	client := whatsapp.NewMockClient()
	svc := NewWhatsAppService(client)
	return NewResponseHandler(svc, opts...), client, svc
}

func lastBody(t *testing.T, client *whatsapp.MockClient) string {
	t.Helper()
	msgs := client.Messages()
	if len(msgs) == 0 {
		t.Fatal("no messages sent")
	}
	return msgs[len(msgs)-1].Body
}

func TestResponseHandler_DefaultReplyWithoutHook(t *testing.T) {
	rh, client, _ := newHandler(t)
	if err := rh.ProcessResponse(context.Background(), models.Response{From: "+" + userPhone, Body: "hi"}); err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}
	if got := lastBody(t, client); got != NoActivePromptReply {
		t.Errorf("reply = %q", got)
	}
}

func TestResponseHandler_RegisterHook(t *testing.T) {
	rh, _, _ := newHandler(t)
	if err := rh.RegisterHook("bad", nil); err == nil {
		t.Error("expected invalid recipient error")
	}
	if err := rh.RegisterHook("+972-50-123-4567", CreatePromptHook(&stubResponder{}, nil)); err != nil {
		t.Fatalf("RegisterHook: %v", err)
	}
	if !rh.IsHookRegistered(userPhone) {
		t.Error("hook not registered under canonical number")
	}
	rh.UnregisterHook(userPhone)
	if rh.IsHookRegistered(userPhone) {
		t.Error("hook still registered")
	}
}

func TestPromptHook_Replies(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		respondErr error
		wantAction models.ResponseAction
		wantReply  string
	}{
		{"shelter", "1", nil, models.ActionShelter, AckShelterMessage},
		{"safe hebrew", "אני בסדר", nil, models.ActionSafe, AckSafeMessage},
		{"dismiss", "0", nil, models.ActionDismiss, AckDismissMessage},
		{"unknown", "maybe", nil, "", HelpMessage},
		{"no prompt", "2", flow.ErrNoActivePrompt, models.ActionSafe, NoActivePromptReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rh, client, svc := newHandler(t)
			responder := &stubResponder{err: tt.respondErr}
			rh.RegisterHook(userPhone, CreatePromptHook(responder, svc))

			if err := rh.ProcessResponse(context.Background(), models.Response{From: userPhone, Body: tt.body}); err != nil {
				t.Fatalf("ProcessResponse: %v", err)
			}
			if tt.wantAction == "" {
				if len(responder.actions) != 0 {
					t.Errorf("responder called with %v", responder.actions)
				}
			} else if len(responder.actions) != 1 || responder.actions[0] != tt.wantAction {
				t.Errorf("actions = %v, want %s", responder.actions, tt.wantAction)
			}
			if got := lastBody(t, client); got != tt.wantReply {
				t.Errorf("reply = %q, want %q", got, tt.wantReply)
			}
		})
	}
}

func TestPromptHook_ErrorSendsErrorReply(t *testing.T) {
	rh, client, svc := newHandler(t)
	rh.RegisterHook(userPhone, CreatePromptHook(&stubResponder{err: errors.New("db down")}, svc))

	if err := rh.ProcessResponse(context.Background(), models.Response{From: userPhone, Body: "1"}); err == nil {
		t.Fatal("expected error")
	}
	if got := lastBody(t, client); got != ErrorReply {
		t.Errorf("reply = %q", got)
	}
}

func TestResponseHandler_DropsRedelivery(t *testing.T) {
	st := store.NewInMemoryStore()
	rh, client, svc := newHandler(t, WithDedup(st, "me"))
	responder := &stubResponder{}
	rh.RegisterHook(userPhone, CreatePromptHook(responder, svc))

	resp := models.Response{ID: "SM1", From: userPhone, Body: "2"}
	rh.ProcessResponse(context.Background(), resp)
	rh.ProcessResponse(context.Background(), resp)

	if len(responder.actions) != 1 {
		t.Errorf("responder called %d times", len(responder.actions))
	}
	if n := len(client.Messages()); n != 1 {
		t.Errorf("sent %d replies", n)
	}

	// messages without an ID are never deduplicated
	rh.ProcessResponse(context.Background(), models.Response{From: userPhone, Body: "2"})
	rh.ProcessResponse(context.Background(), models.Response{From: userPhone, Body: "2"})
	if len(responder.actions) != 3 {
		t.Errorf("responder called %d times", len(responder.actions))
	}
}

func TestResponseHandler_DrivesMachine(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	profiles := &flow.MockProfileStore{City: "Tel Aviv - Yafo"}
	sink := &flow.MockSink{}
	m := flow.NewMachine(profiles, sink, flow.WithClock(clk))
	defer m.Stop()

	rh, client, svc := newHandler(t)
	rh.RegisterHook(userPhone, CreatePromptHook(m, svc))
	ctx := context.Background()

	rh.ProcessResponse(ctx, models.Response{From: userPhone, Body: "1"})
	if got := lastBody(t, client); got != NoActivePromptReply {
		t.Errorf("reply without prompt = %q", got)
	}

	m.HandleAlert(ctx, models.BroadcastAlert{Areas: []string{"Tel Aviv - Yafo"}, Title: "ירי רקטות וטילים"})
	rh.ProcessResponse(ctx, models.Response{From: userPhone, Body: "1"})
	if got := lastBody(t, client); got != AckShelterMessage {
		t.Errorf("reply = %q", got)
	}
	if reqs := profiles.StatusRequests(); len(reqs) != 1 || reqs[0] != models.StatusInShelter {
		t.Errorf("status requests %v", reqs)
	}
	if m.Prompt().IsVisible() {
		t.Error("prompt still visible after answer")
	}

	rh.Start(ctx)
	svc.Stop()
}
