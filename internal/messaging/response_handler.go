package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/SafeStatus/internal/flow"
	"github.com/BTreeMap/SafeStatus/internal/models"
	"github.com/BTreeMap/SafeStatus/internal/store"
)

// Replies sent back to the user.
const (
	AckShelterMessage   = "נרשם שאת/ה במרחב מוגן. נבדוק שוב בעוד כמה דקות."
	AckSafeMessage      = "נרשם שאת/ה בסדר. שמחים לשמוע!"
	AckDismissMessage   = "ההתראה נסגרה."
	HelpMessage         = "לא הבנתי את התשובה. השב/י 1 - במרחב מוגן, 2 - אני בסדר, 0 - סגור."
	NoActivePromptReply = "אין כרגע התראה פעילה."
	ErrorReply          = "אירעה שגיאה בעיבוד התשובה. נסה/י שוב."
)

// ResponseHook processes a reply from one sender. It returns true when the
// reply was handled.
type ResponseHook func(ctx context.Context, from, text string, timestamp int64) (handled bool, err error)

// Responder answers the visible prompt. *flow.Machine implements it.
type Responder interface {
	Respond(ctx context.Context, action models.ResponseAction) error
}

// ResponseHandler routes incoming replies to per-sender hooks.
type ResponseHandler struct {
	hooks          map[string]ResponseHook
	mu             sync.RWMutex
	msgService     Service
	dedup          store.DedupRepo
	profileID      string
	defaultMessage string
}

// HandlerOption configures a ResponseHandler.
type HandlerOption func(*ResponseHandler)

// WithDedup drops replies whose provider message ID was already recorded.
func WithDedup(repo store.DedupRepo, profileID string) HandlerOption {
	return func(rh *ResponseHandler) {
		rh.dedup = repo
		rh.profileID = profileID
	}
}

// NewResponseHandler creates a new ResponseHandler with the given messaging service.
func NewResponseHandler(msgService Service, opts ...HandlerOption) *ResponseHandler {
	rh := &ResponseHandler{
		hooks:          make(map[string]ResponseHook),
		msgService:     msgService,
		defaultMessage: NoActivePromptReply,
	}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

// RegisterHook registers a hook for a sender's phone number.
func (rh *ResponseHandler) RegisterHook(recipient string, hook ResponseHook) error {
	canonicalRecipient, err := rh.msgService.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		slog.Error("ResponseHandler RegisterHook validation failed", "error", err, "recipient", recipient)
		return fmt.Errorf("invalid recipient: %w", err)
	}

	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.hooks[canonicalRecipient] = hook
	slog.Debug("ResponseHandler hook registered", "recipient", canonicalRecipient)
	return nil
}

// UnregisterHook removes a sender's hook.
func (rh *ResponseHandler) UnregisterHook(recipient string) error {
	canonicalRecipient, err := rh.msgService.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}

	rh.mu.Lock()
	defer rh.mu.Unlock()
	delete(rh.hooks, canonicalRecipient)
	return nil
}

// IsHookRegistered checks if a hook is registered for the given recipient.
func (rh *ResponseHandler) IsHookRegistered(recipient string) bool {
	canonicalRecipient, err := rh.msgService.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		return false
	}

	rh.mu.RLock()
	defer rh.mu.RUnlock()
	_, exists := rh.hooks[canonicalRecipient]
	return exists
}

// SetDefaultMessage sets the reply sent when no hook handles a message.
func (rh *ResponseHandler) SetDefaultMessage(message string) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.defaultMessage = message
}

// ProcessResponse runs the sender's hook, or replies with the default
// message when there is none. Redelivered messages are ignored.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	canonicalFrom, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler ProcessResponse validation failed", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}

	if rh.dedup != nil && response.ID != "" {
		isNew, err := rh.dedup.RecordInbound(response.ID, rh.profileID)
		if err != nil {
			slog.Error("ResponseHandler dedup lookup failed", "error", err, "id", response.ID)
		} else if !isNew {
			slog.Info("ResponseHandler ignoring redelivered message", "from", canonicalFrom, "id", response.ID)
			return nil
		}
		defer func() {
			if err := rh.dedup.MarkProcessed(response.ID); err != nil {
				slog.Warn("ResponseHandler MarkProcessed failed", "error", err, "id", response.ID)
			}
		}()
	}

	rh.mu.RLock()
	hook, hasHook := rh.hooks[canonicalFrom]
	defaultMessage := rh.defaultMessage
	rh.mu.RUnlock()

	if hasHook {
		handled, err := hook(ctx, canonicalFrom, response.Body, response.Time)
		if err != nil {
			slog.Error("ResponseHandler hook execution failed", "error", err, "from", canonicalFrom)
			if sendErr := rh.msgService.SendMessage(ctx, canonicalFrom, ErrorReply); sendErr != nil {
				slog.Error("ResponseHandler failed to send error message", "error", sendErr, "from", canonicalFrom)
			}
			return fmt.Errorf("hook execution failed: %w", err)
		}
		if handled {
			return nil
		}
	}

	if err := rh.msgService.SendMessage(ctx, canonicalFrom, defaultMessage); err != nil {
		return fmt.Errorf("failed to send default response: %w", err)
	}
	return nil
}

// Start processes responses from the messaging service until ctx is done
// or the service closes its channel.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")

	go func() {
		defer slog.Info("ResponseHandler stopped response processing")
		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					return
				}
				if err := rh.ProcessResponse(ctx, response); err != nil {
					slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// CreatePromptHook answers the visible prompt from a chat reply and
// acknowledges it.
func CreatePromptHook(responder Responder, svc Service) ResponseHook {
	return func(ctx context.Context, from, text string, timestamp int64) (bool, error) {
		action, err := models.ParseResponseAction(text)
		if err != nil {
			slog.Debug("PromptHook: unrecognized reply", "from", from, "text", text)
			return true, svc.SendMessage(ctx, from, HelpMessage)
		}

		if err := responder.Respond(ctx, action); err != nil {
			if errors.Is(err, flow.ErrNoActivePrompt) {
				return true, svc.SendMessage(ctx, from, NoActivePromptReply)
			}
			return false, err
		}
		slog.Info("PromptHook: prompt answered", "from", from, "action", action)
		return true, svc.SendMessage(ctx, from, ackFor(action))
	}
}

func ackFor(action models.ResponseAction) string {
	switch action {
	case models.ActionShelter:
		return AckShelterMessage
	case models.ActionSafe:
		return AckSafeMessage
	default:
		return AckDismissMessage
	}
}
