package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/SafeStatus/internal/models"
)

// Reply options appended to prompt notifications. The digits are what
// models.ParseResponseAction accepts.
const (
	optionShelter      = "1 - נכנסתי למרחב מוגן"
	optionStillShelter = "1 - עדיין במרחב מוגן"
	optionSafe         = "2 - אני בסדר"
	optionDismiss      = "0 - סגור"
)

// Notifier delivers prompt notifications to a single recipient over a
// messaging Service. It satisfies flow.Notifier.
type Notifier struct {
	svc Service
	to  string
}

// NewNotifier validates the recipient once up front.
func NewNotifier(svc Service, to string) (*Notifier, error) {
	canonical, err := svc.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return nil, fmt.Errorf("invalid notification recipient: %w", err)
	}
	return &Notifier{svc: svc, to: canonical}, nil
}

// Recipient returns the canonical recipient.
func (n *Notifier) Recipient() string {
	return n.to
}

// Notify sends the notification as a text message.
func (n *Notifier) Notify(ctx context.Context, note models.Notification) error {
	body := FormatNotification(note)
	if err := n.svc.SendMessage(ctx, n.to, body); err != nil {
		return fmt.Errorf("notify %s: %w", n.to, err)
	}
	slog.Debug("Notifier.Notify: sent", "to", n.to, "kind", note.Kind)
	return nil
}

// FormatNotification renders a notification with the reply options that
// fit its prompt.
func FormatNotification(note models.Notification) string {
	var b strings.Builder
	if note.Title != "" {
		b.WriteString("*")
		b.WriteString(note.Title)
		b.WriteString("*\n")
	}
	b.WriteString(note.Body)

	var options []string
	switch note.Kind {
	case models.PromptShelter:
		options = []string{optionShelter, optionSafe, optionDismiss}
	case models.PromptSafetyCheck:
		options = []string{optionStillShelter, optionSafe}
	}
	if len(options) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(options, "\n"))
	}
	return b.String()
}
