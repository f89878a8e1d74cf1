package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/SafeStatus/internal/models"
)

// Platform notification content.
const (
	NotificationTag     = "safestatus-alert"
	ShelterTitle        = "אזעקה באזור שלך!"
	SafetyCheckTitle    = "האזעקה הסתיימה"
	defaultAlertTitle   = "צבע אדום"
	shelterInstruction  = "היכנס למרחב מוגן ועדכן את הסטטוס שלך"
	safetyCheckQuestion = "האם אתה בסדר? עדכן את הסטטוס שלך"
	summaryAreaLimit    = 4
)

// ShelterNotification builds the notification mirroring a shelter prompt.
func ShelterNotification(alert models.BroadcastAlert) models.Notification {
	title := alert.Title
	if title == "" {
		title = alert.Category
	}
	if title == "" {
		title = defaultAlertTitle
	}
	body := title + " - " + shelterInstruction
	if areas := AreasSummary(alert.Areas); areas != "" {
		body += "\n" + areas
	}
	return models.Notification{Kind: models.PromptShelter, Title: ShelterTitle, Body: body, Tag: NotificationTag}
}

// SafetyCheckNotification builds the notification mirroring a safety check.
func SafetyCheckNotification(alert models.BroadcastAlert) models.Notification {
	body := safetyCheckQuestion
	if areas := AreasSummary(alert.Areas); areas != "" {
		body += "\n" + areas
	}
	return models.Notification{Kind: models.PromptSafetyCheck, Title: SafetyCheckTitle, Body: body, Tag: NotificationTag}
}

// AreasSummary lists the first four areas and counts the rest, e.g.
// "a, b, c, d +2".
func AreasSummary(areas []string) string {
	if len(areas) <= summaryAreaLimit {
		return strings.Join(areas, ", ")
	}
	return fmt.Sprintf("%s +%d", strings.Join(areas[:summaryAreaLimit], ", "), len(areas)-summaryAreaLimit)
}
