package alerts

import (
	"strings"

	"github.com/BTreeMap/SafeStatus/internal/models"
)

// Demo alert content.
const (
	DemoCategory    = "צבע אדום"
	DemoTitle       = "התראת דמו — צבע אדום"
	DemoDescription = "אזעקות נשמעות ב: "
)

var demoDefaultAreas = []string{"תל אביב - יפו", "ראשון לציון", "חולון"}

// DemoAlert builds a sample red alert for userCity, or for a fixed set of
// central cities when no city is registered. The description lists the areas.
func DemoAlert(userCity string) models.BroadcastAlert {
	areas := []string{userCity}
	if userCity == "" {
		areas = append([]string(nil), demoDefaultAreas...)
	}
	return models.BroadcastAlert{
		Areas:       areas,
		Category:    DemoCategory,
		Title:       DemoTitle,
		Description: DemoDescription + strings.Join(areas, ", "),
	}
}
