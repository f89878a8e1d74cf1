package feed

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/SafeStatus/internal/models"
	"github.com/tidwall/gjson"
)

// AlertEvent is the feed event name carrying alerts.
const AlertEvent = "alert"

// ErrMalformedFrame is returned for alert payloads that cannot be decoded.
var ErrMalformedFrame = errors.New("malformed alert frame")

// Field aliases observed on the feed, in order of preference.
var (
	areaKeys        = []string{"cities", "data"}
	categoryKeys    = []string{"cat", "type"}
	titleKeys       = []string{"title"}
	descriptionKeys = []string{"desc", "description"}
)

// DecodeAlert normalizes an alert payload into a BroadcastAlert.
// Areas may be given as an array of strings or a single string; blank
// entries are dropped. Missing fields decode as empty values.
func DecodeAlert(payload []byte) (models.BroadcastAlert, error) {
	if !gjson.ValidBytes(payload) {
		return models.BroadcastAlert{}, fmt.Errorf("%w: invalid JSON", ErrMalformedFrame)
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return models.BroadcastAlert{}, fmt.Errorf("%w: payload is %s, not an object", ErrMalformedFrame, root.Type)
	}

	alert := models.BroadcastAlert{
		Areas:       decodeAreas(first(root, areaKeys)),
		Category:    strings.TrimSpace(first(root, categoryKeys).String()),
		Title:       strings.TrimSpace(first(root, titleKeys).String()),
		Description: strings.TrimSpace(first(root, descriptionKeys).String()),
	}
	return alert, nil
}

func first(root gjson.Result, keys []string) gjson.Result {
	for _, k := range keys {
		if v := root.Get(k); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func decodeAreas(v gjson.Result) []string {
	areas := []string{}
	switch {
	case v.IsArray():
		for _, item := range v.Array() {
			if item.Type != gjson.String {
				continue
			}
			if s := strings.TrimSpace(item.String()); s != "" {
				areas = append(areas, s)
			}
		}
	case v.Type == gjson.String:
		if s := strings.TrimSpace(v.String()); s != "" {
			areas = append(areas, s)
		}
	}
	return areas
}
