package feed

import (
	"errors"
	"testing"
)

func TestDecodeAlertAliases(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		areas    []string
		category string
		title    string
		desc     string
	}{
		{
			name:     "cities and cat",
			payload:  `{"cities":["Tel Aviv - Yafo","Holon"],"cat":"red alert","title":"rockets","desc":"enter shelter"}`,
			areas:    []string{"Tel Aviv - Yafo", "Holon"},
			category: "red alert",
			title:    "rockets",
			desc:     "enter shelter",
		},
		{
			name:     "data and type",
			payload:  `{"data":["Haifa"],"type":"aircraft"}`,
			areas:    []string{"Haifa"},
			category: "aircraft",
		},
		{
			name:     "cities wins over data",
			payload:  `{"cities":["Haifa"],"data":["Akko"]}`,
			areas:    []string{"Haifa"},
		},
		{
			name:     "null cities falls back to data",
			payload:  `{"cities":null,"data":["Akko"]}`,
			areas:    []string{"Akko"},
		},
		{
			name:     "numeric category",
			payload:  `{"data":["Sderot"],"cat":1}`,
			areas:    []string{"Sderot"},
			category: "1",
		},
		{
			name:    "single string area",
			payload: `{"cities":"Eilat"}`,
			areas:   []string{"Eilat"},
		},
		{
			name:    "blank and non-string areas dropped",
			payload: `{"cities":[" ", 5, "Ashdod ", null]}`,
			areas:   []string{"Ashdod"},
		},
		{
			name:    "no areas",
			payload: `{"title":"drill"}`,
			areas:   []string{},
			title:   "drill",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeAlert([]byte(tt.payload))
			if err != nil {
				t.Fatalf("DecodeAlert returned error: %v", err)
			}
			if len(got.Areas) != len(tt.areas) {
				t.Fatalf("areas = %q, want %q", got.Areas, tt.areas)
			}
			for i := range tt.areas {
				if got.Areas[i] != tt.areas[i] {
					t.Errorf("areas[%d] = %q, want %q", i, got.Areas[i], tt.areas[i])
				}
			}
			if got.Category != tt.category || got.Title != tt.title || got.Description != tt.desc {
				t.Errorf("got category=%q title=%q desc=%q", got.Category, got.Title, got.Description)
			}
		})
	}
}

func TestDecodeAlertMalformed(t *testing.T) {
	for _, payload := range []string{``, `{`, `[1,2]`, `"text"`, `null`} {
		if _, err := DecodeAlert([]byte(payload)); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("DecodeAlert(%q) error = %v, want ErrMalformedFrame", payload, err)
		}
	}
}
