package entities

import "strings"

// UsStates maps US state full names to their abbreviations.
var UsStates = map[string]string{
	"alabama":              "AL",
	"alaska":               "AK",
	"arizona":              "AZ",
	"arkansas":             "AR",
	"california":           "CA",
	"colorado":             "CO",
	"connecticut":          "CT",
	"delaware":             "DE",
	"district of columbia": "DC",
	"florida":              "FL",
	"georgia":              "GA",
	"hawaii":               "HI",
	"idaho":                "ID",
	"illinois":             "IL",
	"indiana":              "IN",
	"iowa":                 "IA",
	"kansas":               "KS",
	"kentucky":             "KY",
	"louisiana":            "LA",
	"maine":                "ME",
	"maryland":             "MD",
	"massachusetts":        "MA",
	"michigan":             "MI",
	"minnesota":            "MN",
	"mississippi":          "MS",
	"missouri":             "MO",
	"montana":              "MT",
	"nebraska":             "NE",
	"nevada":               "NV",
	"new hampshire":        "NH",
	"new jersey":           "NJ",
	"new mexico":           "NM",
	"new york":             "NY",
	"north carolina":       "NC",
	"north dakota":         "ND",
	"ohio":                 "OH",
	"oklahoma":             "OK",
	"oregon":               "OR",
	"pennsylvania":         "PA",
	"rhode island":         "RI",
	"south carolina":       "SC",
	"south dakota":         "SD",
	"tennessee":            "TN",
	"texas":                "TX",
	"utah":                 "UT",
	"vermont":              "VT",
	"virginia":             "VA",
	"washington":           "WA",
	"west virginia":        "WV",
	"wisconsin":            "WI",
	"wyoming":              "WY",
}

// NormalizeUsState converts US state names to their 2-letter abbreviations.
// Abbreviations are upper-cased; anything unrecognized is returned trimmed.
func NormalizeUsState(s string) string {
	s = strings.TrimSpace(s)

	if code, ok := UsStates[strings.ToLower(s)]; ok {
		return code
	}

	upper := strings.ToUpper(s)
	for _, code := range UsStates {
		if upper == code {
			return code
		}
	}

	return s
}

// PostingType normalizes a journal line's debit/credit marker.
func PostingType(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debit", "dr", "d":
		return "Debit", true
	case "credit", "cr", "c":
		return "Credit", true
	}
	return "", false
}
