package language

import "strings"

// NormalizeLanguageCode maps a client language tag such as "es-PE" or "eng"
// to a notification locale. Unknown or empty codes yield "".
func NormalizeLanguageCode(languageCode string) string {
	normalized := strings.ToLower(strings.TrimSpace(languageCode))
	if base, _, ok := strings.Cut(normalized, "-"); ok {
		normalized = base
	}
	if base, _, ok := strings.Cut(normalized, "_"); ok {
		normalized = base
	}

	switch normalized {
	case "es", "spa", "spanish", "español", "espanol":
		return "es"
	case "en", "eng", "english":
		return "en"
	default:
		return ""
	}
}
