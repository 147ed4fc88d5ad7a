package reply

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	specialRunRegex = regexp.MustCompile(`([!@#$%^&*_=+\[\]{}<>~|\\/-]){4,}`)
	markupRegex     = regexp.MustCompile("(\\*\\*|__|~~|###+|```|##)")

	// Phrases that try to override the assistant's instructions. Neutralized
	// rather than rejected so the turn still gets a normal answer.
	overridePhrases = []string{
		"ignore previous instructions",
		"ignore all previous instructions",
		"disregard your instructions",
		"you are now",
		"system prompt",
		"abaikan instruksi",
		"abaikan semua instruksi",
		"lupakan instruksi",
	}
)

// SanitizeInput strips control characters, collapses long runs of special
// characters, and neutralizes instruction-override phrasing before the text
// reaches the model context.
func SanitizeInput(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()

	out = specialRunRegex.ReplaceAllString(out, "$1$1$1")

	lower := strings.ToLower(out)
	for _, phrase := range overridePhrases {
		for {
			idx := strings.Index(lower, phrase)
			if idx < 0 {
				break
			}
			out = out[:idx] + "[removed]" + out[idx+len(phrase):]
			lower = strings.ToLower(out)
		}
	}

	return strings.TrimSpace(out)
}

// SanitizeOutput strips markup the messaging platform cannot render and
// clips the reply to the platform's character budget.
func SanitizeOutput(text string, budget int) string {
	out := markupRegex.ReplaceAllString(text, "")
	out = strings.TrimSpace(out)
	if budget > 0 && len(out) > budget {
		clipped := out[:budget]
		if idx := strings.LastIndexAny(clipped, " \n"); idx > budget/2 {
			clipped = clipped[:idx]
		}
		out = strings.TrimSpace(clipped)
	}
	return out
}

// MaskPhone hides all but the last three digits of a phone number before it
// enters model context.
func MaskPhone(phone string) string {
	digits := 0
	for _, r := range phone {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if digits <= 3 {
		return phone
	}
	var b strings.Builder
	seen := 0
	for _, r := range phone {
		if unicode.IsDigit(r) {
			seen++
			if seen <= digits-3 {
				b.WriteRune('*')
				continue
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MaskEmail hides the local part of an email except its first character.
func MaskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 1 {
		return email
	}
	return email[:1] + strings.Repeat("*", at-1) + email[at:]
}
