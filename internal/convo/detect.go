package convo

import (
	"regexp"
	"strings"
)

var (
	phoneRegex = regexp.MustCompile(`^\+?[0-9][0-9 .-]{6,18}[0-9]$`)
	emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

var greetings = []string{
	"hi", "hello", "hey", "halo", "hai", "helo", "assalamualaikum",
	"selamat pagi", "selamat siang", "selamat sore", "selamat malam",
	"good morning", "good afternoon", "good evening", "pagi", "siang", "malam",
}

func isGreeting(text string) bool {
	t := normalize(text)
	if t == "" {
		return false
	}
	for _, g := range greetings {
		if t == g || strings.HasPrefix(t, g+" ") || strings.HasPrefix(t, g+",") {
			return len(strings.Fields(t)) <= 4
		}
	}
	return false
}

var affirmatives = map[string]struct{}{
	"yes": {}, "y": {}, "yeah": {}, "yep": {}, "sure": {}, "ok": {}, "okay": {},
	"ya": {}, "iya": {}, "yoi": {}, "boleh": {}, "siap": {}, "oke": {},
	"betul": {}, "benar": {}, "setuju": {}, "gas": {}, "lanjut": {}, "confirm": {},
	"konfirmasi": {}, "jadi": {},
}

func isAffirmative(text string) bool {
	t := normalize(text)
	if _, ok := affirmatives[t]; ok {
		return true
	}
	fields := strings.Fields(t)
	if len(fields) > 3 {
		return false
	}
	for _, f := range fields {
		if _, ok := affirmatives[f]; ok {
			return true
		}
	}
	return false
}

var negatives = map[string]struct{}{
	"no": {}, "nope": {}, "cancel": {}, "nggak": {}, "gak": {}, "ga": {},
	"tidak": {}, "batal": {}, "batalkan": {}, "jangan": {}, "engga": {},
}

func isNegative(text string) bool {
	t := normalize(text)
	if _, ok := negatives[t]; ok {
		return true
	}
	fields := strings.Fields(t)
	if len(fields) > 3 {
		return false
	}
	for _, f := range fields {
		if _, ok := negatives[f]; ok {
			return true
		}
	}
	return false
}

var takeItPhrases = []string{
	"i'll take it", "ill take it", "i will take it", "take it", "i want it",
	"i'll buy it", "buy it", "ambil", "saya ambil", "aku ambil", "mau yang itu",
	"ambil yang itu", "beli yang itu", "saya beli", "mau beli itu", "yang ini aja",
	"yang itu aja",
}

// isDeicticConfirmation reports whether the message refers back to something
// just shown ("I'll take it", a bare yes) rather than naming a product. Only
// meaningful while lastShownProducts is non-empty.
func isDeicticConfirmation(text string) bool {
	t := normalize(text)
	for _, phrase := range takeItPhrases {
		if t == phrase || strings.Contains(t, phrase) {
			return true
		}
	}
	return isAffirmative(t) && len(strings.Fields(t)) <= 2
}

// isShortConfirmation gates retrieval on the general-chat path: short
// affirmations must not trigger a search that would mask the deictic order
// path.
func isShortConfirmation(text string) bool {
	t := normalize(text)
	return len(strings.Fields(t)) <= 2 && (isAffirmative(t) || isNegative(t))
}

var editTokens = map[string]struct{}{
	"edit": {}, "ubah": {}, "ganti": {}, "revisi": {}, "change": {}, "koreksi": {},
}

func wantsEdit(text string) bool {
	_, ok := editTokens[normalize(text)]
	return ok
}

var skipTokens = map[string]struct{}{
	"skip": {}, "lewati": {}, "lewat": {}, "-": {}, "tidak ada": {}, "gak ada": {},
	"no email": {}, "ga ada": {},
}

func isSkipToken(text string) bool {
	_, ok := skipTokens[normalize(text)]
	return ok
}

func looksLikePhone(text string) bool {
	return phoneRegex.MatchString(strings.TrimSpace(text))
}

func looksLikeEmail(text string) bool {
	return emailRegex.MatchString(strings.TrimSpace(text))
}

// parseContactTriple parses a comma-delimited "name, phone, address"
// submission. The middle element must look like a phone number, otherwise
// the message is treated as a plain (possibly comma-containing) name.
func parseContactTriple(text string) (name, phone, address string, ok bool) {
	parts := strings.SplitN(text, ",", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	name = strings.TrimSpace(parts[0])
	phone = strings.TrimSpace(parts[1])
	address = strings.TrimSpace(parts[2])
	if name == "" || address == "" || !looksLikePhone(phone) {
		return "", "", "", false
	}
	return name, phone, address, true
}

func normalize(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	return strings.Trim(t, ".,!?")
}
