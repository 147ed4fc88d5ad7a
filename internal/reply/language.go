package reply

import (
	"strings"

	"golang.org/x/text/language"
)

var indonesianMarkers = map[string]struct{}{
	"yang": {}, "tidak": {}, "gak": {}, "nggak": {}, "saya": {}, "aku": {},
	"kamu": {}, "ada": {}, "mau": {}, "bisa": {}, "berapa": {}, "harga": {},
	"beli": {}, "ini": {}, "itu": {}, "dan": {}, "atau": {}, "dengan": {},
	"untuk": {}, "dong": {}, "ya": {}, "kak": {}, "gan": {}, "terima": {},
	"kasih": {}, "selamat": {}, "pagi": {}, "siang": {}, "malam": {},
	"warna": {}, "ukuran": {}, "kirim": {}, "alamat": {}, "pesan": {},
}

var englishMarkers = map[string]struct{}{
	"the": {}, "is": {}, "are": {}, "do": {}, "does": {}, "have": {},
	"you": {}, "i": {}, "want": {}, "need": {}, "can": {}, "could": {},
	"price": {}, "how": {}, "much": {}, "what": {}, "this": {}, "that": {},
	"and": {}, "or": {}, "with": {}, "for": {}, "please": {}, "thanks": {},
	"hello": {}, "size": {}, "color": {}, "ship": {}, "order": {}, "buy": {},
}

// DetectLanguage classifies the user's text as Indonesian or English by
// marker-word counts. Indonesian wins ties: it is the store's home market.
func DetectLanguage(text string) language.Tag {
	id, en := 0, 0
	for _, field := range strings.Fields(strings.ToLower(text)) {
		word := strings.Trim(field, ".,!?\"'()")
		if _, ok := indonesianMarkers[word]; ok {
			id++
		}
		if _, ok := englishMarkers[word]; ok {
			en++
		}
	}
	if en > id {
		return language.English
	}
	return language.Indonesian
}

// Fallback returns the fixed reply used whenever the generative backend is
// unavailable or returns nothing usable.
func Fallback(lang language.Tag) string {
	if lang == language.English {
		return "Sorry, I can't respond right now. Please try again in a moment."
	}
	return "Maaf, saya belum bisa membalas saat ini. Coba lagi sebentar ya."
}

// OrderFailure returns the generic transaction-failure message.
func OrderFailure(lang language.Tag) string {
	if lang == language.English {
		return "Sorry, something went wrong while creating your order. Please try again."
	}
	return "Maaf, terjadi kendala saat membuat pesanan. Silakan coba lagi ya."
}
