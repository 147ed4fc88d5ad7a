package convo

import (
	"fmt"
	"strings"

	"shopbot/internal/repo"

	"golang.org/x/text/language"
)

type promptKey int

const (
	promptWelcome promptKey = iota
	promptAskName
	promptAskNameWithHint
	promptAskPhone
	promptAskEmail
	promptAskAddress
	promptInvalidPhone
	promptInvalidEmail
	promptInvalidAddress
	promptSummaryInstructions
	promptConfirmQuestion
	promptOrderCancelled
	promptThanksNoOrder
)

var promptsID = map[promptKey]string{
	promptWelcome:             "Halo! Selamat datang 😊 Lagi cari produk apa hari ini?",
	promptAskName:             "Boleh minta nama lengkapnya?",
	promptAskNameWithHint:     "Boleh minta nama lengkapnya? (Atau langsung ketik: nama, nomor HP, alamat)",
	promptAskPhone:            "Nomor HP yang bisa dihubungi?",
	promptAskEmail:            "Alamat email? (ketik 'lewati' kalau tidak ada)",
	promptAskAddress:          "Alamat lengkap pengirimannya?",
	promptInvalidPhone:        "Hmm, nomor itu sepertinya belum valid. Coba tulis ulang ya, contoh: 08123456789",
	promptInvalidEmail:        "Format emailnya belum valid. Coba lagi, atau ketik 'lewati'.",
	promptInvalidAddress:      "Alamatnya terlalu singkat. Tolong tulis alamat lengkap ya.",
	promptSummaryInstructions: "Balas 'ya' untuk lanjut, atau 'edit' untuk mengubah data.",
	promptConfirmQuestion:     "Terakhir: balas 'ya' untuk konfirmasi pesanan, atau 'batal' untuk membatalkan.",
	promptOrderCancelled:      "Baik, pesanan dibatalkan. Kalau butuh yang lain tinggal chat ya!",
	promptThanksNoOrder:       "Terima kasih! Data kamu sudah kami simpan.",
}

var promptsEN = map[promptKey]string{
	promptWelcome:             "Hi! Welcome 😊 What are you shopping for today?",
	promptAskName:             "May I have your full name?",
	promptAskNameWithHint:     "May I have your full name? (Or type everything at once: name, phone, address)",
	promptAskPhone:            "What phone number can we reach you on?",
	promptAskEmail:            "Your email address? (type 'skip' if you'd rather not)",
	promptAskAddress:          "What's the full delivery address?",
	promptInvalidPhone:        "That number doesn't look right. Please try again, e.g. 08123456789",
	promptInvalidEmail:        "That email doesn't look valid. Try again, or type 'skip'.",
	promptInvalidAddress:      "That address looks too short. Please send the full address.",
	promptSummaryInstructions: "Reply 'yes' to continue, or 'edit' to change your details.",
	promptConfirmQuestion:     "Last step: reply 'yes' to confirm the order, or 'no' to cancel.",
	promptOrderCancelled:      "All right, the order is cancelled. Message us anytime!",
	promptThanksNoOrder:       "Thank you! We've saved your details.",
}

func prompt(lang language.Tag, key promptKey) string {
	if lang == language.English {
		return promptsEN[key]
	}
	return promptsID[key]
}

func formatPrice(v float64) string {
	return fmt.Sprintf("Rp%.0f", v)
}

func formatOrderSummary(lead *repo.Lead, lang language.Tag) string {
	var b strings.Builder
	if lang == language.English {
		b.WriteString("Here's your order summary:\n")
	} else {
		b.WriteString("Berikut ringkasan pesananmu:\n")
	}

	if lead.PendingOrder != nil {
		for _, item := range lead.PendingOrder.Items {
			b.WriteString(fmt.Sprintf("- %s x%d @ %s\n", item.Name, item.Quantity, formatPrice(item.UnitPrice)))
		}
		b.WriteString("Total: " + formatPrice(lead.PendingOrder.Total) + "\n")
	}

	if lead.Name != nil {
		b.WriteString(label(lang, "Name", "Nama") + ": " + *lead.Name + "\n")
	}
	if lead.Phone != nil {
		b.WriteString(label(lang, "Phone", "HP") + ": " + *lead.Phone + "\n")
	}
	if lead.Email != nil && *lead.Email != "" {
		b.WriteString("Email: " + *lead.Email + "\n")
	}
	if lead.Address != nil {
		b.WriteString(label(lang, "Address", "Alamat") + ": " + *lead.Address + "\n")
	}

	b.WriteString("\n" + prompt(lang, promptSummaryInstructions))
	return strings.TrimSpace(b.String())
}

func label(lang language.Tag, en, id string) string {
	if lang == language.English {
		return en
	}
	return id
}

func formatOrderConfirmed(orderRef string, total float64, lang language.Tag) string {
	if lang == language.English {
		return fmt.Sprintf("Your order %s is confirmed! Total %s. We'll be in touch about delivery. Thank you! 🎉", orderRef, formatPrice(total))
	}
	return fmt.Sprintf("Pesanan %s sudah dikonfirmasi! Total %s. Kami akan hubungi untuk pengiriman. Terima kasih! 🎉", orderRef, formatPrice(total))
}
