package privacy

import "strings"

// MaskPhoneNumber keeps only the last 4 digits.
// Example: "+919876543210" -> "+********3210"
func MaskPhoneNumber(phone string) string {
	if phone == "" {
		return ""
	}
	prefix := ""
	if strings.HasPrefix(phone, "+") {
		prefix, phone = "+", phone[1:]
	}
	if len(phone) <= 4 {
		return prefix + strings.Repeat("*", len(phone))
	}
	return prefix + strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

// MaskEmail keeps the first character of the local part and the domain.
// Example: "sam@example.com" -> "s**@example.com"
func MaskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return strings.Repeat("*", len(email))
	}
	local, domain := email[:at], email[at:]
	return local[:1] + strings.Repeat("*", len(local)-1) + domain
}

// MaskContact masks a recipient contact by its channel.
func MaskContact(contactType, contact string) string {
	if contactType == "whatsapp" {
		return MaskPhoneNumber(contact)
	}
	return MaskEmail(contact)
}
