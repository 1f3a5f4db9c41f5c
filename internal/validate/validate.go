package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"unsaid/internal/domain"
)

const (
	MinMessageLength       = 10
	MaxMessageLength       = 2000
	MinRecipientNameLength = 2
	MinPhoneDigits         = 10
	MaxPhoneDigits         = 15
	MaxDeviceIDLength      = 128
)

const (
	CodeRequired = "required"
	CodeTooShort = "too_short"
	CodeTooLong  = "too_long"
	CodeInvalid  = "invalid"
	CodeEnum     = "invalid_enum"
)

var (
	emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9](?:[A-Za-z0-9\-]*[A-Za-z0-9])?(?:\.[A-Za-z0-9](?:[A-Za-z0-9\-]*[A-Za-z0-9])?)*\.[A-Za-z]{2,}$`)
	phonePattern = regexp.MustCompile(`^\+?\(?[0-9][0-9 ()\-]*[0-9]$`)
)

// Request is an unvalidated submission as received from a caller.
type Request struct {
	Message          string
	RecipientName    string
	RecipientContact string
	ContactType      string
	Plan             string
	DeviceID         string
}

// Validated holds normalized submission fields that passed every rule.
type Validated struct {
	Message          string
	RecipientName    string
	RecipientContact string
	ContactType      domain.ContactType
	Plan             domain.Plan
	DeviceID         string
}

type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Errors collects every violation found in one request.
type Errors struct {
	Fields []FieldError
}

func (e *Errors) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *Errors) add(field, code, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
}

// Has reports whether a violation was recorded for field.
func (e *Errors) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// Submission checks every rule and returns all violations, not just the first.
func Submission(req Request) (Validated, error) {
	errs := &Errors{}
	out := Validated{
		Message:       strings.TrimSpace(req.Message),
		RecipientName: strings.TrimSpace(req.RecipientName),
		DeviceID:      strings.TrimSpace(req.DeviceID),
	}

	switch n := utf8.RuneCountInString(out.Message); {
	case n == 0:
		errs.add("message", CodeRequired, "message is required")
	case n < MinMessageLength:
		errs.add("message", CodeTooShort, "message must be at least %d characters", MinMessageLength)
	case n > MaxMessageLength:
		errs.add("message", CodeTooLong, "message must be at most %d characters", MaxMessageLength)
	}

	switch n := utf8.RuneCountInString(out.RecipientName); {
	case n == 0:
		errs.add("recipientName", CodeRequired, "recipient name is required")
	case n < MinRecipientNameLength:
		errs.add("recipientName", CodeTooShort, "recipient name must be at least %d characters", MinRecipientNameLength)
	}

	contact := strings.TrimSpace(req.RecipientContact)
	contactType := domain.ContactType(strings.ToLower(strings.TrimSpace(req.ContactType)))
	switch contactType {
	case domain.ContactEmail, domain.ContactWhatsApp:
		out.ContactType = contactType
	case "":
		errs.add("contactType", CodeRequired, "contact type is required")
	default:
		errs.add("contactType", CodeEnum, "contact type must be one of email, whatsapp")
	}

	if contact == "" {
		errs.add("recipientContact", CodeRequired, "recipient contact is required")
	} else {
		switch out.ContactType {
		case domain.ContactEmail:
			if normalized, ok := NormalizeEmail(contact); ok {
				out.RecipientContact = normalized
			} else {
				errs.add("recipientContact", CodeInvalid, "recipient contact must be a valid email address")
			}
		case domain.ContactWhatsApp:
			if normalized, ok := NormalizePhone(contact); ok {
				out.RecipientContact = normalized
			} else {
				errs.add("recipientContact", CodeInvalid, "recipient contact must be a phone number with %d to %d digits", MinPhoneDigits, MaxPhoneDigits)
			}
		}
	}

	switch plan := domain.Plan(strings.ToLower(strings.TrimSpace(req.Plan))); plan {
	case "":
		out.Plan = domain.PlanAnonymous
	case domain.PlanAnonymous, domain.PlanReveal:
		out.Plan = plan
	default:
		errs.add("plan", CodeEnum, "plan must be one of anonymous, reveal")
	}

	if utf8.RuneCountInString(out.DeviceID) > MaxDeviceIDLength {
		errs.add("deviceId", CodeTooLong, "device id must be at most %d characters", MaxDeviceIDLength)
	}

	if len(errs.Fields) > 0 {
		return Validated{}, errs
	}
	return out, nil
}

// NormalizeEmail checks the local@domain.tld shape and lower-cases the domain.
func NormalizeEmail(raw string) (string, bool) {
	if !emailPattern.MatchString(raw) {
		return "", false
	}
	at := strings.LastIndexByte(raw, '@')
	local, host := raw[:at], raw[at+1:]
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return "", false
	}
	return local + "@" + strings.ToLower(host), true
}

// NormalizePhone strips separators and returns "+" followed by the digits.
func NormalizePhone(raw string) (string, bool) {
	if !phonePattern.MatchString(raw) {
		return "", false
	}
	var b strings.Builder
	b.WriteByte('+')
	digits := 0
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			digits++
		}
	}
	if digits < MinPhoneDigits || digits > MaxPhoneDigits {
		return "", false
	}
	return b.String(), true
}
