package validate

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unsaid/internal/domain"
)

func validRequest() Request {
	return Request{
		Message:          "I never told you how I really feel about the project.",
		RecipientName:    "Sam",
		RecipientContact: "sam@example.com",
		ContactType:      "email",
		Plan:             "anonymous",
	}
}

func fieldErrors(t *testing.T, err error) *Errors {
	t.Helper()
	var verrs *Errors
	require.True(t, errors.As(err, &verrs), "expected *Errors, got %T", err)
	return verrs
}

func TestMessageLengthBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		length int
		ok     bool
	}{
		{"nine", 9, false},
		{"ten", 10, true},
		{"two thousand", 2000, true},
		{"two thousand one", 2001, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			req.Message = strings.Repeat("a", tt.length)
			_, err := Submission(req)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			assert.True(t, fieldErrors(t, err).Has("message"))
		})
	}
}

func TestMessageLengthCountsTrimmedRunes(t *testing.T) {
	req := validRequest()
	req.Message = "   " + strings.Repeat("é", 10) + "\n\t"
	v, err := Submission(req)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("é", 10), v.Message)

	req.Message = "  " + strings.Repeat("x", 9) + "        "
	_, err = Submission(req)
	assert.True(t, fieldErrors(t, err).Has("message"))
}

func TestRecipientNameHasNoUpperBound(t *testing.T) {
	req := validRequest()
	req.RecipientName = " " + strings.Repeat("Sam ", 100) + "x "
	v, err := Submission(req)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("Sam ", 100)+"x", v.RecipientName)

	req.RecipientName = " S "
	_, err = Submission(req)
	assert.True(t, fieldErrors(t, err).Has("recipientName"))
}

func TestContactConsistency(t *testing.T) {
	tests := []struct {
		contactType string
		contact     string
		ok          bool
		normalized  string
	}{
		{"email", "not-an-email", false, ""},
		{"email", "a@b.co", true, "a@b.co"},
		{"email", "Sam@Example.COM", true, "Sam@example.com"},
		{"email", "a@b", false, ""},
		{"email", "a..b@c.io", false, ""},
		{"whatsapp", "123", false, ""},
		{"whatsapp", "+919876543210", true, "+919876543210"},
		{"whatsapp", "(987) 654-3210", true, "+9876543210"},
		{"whatsapp", "+91 98765 43210", true, "+919876543210"},
		{"whatsapp", "98765x43210", false, ""},
		{"whatsapp", "1234567890123456", false, ""},
		{"whatsapp", "sam@example.com", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.contactType+"/"+tt.contact, func(t *testing.T) {
			req := validRequest()
			req.ContactType = tt.contactType
			req.RecipientContact = tt.contact
			v, err := Submission(req)
			if !tt.ok {
				assert.True(t, fieldErrors(t, err).Has("recipientContact"))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.normalized, v.RecipientContact)
		})
	}
}

func TestCollectsEveryViolation(t *testing.T) {
	_, err := Submission(Request{
		Message:          "short",
		RecipientName:    "S",
		RecipientContact: "",
		ContactType:      "pigeon",
		Plan:             "forever",
	})
	verrs := fieldErrors(t, err)
	for _, field := range []string{"message", "recipientName", "recipientContact", "contactType", "plan"} {
		assert.True(t, verrs.Has(field), "missing violation for %s", field)
	}
	assert.Contains(t, verrs.Error(), "recipientName")
}

func TestPlanDefaultsToAnonymous(t *testing.T) {
	req := validRequest()
	req.Plan = ""
	v, err := Submission(req)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanAnonymous, v.Plan)

	req.Plan = "Reveal"
	v, err = Submission(req)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanReveal, v.Plan)
}
