package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskPhoneNumber(t *testing.T) {
	assert.Equal(t, "", MaskPhoneNumber(""))
	assert.Equal(t, "+********3210", MaskPhoneNumber("+919876543210"))
	assert.Equal(t, "******3210", MaskPhoneNumber("9876543210"))
	assert.Equal(t, "+***", MaskPhoneNumber("+123"))
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "s**@example.com", MaskEmail("sam@example.com"))
	assert.Equal(t, "a@b.co", MaskEmail("a@b.co"))
	assert.Equal(t, "******", MaskEmail("nomail"))
}

func TestMaskContact(t *testing.T) {
	assert.Equal(t, "+********3210", MaskContact("whatsapp", "+919876543210"))
	assert.Equal(t, "s**@example.com", MaskContact("email", "sam@example.com"))
}
