package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePhone_LenientInputCanonicalisesToE164(t *testing.T) {
	inputs := []string{
		"+919876543210",
		"+91 98765 43210",
		"+91-98765-43210",
		"+91 (987) 654.3210",
		"9876543210",
	}
	for _, in := range inputs {
		got, err := ParsePhone(in, "IN")
		require.NoError(t, err, in)
		assert.Equal(t, "+919876543210", got.Value, in)
		assert.Equal(t, KindPhone, got.Kind)
	}
}

func TestParsePhone_Idempotent(t *testing.T) {
	first, err := ParsePhone("+91 98765-43210", "IN")
	require.NoError(t, err)
	second, err := ParsePhone(first.Value, "US")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, first.Hash(), second.Hash())
}

func TestParsePhone_Rejects(t *testing.T) {
	for _, in := range []string{"", "abc", "+91 98765 4321x", "12", "++919876543210", "+1 000 000 0000"} {
		_, err := ParsePhone(in, "IN")
		assert.Error(t, err, in)
	}
}

func TestParseEmail(t *testing.T) {
	got, err := ParseEmail("  Maker@Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, "maker@example.com", got.Value)

	again, err := ParseEmail(got.Value)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	for _, in := range []string{"", "no-at-sign", "Bob <bob@example.com>", "bob@localhost", "bob@example."} {
		_, err := ParseEmail(in)
		assert.Error(t, err, in)
	}
}

func TestParse_RequiresExactlyOne(t *testing.T) {
	_, err := Parse("", "", "IN")
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Parse("+919876543210", "a@b.co", "IN")
	assert.Error(t, err)

	got, err := Parse("", "a@b.co", "IN")
	require.NoError(t, err)
	assert.Equal(t, "email:a@b.co", got.Key())
}

func TestKeyRoundTripAndMasking(t *testing.T) {
	phone, err := ParsePhone("+919876543210", "")
	require.NoError(t, err)

	back, err := FromKey(phone.Key())
	require.NoError(t, err)
	assert.Equal(t, phone, back)

	assert.Equal(t, "+91*******210", phone.Masked())
	assert.Len(t, phone.Hash(), 64)

	email, err := ParseEmail("maker@example.com")
	require.NoError(t, err)
	assert.Equal(t, "m***@example.com", email.Masked())
}
