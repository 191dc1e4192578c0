package domain

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "vetting/pkg/domain-errors"
)

func TestParseUUID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseUserID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseRecordID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		valid := uuid.New()
		got, err := ParseRecordID(valid.String())
		require.NoError(t, err)
		assert.Equal(t, RecordID(valid), got)
	})
}

func TestParseID_HostileInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"SQL injection attempt", "'; DROP TABLE users;--"},
		{"Path traversal", "../../../etc/passwd"},
		{"Null byte injection", "550e8400\x00-e29b-41d4-a716-446655440000"},
		{"Oversized input", strings.Repeat("a", 1000)},
		{"Whitespace only", "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseUserID(tt.input)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
		})
	}
}

func TestParseNationalID(t *testing.T) {
	t.Run("normalizes punctuation to digits", func(t *testing.T) {
		n, err := ParseNationalID(" 123.456.789-09 ")
		require.NoError(t, err)
		assert.Equal(t, NationalID("12345678909"), n)
		assert.Equal(t, "*********09", n.Masked())
	})

	rejects := map[string]string{
		"empty":       "",
		"too short":   "1234567890",
		"too long":    "123456789012",
		"letters":     "1234567890a",
		"slash":       "123/456/789-09",
		"20+ chars":   strings.Repeat("1", 21),
		"unicode dig": "١٢٣٤٥٦٧٨٩٠٩",
	}
	for name, input := range rejects {
		t.Run("rejects "+name, func(t *testing.T) {
			_, err := ParseNationalID(input)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		})
	}
}

func TestParsePhoneNumber(t *testing.T) {
	p, err := ParsePhoneNumber("+55 (11) 91234-5678")
	require.NoError(t, err)
	assert.Equal(t, PhoneNumber("+5511912345678"), p)

	for _, bad := range []string{"", "11912345678", "+55 11 9x", "+123"} {
		_, err := ParsePhoneNumber(bad)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation), bad)
	}
}
