package license

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateValidateRoundTrip(t *testing.T) {
	for _, family := range []string{"VOCALFELT", "TAPEBLOOM"} {
		t.Run(family, func(t *testing.T) {
			for i := 0; i < 200; i++ {
				key, err := Generate(family)
				require.NoError(t, err)

				parts := strings.Split(key, "-")
				require.Len(t, parts, 5)
				assert.Equal(t, family, parts[0])
				assert.True(t, Validate(key, family), "key %s must validate", key)
				assert.Equal(t, family, Family(key))
			}
		})
	}
}

func TestValidateRejectsSingleCharMutation(t *testing.T) {
	key, err := Generate("VOCALFELT")
	require.NoError(t, err)

	prefix := len("VOCALFELT-")
	for i := prefix; i < len(key); i++ {
		if key[i] == '-' {
			continue
		}
		for _, c := range alphabet {
			if byte(c) == key[i] {
				continue
			}
			mutated := key[:i] + string(c) + key[i+1:]
			assert.False(t, Validate(mutated, "VOCALFELT"), "mutated key %s must not validate", mutated)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		family string
		want   bool
	}{
		{name: "known good", key: "TAPEBLOOM-AAAA-AAAA-AAAA-" + Checksum("AAAAAAAAAAAA"), family: "TAPEBLOOM", want: true},
		{name: "lowercase checksum", key: "TAPEBLOOM-AAAA-AAAA-AAAA-" + strings.ToLower(Checksum("AAAAAAAAAAAA")), family: "TAPEBLOOM", want: true},
		{name: "wrong family", key: "TAPEBLOOM-AAAA-AAAA-AAAA-" + Checksum("AAAAAAAAAAAA"), family: "VOCALFELT", want: false},
		{name: "too few parts", key: "TAPEBLOOM-AAAA-AAAA-AAAA", family: "TAPEBLOOM", want: false},
		{name: "short segment", key: "TAPEBLOOM-AAA-AAAA-AAAA-" + Checksum("AAAAAAAAAAA"), family: "TAPEBLOOM", want: false},
		{name: "bad character", key: "TAPEBLOOM-AA_A-AAAA-AAAA-0000", family: "TAPEBLOOM", want: false},
		{name: "empty", key: "", family: "TAPEBLOOM", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Validate(tt.key, tt.family))
		})
	}
}

func TestChecksum(t *testing.T) {
	// 'A' = 65, twelve of them = 780 = LO in base36.
	assert.Equal(t, "00LO", Checksum("AAAAAAAAAAAA"))
	assert.Equal(t, "0000", Checksum(""))
}

func TestGenerateRejectsBadFamily(t *testing.T) {
	_, err := Generate("")
	assert.ErrorIs(t, err, ErrInvalidFamily)

	_, err = Generate("tape-bloom")
	assert.ErrorIs(t, err, ErrInvalidFamily)
}
