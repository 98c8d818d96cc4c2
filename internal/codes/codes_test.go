package codes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const base36Symbols = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

func TestAlphabetExcludesAmbiguousGlyphs(t *testing.T) {
	assert.Len(t, Alphabet, 32)
	for _, c := range "0O1I" {
		assert.NotContains(t, Alphabet, string(c))
	}
	seen := map[rune]bool{}
	for _, c := range Alphabet {
		assert.False(t, seen[c], "duplicate symbol %q", c)
		seen[c] = true
	}
}

func TestChecksumIsDeterministicAndPadded(t *testing.T) {
	a := Checksum("ABCD", "EFGH", "JKLM")
	b := Checksum("ABCD", "EFGH", "JKLM")
	assert.Equal(t, a, b)
	assert.Len(t, a, GroupLength)
	assert.Equal(t, strings.ToUpper(a), a)

	// Concatenation is what is hashed, not the grouping
	assert.Equal(t, Checksum("ABCDEFGHJKLM"), a)

	assert.Equal(t, "0000", Checksum())
}

func TestNewFormatRejectsBadPrefixes(t *testing.T) {
	for _, prefix := range []string{"", "A", "OPS-X", "ops", "TOOLONGPREFIX"} {
		_, err := NewFormat(prefix)
		assert.Error(t, err, prefix)
	}
}

func TestValidateFormat(t *testing.T) {
	f, err := NewFormat("OPS")
	require.NoError(t, err)

	good := f.Assemble("ABCD", "EFGH", "JKLM")
	assert.True(t, f.ValidateFormat(good))
	assert.True(t, f.ValidateFormat(f.Assemble("ABCD", "EFGH", "JKLM", "NPQR")))

	cases := map[string]string{
		"wrong prefix":       strings.Replace(good, "OPS", "XYZ", 1),
		"lowercase":          strings.ToLower(good),
		"ambiguous zero":     "OPS-A0CD-EFGH-JKLM-" + Checksum("A0CD", "EFGH", "JKLM"),
		"ambiguous letter O": "OPS-AOCD-EFGH-JKLM-" + Checksum("AOCD", "EFGH", "JKLM"),
		"too few groups":     "OPS-ABCD-EFGH-" + Checksum("ABCD", "EFGH"),
		"too many groups":    f.Assemble("ABCD", "EFGH", "JKLM", "NPQR", "STUV"),
		"short group":        "OPS-ABC-EFGH-JKLM-" + Checksum("ABC", "EFGH", "JKLM"),
		"trailing space":     good + " ",
	}
	for name, code := range cases {
		assert.False(t, f.ValidateFormat(code), name)
	}
}

func TestFormatCheckIgnoresChecksum(t *testing.T) {
	f, err := NewFormat("OPS")
	require.NoError(t, err)

	code := "OPS-ABCD-EFGH-JKLM-ZZZZ"
	assert.True(t, f.ValidateFormat(code))
	assert.False(t, VerifyChecksum(code))
	assert.False(t, f.Verify(code))
}

func TestVerifyChecksumRejectsMalformedInput(t *testing.T) {
	for _, code := range []string{"", "OPS", "OPS-ABCD", "OPS-ABCD-EFGH-JKLM", "OPS-ABCDE-FGH-JKLM-0000"} {
		assert.False(t, VerifyChecksum(code), code)
	}
}

func TestEverySingleCharacterMutationBreaksChecksum(t *testing.T) {
	issuer, err := NewIssuer("OPS")
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		groups := StandardGroups
		if i%2 == 1 {
			groups = FallbackGroups
		}
		code, err := issuer.Generate(groups)
		require.NoError(t, err)
		require.True(t, VerifyChecksum(code))

		checksumStart := strings.LastIndex(code, "-") + 1
		for pos := len(issuer.Format().Prefix()) + 1; pos < len(code); pos++ {
			if code[pos] == '-' {
				continue
			}
			symbols := Alphabet
			if pos >= checksumStart {
				symbols = base36Symbols
			}
			for _, sym := range []byte(symbols) {
				if sym == code[pos] {
					continue
				}
				mutated := code[:pos] + string(sym) + code[pos+1:]
				assert.False(t, VerifyChecksum(mutated), "mutation %s -> %s", code, mutated)
			}
		}
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "OPS-ABCD", Normalize("  ops-abcd\n"))
}

func TestHasher(t *testing.T) {
	_, err := NewHasher("short")
	assert.Error(t, err)

	h, err := NewHasher("a-long-enough-test-secret")
	require.NoError(t, err)
	other, err := NewHasher("another-long-enough-secret")
	require.NoError(t, err)

	code := "OPS-ABCD-EFGH-JKLM-" + Checksum("ABCD", "EFGH", "JKLM")
	hash := h.Hash(code)
	assert.Len(t, hash, 64)
	assert.Equal(t, hash, h.Hash(strings.ToLower(code)), "hash is over the normalized code")
	assert.NotEqual(t, hash, other.Hash(code))
	assert.NotEqual(t, Checksum("ABCD", "EFGH", "JKLM"), hash[:4])
}
