package codes

import (
	"crypto/subtle"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Alphabet is the symbol set for data groups. 32 symbols, no 0/O/1/I.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	// GroupLength is the number of characters in every group
	GroupLength = 4
	// StandardGroups is the number of random data groups in a standard code
	StandardGroups = 3
	// FallbackGroups is the number of data groups once standard minting keeps colliding
	FallbackGroups = 4

	checksumBase    = 36
	checksumModulus = checksumBase * checksumBase * checksumBase * checksumBase
	checksumFactor  = 31
)

var prefixPattern = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

// Format validates code strings for one prefix
type Format struct {
	prefix  string
	pattern *regexp.Regexp
}

// NewFormat builds the format for a prefix. Prefixes are 2-10 uppercase
// letters or digits and never contain the group separator.
func NewFormat(prefix string) (*Format, error) {
	if !prefixPattern.MatchString(prefix) {
		return nil, fmt.Errorf("invalid code prefix %q", prefix)
	}
	pattern := fmt.Sprintf(`^%s(-[A-HJ-NP-Z2-9]{%d}){%d,%d}-[0-9A-Z]{%d}$`,
		regexp.QuoteMeta(prefix), GroupLength, StandardGroups, FallbackGroups, GroupLength)
	return &Format{prefix: prefix, pattern: regexp.MustCompile(pattern)}, nil
}

// Prefix returns the configured prefix
func (f *Format) Prefix() string {
	return f.prefix
}

// ValidateFormat is a pure shape check. It does not look at the checksum.
func (f *Format) ValidateFormat(code string) bool {
	return f.pattern.MatchString(code)
}

// Verify runs the format check and the checksum check. Both must pass.
func (f *Format) Verify(code string) bool {
	return f.ValidateFormat(code) && VerifyChecksum(code)
}

// Assemble joins the prefix, data groups and their checksum
func (f *Format) Assemble(groups ...string) string {
	parts := make([]string, 0, len(groups)+2)
	parts = append(parts, f.prefix)
	parts = append(parts, groups...)
	parts = append(parts, Checksum(groups...))
	return strings.Join(parts, "-")
}

// Checksum computes the 4-character checksum group over the concatenated data
// groups: h = (h*31 + c) mod 36^4, rendered in uppercase base 36.
// 31 is coprime to 36^4, so changing any single data character changes h.
func Checksum(groups ...string) string {
	var h uint64
	for _, g := range groups {
		for i := 0; i < len(g); i++ {
			h = (h*checksumFactor + uint64(g[i])) % checksumModulus
		}
	}
	s := strings.ToUpper(strconv.FormatUint(h, checksumBase))
	if len(s) < GroupLength {
		s = strings.Repeat("0", GroupLength-len(s)) + s
	}
	return s
}

// VerifyChecksum recomputes the checksum from the data groups and compares it
// with the trailing group. The prefix is not covered; ValidateFormat owns it.
func VerifyChecksum(code string) bool {
	parts := strings.Split(code, "-")
	if len(parts) < StandardGroups+2 || len(parts) > FallbackGroups+2 {
		return false
	}
	data := parts[1 : len(parts)-1]
	for _, g := range data {
		if len(g) != GroupLength {
			return false
		}
	}
	want := Checksum(data...)
	got := parts[len(parts)-1]
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// Normalize trims whitespace and uppercases user-entered codes
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
