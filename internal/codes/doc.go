// Package codes mints and validates unlock codes.
//
// A code has the shape PREFIX-XXXX-XXXX-XXXX-CCCC. The X groups are drawn from
// a 32-symbol alphabet without 0, O, 1 or I. CCCC is a checksum group computed
// from the data groups with a rolling hash. The checksum only detects
// transcription errors; it is not a security control. Secure storage of codes
// uses the HMAC in hash.go.
//
// ValidateFormat and VerifyChecksum are separate checks. Verify runs both and
// is what callers use before trusting a code.
package codes
