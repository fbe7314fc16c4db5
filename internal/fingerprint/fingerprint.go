// Package fingerprint derives stable, URL/filename-safe keys from device
// paths and rule lists.
package fingerprint

import (
	"crypto/sha256"
	"encoding/base64"
)

// Of returns a stable, printable, fixed-length fingerprint of data. Equal
// byte sequences always yield equal fingerprints; an empty input yields a
// defined non-empty fingerprint.
func Of(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// OfString is a convenience wrapper around Of for string input.
func OfString(s string) string {
	return Of([]byte(s))
}

// OfRules returns the fingerprint of an ordered list of rule strings. A
// newline separates adjacent elements but none trails the last one, so
// OfRules([]string{"a"}) != OfRules([]string{"a", ""}).
func OfRules(rules []string) string {
	var buf []byte
	for i, r := range rules {
		if i > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, r...)
	}
	return Of(buf)
}
