// Package cryptoutil holds small helpers shared by the vault and config
// key validation.
package cryptoutil

import "encoding/hex"

// IsHex reports whether s consists entirely of hexadecimal characters.
// Empty strings pass; callers enforce length on their own.
func IsHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// DecodeKey turns a vault key into 32 raw bytes for AES-256. It accepts
// the key either as 32 raw bytes or as 64 hex characters; anything else
// returns ok=false.
func DecodeKey(key string) (raw []byte, ok bool) {
	if len(key) == 64 && IsHex(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) != 32 {
			return nil, false
		}
		return decoded, true
	}
	if len(key) == 32 {
		return []byte(key), true
	}
	return nil, false
}
