// Package testutil holds fixtures shared across package tests.
package testutil

// TestVaultKey is 32 bytes of AES-256 key material for tests only.
const TestVaultKey = "12345678901234567890123456789012"
