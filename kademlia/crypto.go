package kademlia

import (
	"crypto/ed25519"
	"crypto/sha512"
)

// Hash implements the spec's abstract Hash(record) used to derive
// hashable STORE keys (spec §3, §4.6). SHA-512 is a natural fit: its
// 64-byte digest is exactly IDLength, so a hashable key can be compared
// byte-for-byte against a NodeID-shaped key without truncation or padding.
// No library in the retrieved pack specifically targets request signing,
// so this and Sign/Verify below are implemented directly on the standard
// library rather than forcing in an unrelated crypto dependency.
func Hash(record []byte) []byte {
	sum := sha512.Sum512(record)
	return sum[:]
}

// Sign produces an Ed25519 signature of payload under privateKey.
func Sign(privateKey ed25519.PrivateKey, payload []byte) []byte {
	return ed25519.Sign(privateKey, payload)
}

// Verify reports whether signature is a valid Ed25519 signature of
// payload under publicKey. A malformed publicKey is treated as a
// verification failure, never a panic.
func Verify(publicKey, payload, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), payload, signature)
}
