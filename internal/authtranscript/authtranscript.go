// Package authtranscript implements the fixed-format signing transcript
// referenced by the gateway's authentication handshake: SHA-256 of
// "wsh-v1\0" concatenated with the session id and a nonce, signed with
// Ed25519. This is the only cryptographic guarantee the kernel makes
// (§1 Non-goals).
package authtranscript

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
)

const (
	// NonceLen is the required nonce length in bytes.
	NonceLen = 32
	// PublicKeyLen is the required raw Ed25519 public key length in bytes.
	PublicKeyLen = 32
	// SignatureLen is the required Ed25519 signature length in bytes.
	SignatureLen = 64
)

var prefix = []byte("wsh-v1\x00")

// Bind computes SHA-256("wsh-v1\0" || sessionID || nonce), the binding
// that authenticated gateway sessions sign.
func Bind(sessionID, nonce []byte) [32]byte {
	h := sha256.New()
	h.Write(prefix)
	h.Write(sessionID)
	h.Write(nonce)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Verify reports whether sig is a valid 64-byte Ed25519 signature, by
// pub (a raw 32-byte public key), over the Bind transcript for sessionID
// and nonce (which must be 32 bytes). Returns an error describing which
// length requirement failed, or nil alongside the boolean verdict.
func Verify(pub, sessionID, nonce, sig []byte) (bool, error) {
	if len(pub) != PublicKeyLen {
		return false, fmt.Errorf("authtranscript: public key must be %d bytes, got %d", PublicKeyLen, len(pub))
	}
	if len(nonce) != NonceLen {
		return false, fmt.Errorf("authtranscript: nonce must be %d bytes, got %d", NonceLen, len(nonce))
	}
	if len(sig) != SignatureLen {
		return false, fmt.Errorf("authtranscript: signature must be %d bytes, got %d", SignatureLen, len(sig))
	}
	transcript := Bind(sessionID, nonce)
	return ed25519.Verify(ed25519.PublicKey(pub), transcript[:], sig), nil
}

// Sign produces a 64-byte Ed25519 signature over the Bind transcript for
// sessionID and nonce, using priv (a 64-byte Ed25519 private key).
func Sign(priv ed25519.PrivateKey, sessionID, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceLen {
		return nil, fmt.Errorf("authtranscript: nonce must be %d bytes, got %d", NonceLen, len(nonce))
	}
	transcript := Bind(sessionID, nonce)
	return ed25519.Sign(priv, transcript[:]), nil
}
