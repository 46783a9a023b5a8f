// Package units holds the stages the reference pipeline runs: a synthetic
// transaction source, the signature verify stage and a counting sink.
package units

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
)

// Transaction framing handled by FixedParser.
const (
	TXN_SIG_SZ    = ed25519.SignatureSize
	TXN_PUBKEY_SZ = ed25519.PublicKeySize
	TXN_HDR_SZ    = TXN_SIG_SZ + TXN_PUBKEY_SZ
)

// ErrShortTxn is returned for payloads too short to hold a signature and key.
var ErrShortTxn = errors.New("transaction shorter than signature and key")

// Parser splits a transaction payload into its signature, signer key and
// signed message. Returned slices alias payload.
type Parser interface {
	Parse(payload []byte) (sig, pubkey, msg []byte, err error)
}

// FixedParser reads sig(64) | pubkey(32) | msg.
type FixedParser struct{}

func (FixedParser) Parse(payload []byte) (sig, pubkey, msg []byte, err error) {
	if len(payload) < TXN_HDR_SZ {
		return nil, nil, nil, fmt.Errorf("%d bytes: %w", len(payload), ErrShortTxn)
	}
	return payload[:TXN_SIG_SZ], payload[TXN_SIG_SZ:TXN_HDR_SZ], payload[TXN_HDR_SZ:], nil
}

// Verifier checks a signature over msg made with pubkey.
type Verifier interface {
	Verify(msg, sig, pubkey []byte) bool
}

// Ed25519Verifier verifies plain ed25519 signatures.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(msg, sig, pubkey []byte) bool {
	if len(pubkey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubkey), msg, sig)
}

// EncodeTxn signs msg and frames it the way FixedParser reads it.
func EncodeTxn(priv ed25519.PrivateKey, msg []byte) []byte {
	out := make([]byte, TXN_HDR_SZ+len(msg))
	copy(out[:TXN_SIG_SZ], ed25519.Sign(priv, msg))
	copy(out[TXN_SIG_SZ:TXN_HDR_SZ], priv.Public().(ed25519.PublicKey))
	copy(out[TXN_HDR_SZ:], msg)
	return out
}

// SigTag is the dedup tag of a signature: its first 8 bytes, little endian.
// A signature already behaves like a hash of key and message, so its low
// bits are as good a tag as any digest.
func SigTag(sig []byte) uint64 {
	return binary.LittleEndian.Uint64(sig[:8])
}
