// Package cryptocore implements the end-to-end cryptography spec.md §6
// describes: X25519 + HKDF-SHA256 derivation of 1:1 SRTP keys, the group
// call's HKDF join-key derivation, and the ratcheting per-frame AEAD cipher
// used for group call media and data-channel encryption.
//
// Grounded on golang.org/x/crypto, which goop2 already carries at module
// scope for libp2p's own identity-key material (internal/p2p); this package
// is this module's first direct domain-level consumer of
// golang.org/x/crypto/curve25519 and golang.org/x/crypto/hkdf.
package cryptocore

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// X25519KeyPair is an ephemeral Diffie-Hellman keypair used once per
// connection/join attempt.
type X25519KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateX25519KeyPair creates a fresh ephemeral secret and its public key.
func GenerateX25519KeyPair() (X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return X25519KeyPair{}, fmt.Errorf("cryptocore: generate private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return X25519KeyPair{}, fmt.Errorf("cryptocore: derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes X25519(localPrivate, remotePublic).
func SharedSecret(localPrivate, remotePublic [32]byte) ([32]byte, error) {
	shared, err := curve25519.X25519(localPrivate[:], remotePublic[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("cryptocore: X25519: %w", err)
	}
	var out [32]byte
	copy(out[:], shared)
	return out, nil
}

// oneToOneKdfLabel is the HKDF info-prefix for 1:1 SRTP key derivation
// (spec.md §6).
const oneToOneKdfLabel = "Signal_Calling_20200807_SignallingDH_SRTPKey_KDF"

// SrtpKeySize and SrtpSaltSize size the AEAD-AES-256-GCM key material
// derived for 1:1 SRTP (spec.md §6).
const (
	SrtpKeySize  = 32
	SrtpSaltSize = 12
)

// SrtpKeys holds the offer- and answer-side SRTP key+salt pairs derived
// from a single 1:1 DH exchange.
type SrtpKeys struct {
	OfferKey   [SrtpKeySize]byte
	OfferSalt  [SrtpSaltSize]byte
	AnswerKey  [SrtpKeySize]byte
	AnswerSalt [SrtpSaltSize]byte
}

// DeriveOneToOneSrtpKeys derives (offer_key|offer_salt|answer_key|answer_salt)
// via HKDF-SHA256(salt=zeros[32], info=label||callerIdentityKey||calleeIdentityKey)
// per spec.md §6. Both sides of a call compute the same shared secret and
// the same info bytes, so both derive identical SrtpKeys.
func DeriveOneToOneSrtpKeys(shared [32]byte, callerIdentityKey, calleeIdentityKey []byte) (SrtpKeys, error) {
	info := make([]byte, 0, len(oneToOneKdfLabel)+len(callerIdentityKey)+len(calleeIdentityKey))
	info = append(info, []byte(oneToOneKdfLabel)...)
	info = append(info, callerIdentityKey...)
	info = append(info, calleeIdentityKey...)

	salt := make([]byte, 32)
	r := hkdf.New(sha256.New, shared[:], salt, info)

	out := make([]byte, 2*(SrtpKeySize+SrtpSaltSize))
	if _, err := io.ReadFull(r, out); err != nil {
		return SrtpKeys{}, fmt.Errorf("cryptocore: HKDF expand (1:1 srtp): %w", err)
	}

	var keys SrtpKeys
	off := 0
	copy(keys.OfferKey[:], out[off:off+SrtpKeySize])
	off += SrtpKeySize
	copy(keys.OfferSalt[:], out[off:off+SrtpSaltSize])
	off += SrtpSaltSize
	copy(keys.AnswerKey[:], out[off:off+SrtpKeySize])
	off += SrtpKeySize
	copy(keys.AnswerSalt[:], out[off:off+SrtpSaltSize])
	return keys, nil
}

// groupKdfLabel is the HKDF info-prefix for group-call join key derivation
// (spec.md §6).
const groupKdfLabel = "Signal_Group_Call_20211105_SignallingDH_SRTPKey_KDF"

// GroupSrtpKeySize / GroupSrtpSaltSize size the
// AEAD-AES-128-GCM key material derived for group call SRTP (spec.md §6).
const (
	GroupSrtpKeySize  = 16
	GroupSrtpSaltSize = 12
)

// GroupSrtpKeys holds the four key/salt components a group call join
// derives: (client_key, client_salt, server_key, server_salt).
type GroupSrtpKeys struct {
	ClientKey  [GroupSrtpKeySize]byte
	ClientSalt [GroupSrtpSaltSize]byte
	ServerKey  [GroupSrtpKeySize]byte
	ServerSalt [GroupSrtpSaltSize]byte
}

// DeriveGroupSrtpKeys derives 56 bytes via
// HKDF-SHA256(salt=zeros[32], info=groupKdfLabel||serverExtraInfo) and splits
// them into (client_key[16], client_salt[12], server_key[16], server_salt[12])
// per spec.md §6.
func DeriveGroupSrtpKeys(shared [32]byte, serverExtraInfo []byte) (GroupSrtpKeys, error) {
	info := make([]byte, 0, len(groupKdfLabel)+len(serverExtraInfo))
	info = append(info, []byte(groupKdfLabel)...)
	info = append(info, serverExtraInfo...)

	salt := make([]byte, 32)
	r := hkdf.New(sha256.New, shared[:], salt, info)

	const total = 2 * (GroupSrtpKeySize + GroupSrtpSaltSize) // 56
	out := make([]byte, total)
	if _, err := io.ReadFull(r, out); err != nil {
		return GroupSrtpKeys{}, fmt.Errorf("cryptocore: HKDF expand (group srtp): %w", err)
	}

	var keys GroupSrtpKeys
	off := 0
	copy(keys.ClientKey[:], out[off:off+GroupSrtpKeySize])
	off += GroupSrtpKeySize
	copy(keys.ClientSalt[:], out[off:off+GroupSrtpSaltSize])
	off += GroupSrtpSaltSize
	copy(keys.ServerKey[:], out[off:off+GroupSrtpKeySize])
	off += GroupSrtpKeySize
	copy(keys.ServerSalt[:], out[off:off+GroupSrtpSaltSize])
	return keys, nil
}
