package cryptocore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/hkdf"
)

// Per-frame footer layout (spec.md §6): ratchet_counter(1) || frame_counter
// (4, big-endian) || MAC(16). Video frames additionally carry a 10-byte
// unencrypted prefix (keyframe/layer metadata the SFU must read); audio
// frames carry a 1-byte unencrypted prefix.
const (
	FooterRatchetCounterSize = 1
	FooterFrameCounterSize   = 4
	FooterMacSize            = 16
	FooterSize               = FooterRatchetCounterSize + FooterFrameCounterSize + FooterMacSize

	AudioUnencryptedPrefixSize = 1
	VideoUnencryptedPrefixSize = 10

	// MaxRatchetDistance bounds how far RatchetToCounter will advance a
	// chain in one call: a target more than this many generations ahead of
	// the chain's current position is rejected with an error instead of
	// being ratcheted to.
	MaxRatchetDistance = 64
)

// frameKdfLabel is the HKDF info string used to ratchet a group call
// sender's frame-encryption secret forward one generation.
const frameKdfLabel = "Signal_Group_Call_20211105_RatchetKey"

// FrameSecret is one generation of a per-sender ratcheting chain.
type FrameSecret [32]byte

// RatchetForward derives the next-generation secret from s. The chain is
// one-way: possessing secret N lets a receiver derive any secret M >= N but
// never M < N, matching the group call's "new members must not decrypt
// history" requirement (spec.md §5).
func RatchetForward(s FrameSecret) (FrameSecret, error) {
	r := hkdf.New(sha256.New, s[:], nil, []byte(frameKdfLabel))
	var next FrameSecret
	if _, err := io.ReadFull(r, next[:]); err != nil {
		return FrameSecret{}, fmt.Errorf("cryptocore: ratchet forward: %w", err)
	}
	return next, nil
}

// RatchetToCounter advances from(atCounter) forward until it reaches
// toCounter, returning the secret at that generation. It refuses to advance
// more than MaxRatchetDistance generations in one call.
func RatchetToCounter(from FrameSecret, atCounter, toCounter uint8) (FrameSecret, error) {
	if toCounter < atCounter {
		return FrameSecret{}, fmt.Errorf("cryptocore: cannot ratchet backward (%d -> %d)", atCounter, toCounter)
	}
	distance := int(toCounter) - int(atCounter)
	if distance > MaxRatchetDistance {
		return FrameSecret{}, fmt.Errorf("cryptocore: ratchet distance %d exceeds max %d, request new key", distance, MaxRatchetDistance)
	}
	cur := from
	var err error
	for i := 0; i < distance; i++ {
		cur, err = RatchetForward(cur)
		if err != nil {
			return FrameSecret{}, err
		}
	}
	return cur, nil
}

// frameAeadKdfLabel derives the per-generation AES-GCM key+nonce-base from a
// FrameSecret.
const frameAeadKdfLabel = "Signal_Group_Call_20211105_FrameEncryptionKey"

func deriveFrameAead(secret FrameSecret) (cipher.AEAD, []byte, error) {
	r := hkdf.New(sha256.New, secret[:], nil, []byte(frameAeadKdfLabel))
	buf := make([]byte, 16+12) // AES-128-GCM key + 12-byte nonce base
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, fmt.Errorf("cryptocore: derive frame AEAD: %w", err)
	}
	block, err := aes.NewCipher(buf[:16])
	if err != nil {
		return nil, nil, fmt.Errorf("cryptocore: AES-GCM cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("cryptocore: AES-GCM wrap: %w", err)
	}
	return aead, buf[16:], nil
}

// nonceFor mixes a per-frame counter into the derived nonce base so each
// frame in a generation gets a unique nonce.
func nonceFor(base []byte, frameCounter uint32) []byte {
	nonce := make([]byte, len(base))
	copy(nonce, base)
	var ctr [4]byte
	binary.BigEndian.PutUint32(ctr[:], frameCounter)
	for i := 0; i < 4; i++ {
		nonce[len(nonce)-4+i] ^= ctr[i]
	}
	return nonce
}

// EncryptFrame encrypts plaintext (the media payload following the
// unencrypted prefix) under the generation named by ratchetCounter, using
// frameCounter as part of the nonce and additionalData (the unencrypted
// prefix bytes) as AEAD associated data. It returns ciphertext || footer,
// where footer is ratchet_counter(1) || frame_counter(4,BE) || MAC(16).
//
// frameCounter is accepted as a uint64 so callers can keep a single
// ever-incrementing counter across a session; the wire footer only has room
// for 4 bytes, so a counter past math.MaxUint32 is rejected outright rather
// than silently wrapping (spec.md §8).
func EncryptFrame(secret FrameSecret, ratchetCounter uint8, frameCounter uint64, additionalData, plaintext []byte) ([]byte, error) {
	if frameCounter > math.MaxUint32 {
		return nil, fmt.Errorf("cryptocore: frame counter too big")
	}
	fc32 := uint32(frameCounter)

	aead, base, err := deriveFrameAead(secret)
	if err != nil {
		return nil, err
	}
	nonce := nonceFor(base, fc32)
	sealed := aead.Seal(nil, nonce, plaintext, additionalData)
	// sealed = ciphertext || 16-byte GCM tag. Rearrange into
	// ciphertext || ratchet_counter || frame_counter || MAC.
	if len(sealed) < FooterMacSize {
		return nil, fmt.Errorf("cryptocore: sealed output shorter than MAC size")
	}
	ciphertext := sealed[:len(sealed)-FooterMacSize]
	mac := sealed[len(sealed)-FooterMacSize:]

	out := make([]byte, 0, len(ciphertext)+FooterSize)
	out = append(out, ciphertext...)
	out = append(out, ratchetCounter)
	var fc [4]byte
	binary.BigEndian.PutUint32(fc[:], fc32)
	out = append(out, fc[:]...)
	out = append(out, mac...)
	return out, nil
}

// DecryptFrame reverses EncryptFrame. secretAtCounter must already be
// ratcheted to the generation named by the footer's ratchet_counter (callers
// use RatchetToCounter to get there); DecryptFrame does not ratchet itself.
func DecryptFrame(secretAtCounter FrameSecret, additionalData, framed []byte) (plaintext []byte, ratchetCounter uint8, frameCounter uint32, err error) {
	if len(framed) < FooterSize {
		return nil, 0, 0, fmt.Errorf("cryptocore: frame too short for footer (%d < %d)", len(framed), FooterSize)
	}
	ciphertext := framed[:len(framed)-FooterSize]
	footer := framed[len(framed)-FooterSize:]
	ratchetCounter = footer[0]
	frameCounter = binary.BigEndian.Uint32(footer[FooterRatchetCounterSize : FooterRatchetCounterSize+FooterFrameCounterSize])
	mac := footer[FooterRatchetCounterSize+FooterFrameCounterSize:]

	aead, base, derr := deriveFrameAead(secretAtCounter)
	if derr != nil {
		return nil, 0, 0, derr
	}
	nonce := nonceFor(base, frameCounter)

	sealed := make([]byte, 0, len(ciphertext)+len(mac))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, mac...)

	plaintext, err = aead.Open(nil, nonce, sealed, additionalData)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("cryptocore: frame authentication failed: %w", err)
	}
	return plaintext, ratchetCounter, frameCounter, nil
}

// dataChannelKdfLabel derives the AEAD key used for RTP-data / application
// data-channel messages. Unlike media frames, data-channel messages carry no
// unencrypted prefix (spec.md §6): the whole payload is ciphertext.
const dataChannelKdfLabel = "Signal_Group_Call_20211105_DataChannelKey"

// EncryptDataChannelMessage seals plaintext under secret. Associated data is
// empty (there is no unencrypted header to bind). Like EncryptFrame,
// frameCounter is widened to uint64 and rejected past math.MaxUint32 since
// the wire format only carries 4 bytes of it.
func EncryptDataChannelMessage(secret FrameSecret, frameCounter uint64, plaintext []byte) ([]byte, error) {
	if frameCounter > math.MaxUint32 {
		return nil, fmt.Errorf("cryptocore: frame counter too big")
	}
	fc32 := uint32(frameCounter)

	r := hkdf.New(sha256.New, secret[:], nil, []byte(dataChannelKdfLabel))
	buf := make([]byte, 16+12)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("cryptocore: derive data-channel AEAD: %w", err)
	}
	block, err := aes.NewCipher(buf[:16])
	if err != nil {
		return nil, fmt.Errorf("cryptocore: AES-GCM cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: AES-GCM wrap: %w", err)
	}
	nonce := nonceFor(buf[16:], fc32)
	sealed := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(sealed)+FooterFrameCounterSize)
	var fc [4]byte
	binary.BigEndian.PutUint32(fc[:], fc32)
	out = append(out, fc[:]...)
	out = append(out, sealed...)
	return out, nil
}

// DecryptDataChannelMessage reverses EncryptDataChannelMessage.
func DecryptDataChannelMessage(secret FrameSecret, framed []byte) (plaintext []byte, frameCounter uint32, err error) {
	if len(framed) < FooterFrameCounterSize {
		return nil, 0, fmt.Errorf("cryptocore: data-channel message too short")
	}
	frameCounter = binary.BigEndian.Uint32(framed[:FooterFrameCounterSize])
	sealed := framed[FooterFrameCounterSize:]

	r := hkdf.New(sha256.New, secret[:], nil, []byte(dataChannelKdfLabel))
	buf := make([]byte, 16+12)
	if _, derr := io.ReadFull(r, buf); derr != nil {
		return nil, 0, fmt.Errorf("cryptocore: derive data-channel AEAD: %w", derr)
	}
	block, err := aes.NewCipher(buf[:16])
	if err != nil {
		return nil, 0, fmt.Errorf("cryptocore: AES-GCM cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, 0, fmt.Errorf("cryptocore: AES-GCM wrap: %w", err)
	}
	nonce := nonceFor(buf[16:], frameCounter)
	plaintext, err = aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("cryptocore: data-channel authentication failed: %w", err)
	}
	return plaintext, frameCounter, nil
}
