package cryptocore

import (
	"math"
	"strings"
	"testing"
)

func TestDHRoundTrip(t *testing.T) {
	alice, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	sharedA, err := SharedSecret(alice.Private, bob.Public)
	if err != nil {
		t.Fatal(err)
	}
	sharedB, err := SharedSecret(bob.Private, alice.Public)
	if err != nil {
		t.Fatal(err)
	}
	if sharedA != sharedB {
		t.Fatalf("DH did not agree: %x != %x", sharedA, sharedB)
	}
}

func TestDeriveOneToOneSrtpKeysSymmetric(t *testing.T) {
	alice, _ := GenerateX25519KeyPair()
	bob, _ := GenerateX25519KeyPair()
	sharedA, _ := SharedSecret(alice.Private, bob.Public)
	sharedB, _ := SharedSecret(bob.Private, alice.Public)

	callerKey := []byte("caller-identity-key")
	calleeKey := []byte("callee-identity-key")

	keysA, err := DeriveOneToOneSrtpKeys(sharedA, callerKey, calleeKey)
	if err != nil {
		t.Fatal(err)
	}
	keysB, err := DeriveOneToOneSrtpKeys(sharedB, callerKey, calleeKey)
	if err != nil {
		t.Fatal(err)
	}
	if keysA != keysB {
		t.Fatalf("caller/callee derived different SRTP keys: %+v != %+v", keysA, keysB)
	}
	if keysA.OfferKey == keysA.AnswerKey {
		t.Fatalf("offer and answer keys must differ")
	}
}

func TestDeriveGroupSrtpKeysDeterministic(t *testing.T) {
	var shared [32]byte
	copy(shared[:], []byte("some-shared-secret-material-xxxx"))
	extra := []byte("server-extra-info")

	k1, err := DeriveGroupSrtpKeys(shared, extra)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := DeriveGroupSrtpKeys(shared, extra)
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Fatalf("group SRTP derivation is not deterministic")
	}
	if k1.ClientKey == k1.ServerKey {
		t.Fatalf("client and server keys must differ")
	}
}

func TestRatchetForwardIsOneWay(t *testing.T) {
	var seed FrameSecret
	copy(seed[:], []byte("initial-frame-secret-generation0"))

	gen1, err := RatchetForward(seed)
	if err != nil {
		t.Fatal(err)
	}
	gen2, err := RatchetForward(gen1)
	if err != nil {
		t.Fatal(err)
	}
	if gen1 == seed || gen2 == gen1 {
		t.Fatalf("ratchet forward must change the secret each step")
	}

	viaToCounter, err := RatchetToCounter(seed, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if viaToCounter != gen2 {
		t.Fatalf("RatchetToCounter(0,2) should equal two RatchetForward calls")
	}

	if _, err := RatchetToCounter(seed, 5, 2); err == nil {
		t.Fatalf("expected error ratcheting backward")
	}
	if _, err := RatchetToCounter(seed, 0, MaxRatchetDistance+1); err == nil {
		t.Fatalf("expected error exceeding max ratchet distance")
	}
}

func TestEncryptDecryptFrameRoundTrip(t *testing.T) {
	var secret FrameSecret
	copy(secret[:], []byte("frame-encryption-secret-for-test"))

	prefix := []byte{0xAB} // 1-byte audio unencrypted prefix
	plaintext := []byte("opus payload bytes go here")

	framed, err := EncryptFrame(secret, 3, 42, prefix, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if len(framed) != len(plaintext)+FooterSize {
		t.Fatalf("unexpected framed length: got %d want %d", len(framed), len(plaintext)+FooterSize)
	}

	got, ratchetCounter, frameCounter, err := DecryptFrame(secret, prefix, framed)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("decrypted plaintext mismatch: got %q want %q", got, plaintext)
	}
	if ratchetCounter != 3 || frameCounter != 42 {
		t.Fatalf("unexpected footer fields: ratchet=%d frame=%d", ratchetCounter, frameCounter)
	}
}

func TestDecryptFrameRejectsTamperedAdditionalData(t *testing.T) {
	var secret FrameSecret
	copy(secret[:], []byte("frame-encryption-secret-for-test"))

	framed, err := EncryptFrame(secret, 0, 1, []byte{0x01}, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := DecryptFrame(secret, []byte{0x02}, framed); err == nil {
		t.Fatalf("expected authentication failure with tampered additional data")
	}
}

func TestEncryptFrameRejectsFrameCounterOverflow(t *testing.T) {
	var secret FrameSecret
	copy(secret[:], []byte("frame-encryption-secret-for-test"))

	if _, err := EncryptFrame(secret, 0, math.MaxUint32, []byte{0x01}, []byte("payload")); err != nil {
		t.Fatalf("expected math.MaxUint32 to still be accepted: %v", err)
	}
	_, err := EncryptFrame(secret, 0, uint64(math.MaxUint32)+1, []byte{0x01}, []byte("payload"))
	if err == nil {
		t.Fatalf("expected error encrypting a frame counter past math.MaxUint32")
	}
	if !strings.Contains(err.Error(), "frame counter too big") {
		t.Fatalf("expected \"frame counter too big\" error, got %v", err)
	}
}

func TestEncryptDataChannelMessageRejectsFrameCounterOverflow(t *testing.T) {
	var secret FrameSecret
	copy(secret[:], []byte("data-channel-secret-for-testing0"))

	_, err := EncryptDataChannelMessage(secret, uint64(math.MaxUint32)+1, []byte("payload"))
	if err == nil {
		t.Fatalf("expected error encrypting a frame counter past math.MaxUint32")
	}
	if !strings.Contains(err.Error(), "frame counter too big") {
		t.Fatalf("expected \"frame counter too big\" error, got %v", err)
	}
}

func TestDataChannelMessageRoundTrip(t *testing.T) {
	var secret FrameSecret
	copy(secret[:], []byte("data-channel-secret-for-testing0"))

	plaintext := []byte(`{"type":"hangup","deviceId":3}`)
	sealed, err := EncryptDataChannelMessage(secret, 7, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	got, frameCounter, err := DecryptDataChannelMessage(secret, sealed)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
	if frameCounter != 7 {
		t.Fatalf("unexpected frame counter: %d", frameCounter)
	}
}
