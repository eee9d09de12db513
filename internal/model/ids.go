// Package model holds the plain value types shared by every CALLCORE
// component: call/device/user/group identifiers and the state enums from
// the call and group-call lifecycles.
package model

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// CallId is a random 64-bit identifier, unique per 1:1 call, generated by
// the initiator.
type CallId uint64

// NewCallId generates a random nonzero CallId.
func NewCallId() CallId {
	for {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			panic(fmt.Sprintf("model: CallId: crypto/rand: %v", err))
		}
		id := CallId(binary.BigEndian.Uint64(b[:]))
		if id != 0 {
			return id
		}
	}
}

func (c CallId) String() string { return fmt.Sprintf("%016x", uint64(c)) }

// DeviceId identifies a specific device of a user. Small integer, not a
// UUID: callers compare devices numerically (e.g. glare's active-device
// pinning).
type DeviceId uint32

// UserId addresses a user; opaque byte string in the wire protocol, carried
// here as a parsed UUID for value-type comparability.
type UserId uuid.UUID

func NewUserId() UserId { return UserId(uuid.New()) }

func ParseUserId(s string) (UserId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return UserId{}, fmt.Errorf("model: parse user id: %w", err)
	}
	return UserId(u), nil
}

func (u UserId) String() string { return uuid.UUID(u).String() }
func (u UserId) Bytes() []byte  { b := uuid.UUID(u); return b[:] }

// GroupId addresses a group call; same shape as UserId.
type GroupId uuid.UUID

func NewGroupId() GroupId { return GroupId(uuid.New()) }

func ParseGroupId(s string) (GroupId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return GroupId{}, fmt.Errorf("model: parse group id: %w", err)
	}
	return GroupId(u), nil
}

func (g GroupId) String() string { return uuid.UUID(g).String() }
func (g GroupId) Bytes() []byte  { b := uuid.UUID(g); return b[:] }

// DemuxId is the SFU-assigned per-device routing tag within a group call.
// Must be nonzero; low bits are reserved so that small additive offsets
// (audio/video/data SSRC splits) stay distinct.
type DemuxId uint32

const DemuxIdReservedBits = 4

// IsValid reports whether d is a legal DemuxId (nonzero, low reserved bits
// clear so callers can safely add small offsets for per-media SSRCs).
func (d DemuxId) IsValid() bool {
	return d != 0 && d&((1<<DemuxIdReservedBits)-1) == 0
}

// RingId identifies one ring (invitation) intent/response exchange. Zero is
// reserved to mean "no ring".
type RingId int64

func NewRingId() RingId {
	for {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			panic(fmt.Sprintf("model: RingId: crypto/rand: %v", err))
		}
		id := RingId(int64(binary.BigEndian.Uint64(b[:])))
		if id != 0 {
			return id
		}
	}
}

func (r RingId) Valid() bool { return r != 0 }
