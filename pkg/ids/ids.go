// Copyright 2025 Aura Protocol
//
// Identifiers shared across the coordination core: opaque 128-bit
// authority/device/guardian/context/channel ids (backed by uuid.UUID) and
// the 32-byte content hash used everywhere a commitment is needed.

package ids

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// AuthorityId identifies the long-lived group identity owning a threshold key.
type AuthorityId uuid.UUID

// DeviceId identifies a cryptographic device belonging to exactly one authority.
type DeviceId uuid.UUID

// GuardianId identifies an external authority acting as a recovery witness.
type GuardianId uuid.UUID

// ContextId scopes a relational sub-journal (e.g. a conversation).
type ContextId uuid.UUID

// ChannelId identifies an AMP channel within a context.
type ChannelId uuid.UUID

// NewAuthorityId generates a fresh random authority id.
func NewAuthorityId() AuthorityId { return AuthorityId(uuid.New()) }

// NewDeviceId generates a fresh random device id.
func NewDeviceId() DeviceId { return DeviceId(uuid.New()) }

// NewGuardianId generates a fresh random guardian id.
func NewGuardianId() GuardianId { return GuardianId(uuid.New()) }

// NewContextId generates a fresh random context id.
func NewContextId() ContextId { return ContextId(uuid.New()) }

// NewChannelId generates a fresh random channel id.
func NewChannelId() ChannelId { return ChannelId(uuid.New()) }

func (a AuthorityId) String() string { return uuid.UUID(a).String() }
func (d DeviceId) String() string    { return uuid.UUID(d).String() }
func (g GuardianId) String() string  { return uuid.UUID(g).String() }
func (c ContextId) String() string   { return uuid.UUID(c).String() }
func (c ChannelId) String() string   { return uuid.UUID(c).String() }

func (a AuthorityId) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }
func (d DeviceId) MarshalJSON() ([]byte, error)    { return json.Marshal(d.String()) }
func (g GuardianId) MarshalJSON() ([]byte, error)  { return json.Marshal(g.String()) }
func (c ContextId) MarshalJSON() ([]byte, error)   { return json.Marshal(c.String()) }
func (c ChannelId) MarshalJSON() ([]byte, error)    { return json.Marshal(c.String()) }

func (a *AuthorityId) UnmarshalJSON(b []byte) error { return unmarshalUUID(b, (*uuid.UUID)(a)) }
func (d *DeviceId) UnmarshalJSON(b []byte) error    { return unmarshalUUID(b, (*uuid.UUID)(d)) }
func (g *GuardianId) UnmarshalJSON(b []byte) error  { return unmarshalUUID(b, (*uuid.UUID)(g)) }
func (c *ContextId) UnmarshalJSON(b []byte) error   { return unmarshalUUID(b, (*uuid.UUID)(c)) }
func (c *ChannelId) UnmarshalJSON(b []byte) error   { return unmarshalUUID(b, (*uuid.UUID)(c)) }

func unmarshalUUID(b []byte, out *uuid.UUID) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("parse uuid %q: %w", s, err)
	}
	*out = parsed
	return nil
}

// ParseAuthorityId parses a string-form authority id.
func ParseAuthorityId(s string) (AuthorityId, error) {
	u, err := uuid.Parse(s)
	return AuthorityId(u), err
}

// ParseDeviceId parses a string-form device id.
func ParseDeviceId(s string) (DeviceId, error) {
	u, err := uuid.Parse(s)
	return DeviceId(u), err
}

// Hash32 is a 32-byte content hash used wherever commitments are needed.
type Hash32 [32]byte

// String returns the lowercase hex encoding with no prefix, per the wire
// format used for CeremonyId string form.
func (h Hash32) String() string { return hex.EncodeToString(h[:]) }

// Hex is an alias for String kept for readability at call sites that treat
// the hash as a display value rather than an identifier.
func (h Hash32) Hex() string { return h.String() }

// IsZero reports whether h is the all-zero hash.
func (h Hash32) IsZero() bool { return h == Hash32{} }

func (h Hash32) MarshalJSON() ([]byte, error) { return json.Marshal(h.String()) }

func (h *Hash32) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decode hash32 hex: %w", err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("hash32 must be 32 bytes, got %d", len(decoded))
	}
	copy(h[:], decoded)
	return nil
}

// HashFromBytes builds a Hash32 from a slice, erroring if the length is wrong.
func HashFromBytes(b []byte) (Hash32, error) {
	var h Hash32
	if len(b) != 32 {
		return h, fmt.Errorf("hash32 must be 32 bytes, got %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// RandomHash32 returns a cryptographically random 32-byte value. It is used
// by callers that need a random nonce shaped like a Hash32 (e.g. bump ids).
func RandomHash32() (Hash32, error) {
	var h Hash32
	_, err := rand.Read(h[:])
	return h, err
}

// CeremonyId uniquely identifies a multi-party ceremony. It is
// Hash(prestate_hash || operation_hash || nonce); its string form is
// lowercase hex with no prefix.
type CeremonyId Hash32

func (c CeremonyId) String() string { return Hash32(c).String() }

func (c CeremonyId) MarshalJSON() ([]byte, error) { return json.Marshal(c.String()) }

func (c *CeremonyId) UnmarshalJSON(b []byte) error { return (*Hash32)(c).UnmarshalJSON(b) }

// Epoch is a monotonically increasing counter per authority or per channel.
type Epoch uint64
