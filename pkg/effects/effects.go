// Copyright 2025 Aura Protocol
//
// Effect surface (C1): narrow capability contracts for crypto, storage,
// time, randomness, and transport. Every other component is parameterized
// over these interfaces rather than a concrete implementation, so the
// ceremony/tree/journal logic can run against deterministic test doubles
// (pkg/memeffects) or production backends (pkg/kvstore, pkg/threshold).

package effects

import (
	"context"

	"github.com/aura-fabric/coord-core/pkg/ids"
)

// Kind enumerates the language-neutral error kinds an effect can fail with.
type Kind string

const (
	KindValidationFailed        Kind = "validation_failed"
	KindNotFound                Kind = "not_found"
	KindPreconditionMismatch    Kind = "precondition_mismatch"
	KindRotationInProgress      Kind = "rotation_in_progress"
	KindInsufficientAcceptances Kind = "insufficient_acceptances"
	KindTranscriptMissing       Kind = "transcript_missing"
	KindSuperseded              Kind = "superseded"
	KindServiceUnavailable      Kind = "service_unavailable"
	KindStorageFailure          Kind = "storage_failure"
	KindTransportFailure        Kind = "transport_failure"
	KindInternal                Kind = "internal"
)

// Error is the core's error type: a kind plus context, optionally wrapping
// a lower-level cause. Kind lets callers branch on the propagation policy
// on (e.g. retry StorageFailure, surface ValidationFailed).
type Error struct {
	Kind    Kind
	Detail  string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return string(e.Kind) + ": " + e.Detail + ": " + e.Wrapped.Error()
	}
	return string(e.Kind) + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is allows errors.Is(err, &Error{Kind: KindNotFound}) style matching on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an Error without a wrapped cause.
func New(kind Kind, detail string) *Error { return &Error{Kind: kind, Detail: detail} }

// Wrap constructs an Error wrapping cause.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Wrapped: cause}
}

// PhysicalTime supplies wall-clock milliseconds. Never fails.
type PhysicalTime interface {
	NowMs() uint64
}

// Random supplies cryptographically-random bytes. Never fails (assumed CSPRNG).
type Random interface {
	Bytes(n int) []byte
	Bytes32() [32]byte
	Uint64() uint64
}

// Hasher supplies content hashing, including a streaming form for large inputs.
type Hasher interface {
	Hash(data []byte) ids.Hash32
	NewStream() StreamHasher
}

// StreamHasher accumulates bytes before producing a final digest.
type StreamHasher interface {
	Write(p []byte)
	Sum() ids.Hash32
}

// Storage is the narrow key-value contract the core depends on for durable
// state (tree, ceremonies, threshold config); the real backend is an
// external collaborator reached only through this interface.
type Storage interface {
	Store(ctx context.Context, key string, value []byte) error
	Retrieve(ctx context.Context, key string) ([]byte, bool, error)
	Remove(ctx context.Context, key string) (bool, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	StoreBatch(ctx context.Context, items map[string][]byte) error
}

// SecureStorageCapability is a permission bit for a SecureStorage location.
type SecureStorageCapability string

const (
	CapRead  SecureStorageCapability = "read"
	CapWrite SecureStorageCapability = "write"
)

// SecureStorageLocation names a secret-material slot, e.g. a threshold key
// package or an AMP bootstrap key.
type SecureStorageLocation struct {
	Namespace string
	SubKeys   []string
}

// Key renders the location as the dotted, slash-free namespace used on
// the wire (e.g. "threshold_config:{authority}:{epoch}").
func (l SecureStorageLocation) Key() string {
	out := l.Namespace
	for _, sk := range l.SubKeys {
		out += ":" + sk
	}
	return out
}

// NewLocation builds a SecureStorageLocation from a namespace and ordered sub-keys.
func NewLocation(namespace string, subKeys ...string) SecureStorageLocation {
	return SecureStorageLocation{Namespace: namespace, SubKeys: subKeys}
}

// SecureStorage gates access to secret material by capability, distinct
// from Storage because secret reads/writes need explicit {Read,Write}
// authorization.
type SecureStorage interface {
	SecureStore(ctx context.Context, loc SecureStorageLocation, value []byte, caps []SecureStorageCapability) error
	SecureRetrieve(ctx context.Context, loc SecureStorageLocation, caps []SecureStorageCapability) ([]byte, error)
	SecureRemove(ctx context.Context, loc SecureStorageLocation, caps []SecureStorageCapability) error
}

// Envelope is the wire-visible transport unit.
type Envelope struct {
	Source      ids.AuthorityId
	Destination ids.AuthorityId
	Context     ids.ContextId
	Payload     []byte
	Metadata    map[string]string
	Receipt     []byte
}

// Transport is the narrow send/receive primitive; the real network stack
// is out of scope and reached only through this interface.
type Transport interface {
	SendEnvelope(ctx context.Context, env Envelope) error
	ReceiveEnvelope(ctx context.Context) (Envelope, bool, error)
	IsChannelEstablished(ctx context.Context, context ids.ContextId, peer ids.AuthorityId) bool
}

// ParticipantIdentity is either a Device or a Guardian: the unit of
// acceptance in a ceremony.
type ParticipantKind string

const (
	ParticipantDevice   ParticipantKind = "device"
	ParticipantGuardian ParticipantKind = "guardian"
)

type ParticipantIdentity struct {
	Kind       ParticipantKind
	DeviceId   ids.DeviceId
	GuardianId ids.GuardianId
}

func DeviceParticipant(id ids.DeviceId) ParticipantIdentity {
	return ParticipantIdentity{Kind: ParticipantDevice, DeviceId: id}
}

func GuardianParticipant(id ids.GuardianId) ParticipantIdentity {
	return ParticipantIdentity{Kind: ParticipantGuardian, GuardianId: id}
}

// Key renders a ParticipantIdentity as a map key / sort key.
func (p ParticipantIdentity) Key() string {
	switch p.Kind {
	case ParticipantDevice:
		return "device:" + p.DeviceId.String()
	case ParticipantGuardian:
		return "guardian:" + p.GuardianId.String()
	default:
		return "unknown"
	}
}

// ThresholdSigning is the capability the ceremony engine and commitment
// tree use to manage and exercise an authority's threshold key. Concrete
// key generation, FROST/BLS signing, and aggregate verification live
// behind this interface (pkg/threshold provides the implementation).
type ThresholdSigning interface {
	BootstrapAuthority(ctx context.Context, authority ids.AuthorityId) ([]byte, error)
	RotateKeys(ctx context.Context, authority ids.AuthorityId, k, n uint16, participants []ParticipantIdentity) (ids.Epoch, [][]byte, []byte, error)
	CommitKeyRotation(ctx context.Context, authority ids.AuthorityId, pendingEpoch ids.Epoch) error
	RollbackKeyRotation(ctx context.Context, authority ids.AuthorityId, failedEpoch ids.Epoch) error
	PendingEpoch(ctx context.Context, authority ids.AuthorityId) (epoch ids.Epoch, found bool, err error)
	Sign(ctx context.Context, sc SigningContext) ([]byte, uint16, error)
	VerifyAggregate(ctx context.Context, authority ids.AuthorityId, epoch ids.Epoch, message []byte, aggSig []byte, signerCount uint16) (bool, error)
}

// SigningContext names what is being signed and by which authority/epoch.
type SigningContext struct {
	Authority ids.AuthorityId
	Epoch     ids.Epoch
	Message   []byte
	DeadlineMs uint64
}

// TreeLeafRole mirrors tree.LeafRole without importing the tree package,
// keeping the effect surface dependency-free of the components it serves.
type TreeLeafRole string

const (
	TreeLeafDevice   TreeLeafRole = "device"
	TreeLeafGuardian TreeLeafRole = "guardian"
	TreeLeafPolicy   TreeLeafRole = "policy"
)
