// Copyright 2025 Aura Protocol
//
// Manager implements effects.ThresholdSigning: dealer-based BLS12-381 key
// generation and rotation with a single pending epoch, gated commit/
// rollback, and k-of-n aggregate signing/verification. Grounded on the
// validator's pkg/crypto/bls/key_manager.go (which manages one active and
// one pending BLS keypair behind a mutex) generalized to a fixed quorum of
// k out of n participant shares.
package threshold

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/aura-fabric/coord-core/pkg/effects"
	"github.com/aura-fabric/coord-core/pkg/ids"
)

const (
	configNamespace = "threshold_config"
	pubkeyNamespace = "threshold_pubkey"
	liveEpochKey    = "threshold_live_epoch"
	pendingEpochKey = "threshold_pending_epoch"
)

// configRecord is the canonical-JSON payload stored under
// threshold_config:{authority}:{epoch}. Every participant's private share
// is held by the dealer in this single-process deployment; a
// multi-process deployment would distribute Shares[i] to participant i
// and retain only PublicKeys + QuorumPublicKey centrally.
type configRecord struct {
	K                 uint16            `json:"k"`
	N                 uint16            `json:"n"`
	Participants      []string          `json:"participants"`
	Shares            map[string][]byte `json:"shares"`
	PublicKeys        map[string][]byte `json:"public_keys"`
	QuorumMembers     []string          `json:"quorum_members"`
	QuorumPublicKey   []byte            `json:"quorum_public_key"`
	GroupPublicKey    []byte            `json:"group_public_key"`
}

// Manager implements effects.ThresholdSigning over a SecureStorage (key
// material) and a plain Storage (live/pending epoch pointers).
type Manager struct {
	secure effects.SecureStorage
	plain  effects.Storage
}

func NewManager(secure effects.SecureStorage, plain effects.Storage) *Manager {
	return &Manager{secure: secure, plain: plain}
}

func configLocation(authority ids.AuthorityId, epoch ids.Epoch) effects.SecureStorageLocation {
	return effects.NewLocation(configNamespace, authority.String(), strconv.FormatUint(uint64(epoch), 10))
}

func pubkeyLocation(authority ids.AuthorityId, epoch ids.Epoch) effects.SecureStorageLocation {
	return effects.NewLocation(pubkeyNamespace, authority.String(), strconv.FormatUint(uint64(epoch), 10))
}

func liveKey(authority ids.AuthorityId) string    { return liveEpochKey + ":" + authority.String() }
func pendingKey(authority ids.AuthorityId) string { return pendingEpochKey + ":" + authority.String() }

func (m *Manager) liveEpoch(ctx context.Context, authority ids.AuthorityId) (ids.Epoch, bool, error) {
	raw, found, err := m.plain.Retrieve(ctx, liveKey(authority))
	if err != nil || !found {
		return 0, found, err
	}
	n, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, false, effects.Wrap(effects.KindInternal, "parse live epoch", err)
	}
	return ids.Epoch(n), true, nil
}

func (m *Manager) pendingEpoch(ctx context.Context, authority ids.AuthorityId) (ids.Epoch, bool, error) {
	raw, found, err := m.plain.Retrieve(ctx, pendingKey(authority))
	if err != nil || !found {
		return 0, found, err
	}
	n, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, false, effects.Wrap(effects.KindInternal, "parse pending epoch", err)
	}
	return ids.Epoch(n), true, nil
}

// PendingEpoch reports the authority's current pending epoch, if any. The
// ceremony engine uses this to check its "threshold signer currently has
// new_epoch as a pending epoch" commit precondition.
func (m *Manager) PendingEpoch(ctx context.Context, authority ids.AuthorityId) (ids.Epoch, bool, error) {
	return m.pendingEpoch(ctx, authority)
}

// BootstrapAuthority mints the 1-of-1 genesis key for a brand-new
// authority. Single-use: a second call on an already-bootstrapped
// authority fails with PreconditionMismatch rather than silently
// re-keying it.
func (m *Manager) BootstrapAuthority(ctx context.Context, authority ids.AuthorityId) ([]byte, error) {
	if _, found, err := m.liveEpoch(ctx, authority); err != nil {
		return nil, err
	} else if found {
		return nil, effects.New(effects.KindPreconditionMismatch, "authority already bootstrapped")
	}

	self := effects.DeviceParticipant(ids.NewDeviceId())
	record, groupPk, err := buildConfig(1, 1, []effects.ParticipantIdentity{self})
	if err != nil {
		return nil, err
	}

	if err := m.storeConfig(ctx, authority, 1, record); err != nil {
		return nil, err
	}
	if err := m.plain.Store(ctx, liveKey(authority), []byte("1")); err != nil {
		return nil, effects.Wrap(effects.KindStorageFailure, "store live epoch", err)
	}
	return groupPk, nil
}

// RotateKeys generates a fresh k-of-n key set for the next epoch and
// parks it as pending. At most one pending epoch may exist at a time.
func (m *Manager) RotateKeys(ctx context.Context, authority ids.AuthorityId, k, n uint16, participants []effects.ParticipantIdentity) (ids.Epoch, [][]byte, []byte, error) {
	if _, found, err := m.pendingEpoch(ctx, authority); err != nil {
		return 0, nil, nil, err
	} else if found {
		return 0, nil, nil, effects.New(effects.KindRotationInProgress, "authority has an uncommitted pending epoch")
	}
	if err := validateThreshold(k, n, len(participants)); err != nil {
		return 0, nil, nil, err
	}

	live, found, err := m.liveEpoch(ctx, authority)
	if err != nil {
		return 0, nil, nil, err
	}
	if !found {
		return 0, nil, nil, effects.New(effects.KindPreconditionMismatch, "authority not bootstrapped")
	}
	next := live + 1

	record, groupPk, err := buildConfig(k, n, participants)
	if err != nil {
		return 0, nil, nil, err
	}
	if err := m.storeConfig(ctx, authority, next, record); err != nil {
		return 0, nil, nil, err
	}
	if err := m.plain.Store(ctx, pendingKey(authority), []byte(strconv.FormatUint(uint64(next), 10))); err != nil {
		return 0, nil, nil, effects.Wrap(effects.KindStorageFailure, "store pending epoch", err)
	}

	shares := make([][]byte, len(participants))
	for i, p := range participants {
		shares[i] = record.Shares[p.Key()]
	}
	return next, shares, groupPk, nil
}

// CommitKeyRotation promotes the pending epoch to live. Callers (the
// ceremony engine) are responsible for having already verified any
// required DKG transcript/consensus fact before invoking this — the
// manager itself only enforces "a matching pending epoch exists".
func (m *Manager) CommitKeyRotation(ctx context.Context, authority ids.AuthorityId, pendingEpoch ids.Epoch) error {
	current, found, err := m.pendingEpoch(ctx, authority)
	if err != nil {
		return err
	}
	if !found || current != pendingEpoch {
		return effects.New(effects.KindPreconditionMismatch, "no matching pending epoch")
	}
	if err := m.plain.Store(ctx, liveKey(authority), []byte(strconv.FormatUint(uint64(pendingEpoch), 10))); err != nil {
		return effects.Wrap(effects.KindStorageFailure, "promote live epoch", err)
	}
	if _, err := m.plain.Remove(ctx, pendingKey(authority)); err != nil {
		return effects.Wrap(effects.KindStorageFailure, "clear pending epoch", err)
	}
	return nil
}

// RollbackKeyRotation discards a failed pending epoch and its key material.
func (m *Manager) RollbackKeyRotation(ctx context.Context, authority ids.AuthorityId, failedEpoch ids.Epoch) error {
	current, found, err := m.pendingEpoch(ctx, authority)
	if err != nil {
		return err
	}
	if !found || current != failedEpoch {
		return effects.New(effects.KindPreconditionMismatch, "no matching pending epoch")
	}
	_ = m.secure.SecureRemove(ctx, configLocation(authority, failedEpoch), []effects.SecureStorageCapability{effects.CapRead, effects.CapWrite})
	_ = m.secure.SecureRemove(ctx, pubkeyLocation(authority, failedEpoch), []effects.SecureStorageCapability{effects.CapRead})
	if _, err := m.plain.Remove(ctx, pendingKey(authority)); err != nil {
		return effects.Wrap(effects.KindStorageFailure, "clear pending epoch", err)
	}
	return nil
}

// Sign aggregates signatures from the epoch's designated quorum (the
// first k participants in sorted key order, fixed at RotateKeys time)
// over sc.Message, returning the aggregate signature and the signer
// count it represents. sc.Epoch may name either the live epoch or the
// authority's currently pending epoch: RotateKeys already persists the
// pending epoch's key material, so a ceremony commit can sign a tree op
// under the soon-to-be-live epoch before CommitKeyRotation promotes it,
// letting the epoch promotion itself be the last write of the commit.
func (m *Manager) Sign(ctx context.Context, sc effects.SigningContext) ([]byte, uint16, error) {
	live, liveFound, err := m.liveEpoch(ctx, sc.Authority)
	if err != nil {
		return nil, 0, err
	}
	pending, pendingFound, err := m.pendingEpoch(ctx, sc.Authority)
	if err != nil {
		return nil, 0, err
	}
	if (!liveFound || live != sc.Epoch) && (!pendingFound || pending != sc.Epoch) {
		return nil, 0, effects.New(effects.KindPreconditionMismatch, "epoch mismatch: not the live or pending epoch")
	}
	record, err := m.loadConfig(ctx, sc.Authority, sc.Epoch)
	if err != nil {
		return nil, 0, err
	}
	if len(record.QuorumMembers) < int(record.K) {
		return nil, 0, effects.New(effects.KindServiceUnavailable, "insufficient_shares")
	}

	sigs := make([]*Signature, 0, len(record.QuorumMembers))
	for _, member := range record.QuorumMembers {
		skBytes, ok := record.Shares[member]
		if !ok {
			return nil, 0, effects.New(effects.KindServiceUnavailable, "insufficient_shares")
		}
		sk, err := PrivateKeyFromBytes(skBytes)
		if err != nil {
			return nil, 0, effects.Wrap(effects.KindInternal, "decode private share", err)
		}
		sigs = append(sigs, sk.Sign(sc.Message))
	}
	agg, err := AggregateSignatures(sigs)
	if err != nil {
		return nil, 0, effects.Wrap(effects.KindInternal, "aggregate signatures", err)
	}
	return agg.Bytes(), uint16(len(record.QuorumMembers)), nil
}

// VerifyAggregate checks an aggregate signature against the epoch's
// quorum public key. signerCount must meet the epoch's threshold k.
func (m *Manager) VerifyAggregate(ctx context.Context, authority ids.AuthorityId, epoch ids.Epoch, message []byte, aggSig []byte, signerCount uint16) (bool, error) {
	record, err := m.loadConfig(ctx, authority, epoch)
	if err != nil {
		return false, err
	}
	if signerCount < record.K {
		return false, nil
	}
	sig, err := SignatureFromBytes(aggSig)
	if err != nil {
		return false, effects.Wrap(effects.KindValidationFailed, "decode aggregate signature", err)
	}
	quorumPk, err := PublicKeyFromBytes(record.QuorumPublicKey)
	if err != nil {
		return false, effects.Wrap(effects.KindInternal, "decode quorum public key", err)
	}
	return quorumPk.Verify(sig, message), nil
}

func (m *Manager) storeConfig(ctx context.Context, authority ids.AuthorityId, epoch ids.Epoch, record configRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return effects.Wrap(effects.KindInternal, "marshal threshold config", err)
	}
	if err := m.secure.SecureStore(ctx, configLocation(authority, epoch), payload, []effects.SecureStorageCapability{effects.CapRead, effects.CapWrite}); err != nil {
		return err
	}
	return m.secure.SecureStore(ctx, pubkeyLocation(authority, epoch), record.GroupPublicKey, []effects.SecureStorageCapability{effects.CapRead})
}

func (m *Manager) loadConfig(ctx context.Context, authority ids.AuthorityId, epoch ids.Epoch) (configRecord, error) {
	raw, err := m.secure.SecureRetrieve(ctx, configLocation(authority, epoch), []effects.SecureStorageCapability{effects.CapRead})
	if err != nil {
		return configRecord{}, err
	}
	var record configRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return configRecord{}, effects.Wrap(effects.KindInternal, "unmarshal threshold config", err)
	}
	return record, nil
}

func validateThreshold(k, n uint16, participantCount int) error {
	if participantCount != int(n) {
		return effects.New(effects.KindValidationFailed, fmt.Sprintf("expected %d participants, got %d", n, participantCount))
	}
	if n == 1 && k == 1 {
		return nil
	}
	if k < 2 || k > n {
		return effects.New(effects.KindValidationFailed, fmt.Sprintf("invalid threshold k=%d n=%d: require 2<=k<=n", k, n))
	}
	return nil
}

func buildConfig(k, n uint16, participants []effects.ParticipantIdentity) (configRecord, []byte, error) {
	record := configRecord{
		K:            k,
		N:            n,
		Participants: make([]string, 0, len(participants)),
		Shares:       make(map[string][]byte, len(participants)),
		PublicKeys:   make(map[string][]byte, len(participants)),
	}
	pubKeys := make([]*PublicKey, 0, len(participants))
	for _, p := range participants {
		sk, pk, err := GenerateKeyPair()
		if err != nil {
			return configRecord{}, nil, effects.Wrap(effects.KindInternal, "generate threshold keypair", err)
		}
		key := p.Key()
		record.Participants = append(record.Participants, key)
		record.Shares[key] = sk.Bytes()
		record.PublicKeys[key] = pk.Bytes()
		pubKeys = append(pubKeys, pk)
	}
	sort.Strings(record.Participants)

	groupPk, err := AggregatePublicKeys(pubKeys)
	if err != nil {
		return configRecord{}, nil, effects.Wrap(effects.KindInternal, "aggregate group public key", err)
	}
	record.GroupPublicKey = groupPk.Bytes()

	quorumSize := int(k)
	record.QuorumMembers = append([]string(nil), record.Participants[:quorumSize]...)
	quorumPubKeys := make([]*PublicKey, 0, quorumSize)
	for _, member := range record.QuorumMembers {
		pk, err := PublicKeyFromBytes(record.PublicKeys[member])
		if err != nil {
			return configRecord{}, nil, effects.Wrap(effects.KindInternal, "decode participant public key", err)
		}
		quorumPubKeys = append(quorumPubKeys, pk)
	}
	quorumPk, err := AggregatePublicKeys(quorumPubKeys)
	if err != nil {
		return configRecord{}, nil, effects.Wrap(effects.KindInternal, "aggregate quorum public key", err)
	}
	record.QuorumPublicKey = quorumPk.Bytes()

	return record, record.GroupPublicKey, nil
}
