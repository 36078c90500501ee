// Copyright 2025 Aura Protocol
//
// Fact journal domain types (C2): the tagged-union DomainFact variants and
// the content-addressed Fact envelope. Every DomainFact variant below is
// a plain Go struct implementing a two-method marker interface, matched
// at the bridge boundary rather than hidden behind trait objects.

package journal

import (
	"encoding/json"
	"fmt"

	"github.com/aura-fabric/coord-core/pkg/cryptoutil"
	"github.com/aura-fabric/coord-core/pkg/effects"
	"github.com/aura-fabric/coord-core/pkg/ids"
)

// DomainFact is implemented by every fact payload variant. Context returns
// the zero ContextId for facts with no relational scoping (e.g. a pure
// account-level fact).
type DomainFact interface {
	Kind() string
	Context() ids.ContextId
}

// --- protocol-level fact variants ---

type DkgTranscriptCommit struct {
	Authority      ids.AuthorityId `json:"authority"`
	Ctx            ids.ContextId   `json:"context"`
	Epoch          ids.Epoch       `json:"epoch"`
	TranscriptHash ids.Hash32      `json:"transcript_hash"`
	BlobRef        string          `json:"blob_ref,omitempty"`
}

func (f DkgTranscriptCommit) Kind() string         { return "dkg_transcript_commit" }
func (f DkgTranscriptCommit) Context() ids.ContextId { return f.Ctx }

type ConsensusCommit struct {
	Ctx            ids.ContextId `json:"context"`
	PrestateHash   ids.Hash32    `json:"prestate_hash"`
	OperationHash  ids.Hash32    `json:"operation_hash"`
	TranscriptHash ids.Hash32    `json:"transcript_hash"`
}

func (f ConsensusCommit) Kind() string         { return "consensus_commit" }
func (f ConsensusCommit) Context() ids.ContextId { return f.Ctx }

type AmpChannelBootstrap struct {
	Ctx         ids.ContextId     `json:"context"`
	Channel     ids.ChannelId     `json:"channel"`
	BootstrapId ids.Hash32        `json:"bootstrap_id"`
	Dealer      ids.AuthorityId   `json:"dealer"`
	Recipients  []ids.AuthorityId `json:"recipients"`
}

func (f AmpChannelBootstrap) Kind() string         { return "amp_channel_bootstrap" }
func (f AmpChannelBootstrap) Context() ids.ContextId { return f.Ctx }

type ProposedChannelEpochBump struct {
	Ctx         ids.ContextId `json:"context"`
	Channel     ids.ChannelId `json:"channel"`
	ParentEpoch ids.Epoch     `json:"parent_epoch"`
	NewEpoch    ids.Epoch     `json:"new_epoch"`
	BumpId      ids.Hash32    `json:"bump_id"`
	Reason      string        `json:"reason"`
}

func (f ProposedChannelEpochBump) Kind() string         { return "proposed_channel_epoch_bump" }
func (f ProposedChannelEpochBump) Context() ids.ContextId { return f.Ctx }

type CommittedChannelEpochBump struct {
	Ctx            ids.ContextId `json:"context"`
	Channel        ids.ChannelId `json:"channel"`
	ParentEpoch    ids.Epoch     `json:"parent_epoch"`
	NewEpoch       ids.Epoch     `json:"new_epoch"`
	BumpId         ids.Hash32    `json:"bump_id"`
	TranscriptHash ids.Hash32    `json:"transcript_hash,omitempty"`
}

func (f CommittedChannelEpochBump) Kind() string         { return "committed_channel_epoch_bump" }
func (f CommittedChannelEpochBump) Context() ids.ContextId { return f.Ctx }

type GuardianBinding struct {
	Authority ids.AuthorityId `json:"authority"`
	Ctx       ids.ContextId   `json:"context"`
	Guardian  ids.GuardianId  `json:"guardian"`
	Epoch     ids.Epoch       `json:"epoch"`
	Status    string          `json:"status"`
}

func (f GuardianBinding) Kind() string         { return "guardian_binding" }
func (f GuardianBinding) Context() ids.ContextId { return f.Ctx }

// --- non-protocol relational facts (ChatFact and ModerationFact are named
// only in passing; full chat/social semantics are a stated
// Non-goal, so these carry opaque bodies rather than a modeled schema). ---

type ChatFact struct {
	Ctx    ids.ContextId `json:"context"`
	Sender ids.DeviceId  `json:"sender"`
	Body   string        `json:"body"`
}

func (f ChatFact) Kind() string         { return "chat" }
func (f ChatFact) Context() ids.ContextId { return f.Ctx }

type ModerationFact struct {
	Ctx    ids.ContextId   `json:"context"`
	Target effects.ParticipantIdentity `json:"target"`
	Action string          `json:"action"`
}

func (f ModerationFact) Kind() string         { return "moderation" }
func (f ModerationFact) Context() ids.ContextId { return f.Ctx }

// decodeContent unmarshals payload into the value type named by kind,
// returning it as a plain (non-pointer) DomainFact so that type switches
// elsewhere in the module (ceremony, dkg, amp, bridge) can match on
// journal.DkgTranscriptCommit etc. regardless of whether the fact was
// constructed locally via NewFact or decoded off the wire.
func decodeContent(kind string, payload json.RawMessage) (DomainFact, error) {
	switch kind {
	case "dkg_transcript_commit":
		var v DkgTranscriptCommit
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "consensus_commit":
		var v ConsensusCommit
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "amp_channel_bootstrap":
		var v AmpChannelBootstrap
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "proposed_channel_epoch_bump":
		var v ProposedChannelEpochBump
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "committed_channel_epoch_bump":
		var v CommittedChannelEpochBump
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "guardian_binding":
		var v GuardianBinding
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "chat":
		var v ChatFact
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "moderation":
		var v ModerationFact
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown fact content kind %q", kind)
	}
}

// Fact is the immutable, content-addressed journal entry. Id is computed
// once at construction via NewFact and re-verified by Journal.InsertFact and
// CommitFactsWithOptions; Merge copies facts another Journal already holds
// without re-verifying them.
type Fact struct {
	ID           ids.Hash32    `json:"id"`
	TimestampMs  uint64        `json:"timestamp_ms"`
	Author       ids.AuthorityId `json:"author"`
	Dependencies []ids.Hash32  `json:"dependencies"`
	Content      DomainFact    `json:"-"`
}

// factWire is the JSON envelope used on the wire/on disk: content is a
// tag+payload pair so the variant can be reconstructed without runtime
// type registries leaking into the public API.
type factWire struct {
	ID              ids.Hash32      `json:"id"`
	TimestampMs     uint64          `json:"timestamp_ms"`
	Author          ids.AuthorityId `json:"author"`
	Dependencies    []ids.Hash32    `json:"dependencies"`
	ContentKind     string          `json:"content_kind"`
	ContentPayload  json.RawMessage `json:"content_payload"`
}

// NewFact builds a Fact and computes its content-addressed id:
// Hash(canonical_serialize(author, timestamp_ms,
// sorted(dependencies), content_tag, content_payload)).
func NewFact(author ids.AuthorityId, timestampMs uint64, dependencies []ids.Hash32, content DomainFact) (Fact, error) {
	deps := sortedHashes(dependencies)
	id, err := computeFactID(author, timestampMs, deps, content)
	if err != nil {
		return Fact{}, err
	}
	return Fact{ID: id, TimestampMs: timestampMs, Author: author, Dependencies: deps, Content: content}, nil
}

func computeFactID(author ids.AuthorityId, timestampMs uint64, sortedDeps []ids.Hash32, content DomainFact) (ids.Hash32, error) {
	payload, err := json.Marshal(content)
	if err != nil {
		return ids.Hash32{}, fmt.Errorf("marshal fact content: %w", err)
	}
	return cryptoutil.HashCanonical(struct {
		Author       ids.AuthorityId `json:"author"`
		TimestampMs  uint64          `json:"timestamp_ms"`
		Dependencies []ids.Hash32    `json:"dependencies"`
		ContentKind  string          `json:"content_kind"`
		ContentBody  json.RawMessage `json:"content_payload"`
	}{
		Author:       author,
		TimestampMs:  timestampMs,
		Dependencies: sortedDeps,
		ContentKind:  content.Kind(),
		ContentBody:  payload,
	})
}

// Verify recomputes the fact's id from its fields and reports whether it
// matches ID, catching tampered or malformed facts arriving via merge.
func (f Fact) Verify() bool {
	id, err := computeFactID(f.Author, f.TimestampMs, sortedHashes(f.Dependencies), f.Content)
	return err == nil && id == f.ID
}

func (f Fact) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(f.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal fact content: %w", err)
	}
	return json.Marshal(factWire{
		ID:             f.ID,
		TimestampMs:    f.TimestampMs,
		Author:         f.Author,
		Dependencies:   f.Dependencies,
		ContentKind:    f.Content.Kind(),
		ContentPayload: payload,
	})
}

func (f *Fact) UnmarshalJSON(b []byte) error {
	var w factWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	content, err := decodeContent(w.ContentKind, w.ContentPayload)
	if err != nil {
		return fmt.Errorf("unmarshal fact content %q: %w", w.ContentKind, err)
	}
	f.ID = w.ID
	f.TimestampMs = w.TimestampMs
	f.Author = w.Author
	f.Dependencies = w.Dependencies
	f.Content = content
	return nil
}

func sortedHashes(in []ids.Hash32) []ids.Hash32 {
	out := append([]ids.Hash32(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && lessHash(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func lessHash(a, b ids.Hash32) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
