// Copyright 2025 Aura Protocol
//
// Policy & bridge (C8): the static policy_for(flow) table and the
// orchestrator that drains the transport inbox into ceremony responses.
// Grounded on pkg/attestation/service.go's RWMutex-guarded service shape,
// generalized from one mutex per service to one mutex per authority (the
// concurrency model's "any given ceremony, tree, or threshold-state
// mutation is executed serially under a per-authority critical section;
// across authorities, operations are independent").

package bridge

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aura-fabric/coord-core/pkg/ceremony"
	"github.com/aura-fabric/coord-core/pkg/dkg"
	"github.com/aura-fabric/coord-core/pkg/effects"
	"github.com/aura-fabric/coord-core/pkg/ids"
	"github.com/aura-fabric/coord-core/pkg/journal"
)

// Content-type values dispatched by the inbox.
const (
	ContentTypeDeviceThresholdKeyPackage   = "application/aura-device-threshold-key-package"
	ContentTypeDeviceEnrollmentKeyPackage  = "application/aura-device-enrollment-key-package"
	ContentTypeDeviceThresholdAck          = "application/aura-device-threshold-ack"
)

// PolicyFor returns the reference policy_for(flow) mapping. It delegates
// to ceremony.DefaultFlow so the
// table has exactly one implementation; pkg/bridge is where callers of
// this core are expected to reach for it.
func PolicyFor(kind ceremony.Kind, totalN int) ceremony.Flow {
	return ceremony.DefaultFlow(kind, totalN)
}

// Metrics are the orchestrator's exported counters/gauges.
type Metrics struct {
	committed *prometheus.CounterVec
	aborted   *prometheus.CounterVec
	inFlight  *prometheus.GaugeVec
}

// NewMetrics builds and registers the orchestrator's metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		committed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aura_ceremonies_committed_total",
			Help: "Ceremonies committed, labeled by kind.",
		}, []string{"kind"}),
		aborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aura_ceremonies_aborted_total",
			Help: "Ceremonies aborted, labeled by kind.",
		}, []string{"kind"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aura_ceremonies_in_flight",
			Help: "Non-terminal ceremonies per authority.",
		}, []string{"authority"}),
	}
	reg.MustRegister(m.committed, m.aborted, m.inFlight)
	return m
}

// Orchestrator drains the transport inbox and dispatches acceptances into
// the ceremony engine, under a per-authority critical section. It also
// owns the C5 consensus-DKG leg of a K3ConsensusDkg ceremony: the "C8
// plans -> C5 finalizes a transcript -> C3 applies" path runs entirely
// through FinalizeConsensusDkg below.
type Orchestrator struct {
	transport  effects.Transport
	ceremonies *ceremony.Engine
	metrics    *Metrics
	dkgBackend dkg.ConsensusBackend
	facts      journal.FactSink

	mu       sync.Mutex
	perAuth  map[ids.AuthorityId]*sync.Mutex
}

func NewOrchestrator(transport effects.Transport, ceremonies *ceremony.Engine, metrics *Metrics, dkgBackend dkg.ConsensusBackend, facts journal.FactSink) *Orchestrator {
	return &Orchestrator{
		transport:  transport,
		ceremonies: ceremonies,
		metrics:    metrics,
		dkgBackend: dkgBackend,
		facts:      facts,
		perAuth:    make(map[ids.AuthorityId]*sync.Mutex),
	}
}

func (o *Orchestrator) lockFor(authority ids.AuthorityId) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.perAuth[authority]
	if !ok {
		l = &sync.Mutex{}
		o.perAuth[authority] = l
	}
	return l
}

// ProcessCeremonyAcceptances drains every pending envelope from the
// transport inbox, dispatching recognized content types to the ceremony
// engine. Every public query on this core is
// expected to call it first, since there is no background drain loop.
func (o *Orchestrator) ProcessCeremonyAcceptances(ctx context.Context) (int, error) {
	processed := 0
	for {
		env, found, err := o.transport.ReceiveEnvelope(ctx)
		if err != nil {
			return processed, err
		}
		if !found {
			return processed, nil
		}
		if err := o.dispatch(ctx, env); err != nil {
			return processed, err
		}
		processed++
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, env effects.Envelope) error {
	switch env.Metadata["content-type"] {
	case ContentTypeDeviceThresholdKeyPackage, ContentTypeDeviceEnrollmentKeyPackage:
		return o.recordAcceptance(ctx, env)
	default:
		// Other content types (e.g. chat, presence) are dispatched to
		// services outside this core's scope.
		return nil
	}
}

func (o *Orchestrator) recordAcceptance(ctx context.Context, env effects.Envelope) error {
	ceremonyId, err := parseCeremonyId(env.Metadata["ceremony-id"])
	if err != nil {
		return err
	}
	participantDevice, err := ids.ParseDeviceId(env.Metadata["participant-device-id"])
	if err != nil {
		return err
	}

	lock := o.lockFor(env.Destination)
	lock.Lock()
	defer lock.Unlock()

	_, err = o.ceremonies.Get(ceremonyId)
	if err != nil {
		return err
	}
	_, err = o.ceremonies.RecordResponse(ctx, ceremonyId, effects.DeviceParticipant(participantDevice))
	if err != nil {
		return err
	}
	return nil
}

// Start wraps ceremony.Engine.Start with the per-authority critical
// section and in-flight gauge bookkeeping.
func (o *Orchestrator) Start(ctx context.Context, p ceremony.StartParams) (*ceremony.State, error) {
	lock := o.lockFor(p.Authority)
	lock.Lock()
	defer lock.Unlock()

	st, err := o.ceremonies.Start(ctx, p)
	if err != nil {
		return nil, err
	}
	o.metrics.inFlight.WithLabelValues(p.Authority.String()).Inc()
	return st, nil
}

// Commit wraps ceremony.Engine.Commit with the per-authority critical
// section and metrics bookkeeping.
func (o *Orchestrator) Commit(ctx context.Context, authority ids.AuthorityId, ceremonyId ids.CeremonyId, meta ceremony.CommitMeta) (*ceremony.State, error) {
	lock := o.lockFor(authority)
	lock.Lock()
	defer lock.Unlock()

	st, err := o.ceremonies.Commit(ctx, ceremonyId, meta)
	if err != nil {
		return nil, err
	}
	o.metrics.committed.WithLabelValues(string(st.Kind)).Inc()
	o.reportStatus(st)
	return st, nil
}

// FinalizeConsensusDkg runs the C5 consensus DKG for ceremonyId (a
// K3ConsensusDkg ceremony already past its acceptance threshold), records
// the resulting DkgTranscriptCommit/ConsensusCommit facts, and commits the
// ceremony against that transcript. This is the only path that can
// satisfy Commit's transcript-presence precondition for K3ConsensusDkg
// flows, since nothing else in this core writes a DkgTranscriptCommit
// fact.
func (o *Orchestrator) FinalizeConsensusDkg(ctx context.Context, ceremonyId ids.CeremonyId, prestate dkg.Prestate, dealerPackages []dkg.DealerPackage, nowMs uint64) (*ceremony.State, error) {
	st, err := o.ceremonies.Get(ceremonyId)
	if err != nil {
		return nil, err
	}

	// Authority/RelContext/PrestateHash/OperationHash/Participants/
	// DeadlineMs are written once at Start and never mutated afterward;
	// reading them here without st's own mutex matches how Commit itself
	// treats them as immutable after creation.
	prestateHash, err := prestate.Hash()
	if err != nil {
		return nil, err
	}
	if prestateHash != st.PrestateHash {
		return nil, effects.New(effects.KindPreconditionMismatch, "dkg prestate does not match ceremony prestate_hash")
	}

	relContext := st.RelContext
	if relContext == (ids.ContextId{}) {
		relContext = ceremony.DefaultContext(st.Authority)
	}

	snap := st.Snapshot()
	cfg := dkg.Config{
		Epoch:      snap.NewEpoch,
		Threshold:  snap.ThresholdK,
		MaxSigners: snap.TotalN,
		Cutoff:     st.DeadlineMs,
	}
	transcript, err := dkg.Run(ctx, o.dkgBackend, prestate, st.OperationHash, cfg, st.Participants, dealerPackages)
	if err != nil {
		return nil, err
	}
	if err := dkg.RecordCommit(ctx, o.facts, st.Authority, relContext, transcript, nowMs); err != nil {
		return nil, err
	}

	consensusId := transcript.AggregatedCommitment
	return o.Commit(ctx, st.Authority, ceremonyId, ceremony.CommitMeta{
		AgreementMode: ceremony.ConsensusFinalized,
		ConsensusId:   &consensusId,
		NowMs:         nowMs,
	})
}

// Abort wraps ceremony.Engine.Abort with the per-authority critical
// section and metrics bookkeeping.
func (o *Orchestrator) Abort(ctx context.Context, authority ids.AuthorityId, ceremonyId ids.CeremonyId, reason string) error {
	lock := o.lockFor(authority)
	lock.Lock()
	defer lock.Unlock()

	st, err := o.ceremonies.Get(ceremonyId)
	if err != nil {
		return err
	}
	alreadyTerminal := st.Snapshot().Status.Terminal()
	if err := o.ceremonies.Abort(ctx, ceremonyId, reason); err != nil {
		return err
	}
	if alreadyTerminal {
		return nil
	}
	o.metrics.aborted.WithLabelValues(string(st.Kind)).Inc()
	o.reportStatus(st)
	return nil
}

// reportStatus decrements the in-flight gauge the first time a terminal
// transition is observed through Commit/Abort. A ceremony superseded by a
// newer Start (rather than committed/aborted directly) is not observed
// here and so is not decremented; it is a known, minor drift in this
// gauge rather than an invariant the rest of the system depends on.
func (o *Orchestrator) reportStatus(st *ceremony.State) {
	snap := st.Snapshot()
	if snap.Status.Terminal() {
		o.metrics.inFlight.WithLabelValues(st.Authority.String()).Dec()
	}
}

func parseCeremonyId(s string) (ids.CeremonyId, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ids.CeremonyId{}, effects.Wrap(effects.KindValidationFailed, "parse ceremony-id", err)
	}
	h, err := ids.HashFromBytes(raw)
	if err != nil {
		return ids.CeremonyId{}, err
	}
	return ids.CeremonyId(h), nil
}
