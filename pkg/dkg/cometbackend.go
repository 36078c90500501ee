// Copyright 2025 Aura Protocol
//
// CometBackend sketch: a production multi-process deployment needs a
// ConsensusBackend backed by a real CometBFT application, following
// pkg/consensus/abci_validator.go's ValidatorApp shape:
//
//   - CheckTx validates the proposed (prestate_hash, operation_hash,
//     transcript_hash) triple is well-formed and not already finalized
//     in local mempool state, mirroring ValidatorApp.CheckTx's
//     processValidatorTransaction validation before admission.
//   - FinalizeBlock executes the ordered batch of proposals for the
//     block exactly like ValidatorApp.FinalizeBlock walks
//     validatorBlocks: the first proposal observed for a given
//     (prestate_hash, operation_hash) key becomes that key's permanent
//     winner; every later proposal for the same key is rejected, which
//     is the CometBFT-consensus equivalent of LocalBackend's
//     single-process dedup map.
//   - Commit persists the winner set (ledgerStore.LoadABCIState's
//     restore-on-restart pattern) so ProposeAndCommit remains correct
//     across app restarts.
//
// This file intentionally contains no implementation: wiring a live
// CometBFT node (genesis, validator set, RPC client) is deployment
// configuration outside pkg/dkg's scope, and no cometbft node-wiring
// example exists in this module's reference corpus beyond
// abci_validator.go itself. A concrete CometBackend would implement the
// same ConsensusBackend interface as LocalBackend and could replace it
// without any change to Run's call site.
package dkg
