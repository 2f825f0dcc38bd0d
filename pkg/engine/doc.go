// Package engine provides the core types and the execution model for the straddle orchestrator.
//
// # Overview
//
// straddle brings infrastructure spread across a public cloud and an on-premises
// hypervisor into conformance with a declared desired state. The engine works in
// four steps:
//
//  1. Model - ResourceNodes with literal and reference-valued inputs
//  2. Graph - GraphBuilder derives dependency edges from references and rejects cycles
//  3. Execute - Executor applies nodes in dependency order with a bounded worker pool
//  4. Outputs - AggregateOutputs renders the values a user asked to see
//
// # Core Domain Types
//
//   - NodeID: (module, type, name) identity of a resource
//   - Value / Reference: input values, possibly pointing at another node's output
//   - ResourceNode: a declared resource and its lifecycle state
//   - BootstrapSpec: ordered remote steps run once a host becomes reachable
//   - OutputBinding: a named, templated value exported after execution
//   - Graph: the validated, immutable dependency DAG
//
// # Collaborators
//
// The engine never talks to a remote system directly. It goes through:
//
//   - Adapter: idempotent Apply / Read / Destroy for one environment target
//   - BootstrapRunner: remote file transfer and command execution
//   - StateStore: persisted identifiers and attributes keyed by node identity
//   - EventPublisher and Recorder: execution events and measurements
//
// # Failure Model
//
// Errors are classified as transient, throttled, permanent or cancelled (see
// EngineError). Transient and throttled failures are retried with exponential
// backoff up to a bounded count. A permanent failure marks the node failed and
// every transitive dependent blocked, while independent branches continue.
package engine
