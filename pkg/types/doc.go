/*
Package types defines the core data structures used throughout the
replication control plane.

This package contains all fundamental types that represent the system's
domain model: data identifiers, storage elements, replicas, locks,
replication rules, transfer requests, and subscriptions. These types are
used by every other package for state management and daemon logic.

# Architecture

The types package is the foundation of the data model. It defines:

  - Data identifiers (files, datasets, containers) and their containment edges
  - Storage elements (RSEs) and their attributes and access protocols
  - Physical replica state per (RSE, DID)
  - Locks binding a replica to the rule that requires it
  - Replication rules and their aggregate lock-count state
  - Transfer/stage requests driving the conveyor's state machine
  - Subscriptions that auto-submit rules for newly registered DIDs

All types are designed to be:
  - Serializable (JSON, for catalog persistence)
  - Self-documenting (clear field names and comments)
  - Validated by their owning packages (rseexpr, namingconvention, ruleengine)

# Core Types

The main types in this package are:

Data Identifiers:
  - DID: a file, dataset, or container, keyed by (scope, name)
  - DIDKind: File, Dataset, or Container
  - ContainmentEdge: parent/child relationship between DIDs

Storage Elements:
  - RSE: a Rucio Storage Element, a logical storage endpoint
  - RSEAttribute: key/value pair consumed by RSE-expression evaluation
  - Protocol: a per-RSE access method (scheme, hostname, port, prefix)

Replicas and Locks:
  - Replica: the physical replica record for one (RSE, DID)
  - ReplicaState: Available, Copying, Unavailable, ...
  - Lock: asserts a file replica is required by a specific rule
  - LockState: Replicating, OK, Stuck
  - DatasetLock: the dataset-level companion to Lock

Rules:
  - Rule: a declarative replication goal (copies, RSE expression, grouping)
  - RuleGrouping: None, All, or Dataset
  - RuleState: derived from the rule's lock counters (Ok, Replicating, Stuck)

Requests:
  - Request: a transfer or stage operation for a single (scope, name)
  - RequestType: Transfer, Stagein, or Stageout
  - RequestState: the conveyor's state machine (Queued, Submitted, Done, ...)

Subscriptions:
  - Subscription: a DID filter plus rule templates to submit on match
  - RuleTemplate: one replication-rule blueprint within a subscription
  - SubscriptionState: Active, Inactive, Updated, or Broken

Accounting:
  - AccountCounter: eventually-consistent (bytes, files) per account
  - RSECounter: eventually-consistent (bytes, files) per RSE
  - Message: a durable outbound event for external notification consumers

# Usage

Creating a rule:

	rule := &types.Rule{
		ID:            uuid.New().String(),
		DIDs:          []types.DIDRef{{Scope: "data17_13TeV", Name: "AOD.12345678._0001.pool.root.1"}},
		Account:       "panda",
		RSEExpression: "tier=T1&country=US",
		Copies:        2,
		Grouping:      types.GroupingDataset,
		State:         types.RuleReplicating,
		CreatedAt:     time.Now(),
	}

Creating a replica and its lock:

	replica := &types.Replica{
		RSEID: rse.ID, Scope: did.Scope, Name: did.Name,
		State: types.ReplicaCopying, Bytes: did.Bytes,
	}
	lock := &types.Lock{
		RuleID: rule.ID, RSEID: rse.ID, Scope: did.Scope, Name: did.Name,
		State: types.LockReplicating,
	}

# State Machines

Replicas follow:

	Unavailable -> Available (created Unavailable by grounding; transfer done)
	Unavailable (kept when the transfer exhausted its retries)

Locks follow:

	Replicating -> OK (replica reaches Available)
	Replicating -> Stuck (replica reaches Unavailable)

Requests follow the conveyor's state machine (see pkg/conveyor):

	Queued -> Submitting -> Submitted -> {Done, Failed, Lost}
	Submitting -> Queued (requeued after the submitting timeout)
	Failed/Lost -> Queued (retried, while retries remain)

# Design Patterns

Enumeration Pattern:

	All enums use typed string constants for safety and clarity:
	  type ReplicaState string
	  const (
	      ReplicaAvailable   ReplicaState = "AVAILABLE"
	      ReplicaCopying     ReplicaState = "COPYING"
	  )

Counter Pattern:

	Rule lock counts (LocksOKCnt, LocksReplicatingCnt, LocksStuckCnt) are
	stored on the Rule and recounted from its locks whenever the rule engine
	re-evaluates the rule (the conveyor triggers this as requests finish), so
	reading RuleState needs no lock scan.

# Integration Points

This package integrates with:

  - pkg/catalog: persists all types to bbolt, keyed by their natural IDs
  - pkg/rseexpr: evaluates RSEExpression against RSE and RSEAttribute
  - pkg/ruleengine: admits, grounds, and re-evaluates Rule and Lock
  - pkg/conveyor: drives Request through its terminal states
  - pkg/transmogrifier: matches DID against Subscription.Filter
  - pkg/placement: ranks candidate RSEs using RSEAttribute and Replica history

# Validation

Key validation rules, enforced by the owning packages rather than this one:

  - namingconvention.Validator checks a DID name against its scope's pattern
    (fullmatch); no other package in this module calls it
  - Rule.Copies must be > 0; a count above the matched RSE count is not rejected
  - Rule.RSEExpression must parse under rseexpr's grammar
  - A container DID may not directly contain a file DID (dataset required)
  - At most one non-terminal Request may exist per (rule_id, scope, name, dest_rse_id)

# Thread Safety

All types in this package are plain data: read-safe to share, but mutations
must be synchronized by callers. pkg/catalog serializes all reads/writes
through its Store interface; in-memory copies held by daemons must not be
mutated concurrently without a lock.

# See Also

  - pkg/catalog for the persistence layer
  - pkg/ruleengine for rule admission and grounding
  - DESIGN.md for the data-model grounding ledger
*/
package types
