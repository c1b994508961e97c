// Package types defines the data model of the replication control plane:
// data identifiers, storage elements, replicas, locks, rules, transfer
// requests, subscriptions and messages.
package types

import "time"

// DIDKind is the kind of a data identifier. Immutable once assigned.
type DIDKind string

const (
	DIDKindFile      DIDKind = "FILE"
	DIDKindDataset   DIDKind = "DATASET"
	DIDKindContainer DIDKind = "CONTAINER"
)

// DID names a file, dataset, or container within a scope.
type DID struct {
	Scope     string
	Name      string
	Kind      DIDKind
	Bytes     int64  // files only
	Adler32   string // files only
	MD5       string // files only
	IsOpen    bool   // datasets/containers only
	Monotonic bool   // datasets/containers only: content may not be removed once added
	Metadata  map[string]string // free-form attributes (datatype, project, run_number, ...)
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ContainmentEdge records that child is contained by parent. Containers may
// contain containers or datasets; datasets may contain files only.
type ContainmentEdge struct {
	ParentScope string
	ParentName  string
	ChildScope  string
	ChildName   string
	CreatedAt   time.Time
}

// RSE is a Rucio Storage Element: a logical storage endpoint.
type RSE struct {
	ID            string
	Name          string
	Deterministic bool
	Volatile      bool
	Available     bool
	StagingArea   bool // §3.1 supplement: staging-only RSE
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RSEAttribute is a key/value pair attached to an RSE, consumed by the RSE
// expression evaluator.
type RSEAttribute struct {
	RSEID     string
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Protocol is a per-RSE access method entry.
type Protocol struct {
	RSEID    string
	Scheme   string
	Hostname string
	Port     int
	Prefix   string
	Impl     string
	Read     int // priority, 0 = disabled
	Write    int
	Delete   int
	Extended map[string]string
}

// ReplicaState is the lifecycle state of a physical replica.
type ReplicaState string

const (
	ReplicaAvailable    ReplicaState = "AVAILABLE"
	ReplicaUnavailable  ReplicaState = "UNAVAILABLE"
	ReplicaCopying      ReplicaState = "COPYING"
	ReplicaBeingDeleted ReplicaState = "BEING_DELETED"
	ReplicaBad          ReplicaState = "BAD"
	ReplicaSource       ReplicaState = "SOURCE"
)

// Replica is the per-(RSE, DID) physical replica record.
type Replica struct {
	RSEID     string
	Scope     string
	Name      string
	State     ReplicaState
	Bytes     int64
	Adler32   string
	MD5       string
	Path      string
	Tombstone *time.Time // eligible-for-deletion timestamp; nil while protected
	LockCnt   int        // lock_cnt == 0 iff Tombstone may be set
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LockState is the state of a lock tying a replica to the rule that requires it.
type LockState string

const (
	LockReplicating LockState = "REPLICATING"
	LockOK          LockState = "OK"
	LockStuck       LockState = "STUCK"
)

// Lock asserts that a file replica at an RSE is required by a specific rule.
type Lock struct {
	RuleID    string
	RSEID     string
	Scope     string
	Name      string
	State     LockState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DatasetLock is the dataset-level companion to Lock, present when a rule's
// grouping is DATASET or ALL.
type DatasetLock struct {
	RuleID      string
	RSEID       string
	Scope       string
	Name        string // dataset name
	State       LockState
	LengthFiles int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RuleGrouping is the policy binding how file placements within a rule are
// correlated.
type RuleGrouping string

const (
	GroupingNone    RuleGrouping = "NONE"
	GroupingDataset RuleGrouping = "DATASET"
	GroupingAll     RuleGrouping = "ALL"
)

// RuleState is the aggregate state of a rule, derived from its lock counters.
type RuleState string

const (
	RuleReplicating RuleState = "REPLICATING"
	RuleOK          RuleState = "OK"
	RuleStuck       RuleState = "STUCK"
	RuleSuspended   RuleState = "SUSPENDED"
)

// DIDRef identifies a DID by (scope, name) without carrying its full record.
type DIDRef struct {
	Scope string
	Name  string
}

// Rule is a declarative replication goal: copies replicas matching an RSE
// expression, with a grouping discipline.
type Rule struct {
	ID                  string
	Account             string
	DIDs                []DIDRef // root DIDs this rule applies to
	Copies              int
	RSEExpression       string
	Grouping            RuleGrouping
	WeightAttr          string // empty if unweighted
	IgnoreAvailability  bool   // §3.1 supplement
	Lifetime            *time.Duration
	Locked              bool
	SubscriptionID      string // empty if not subscription-generated
	State               RuleState
	LocksOKCnt          int
	LocksReplicatingCnt int
	LocksStuckCnt       int
	ExpiresAt           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TotalLocks returns the sum of the three lock counters.
func (r *Rule) TotalLocks() int {
	return r.LocksOKCnt + r.LocksReplicatingCnt + r.LocksStuckCnt
}

// RequestType distinguishes transfer from staging operations.
type RequestType string

const (
	RequestTypeTransfer RequestType = "TRANSFER"
	RequestTypeStagein  RequestType = "STAGEIN"
	RequestTypeStageout RequestType = "STAGEOUT"
)

// RequestState is the state of a transfer/stage request, per the conveyor
// state machine.
type RequestState string

const (
	RequestQueued           RequestState = "QUEUED"
	RequestSubmitting       RequestState = "SUBMITTING"
	RequestSubmitted        RequestState = "SUBMITTED"
	RequestDone             RequestState = "DONE"
	RequestFailed           RequestState = "FAILED"
	RequestLost             RequestState = "LOST"
	RequestNoSources        RequestState = "NO_SOURCES"
	RequestSubmissionFailed RequestState = "SUBMISSION_FAILED"
)

// IsTerminal reports whether s is a terminal request state.
func (s RequestState) IsTerminal() bool {
	switch s {
	case RequestDone, RequestFailed, RequestLost, RequestNoSources, RequestSubmissionFailed:
		return true
	default:
		return false
	}
}

// Request is a transfer or stage operation driving a single (scope, name)
// replica into existence at DestRSEID.
type Request struct {
	ID           string
	RequestType  RequestType
	Scope        string
	Name         string
	DestRSEID    string
	SrcRSEID     string // optional
	RuleID       string
	AttemptID    string
	State        RequestState
	Activity     string // §3.1 supplement, default "default"
	ExternalHost string
	ExternalID   string
	RetryCount   int
	DestURL      string
	SrcURL       string
	Bytes        int64
	SubmittedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AccountCounter is the eventually-consistent (bytes, files) aggregate for
// an account at an RSE.
type AccountCounter struct {
	Account   string
	RSEID     string
	Bytes     int64
	Files     int64
	UpdatedAt time.Time
}

// RSECounter is the eventually-consistent (bytes, files) aggregate at an RSE.
type RSECounter struct {
	RSEID     string
	Bytes     int64
	Files     int64
	UpdatedAt time.Time
}

// SubscriptionState is the lifecycle state of a subscription.
type SubscriptionState string

const (
	SubscriptionActive   SubscriptionState = "ACTIVE"
	SubscriptionInactive SubscriptionState = "INACTIVE"
	SubscriptionUpdated  SubscriptionState = "UPDATED"
	SubscriptionBroken   SubscriptionState = "BROKEN"
)

// RuleTemplate is one replication-rule blueprint within a subscription.
type RuleTemplate struct {
	Copies        int
	RSEExpression string
	Grouping      RuleGrouping
	WeightAttr    string
	Lifetime      *time.Duration
}

// Subscription matches newly registered DIDs against Filter and, on match,
// synthesizes rules from ReplicationRules.
type Subscription struct {
	ID               string
	Account          string
	Name             string
	Filter           map[string][]string // key -> allowed values; "pattern" is a regex, "scope" a scope list
	ReplicationRules []RuleTemplate
	State            SubscriptionState
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Message is a durable outbound event consumed by an external notification
// shipper.
type Message struct {
	ID        string
	EventType string
	Payload   map[string]any
	CreatedAt time.Time
}
