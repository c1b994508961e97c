// Package catalog is the transactional store every other component reads
// and writes through: DIDs and containment edges, RSEs and their
// attributes, replicas, locks, rules, transfer requests, subscriptions,
// messages, and the eventually-consistent account/RSE counters.
//
// There is no ambient session: every method takes ctx and operates as its
// own transaction, except GroundLock, which groups the three mutations a
// rule's grounding step requires (lock creation, replica lock_cnt bump,
// transfer request enqueue) into a single underlying write transaction so a
// crash can never leave a lock without its request or vice versa.
package catalog

import (
	"context"
	"time"

	"github.com/rucio/rucio-go/pkg/daemon"
	"github.com/rucio/rucio-go/pkg/types"
)

// ReplicaStateUpdate is one entry of a batch passed to UpdateReplicasStates.
// Path is optional: non-empty only when the finisher derived a stored PFN
// path for a non-deterministic destination RSE, and left untouched otherwise.
type ReplicaStateUpdate struct {
	RSEID string
	Scope string
	Name  string
	State types.ReplicaState
	Path  string
}

// RuleFilter narrows ListRules.
type RuleFilter struct {
	Account  string
	State    types.RuleState
	Locked   *bool
	Expired  bool // only rules with ExpiresAt <= now and Locked == false
}

// Store is the catalog's public contract. BoltStore and MemStore both
// implement it; the rule engine, conveyor, transmogrifier, and placement
// advisor depend only on this interface.
type Store interface {
	// DIDs and containment
	InsertDID(ctx context.Context, did *types.DID) error
	GetDID(ctx context.Context, scope, name string) (*types.DID, error)
	AttachChild(ctx context.Context, edge types.ContainmentEdge) error
	DetachChild(ctx context.Context, parentScope, parentName, childScope, childName string) error
	ListChildren(ctx context.Context, scope, name string) ([]types.ContainmentEdge, error)
	ExpandToFiles(ctx context.Context, scope, name string) ([]types.DIDRef, error)
	ListUnprocessedDIDs(ctx context.Context, limit int) ([]*types.DID, error)
	MarkDIDProcessed(ctx context.Context, scope, name string) error

	// RSEs
	AddRSE(ctx context.Context, rse *types.RSE) error
	GetRSE(ctx context.Context, id string) (*types.RSE, error)
	GetRSEByName(ctx context.Context, name string) (*types.RSE, error)
	ListRSEs(ctx context.Context) ([]*types.RSE, error)
	SetRSEUsage(ctx context.Context, rseID string, total, free int64) error
	GetRSEUsage(ctx context.Context, rseID string) (total, free int64, err error)

	AddRSEAttribute(ctx context.Context, rseID, key, value string) error
	DeleteRSEAttribute(ctx context.Context, rseID, key string) error
	ListRSEAttributes(ctx context.Context, rseID string) (map[string]string, error)
	ListAllRSEAttributes(ctx context.Context) (map[string]map[string]string, error)

	// Naming conventions
	AddNamingConvention(ctx context.Context, scope string, kind types.DIDKind, regexp string) error
	GetNamingConvention(ctx context.Context, scope string, kind types.DIDKind) (string, bool, error)
	ListNamingConventions(ctx context.Context) ([]NamingConvention, error)

	// Account limits (quota ceilings; current usage lives in AccountCounter)
	SetAccountLimit(ctx context.Context, account, rseID string, bytes int64) error
	GetAccountLimit(ctx context.Context, account, rseID string) (bytes int64, ok bool, err error)

	// Replicas
	AddReplica(ctx context.Context, r *types.Replica) error
	GetReplica(ctx context.Context, rseID, scope, name string) (*types.Replica, error)
	ListReplicasForDID(ctx context.Context, scope, name string) ([]*types.Replica, error)
	UpdateReplicasStates(ctx context.Context, batch []ReplicaStateUpdate, nowait bool) error
	SetTombstone(ctx context.Context, rseID, scope, name string, at *time.Time) error

	// Locks
	CreateLock(ctx context.Context, lock *types.Lock) error
	GetLock(ctx context.Context, ruleID, rseID, scope, name string) (*types.Lock, error)
	ListLocksByRule(ctx context.Context, ruleID string) ([]*types.Lock, error)
	UpdateLockState(ctx context.Context, ruleID, rseID, scope, name string, state types.LockState) error
	DeleteLock(ctx context.Context, ruleID, rseID, scope, name string) error

	CreateDatasetLock(ctx context.Context, lock *types.DatasetLock) error
	ListDatasetLocksByRule(ctx context.Context, ruleID string) ([]*types.DatasetLock, error)

	// GroundLock creates lock and req together with the matching replica's
	// lock_cnt bump, as one atomic unit. req may be nil when grounding found
	// an already-AVAILABLE replica and no transfer is needed.
	GroundLock(ctx context.Context, lock *types.Lock, req *types.Request) error

	// Rules
	AddRule(ctx context.Context, rule *types.Rule) error
	GetRule(ctx context.Context, id string) (*types.Rule, error)
	UpdateRule(ctx context.Context, rule *types.Rule) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context, filter RuleFilter) ([]*types.Rule, error)
	FindDuplicateRule(ctx context.Context, account string, dids []types.DIDRef, expression string, copies int, grouping types.RuleGrouping) (*types.Rule, bool, error)

	// Requests
	InsertRequest(ctx context.Context, req *types.Request) error
	GetRequest(ctx context.Context, id string) (*types.Request, error)
	SetRequestState(ctx context.Context, id string, state types.RequestState) error
	UpdateRequest(ctx context.Context, req *types.Request) error
	TouchRequest(ctx context.Context, id string) error
	GetNext(ctx context.Context, reqType types.RequestType, state types.RequestState, olderThan time.Duration, shard daemon.ShardSpec) ([]*types.Request, error)
	FindNonTerminalRequest(ctx context.Context, ruleID, scope, name, destRSEID string) (*types.Request, bool, error)
	ListRequestsByRule(ctx context.Context, ruleID string) ([]*types.Request, error)
	DeleteRequest(ctx context.Context, id string) error

	// Subscriptions
	AddSubscription(ctx context.Context, sub *types.Subscription) error
	GetSubscription(ctx context.Context, id string) (*types.Subscription, error)
	ListActiveSubscriptions(ctx context.Context) ([]*types.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *types.Subscription) error

	// Messages
	InsertMessage(ctx context.Context, msg *types.Message) error
	ListMessages(ctx context.Context, limit int) ([]*types.Message, error)

	// Counters (eventually consistent, applied by the reducer daemon)
	EnqueueAccountDelta(ctx context.Context, account, rseID string, bytesDelta, filesDelta int64) error
	EnqueueRSEDelta(ctx context.Context, rseID string, bytesDelta, filesDelta int64) error
	DrainDeltas(ctx context.Context) ([]AccountDelta, []RSEDelta, error)
	GetAccountCounter(ctx context.Context, account, rseID string) (*types.AccountCounter, error)
	GetRSECounter(ctx context.Context, rseID string) (*types.RSECounter, error)

	// TryLock acquires a non-blocking, nowait row lock on resource. A
	// contended lock returns ok=false immediately rather than blocking,
	// the Go analogue of the spec's ORA-00054/MySQL-1205 lock-contention
	// class. Its caller, ruleengine.ReEvaluate, treats a false result as
	// "another worker holds the rule" and returns nil without re-evaluating.
	TryLock(resource string) (unlock func(), ok bool)

	Close() error
}

// AccountDelta is one pending account-counter adjustment.
type AccountDelta struct {
	Account    string
	RSEID      string
	BytesDelta int64
	FilesDelta int64
}

// RSEDelta is one pending RSE-counter adjustment.
type RSEDelta struct {
	RSEID      string
	BytesDelta int64
	FilesDelta int64
}

// NamingConvention binds a scope and DID kind to the regexp every DID of
// that kind registered in that scope must fully match.
type NamingConvention struct {
	Scope  string
	Kind   types.DIDKind
	Regexp string
}
