package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/rucio/rucio-go/pkg/daemon"
	"github.com/rucio/rucio-go/pkg/errors"
	"github.com/rucio/rucio-go/pkg/types"
)

var (
	bucketDIDs            = []byte("dids")
	bucketDIDsProcessed   = []byte("dids_processed")
	bucketContainment     = []byte("containment")
	bucketRSEs            = []byte("rses")
	bucketRSEByName       = []byte("rse_by_name")
	bucketRSEUsage        = []byte("rse_usage")
	bucketRSEAttrs        = []byte("rse_attrs")
	bucketReplicas        = []byte("replicas")
	bucketReplicaByDID    = []byte("replica_by_did")
	bucketLocks           = []byte("locks")
	bucketDatasetLocks    = []byte("dataset_locks")
	bucketRules           = []byte("rules")
	bucketRequests        = []byte("requests")
	bucketSubscriptions   = []byte("subscriptions")
	bucketMessages        = []byte("messages")
	bucketConventions     = []byte("naming_conventions")
	bucketAccountLimits   = []byte("account_limits")
	bucketAccountCounters = []byte("account_counters")
	bucketRSECounters     = []byte("rse_counters")
	bucketAccountDeltas   = []byte("account_deltas")
	bucketRSEDeltas       = []byte("rse_deltas")
)

// BoltStore is the bbolt-backed Store implementation: one bucket per
// entity, JSON-encoded values, composite keys ordered so related rows
// (a rule's locks, a DID's containment edges) sit in a contiguous prefix
// range a Cursor can scan. It is the production store; MemStore is its
// in-memory stand-in for tests.
type BoltStore struct {
	*nowaitLocker
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the bbolt file at dataDir/catalog.db.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "catalog.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	buckets := [][]byte{
		bucketDIDs, bucketDIDsProcessed, bucketContainment,
		bucketRSEs, bucketRSEByName, bucketRSEUsage, bucketRSEAttrs,
		bucketReplicas, bucketReplicaByDID,
		bucketLocks, bucketDatasetLocks,
		bucketRules, bucketRequests,
		bucketSubscriptions, bucketMessages, bucketConventions,
		bucketAccountCounters, bucketRSECounters, bucketAccountLimits,
		bucketAccountDeltas, bucketRSEDeltas,
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{nowaitLocker: newNowaitLocker(), db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func didK(scope, name string) []byte       { return []byte(scope + "\x00" + name) }
func replicaK(rseID, scope, name string) []byte {
	return []byte(rseID + "\x00" + scope + "\x00" + name)
}
func replicaByDIDK(scope, name, rseID string) []byte {
	return []byte(scope + "\x00" + name + "\x00" + rseID)
}
func lockK(ruleID, rseID, scope, name string) []byte {
	return []byte(ruleID + "\x00" + rseID + "\x00" + scope + "\x00" + name)
}
func rseAttrK(rseID, key string) []byte { return []byte(rseID + "\x00" + key) }
func acctCounterK(account, rseID string) []byte { return []byte(account + "\x00" + rseID) }

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// --- DIDs ---

func (s *BoltStore) InsertDID(ctx context.Context, did *types.DID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if !validDIDKind(did.Kind) {
			return errors.InvalidObject("DID kind must be FILE, DATASET, or CONTAINER")
		}
		b := tx.Bucket(bucketDIDs)
		k := didK(did.Scope, did.Name)
		if b.Get(k) != nil {
			return errors.Duplicate("did", did.Scope+":"+did.Name)
		}
		cp := *did
		now := time.Now()
		cp.CreatedAt, cp.UpdatedAt = now, now
		return putJSON(b, k, &cp)
	})
}

func getDIDTx(tx *bolt.Tx, scope, name string) (*types.DID, error) {
	data := tx.Bucket(bucketDIDs).Get(didK(scope, name))
	if data == nil {
		return nil, errors.DataIdentifierNotFound(scope, name)
	}
	var d types.DID
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// wouldCreateCycleTx reports whether parent is already reachable by walking
// forward from child through existing containment edges in tx; if so, the
// new parent->child edge would close a cycle.
func wouldCreateCycleTx(tx *bolt.Tx, parentScope, parentName, childScope, childName string) bool {
	type ref struct{ scope, name string }
	seen := map[ref]bool{{childScope, childName}: true}
	queue := []ref{{childScope, childName}}
	c := tx.Bucket(bucketContainment).Cursor()
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.scope == parentScope && cur.name == parentName {
			return true
		}
		prefix := []byte(cur.scope + "\x00" + cur.name + "\x00")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e types.ContainmentEdge
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			ck := ref{e.ChildScope, e.ChildName}
			if seen[ck] {
				continue
			}
			seen[ck] = true
			queue = append(queue, ck)
		}
	}
	return false
}

func (s *BoltStore) GetDID(ctx context.Context, scope, name string) (*types.DID, error) {
	var d types.DID
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDIDs).Get(didK(scope, name))
		if data == nil {
			return errors.DataIdentifierNotFound(scope, name)
		}
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *BoltStore) AttachChild(ctx context.Context, edge types.ContainmentEdge) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		parent, err := getDIDTx(tx, edge.ParentScope, edge.ParentName)
		if err != nil {
			return err
		}
		child, err := getDIDTx(tx, edge.ChildScope, edge.ChildName)
		if err != nil {
			return err
		}
		if err := validateAttach(parent, child); err != nil {
			return err
		}
		if wouldCreateCycleTx(tx, edge.ParentScope, edge.ParentName, edge.ChildScope, edge.ChildName) {
			return errors.InvalidObject("attaching child would create a containment cycle")
		}

		b := tx.Bucket(bucketContainment)
		edge.CreatedAt = time.Now()
		k := []byte(edge.ParentScope + "\x00" + edge.ParentName + "\x00" + edge.ChildScope + "\x00" + edge.ChildName)
		return putJSON(b, k, &edge)
	})
}

func (s *BoltStore) DetachChild(ctx context.Context, parentScope, parentName, childScope, childName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if parent, err := getDIDTx(tx, parentScope, parentName); err == nil {
			if err := validateDetach(parent); err != nil {
				return err
			}
		}
		b := tx.Bucket(bucketContainment)
		k := []byte(parentScope + "\x00" + parentName + "\x00" + childScope + "\x00" + childName)
		return b.Delete(k)
	})
}

func (s *BoltStore) ListChildren(ctx context.Context, scope, name string) ([]types.ContainmentEdge, error) {
	var out []types.ContainmentEdge
	prefix := []byte(scope + "\x00" + name + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketContainment).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e types.ContainmentEdge
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// ExpandToFiles walks containment edges breadth-first to the FILE leaves.
func (s *BoltStore) ExpandToFiles(ctx context.Context, scope, name string) ([]types.DIDRef, error) {
	root, err := s.GetDID(ctx, scope, name)
	if err != nil {
		return nil, err
	}
	if root.Kind == types.DIDKindFile {
		return []types.DIDRef{{Scope: scope, Name: name}}, nil
	}

	var files []types.DIDRef
	seen := map[types.DIDRef]bool{{Scope: scope, Name: name}: true}
	queue := []types.DIDRef{{Scope: scope, Name: name}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := s.ListChildren(ctx, cur.Scope, cur.Name)
		if err != nil {
			return nil, err
		}
		for _, e := range children {
			ref := types.DIDRef{Scope: e.ChildScope, Name: e.ChildName}
			if seen[ref] {
				continue
			}
			seen[ref] = true
			child, err := s.GetDID(ctx, ref.Scope, ref.Name)
			if err != nil {
				continue
			}
			if child.Kind == types.DIDKindFile {
				files = append(files, ref)
			} else {
				queue = append(queue, ref)
			}
		}
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Scope != files[j].Scope {
			return files[i].Scope < files[j].Scope
		}
		return files[i].Name < files[j].Name
	})
	return files, nil
}

func (s *BoltStore) ListUnprocessedDIDs(ctx context.Context, limit int) ([]*types.DID, error) {
	var out []*types.DID
	err := s.db.View(func(tx *bolt.Tx) error {
		dids := tx.Bucket(bucketDIDs)
		processed := tx.Bucket(bucketDIDsProcessed)
		c := dids.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if processed.Get(k) != nil {
				continue
			}
			var d types.DID
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.Kind == types.DIDKindFile {
				continue
			}
			out = append(out, &d)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) MarkDIDProcessed(ctx context.Context, scope, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDIDsProcessed).Put(didK(scope, name), []byte{1})
	})
}

// --- RSEs ---

func (s *BoltStore) AddRSE(ctx context.Context, rse *types.RSE) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		byName := tx.Bucket(bucketRSEByName)
		if byName.Get([]byte(rse.Name)) != nil {
			return errors.Duplicate("rse", rse.Name)
		}
		cp := *rse
		now := time.Now()
		cp.CreatedAt, cp.UpdatedAt = now, now
		if err := putJSON(tx.Bucket(bucketRSEs), []byte(rse.ID), &cp); err != nil {
			return err
		}
		return byName.Put([]byte(rse.Name), []byte(rse.ID))
	})
}

func (s *BoltStore) GetRSE(ctx context.Context, id string) (*types.RSE, error) {
	var r types.RSE
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRSEs).Get([]byte(id))
		if data == nil {
			return errors.RSENotFound(id)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) GetRSEByName(ctx context.Context, name string) (*types.RSE, error) {
	var id []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		id = tx.Bucket(bucketRSEByName).Get([]byte(name))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, errors.RSENotFound(name)
	}
	return s.GetRSE(ctx, string(id))
}

func (s *BoltStore) ListRSEs(ctx context.Context) ([]*types.RSE, error) {
	var out []*types.RSE
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRSEs).ForEach(func(k, v []byte) error {
			var r types.RSE
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (s *BoltStore) SetRSEUsage(ctx context.Context, rseID string, total, free int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRSEs).Get([]byte(rseID)) == nil {
			return errors.RSENotFound(rseID)
		}
		return putJSON(tx.Bucket(bucketRSEUsage), []byte(rseID), [2]int64{total, free})
	})
}

func (s *BoltStore) GetRSEUsage(ctx context.Context, rseID string) (int64, int64, error) {
	var usage [2]int64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRSEUsage).Get([]byte(rseID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &usage)
	})
	return usage[0], usage[1], err
}

func (s *BoltStore) AddRSEAttribute(ctx context.Context, rseID, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRSEs).Get([]byte(rseID)) == nil {
			return errors.RSENotFound(rseID)
		}
		b := tx.Bucket(bucketRSEAttrs)
		k := rseAttrK(rseID, key)
		if existing := b.Get(k); existing != nil && string(existing) == value {
			return errors.Duplicate("rse_attribute", rseID+"."+key)
		}
		return b.Put(k, []byte(value))
	})
}

func (s *BoltStore) DeleteRSEAttribute(ctx context.Context, rseID, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRSEAttrs).Delete(rseAttrK(rseID, key))
	})
}

func (s *BoltStore) ListRSEAttributes(ctx context.Context, rseID string) (map[string]string, error) {
	out := make(map[string]string)
	prefix := []byte(rseID + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRSEAttrs).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			out[string(k[len(prefix):])] = string(v)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListAllRSEAttributes(ctx context.Context) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRSEAttrs).ForEach(func(k, v []byte) error {
			parts := splitOnce(string(k))
			if out[parts[0]] == nil {
				out[parts[0]] = make(map[string]string)
			}
			out[parts[0]][parts[1]] = string(v)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) SetAccountLimit(ctx context.Context, account, rseID string, bytes int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccountLimits).Put(acctCounterK(account, rseID), itob(uint64(bytes)))
	})
}

func (s *BoltStore) GetAccountLimit(ctx context.Context, account, rseID string) (int64, bool, error) {
	var v int64
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAccountLimits).Get(acctCounterK(account, rseID))
		if data == nil {
			return nil
		}
		ok = true
		parsed, perr := parseItob(data)
		v = parsed
		return perr
	})
	return v, ok, err
}

func conventionK(scope string, kind types.DIDKind) []byte {
	return []byte(scope + "\x00" + string(kind))
}

func (s *BoltStore) AddNamingConvention(ctx context.Context, scope string, kind types.DIDKind, regexp string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConventions)
		k := conventionK(scope, kind)
		if b.Get(k) != nil {
			return errors.Duplicate("naming_convention", scope)
		}
		return b.Put(k, []byte(regexp))
	})
}

func (s *BoltStore) GetNamingConvention(ctx context.Context, scope string, kind types.DIDKind) (string, bool, error) {
	var regexp string
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConventions).Get(conventionK(scope, kind))
		if data != nil {
			regexp = string(data)
			found = true
		}
		return nil
	})
	return regexp, found, err
}

func (s *BoltStore) ListNamingConventions(ctx context.Context) ([]NamingConvention, error) {
	var out []NamingConvention
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConventions).ForEach(func(k, v []byte) error {
			parts := splitOnce(string(k))
			out = append(out, NamingConvention{Scope: parts[0], Kind: types.DIDKind(parts[1]), Regexp: string(v)})
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out, err
}

func splitOnce(s string) [2]string {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return [2]string{s[:i], s[i+1:]}
		}
	}
	return [2]string{s, ""}
}

// --- Replicas ---

func (s *BoltStore) AddReplica(ctx context.Context, r *types.Replica) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReplicas)
		k := replicaK(r.RSEID, r.Scope, r.Name)
		if b.Get(k) != nil {
			return errors.Duplicate("replica", r.RSEID+":"+r.Scope+":"+r.Name)
		}
		cp := *r
		now := time.Now()
		cp.CreatedAt, cp.UpdatedAt = now, now
		if err := putJSON(b, k, &cp); err != nil {
			return err
		}
		return tx.Bucket(bucketReplicaByDID).Put(replicaByDIDK(r.Scope, r.Name, r.RSEID), nil)
	})
}

func (s *BoltStore) GetReplica(ctx context.Context, rseID, scope, name string) (*types.Replica, error) {
	var r types.Replica
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReplicas).Get(replicaK(rseID, scope, name))
		if data == nil {
			return errors.ReplicaNotFound(scope, name, rseID)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) ListReplicasForDID(ctx context.Context, scope, name string) ([]*types.Replica, error) {
	var out []*types.Replica
	prefix := []byte(scope + "\x00" + name + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		replicas := tx.Bucket(bucketReplicas)
		c := tx.Bucket(bucketReplicaByDID).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			rseID := string(k[len(prefix):])
			data := replicas.Get(replicaK(rseID, scope, name))
			if data == nil {
				continue
			}
			var r types.Replica
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			out = append(out, &r)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].RSEID < out[j].RSEID })
	return out, err
}

func (s *BoltStore) UpdateReplicasStates(ctx context.Context, batch []ReplicaStateUpdate, nowait bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReplicas)
		for _, u := range batch {
			if b.Get(replicaK(u.RSEID, u.Scope, u.Name)) == nil {
				return errors.ReplicaNotFound(u.Scope, u.Name, u.RSEID)
			}
		}
		now := time.Now()
		for _, u := range batch {
			k := replicaK(u.RSEID, u.Scope, u.Name)
			var r types.Replica
			if err := json.Unmarshal(b.Get(k), &r); err != nil {
				return err
			}
			r.State = u.State
			if u.Path != "" {
				r.Path = u.Path
			}
			r.UpdatedAt = now
			if err := putJSON(b, k, &r); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) SetTombstone(ctx context.Context, rseID, scope, name string, at *time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReplicas)
		k := replicaK(rseID, scope, name)
		data := b.Get(k)
		if data == nil {
			return errors.ReplicaNotFound(scope, name, rseID)
		}
		var r types.Replica
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		r.Tombstone = at
		r.UpdatedAt = time.Now()
		return putJSON(b, k, &r)
	})
}

// --- Locks ---

func (s *BoltStore) CreateLock(ctx context.Context, lock *types.Lock) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return createLockTx(tx, lock)
	})
}

func createLockTx(tx *bolt.Tx, lock *types.Lock) error {
	b := tx.Bucket(bucketLocks)
	k := lockK(lock.RuleID, lock.RSEID, lock.Scope, lock.Name)
	if b.Get(k) != nil {
		return errors.Duplicate("lock", lock.RuleID)
	}
	cp := *lock
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	if err := putJSON(b, k, &cp); err != nil {
		return err
	}

	replicas := tx.Bucket(bucketReplicas)
	rk := replicaK(lock.RSEID, lock.Scope, lock.Name)
	if data := replicas.Get(rk); data != nil {
		var r types.Replica
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		r.LockCnt++
		r.Tombstone = nil
		r.UpdatedAt = now
		if err := putJSON(replicas, rk, &r); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) GetLock(ctx context.Context, ruleID, rseID, scope, name string) (*types.Lock, error) {
	var l types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLocks).Get(lockK(ruleID, rseID, scope, name))
		if data == nil {
			return errors.Internal("get_lock", nil).WithDetail("reason", "lock not found")
		}
		return json.Unmarshal(data, &l)
	})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *BoltStore) ListLocksByRule(ctx context.Context, ruleID string) ([]*types.Lock, error) {
	var out []*types.Lock
	prefix := []byte(ruleID + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLocks).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var l types.Lock
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			out = append(out, &l)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) UpdateLockState(ctx context.Context, ruleID, rseID, scope, name string, state types.LockState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		k := lockK(ruleID, rseID, scope, name)
		data := b.Get(k)
		if data == nil {
			return errors.Internal("update_lock_state", nil).WithDetail("reason", "lock not found")
		}
		var l types.Lock
		if err := json.Unmarshal(data, &l); err != nil {
			return err
		}
		l.State = state
		l.UpdatedAt = time.Now()
		return putJSON(b, k, &l)
	})
}

func (s *BoltStore) DeleteLock(ctx context.Context, ruleID, rseID, scope, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		k := lockK(ruleID, rseID, scope, name)
		if b.Get(k) == nil {
			return nil
		}
		if err := b.Delete(k); err != nil {
			return err
		}
		replicas := tx.Bucket(bucketReplicas)
		rk := replicaK(rseID, scope, name)
		if data := replicas.Get(rk); data != nil {
			var r types.Replica
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			if r.LockCnt > 0 {
				r.LockCnt--
			}
			r.UpdatedAt = time.Now()
			return putJSON(replicas, rk, &r)
		}
		return nil
	})
}

func (s *BoltStore) CreateDatasetLock(ctx context.Context, lock *types.DatasetLock) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cp := *lock
		now := time.Now()
		cp.CreatedAt, cp.UpdatedAt = now, now
		return putJSON(tx.Bucket(bucketDatasetLocks), lockK(lock.RuleID, lock.RSEID, lock.Scope, lock.Name), &cp)
	})
}

func (s *BoltStore) ListDatasetLocksByRule(ctx context.Context, ruleID string) ([]*types.DatasetLock, error) {
	var out []*types.DatasetLock
	prefix := []byte(ruleID + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDatasetLocks).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var l types.DatasetLock
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			out = append(out, &l)
		}
		return nil
	})
	return out, err
}

// GroundLock groups lock creation and request enqueue into one bbolt write
// transaction.
func (s *BoltStore) GroundLock(ctx context.Context, lock *types.Lock, req *types.Request) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := createLockTx(tx, lock); err != nil {
			return err
		}
		if req != nil {
			cp := *req
			now := time.Now()
			cp.CreatedAt, cp.UpdatedAt = now, now
			return putJSON(tx.Bucket(bucketRequests), []byte(req.ID), &cp)
		}
		return nil
	})
}

// --- Rules ---

func (s *BoltStore) AddRule(ctx context.Context, rule *types.Rule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cp := *rule
		now := time.Now()
		cp.CreatedAt, cp.UpdatedAt = now, now
		return putJSON(tx.Bucket(bucketRules), []byte(rule.ID), &cp)
	})
}

func (s *BoltStore) GetRule(ctx context.Context, id string) (*types.Rule, error) {
	var r types.Rule
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRules).Get([]byte(id))
		if data == nil {
			return errors.RuleNotFound(id)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) UpdateRule(ctx context.Context, rule *types.Rule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		if b.Get([]byte(rule.ID)) == nil {
			return errors.RuleNotFound(rule.ID)
		}
		cp := *rule
		cp.UpdatedAt = time.Now()
		return putJSON(b, []byte(rule.ID), &cp)
	})
}

func (s *BoltStore) DeleteRule(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		if b.Get([]byte(id)) == nil {
			return errors.RuleNotFound(id)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListRules(ctx context.Context, filter RuleFilter) ([]*types.Rule, error) {
	var out []*types.Rule
	now := time.Now()
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRules).ForEach(func(k, v []byte) error {
			var r types.Rule
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if filter.Account != "" && r.Account != filter.Account {
				return nil
			}
			if filter.State != "" && r.State != filter.State {
				return nil
			}
			if filter.Locked != nil && r.Locked != *filter.Locked {
				return nil
			}
			if filter.Expired && (r.Locked || r.ExpiresAt == nil || r.ExpiresAt.After(now)) {
				return nil
			}
			out = append(out, &r)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (s *BoltStore) FindDuplicateRule(ctx context.Context, account string, dids []types.DIDRef, expression string, copies int, grouping types.RuleGrouping) (*types.Rule, bool, error) {
	var found *types.Rule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRules).ForEach(func(k, v []byte) error {
			if found != nil {
				return nil
			}
			var r types.Rule
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Account != account || r.RSEExpression != expression || r.Copies != copies || r.Grouping != grouping {
				return nil
			}
			if sameDIDSet(r.DIDs, dids) {
				found = &r
			}
			return nil
		})
	})
	return found, found != nil, err
}

// --- Requests ---

func (s *BoltStore) InsertRequest(ctx context.Context, req *types.Request) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cp := *req
		now := time.Now()
		cp.CreatedAt, cp.UpdatedAt = now, now
		return putJSON(tx.Bucket(bucketRequests), []byte(req.ID), &cp)
	})
}

func (s *BoltStore) GetRequest(ctx context.Context, id string) (*types.Request, error) {
	var r types.Request
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRequests).Get([]byte(id))
		if data == nil {
			return errors.RequestNotFound(id)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) SetRequestState(ctx context.Context, id string, state types.RequestState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequests)
		data := b.Get([]byte(id))
		if data == nil {
			return errors.RequestNotFound(id)
		}
		var r types.Request
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		r.State = state
		r.UpdatedAt = time.Now()
		return putJSON(b, []byte(id), &r)
	})
}

func (s *BoltStore) UpdateRequest(ctx context.Context, req *types.Request) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequests)
		if b.Get([]byte(req.ID)) == nil {
			return errors.RequestNotFound(req.ID)
		}
		cp := *req
		cp.UpdatedAt = time.Now()
		return putJSON(b, []byte(req.ID), &cp)
	})
}

func (s *BoltStore) TouchRequest(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequests)
		data := b.Get([]byte(id))
		if data == nil {
			return errors.RequestNotFound(id)
		}
		var r types.Request
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		r.UpdatedAt = time.Now()
		return putJSON(b, []byte(id), &r)
	})
}

func (s *BoltStore) GetNext(ctx context.Context, reqType types.RequestType, state types.RequestState, olderThan time.Duration, shard daemon.ShardSpec) ([]*types.Request, error) {
	var out []*types.Request
	cutoff := time.Now().Add(-olderThan)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(k, v []byte) error {
			var r types.Request
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.RequestType != reqType || r.State != state {
				return nil
			}
			if olderThan > 0 && r.UpdatedAt.After(cutoff) {
				return nil
			}
			if !shard.Owns(r.ID) {
				return nil
			}
			out = append(out, &r)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (s *BoltStore) FindNonTerminalRequest(ctx context.Context, ruleID, scope, name, destRSEID string) (*types.Request, bool, error) {
	var found *types.Request
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(k, v []byte) error {
			if found != nil {
				return nil
			}
			var r types.Request
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.RuleID == ruleID && r.Scope == scope && r.Name == name && r.DestRSEID == destRSEID && !r.State.IsTerminal() {
				found = &r
			}
			return nil
		})
	})
	return found, found != nil, err
}

func (s *BoltStore) ListRequestsByRule(ctx context.Context, ruleID string) ([]*types.Request, error) {
	var out []*types.Request
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(k, v []byte) error {
			var r types.Request
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.RuleID == ruleID {
				out = append(out, &r)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteRequest(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).Delete([]byte(id))
	})
}

// --- Subscriptions ---

func (s *BoltStore) AddSubscription(ctx context.Context, sub *types.Subscription) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cp := *sub
		now := time.Now()
		cp.CreatedAt, cp.UpdatedAt = now, now
		return putJSON(tx.Bucket(bucketSubscriptions), []byte(sub.ID), &cp)
	})
}

func (s *BoltStore) GetSubscription(ctx context.Context, id string) (*types.Subscription, error) {
	var sub types.Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSubscriptions).Get([]byte(id))
		if data == nil {
			return errors.Internal("get_subscription", nil).WithDetail("reason", "not found")
		}
		return json.Unmarshal(data, &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *BoltStore) ListActiveSubscriptions(ctx context.Context) ([]*types.Subscription, error) {
	var out []*types.Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).ForEach(func(k, v []byte) error {
			var sub types.Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			if sub.State == types.SubscriptionActive {
				out = append(out, &sub)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (s *BoltStore) UpdateSubscription(ctx context.Context, sub *types.Subscription) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		if b.Get([]byte(sub.ID)) == nil {
			return errors.Internal("update_subscription", nil).WithDetail("reason", "not found")
		}
		cp := *sub
		cp.UpdatedAt = time.Now()
		return putJSON(b, []byte(sub.ID), &cp)
	})
}

// --- Messages ---

func (s *BoltStore) InsertMessage(ctx context.Context, msg *types.Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		cp := *msg
		cp.CreatedAt = time.Now()
		return putJSON(b, itob(seq), &cp)
	})
}

func itob(v uint64) []byte {
	return []byte(fmt.Sprintf("%020d", v))
}

func parseItob(b []byte) (int64, error) {
	return strconv.ParseInt(string(b), 10, 64)
}

func (s *BoltStore) ListMessages(ctx context.Context, limit int) ([]*types.Message, error) {
	var out []*types.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m types.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, &m)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// --- Counters ---

func (s *BoltStore) EnqueueAccountDelta(ctx context.Context, account, rseID string, bytesDelta, filesDelta int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccountDeltas)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return putJSON(b, itob(seq), &AccountDelta{account, rseID, bytesDelta, filesDelta})
	})
}

func (s *BoltStore) EnqueueRSEDelta(ctx context.Context, rseID string, bytesDelta, filesDelta int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRSEDeltas)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return putJSON(b, itob(seq), &RSEDelta{rseID, bytesDelta, filesDelta})
	})
}

func (s *BoltStore) DrainDeltas(ctx context.Context) ([]AccountDelta, []RSEDelta, error) {
	var ad []AccountDelta
	var rd []RSEDelta
	err := s.db.Update(func(tx *bolt.Tx) error {
		now := time.Now()

		adBucket := tx.Bucket(bucketAccountDeltas)
		acctCounters := tx.Bucket(bucketAccountCounters)
		var keys [][]byte
		if err := adBucket.ForEach(func(k, v []byte) error {
			var d AccountDelta
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			ad = append(ad, d)
			keys = append(keys, append([]byte{}, k...))
			return nil
		}); err != nil {
			return err
		}
		for _, d := range ad {
			ck := acctCounterK(d.Account, d.RSEID)
			var c types.AccountCounter
			if data := acctCounters.Get(ck); data != nil {
				if err := json.Unmarshal(data, &c); err != nil {
					return err
				}
			} else {
				c = types.AccountCounter{Account: d.Account, RSEID: d.RSEID}
			}
			c.Bytes += d.BytesDelta
			c.Files += d.FilesDelta
			c.UpdatedAt = now
			if err := putJSON(acctCounters, ck, &c); err != nil {
				return err
			}
		}
		for _, k := range keys {
			if err := adBucket.Delete(k); err != nil {
				return err
			}
		}

		rdBucket := tx.Bucket(bucketRSEDeltas)
		rseCounters := tx.Bucket(bucketRSECounters)
		keys = nil
		if err := rdBucket.ForEach(func(k, v []byte) error {
			var d RSEDelta
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			rd = append(rd, d)
			keys = append(keys, append([]byte{}, k...))
			return nil
		}); err != nil {
			return err
		}
		for _, d := range rd {
			var c types.RSECounter
			if data := rseCounters.Get([]byte(d.RSEID)); data != nil {
				if err := json.Unmarshal(data, &c); err != nil {
					return err
				}
			} else {
				c = types.RSECounter{RSEID: d.RSEID}
			}
			c.Bytes += d.BytesDelta
			c.Files += d.FilesDelta
			c.UpdatedAt = now
			if err := putJSON(rseCounters, []byte(d.RSEID), &c); err != nil {
				return err
			}
		}
		for _, k := range keys {
			if err := rdBucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return ad, rd, err
}

func (s *BoltStore) GetAccountCounter(ctx context.Context, account, rseID string) (*types.AccountCounter, error) {
	c := &types.AccountCounter{Account: account, RSEID: rseID}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAccountCounters).Get(acctCounterK(account, rseID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, c)
	})
	return c, err
}

func (s *BoltStore) GetRSECounter(ctx context.Context, rseID string) (*types.RSECounter, error) {
	c := &types.RSECounter{RSEID: rseID}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRSECounters).Get([]byte(rseID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, c)
	})
	return c, err
}
