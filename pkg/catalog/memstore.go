package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rucio/rucio-go/pkg/daemon"
	"github.com/rucio/rucio-go/pkg/errors"
	"github.com/rucio/rucio-go/pkg/types"
)

// MemStore is an in-memory Store implementation, the test double every
// other package's unit tests are written against (matching the teacher's
// habit of testing business logic against a lightweight in-process store
// rather than mocks). It is safe for concurrent use.
type MemStore struct {
	*nowaitLocker
	mu sync.RWMutex

	dids          map[didKey]*types.DID
	processed     map[didKey]bool
	edges         []types.ContainmentEdge
	rses          map[string]*types.RSE
	rseByName     map[string]string
	rseUsage      map[string][2]int64
	rseAttrs      map[string]map[string]string
	replicas      map[replicaKey]*types.Replica
	locks         map[lockKey]*types.Lock
	datasetLocks  map[lockKey]*types.DatasetLock
	rules         map[string]*types.Rule
	requests      map[string]*types.Request
	subscriptions map[string]*types.Subscription
	messages      []*types.Message
	conventions   map[conventionKey]string

	accountDeltas   []AccountDelta
	rseDeltas       []RSEDelta
	accountCounters map[string]*types.AccountCounter
	rseCounters     map[string]*types.RSECounter
	accountLimits   map[string]int64
}

type didKey struct{ scope, name string }
type replicaKey struct{ rseID, scope, name string }
type lockKey struct{ ruleID, rseID, scope, name string }
type conventionKey struct {
	scope string
	kind  types.DIDKind
}

// NewMemStore constructs an empty in-memory catalog store.
func NewMemStore() *MemStore {
	return &MemStore{
		nowaitLocker:    newNowaitLocker(),
		dids:            make(map[didKey]*types.DID),
		processed:       make(map[didKey]bool),
		rses:            make(map[string]*types.RSE),
		rseByName:       make(map[string]string),
		rseUsage:        make(map[string][2]int64),
		rseAttrs:        make(map[string]map[string]string),
		replicas:        make(map[replicaKey]*types.Replica),
		locks:           make(map[lockKey]*types.Lock),
		datasetLocks:    make(map[lockKey]*types.DatasetLock),
		rules:           make(map[string]*types.Rule),
		requests:        make(map[string]*types.Request),
		subscriptions:   make(map[string]*types.Subscription),
		accountCounters: make(map[string]*types.AccountCounter),
		rseCounters:     make(map[string]*types.RSECounter),
		conventions:     make(map[conventionKey]string),
		accountLimits:   make(map[string]int64),
	}
}

func (s *MemStore) SetAccountLimit(ctx context.Context, account, rseID string, bytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountLimits[account+"\x00"+rseID] = bytes
	return nil
}

func (s *MemStore) GetAccountLimit(ctx context.Context, account, rseID string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.accountLimits[account+"\x00"+rseID]
	return v, ok, nil
}

func (s *MemStore) AddNamingConvention(ctx context.Context, scope string, kind types.DIDKind, regexp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := conventionKey{scope, kind}
	if _, exists := s.conventions[k]; exists {
		return errors.Duplicate("naming_convention", scope)
	}
	s.conventions[k] = regexp
	return nil
}

func (s *MemStore) GetNamingConvention(ctx context.Context, scope string, kind types.DIDKind) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	regexp, ok := s.conventions[conventionKey{scope, kind}]
	return regexp, ok, nil
}

func (s *MemStore) ListNamingConventions(ctx context.Context) ([]NamingConvention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NamingConvention, 0, len(s.conventions))
	for k, v := range s.conventions {
		out = append(out, NamingConvention{Scope: k.scope, Kind: k.kind, Regexp: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out, nil
}

func (s *MemStore) Close() error { return nil }

// --- DIDs ---

func (s *MemStore) InsertDID(ctx context.Context, did *types.DID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validDIDKind(did.Kind) {
		return errors.InvalidObject("DID kind must be FILE, DATASET, or CONTAINER")
	}
	k := didKey{did.Scope, did.Name}
	if _, exists := s.dids[k]; exists {
		return errors.Duplicate("did", did.Scope+":"+did.Name)
	}
	cp := *did
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.dids[k] = &cp
	return nil
}

func (s *MemStore) GetDID(ctx context.Context, scope, name string) (*types.DID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dids[didKey{scope, name}]
	if !ok {
		return nil, errors.DataIdentifierNotFound(scope, name)
	}
	cp := *d
	return &cp, nil
}

func (s *MemStore) AttachChild(ctx context.Context, edge types.ContainmentEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.dids[didKey{edge.ParentScope, edge.ParentName}]
	if !ok {
		return errors.DataIdentifierNotFound(edge.ParentScope, edge.ParentName)
	}
	child, ok := s.dids[didKey{edge.ChildScope, edge.ChildName}]
	if !ok {
		return errors.DataIdentifierNotFound(edge.ChildScope, edge.ChildName)
	}
	if err := validateAttach(parent, child); err != nil {
		return err
	}
	if s.wouldCycleLocked(edge.ParentScope, edge.ParentName, edge.ChildScope, edge.ChildName) {
		return errors.InvalidObject("attaching child would create a containment cycle")
	}

	edge.CreatedAt = time.Now()
	s.edges = append(s.edges, edge)
	return nil
}

// wouldCycleLocked reports whether parent is already reachable by walking
// forward from child through existing containment edges; if so, the new
// parent->child edge would close a cycle. Caller must hold s.mu.
func (s *MemStore) wouldCycleLocked(parentScope, parentName, childScope, childName string) bool {
	seen := map[didKey]bool{{childScope, childName}: true}
	queue := []didKey{{childScope, childName}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.scope == parentScope && cur.name == parentName {
			return true
		}
		for _, e := range s.edges {
			if e.ParentScope != cur.scope || e.ParentName != cur.name {
				continue
			}
			ck := didKey{e.ChildScope, e.ChildName}
			if seen[ck] {
				continue
			}
			seen[ck] = true
			queue = append(queue, ck)
		}
	}
	return false
}

func (s *MemStore) DetachChild(ctx context.Context, parentScope, parentName, childScope, childName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if parent, ok := s.dids[didKey{parentScope, parentName}]; ok {
		if err := validateDetach(parent); err != nil {
			return err
		}
	}
	out := s.edges[:0]
	for _, e := range s.edges {
		if e.ParentScope == parentScope && e.ParentName == parentName && e.ChildScope == childScope && e.ChildName == childName {
			continue
		}
		out = append(out, e)
	}
	s.edges = out
	return nil
}

func (s *MemStore) ListChildren(ctx context.Context, scope, name string) ([]types.ContainmentEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.ContainmentEdge
	for _, e := range s.edges {
		if e.ParentScope == scope && e.ParentName == name {
			out = append(out, e)
		}
	}
	return out, nil
}

// ExpandToFiles recursively walks containment edges from (scope, name) down
// to the leaf FILE set, per §4.4's admission expansion (containers ->
// datasets -> files).
func (s *MemStore) ExpandToFiles(ctx context.Context, scope, name string) ([]types.DIDRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	root, ok := s.dids[didKey{scope, name}]
	if !ok {
		return nil, errors.DataIdentifierNotFound(scope, name)
	}
	if root.Kind == types.DIDKindFile {
		return []types.DIDRef{{Scope: scope, Name: name}}, nil
	}

	seen := map[didKey]bool{{scope, name}: true}
	var files []types.DIDRef
	queue := []didKey{{scope, name}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range s.edges {
			if e.ParentScope != cur.scope || e.ParentName != cur.name {
				continue
			}
			ck := didKey{e.ChildScope, e.ChildName}
			if seen[ck] {
				continue
			}
			seen[ck] = true
			child, ok := s.dids[ck]
			if !ok {
				continue
			}
			if child.Kind == types.DIDKindFile {
				files = append(files, types.DIDRef{Scope: ck.scope, Name: ck.name})
			} else {
				queue = append(queue, ck)
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

func (s *MemStore) ListUnprocessedDIDs(ctx context.Context, limit int) ([]*types.DID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.DID
	keys := make([]didKey, 0, len(s.dids))
	for k := range s.dids {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].scope != keys[j].scope {
			return keys[i].scope < keys[j].scope
		}
		return keys[i].name < keys[j].name
	})
	for _, k := range keys {
		if s.processed[k] {
			continue
		}
		if s.dids[k].Kind == types.DIDKindFile {
			continue
		}
		cp := *s.dids[k]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) MarkDIDProcessed(ctx context.Context, scope, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[didKey{scope, name}] = true
	return nil
}

// --- RSEs ---

func (s *MemStore) AddRSE(ctx context.Context, rse *types.RSE) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rseByName[rse.Name]; exists {
		return errors.Duplicate("rse", rse.Name)
	}
	cp := *rse
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.rses[rse.ID] = &cp
	s.rseByName[rse.Name] = rse.ID
	s.rseAttrs[rse.ID] = make(map[string]string)
	return nil
}

func (s *MemStore) GetRSE(ctx context.Context, id string) (*types.RSE, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rses[id]
	if !ok {
		return nil, errors.RSENotFound(id)
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) GetRSEByName(ctx context.Context, name string) (*types.RSE, error) {
	s.mu.RLock()
	id, ok := s.rseByName[name]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.RSENotFound(name)
	}
	return s.GetRSE(ctx, id)
}

func (s *MemStore) ListRSEs(ctx context.Context) ([]*types.RSE, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.RSE, 0, len(s.rses))
	for _, r := range s.rses {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) SetRSEUsage(ctx context.Context, rseID string, total, free int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rses[rseID]; !ok {
		return errors.RSENotFound(rseID)
	}
	s.rseUsage[rseID] = [2]int64{total, free}
	return nil
}

func (s *MemStore) GetRSEUsage(ctx context.Context, rseID string) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.rseUsage[rseID]
	if !ok {
		return 0, 0, nil
	}
	return u[0], u[1], nil
}

func (s *MemStore) AddRSEAttribute(ctx context.Context, rseID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rses[rseID]; !ok {
		return errors.RSENotFound(rseID)
	}
	if s.rseAttrs[rseID] == nil {
		s.rseAttrs[rseID] = make(map[string]string)
	}
	if existing, ok := s.rseAttrs[rseID][key]; ok && existing == value {
		return errors.Duplicate("rse_attribute", rseID+"."+key)
	}
	s.rseAttrs[rseID][key] = value
	return nil
}

func (s *MemStore) DeleteRSEAttribute(ctx context.Context, rseID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rseAttrs[rseID], key)
	return nil
}

func (s *MemStore) ListRSEAttributes(ctx context.Context, rseID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.rseAttrs[rseID]))
	for k, v := range s.rseAttrs[rseID] {
		out[k] = v
	}
	return out, nil
}

func (s *MemStore) ListAllRSEAttributes(ctx context.Context) (map[string]map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]string, len(s.rseAttrs))
	for id, attrs := range s.rseAttrs {
		cp := make(map[string]string, len(attrs))
		for k, v := range attrs {
			cp[k] = v
		}
		out[id] = cp
	}
	return out, nil
}

// --- Replicas ---

func (s *MemStore) AddReplica(ctx context.Context, r *types.Replica) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := replicaKey{r.RSEID, r.Scope, r.Name}
	if _, exists := s.replicas[k]; exists {
		return errors.Duplicate("replica", r.RSEID+":"+r.Scope+":"+r.Name)
	}
	cp := *r
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.replicas[k] = &cp
	return nil
}

func (s *MemStore) GetReplica(ctx context.Context, rseID, scope, name string) (*types.Replica, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.replicas[replicaKey{rseID, scope, name}]
	if !ok {
		return nil, errors.ReplicaNotFound(scope, name, rseID)
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) ListReplicasForDID(ctx context.Context, scope, name string) ([]*types.Replica, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Replica
	for _, r := range s.replicas {
		if r.Scope == scope && r.Name == name {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RSEID < out[j].RSEID })
	return out, nil
}

// UpdateReplicasStates atomically transitions a batch; if any replica in the
// batch is missing, the whole call fails with ReplicaNotFound (§4.1),
// leaving every replica untouched.
func (s *MemStore) UpdateReplicasStates(ctx context.Context, batch []ReplicaStateUpdate, nowait bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range batch {
		if _, ok := s.replicas[replicaKey{u.RSEID, u.Scope, u.Name}]; !ok {
			return errors.ReplicaNotFound(u.Scope, u.Name, u.RSEID)
		}
	}
	for _, u := range batch {
		r := s.replicas[replicaKey{u.RSEID, u.Scope, u.Name}]
		r.State = u.State
		if u.Path != "" {
			r.Path = u.Path
		}
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemStore) SetTombstone(ctx context.Context, rseID, scope, name string, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.replicas[replicaKey{rseID, scope, name}]
	if !ok {
		return errors.ReplicaNotFound(scope, name, rseID)
	}
	r.Tombstone = at
	r.UpdatedAt = time.Now()
	return nil
}

// --- Locks ---

func (s *MemStore) CreateLock(ctx context.Context, lock *types.Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLockLocked(lock)
}

func (s *MemStore) createLockLocked(lock *types.Lock) error {
	k := lockKey{lock.RuleID, lock.RSEID, lock.Scope, lock.Name}
	if _, exists := s.locks[k]; exists {
		return errors.Duplicate("lock", lock.RuleID)
	}
	cp := *lock
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.locks[k] = &cp

	if r, ok := s.replicas[replicaKey{lock.RSEID, lock.Scope, lock.Name}]; ok {
		r.LockCnt++
		r.Tombstone = nil
		r.UpdatedAt = now
	}
	return nil
}

// GroundLock creates lock and, if req is non-nil, inserts req under a single
// critical section so the two mutations are never observed apart.
func (s *MemStore) GroundLock(ctx context.Context, lock *types.Lock, req *types.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.createLockLocked(lock); err != nil {
		return err
	}
	if req != nil {
		s.insertRequestLocked(req)
	}
	return nil
}

func (s *MemStore) GetLock(ctx context.Context, ruleID, rseID, scope, name string) (*types.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locks[lockKey{ruleID, rseID, scope, name}]
	if !ok {
		return nil, errors.Internal("get_lock", nil).WithDetail("reason", "lock not found")
	}
	cp := *l
	return &cp, nil
}

func (s *MemStore) ListLocksByRule(ctx context.Context, ruleID string) ([]*types.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Lock
	for _, l := range s.locks {
		if l.RuleID == ruleID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSEID != out[j].RSEID {
			return out[i].RSEID < out[j].RSEID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *MemStore) UpdateLockState(ctx context.Context, ruleID, rseID, scope, name string, state types.LockState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[lockKey{ruleID, rseID, scope, name}]
	if !ok {
		return errors.Internal("update_lock_state", nil).WithDetail("reason", "lock not found")
	}
	l.State = state
	l.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) DeleteLock(ctx context.Context, ruleID, rseID, scope, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := lockKey{ruleID, rseID, scope, name}
	if _, ok := s.locks[k]; !ok {
		return nil
	}
	delete(s.locks, k)
	if r, ok := s.replicas[replicaKey{rseID, scope, name}]; ok && r.LockCnt > 0 {
		r.LockCnt--
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemStore) CreateDatasetLock(ctx context.Context, lock *types.DatasetLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := lockKey{lock.RuleID, lock.RSEID, lock.Scope, lock.Name}
	cp := *lock
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.datasetLocks[k] = &cp
	return nil
}

func (s *MemStore) ListDatasetLocksByRule(ctx context.Context, ruleID string) ([]*types.DatasetLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.DatasetLock
	for _, l := range s.datasetLocks {
		if l.RuleID == ruleID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Rules ---

func (s *MemStore) AddRule(ctx context.Context, rule *types.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rule
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.rules[rule.ID] = &cp
	return nil
}

func (s *MemStore) GetRule(ctx context.Context, id string) (*types.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, errors.RuleNotFound(id)
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) UpdateRule(ctx context.Context, rule *types.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[rule.ID]; !ok {
		return errors.RuleNotFound(rule.ID)
	}
	cp := *rule
	cp.UpdatedAt = time.Now()
	s.rules[rule.ID] = &cp
	return nil
}

func (s *MemStore) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return errors.RuleNotFound(id)
	}
	delete(s.rules, id)
	return nil
}

func (s *MemStore) ListRules(ctx context.Context, filter RuleFilter) ([]*types.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []*types.Rule
	for _, r := range s.rules {
		if filter.Account != "" && r.Account != filter.Account {
			continue
		}
		if filter.State != "" && r.State != filter.State {
			continue
		}
		if filter.Locked != nil && r.Locked != *filter.Locked {
			continue
		}
		if filter.Expired && (r.Locked || r.ExpiresAt == nil || r.ExpiresAt.After(now)) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) FindDuplicateRule(ctx context.Context, account string, dids []types.DIDRef, expression string, copies int, grouping types.RuleGrouping) (*types.Rule, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.Account != account || r.RSEExpression != expression || r.Copies != copies || r.Grouping != grouping {
			continue
		}
		if sameDIDSet(r.DIDs, dids) {
			cp := *r
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func sameDIDSet(a, b []types.DIDRef) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[types.DIDRef]bool, len(a))
	for _, d := range a {
		set[d] = true
	}
	for _, d := range b {
		if !set[d] {
			return false
		}
	}
	return true
}

// --- Requests ---

func (s *MemStore) InsertRequest(ctx context.Context, req *types.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertRequestLocked(req)
	return nil
}

func (s *MemStore) insertRequestLocked(req *types.Request) {
	cp := *req
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.requests[req.ID] = &cp
}

func (s *MemStore) GetRequest(ctx context.Context, id string) (*types.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, errors.RequestNotFound(id)
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) SetRequestState(ctx context.Context, id string, state types.RequestState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return errors.RequestNotFound(id)
	}
	r.State = state
	r.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) UpdateRequest(ctx context.Context, req *types.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; !ok {
		return errors.RequestNotFound(req.ID)
	}
	cp := *req
	cp.UpdatedAt = time.Now()
	s.requests[req.ID] = &cp
	return nil
}

func (s *MemStore) TouchRequest(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return errors.RequestNotFound(id)
	}
	r.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) GetNext(ctx context.Context, reqType types.RequestType, state types.RequestState, olderThan time.Duration, shard daemon.ShardSpec) ([]*types.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().Add(-olderThan)
	var out []*types.Request
	for _, r := range s.requests {
		if r.RequestType != reqType || r.State != state {
			continue
		}
		if olderThan > 0 && r.UpdatedAt.After(cutoff) {
			continue
		}
		if !shard.Owns(r.ID) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) FindNonTerminalRequest(ctx context.Context, ruleID, scope, name, destRSEID string) (*types.Request, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.requests {
		if r.RuleID == ruleID && r.Scope == scope && r.Name == name && r.DestRSEID == destRSEID && !r.State.IsTerminal() {
			cp := *r
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *MemStore) ListRequestsByRule(ctx context.Context, ruleID string) ([]*types.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Request
	for _, r := range s.requests {
		if r.RuleID == ruleID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) DeleteRequest(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
	return nil
}

// --- Subscriptions ---

func (s *MemStore) AddSubscription(ctx context.Context, sub *types.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.subscriptions[sub.ID] = &cp
	return nil
}

func (s *MemStore) GetSubscription(ctx context.Context, id string) (*types.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, errors.Internal("get_subscription", nil).WithDetail("reason", "not found")
	}
	cp := *sub
	return &cp, nil
}

func (s *MemStore) ListActiveSubscriptions(ctx context.Context) ([]*types.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Subscription
	for _, sub := range s.subscriptions {
		if sub.State == types.SubscriptionActive {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) UpdateSubscription(ctx context.Context, sub *types.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[sub.ID]; !ok {
		return errors.Internal("update_subscription", nil).WithDetail("reason", "not found")
	}
	cp := *sub
	cp.UpdatedAt = time.Now()
	s.subscriptions[sub.ID] = &cp
	return nil
}

// --- Messages ---

func (s *MemStore) InsertMessage(ctx context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	cp.CreatedAt = time.Now()
	s.messages = append(s.messages, &cp)
	return nil
}

func (s *MemStore) ListMessages(ctx context.Context, limit int) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.messages)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*types.Message, n)
	copy(out, s.messages[:n])
	return out, nil
}

// --- Counters ---

func (s *MemStore) EnqueueAccountDelta(ctx context.Context, account, rseID string, bytesDelta, filesDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountDeltas = append(s.accountDeltas, AccountDelta{account, rseID, bytesDelta, filesDelta})
	return nil
}

func (s *MemStore) EnqueueRSEDelta(ctx context.Context, rseID string, bytesDelta, filesDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rseDeltas = append(s.rseDeltas, RSEDelta{rseID, bytesDelta, filesDelta})
	return nil
}

// DrainDeltas applies every pending delta to the counter tables and returns
// what was applied, modeling the reducer daemon's batch-apply tick.
func (s *MemStore) DrainDeltas(ctx context.Context) ([]AccountDelta, []RSEDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ad, rd := s.accountDeltas, s.rseDeltas
	s.accountDeltas, s.rseDeltas = nil, nil

	now := time.Now()
	for _, d := range ad {
		key := d.Account + "\x00" + d.RSEID
		c, ok := s.accountCounters[key]
		if !ok {
			c = &types.AccountCounter{Account: d.Account, RSEID: d.RSEID}
			s.accountCounters[key] = c
		}
		c.Bytes += d.BytesDelta
		c.Files += d.FilesDelta
		c.UpdatedAt = now
	}
	for _, d := range rd {
		c, ok := s.rseCounters[d.RSEID]
		if !ok {
			c = &types.RSECounter{RSEID: d.RSEID}
			s.rseCounters[d.RSEID] = c
		}
		c.Bytes += d.BytesDelta
		c.Files += d.FilesDelta
		c.UpdatedAt = now
	}
	return ad, rd, nil
}

func (s *MemStore) GetAccountCounter(ctx context.Context, account, rseID string) (*types.AccountCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.accountCounters[account+"\x00"+rseID]
	if !ok {
		return &types.AccountCounter{Account: account, RSEID: rseID}, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemStore) GetRSECounter(ctx context.Context, rseID string) (*types.RSECounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.rseCounters[rseID]
	if !ok {
		return &types.RSECounter{RSEID: rseID}, nil
	}
	cp := *c
	return &cp, nil
}
