package memory

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mgxai/fabric/ferrors"
)

// agentBucket is a per-agent-instance LRU: list.Front is most-recently-used,
// list.Back is the next eviction candidate. index gives O(1) lookup by key.
type agentBucket struct {
	order *list.List
	index map[string]*list.Element
}

func newAgentBucket() *agentBucket {
	return &agentBucket{order: list.New(), index: make(map[string]*list.Element)}
}

func (b *agentBucket) len() int { return b.order.Len() }

func (b *agentBucket) get(key string) (*MemoryEntry, bool) {
	el, ok := b.index[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*MemoryEntry), true
}

// touch moves key's element to the front, marking it most-recently-used.
func (b *agentBucket) touch(key string) {
	if el, ok := b.index[key]; ok {
		b.order.MoveToFront(el)
	}
}

// put inserts or replaces an entry and marks it most-recently-used.
func (b *agentBucket) put(entry *MemoryEntry) {
	if el, ok := b.index[entry.Key]; ok {
		el.Value = entry
		b.order.MoveToFront(el)
		return
	}
	el := b.order.PushFront(entry)
	b.index[entry.Key] = el
}

func (b *agentBucket) remove(key string) {
	if el, ok := b.index[key]; ok {
		b.order.Remove(el)
		delete(b.index, key)
	}
}

// evictLRU removes and returns the least-recently-used entry, or nil if empty.
func (b *agentBucket) evictLRU() *MemoryEntry {
	el := b.order.Back()
	if el == nil {
		return nil
	}
	entry := el.Value.(*MemoryEntry)
	b.order.Remove(el)
	delete(b.index, entry.Key)
	return entry
}

// all returns every entry currently in the bucket, most-recently-used first.
func (b *agentBucket) all() []*MemoryEntry {
	out := make([]*MemoryEntry, 0, b.order.Len())
	for el := b.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*MemoryEntry))
	}
	return out
}

type inmemStore struct {
	limits Limits

	ctxMu    sync.Mutex
	contexts map[contextKey][]ContextVersion

	memMu   sync.Mutex
	entries map[string]*agentBucket // agentInstance -> LRU bucket
}

// NewInMemoryStore constructs a process-local Store suitable for tests and
// single-process deployments. limits.Fill() defaults are applied.
func NewInMemoryStore(limits Limits) Store {
	return &inmemStore{
		limits:   limits.Fill(),
		contexts: make(map[contextKey][]ContextVersion),
		entries:  make(map[string]*agentBucket),
	}
}

func (s *inmemStore) WriteContext(_ context.Context, workspace, project, name string, data map[string]any) (ContextVersion, error) {
	if workspace == "" || name == "" {
		return ContextVersion{}, ferrors.New(ferrors.KindInvalidInput, "memory.WriteContext", "workspace and name are required")
	}
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	key := contextKey{workspace, project, name}
	versions := s.contexts[key]
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1].Version + 1
	}
	v := ContextVersion{
		Workspace: workspace, Project: project, Name: name,
		Version: next, Data: cloneData(data), CreatedAt: time.Now().UTC(),
	}
	s.contexts[key] = append(versions, v)
	return v, nil
}

func (s *inmemStore) LatestContext(_ context.Context, workspace, project, name string) (ContextVersion, bool, error) {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	versions := s.contexts[contextKey{workspace, project, name}]
	if len(versions) == 0 {
		return ContextVersion{}, false, nil
	}
	return versions[len(versions)-1], true, nil
}

func (s *inmemStore) RollbackContext(_ context.Context, workspace, project, name string, to int) (ContextVersion, error) {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	key := contextKey{workspace, project, name}
	versions := s.contexts[key]
	var target *ContextVersion
	for i := range versions {
		if versions[i].Version == to {
			target = &versions[i]
			break
		}
	}
	if target == nil {
		return ContextVersion{}, ferrors.New(ferrors.KindNotFound, "memory.RollbackContext", fmt.Sprintf("version %d not found", to))
	}
	next := versions[len(versions)-1].Version + 1
	v := ContextVersion{
		Workspace: workspace, Project: project, Name: name,
		Version: next, Data: cloneData(target.Data), CreatedAt: time.Now().UTC(),
	}
	s.contexts[key] = append(versions, v)
	return v, nil
}

func (s *inmemStore) Remember(_ context.Context, agentInstance, key string, payload any) error {
	if agentInstance == "" || key == "" {
		return ferrors.New(ferrors.KindInvalidInput, "memory.Remember", "agent instance and key are required")
	}
	s.memMu.Lock()
	defer s.memMu.Unlock()
	s.rememberLocked(agentInstance, key, payload, "")
	s.pruneLocked(agentInstance)
	return nil
}

func (s *inmemStore) rememberLocked(agentInstance, key string, payload any, receivedFrom string) {
	bucket, ok := s.entries[agentInstance]
	if !ok {
		bucket = newAgentBucket()
		s.entries[agentInstance] = bucket
	}
	now := time.Now().UTC()
	bucket.put(&MemoryEntry{
		AgentInstance: agentInstance,
		Key:           key,
		Payload:       payload,
		SizeBytes:     approxSize(payload),
		CreatedAt:     now,
		LastUsed:      now,
		ReceivedFrom:  receivedFrom,
	})
}

func (s *inmemStore) Recall(_ context.Context, agentInstance, key string) (MemoryEntry, bool, error) {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	bucket, ok := s.entries[agentInstance]
	if !ok {
		return MemoryEntry{}, false, nil
	}
	entry, ok := bucket.get(key)
	if !ok {
		return MemoryEntry{}, false, nil
	}
	if time.Since(entry.CreatedAt) > s.limits.TTL {
		bucket.remove(key)
		return MemoryEntry{}, false, nil
	}
	entry.LastUsed = time.Now().UTC()
	bucket.touch(key)
	return *entry, true, nil
}

// Handoff copies keys' latest values from fromAgent to toAgent atomically
// under the single memMu lock: either every requested key is copied, or (on
// a missing key) none are, so toAgent never observes a partial handoff.
func (s *inmemStore) Handoff(_ context.Context, fromAgent, toAgent string, keys []string) ([]MemoryEntry, error) {
	if fromAgent == "" || toAgent == "" || len(keys) == 0 {
		return nil, ferrors.New(ferrors.KindInvalidInput, "memory.Handoff", "from, to, and at least one key are required")
	}
	s.memMu.Lock()
	defer s.memMu.Unlock()

	source, ok := s.entries[fromAgent]
	if !ok {
		return nil, ferrors.New(ferrors.KindNotFound, "memory.Handoff", "source agent has no memory")
	}
	// Validate every key exists before mutating anything.
	toCopy := make([]*MemoryEntry, 0, len(keys))
	for _, k := range keys {
		entry, ok := source.get(k)
		if !ok {
			return nil, ferrors.New(ferrors.KindNotFound, "memory.Handoff", fmt.Sprintf("key %q not found in source memory", k))
		}
		toCopy = append(toCopy, entry)
	}

	copied := make([]MemoryEntry, 0, len(toCopy))
	for _, entry := range toCopy {
		s.rememberLocked(toAgent, entry.Key, entry.Payload, fromAgent)
		dest, _ := s.entries[toAgent].get(entry.Key)
		copied = append(copied, *dest)
	}
	s.pruneLocked(toAgent)
	return copied, nil
}

// pruneLocked applies the TTL/count/byte-budget eviction rules from spec
// §4.5, checked on every write, in the order: TTL, then count, then bytes.
// Count and byte eviction always remove the bucket's current LRU tail.
// Callers must hold memMu.
func (s *inmemStore) pruneLocked(agentInstance string) {
	bucket := s.entries[agentInstance]
	if bucket == nil {
		return
	}

	now := time.Now()
	for _, e := range bucket.all() {
		if now.Sub(e.CreatedAt) > s.limits.TTL {
			bucket.remove(e.Key)
		}
	}

	for bucket.len() > s.limits.MaxEntries {
		bucket.evictLRU()
	}

	var total int64
	for _, e := range bucket.all() {
		total += int64(e.SizeBytes)
	}
	for total > s.limits.MaxBytes && bucket.len() > 0 {
		victim := bucket.evictLRU()
		if victim != nil {
			total -= int64(victim.SizeBytes)
		}
	}
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// approxSize estimates the byte footprint of a memory payload for the
// byte-budget pruning rule. It is intentionally cheap (no reflection over
// nested structures) since it runs on every write.
func approxSize(payload any) int {
	switch v := payload.(type) {
	case string:
		return len(v)
	case []byte:
		return len(v)
	case nil:
		return 0
	default:
		return 64 // fixed estimate for structured payloads
	}
}
