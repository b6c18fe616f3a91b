// Package graph maintains per-tenant adjacency maps derived from the
// tabular store and answers the fixed authorization query set of spec §4.3.
package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/cuemby/rebac-core/pkg/metrics"
)

// MaxTraversal bounds BFS path length for Can and group-closure expansion.
const MaxTraversal = 10

const (
	cacheCapacity = 1024
	cacheTTL      = 60 * time.Second
)

// AccessSource classifies how a subject reached an object in Accessors.
type AccessSource string

const (
	SourceDirect    AccessSource = "direct"
	SourceGroup     AccessSource = "group"
	SourceInherited AccessSource = "inherited"
)

// Accessor is one (subject, how-they-got-there) pair returned by Accessors.
type Accessor struct {
	Subject string       `json:"subject"`
	Source  AccessSource `json:"source"`
}

type edgeRef struct {
	target string
	edgeID string
}

// Index is the graph derived from one tenant's tables: forward/reverse
// adjacency per relationship type, plus direct-permission indices, and a
// query-result cache. Safe for concurrent reads; mutated only by Apply
// under the tenant actor's single writer.
type Index struct {
	tenant string

	// forward[relType][source] -> targets, reverse is the mirror.
	forward map[string]map[string][]edgeRef
	reverse map[string]map[string][]edgeRef

	// traversable relation types, and which ones are permission-bearing (terminal) vs. group/containment (interior).
	groupLike  map[string]bool
	permission map[string]bool

	// directPermBySubject[(subject,capability)] -> objects
	directPermBySubject map[string]map[string]bool
	// directPermByObject[(object,capability)] -> subjects
	directPermByObject map[string]map[string]bool

	cache *lru.LRU[string, any]

	// cacheMu guards the bookkeeping below, which lets invalidateSubject and
	// invalidateCapability evict the real cache keys a mutation affects
	// instead of a fixed, never-written prefix. Queries populate it
	// concurrently with each other; Apply's single writer goroutine drains
	// it on every AddEdge/RemoveEdge.
	cacheMu          sync.Mutex
	cacheMeta        map[string]cacheKeyMeta
	keysBySubject    map[string]map[string]bool
	keysByCapability map[string]map[string]bool
	cacheDisabled    bool
}

// cacheKeyMeta records which subject and capability a cached query result
// belongs to, so it can be found again by invalidateSubject/invalidateCapability.
type cacheKeyMeta struct {
	subject    string
	capability string
}

// New builds an empty Index for tenant. groupLike and permission name the
// relationship types traversable for authorization, per the active schema.
func New(tenant string, groupLike, permission map[string]bool) *Index {
	return &Index{
		tenant:               tenant,
		forward:              make(map[string]map[string][]edgeRef),
		reverse:              make(map[string]map[string][]edgeRef),
		groupLike:            groupLike,
		permission:           permission,
		directPermBySubject:  make(map[string]map[string]bool),
		directPermByObject:   make(map[string]map[string]bool),
		cache:                lru.NewLRU[string, any](cacheCapacity, nil, cacheTTL),
		cacheMeta:            make(map[string]cacheKeyMeta),
		keysBySubject:        make(map[string]map[string]bool),
		keysByCapability:     make(map[string]map[string]bool),
	}
}

func pairKey(a, b string) string { return a + "\x00" + b }

// SetRelationKind (re)declares how relType should be treated by BFS:
// groupLike marks it traversable for group/inheritance/containment closure,
// permission marks it as a terminal, capability-bearing edge type. Called
// whenever the active schema changes.
func (idx *Index) SetRelationKind(relType string, groupLike, permission bool) {
	idx.groupLike[relType] = groupLike
	idx.permission[relType] = permission
}

// AddEdge incorporates a newly granted edge into the index.
func (idx *Index) AddEdge(relType, source, target, edgeID string, capability string) {
	if idx.forward[relType] == nil {
		idx.forward[relType] = make(map[string][]edgeRef)
	}
	if idx.reverse[relType] == nil {
		idx.reverse[relType] = make(map[string][]edgeRef)
	}
	idx.forward[relType][source] = append(idx.forward[relType][source], edgeRef{target: target, edgeID: edgeID})
	idx.reverse[relType][target] = append(idx.reverse[relType][target], edgeRef{target: source, edgeID: edgeID})

	if idx.permission[relType] && capability != "" {
		if idx.directPermBySubject[pairKey(source, capability)] == nil {
			idx.directPermBySubject[pairKey(source, capability)] = make(map[string]bool)
		}
		idx.directPermBySubject[pairKey(source, capability)][target] = true

		if idx.directPermByObject[pairKey(target, capability)] == nil {
			idx.directPermByObject[pairKey(target, capability)] = make(map[string]bool)
		}
		idx.directPermByObject[pairKey(target, capability)][source] = true
	}

	idx.invalidateSubject(source)
	idx.invalidateCapability(capability)
}

// RemoveEdge removes a revoked edge from the index. Edges remain in the
// ledger/tabular store as tombstones; only the live graph view drops them.
func (idx *Index) RemoveEdge(relType, source, target, edgeID, capability string) {
	idx.forward[relType] = removeRef(idx.forward[relType], source, edgeID)
	idx.reverse[relType] = removeRef(idx.reverse[relType], target, edgeID)

	if idx.permission[relType] && capability != "" {
		delete(idx.directPermBySubject[pairKey(source, capability)], target)
		delete(idx.directPermByObject[pairKey(target, capability)], source)
	}

	idx.invalidateSubject(source)
	idx.invalidateCapability(capability)
}

func removeRef(m map[string][]edgeRef, key, edgeID string) map[string][]edgeRef {
	refs := m[key]
	for i, r := range refs {
		if r.edgeID == edgeID {
			m[key] = append(refs[:i], refs[i+1:]...)
			break
		}
	}
	return m
}

// invalidateSubject evicts every cached query result keyed on subject,
// per spec §4.3/§5: any mutation touching subject's outgoing edges must
// invalidate subject's cached results before the next query can observe it.
func (idx *Index) invalidateSubject(subject string) {
	idx.cacheMu.Lock()
	defer idx.cacheMu.Unlock()

	for key := range idx.keysBySubject[subject] {
		idx.cache.Remove(key)
		idx.forgetKeyLocked(key)
	}
	delete(idx.keysBySubject, subject)
}

// invalidateCapability evicts every cached query result referencing
// capability, regardless of which subject it was keyed under — necessary
// because a capability-bearing edge change can affect accessors reached
// only indirectly through group closure, not just the edge's own source.
func (idx *Index) invalidateCapability(capability string) {
	if capability == "" {
		return
	}

	idx.cacheMu.Lock()
	defer idx.cacheMu.Unlock()

	for key := range idx.keysByCapability[capability] {
		idx.cache.Remove(key)
		idx.forgetKeyLocked(key)
	}
	delete(idx.keysByCapability, capability)
}

// forgetKeyLocked removes key's bookkeeping from both indices. Callers must
// hold cacheMu.
func (idx *Index) forgetKeyLocked(key string) {
	meta, ok := idx.cacheMeta[key]
	if !ok {
		return
	}
	delete(idx.cacheMeta, key)
	delete(idx.keysBySubject[meta.subject], key)
	if meta.capability != "" {
		delete(idx.keysByCapability[meta.capability], key)
	}
}

// rememberKey records that key (computed for subject/capability) now holds
// a live cache entry, so a later invalidation can find it.
func (idx *Index) rememberKey(key, subject, capability string) {
	idx.cacheMu.Lock()
	defer idx.cacheMu.Unlock()

	idx.cacheMeta[key] = cacheKeyMeta{subject: subject, capability: capability}
	if idx.keysBySubject[subject] == nil {
		idx.keysBySubject[subject] = make(map[string]bool)
	}
	idx.keysBySubject[subject][key] = true
	if capability != "" {
		if idx.keysByCapability[capability] == nil {
			idx.keysByCapability[capability] = make(map[string]bool)
		}
		idx.keysByCapability[capability][key] = true
	}
}

// cacheEnabled reports whether queries may read from or write to the cache.
func (idx *Index) cacheEnabled() bool {
	idx.cacheMu.Lock()
	defer idx.cacheMu.Unlock()
	return !idx.cacheDisabled
}

// DisableCache clears the query cache and permanently bypasses it: every
// subsequent Can/AccessibleObjects call answers from a fresh traversal
// instead of a cached result. The cache is an optimization only; no
// correctness property depends on it, but spec §4.3/§9 require it be
// transparently disableable for testing and debugging.
func (idx *Index) DisableCache() {
	idx.cacheMu.Lock()
	idx.cacheDisabled = true
	idx.cacheMeta = make(map[string]cacheKeyMeta)
	idx.keysBySubject = make(map[string]map[string]bool)
	idx.keysByCapability = make(map[string]map[string]bool)
	idx.cacheMu.Unlock()

	idx.cache.Purge()
}

// Can reports whether subject can reach object through a permission edge
// for capability, via a bounded BFS over group-like edges followed by a
// terminal permission edge.
func (idx *Index) Can(ctx context.Context, subject, capability, object string) (bool, error) {
	key := fmt.Sprintf("can:%s:%s:%s", subject, capability, object)
	cacheOn := idx.cacheEnabled()
	if cacheOn {
		if v, ok := idx.cache.Get(key); ok {
			metrics.QueryCacheHitsTotal.WithLabelValues(idx.tenant).Inc()
			return v.(bool), nil
		}
		metrics.QueryCacheMissesTotal.WithLabelValues(idx.tenant).Inc()
	}

	result, err := idx.bfsCan(ctx, subject, capability, object)
	if err != nil {
		return false, err
	}
	if cacheOn {
		idx.cache.Add(key, result)
		idx.rememberKey(key, subject, capability)
	}
	return result, nil
}

func (idx *Index) bfsCan(ctx context.Context, subject, capability, object string) (bool, error) {
	type frame struct {
		node  string
		depth int
	}
	visited := map[string]bool{subject: true}
	queue := []frame{{subject, 0}}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		f := queue[0]
		queue = queue[1:]

		if f.depth > MaxTraversal {
			continue
		}

		if objs := idx.directPermBySubject[pairKey(f.node, capability)]; objs[object] {
			return true, nil
		}

		for relType, groupLike := range idx.groupLike {
			if !groupLike {
				continue
			}
			for _, ref := range idx.forward[relType][f.node] {
				if visited[ref.target] {
					continue
				}
				visited[ref.target] = true
				queue = append(queue, frame{ref.target, f.depth + 1})
			}
		}
	}
	return false, nil
}

// AccessibleObjects returns the union of direct permissions and permissions
// reachable through subject's group closure, for capability.
func (idx *Index) AccessibleObjects(ctx context.Context, subject, capability string) ([]string, error) {
	key := fmt.Sprintf("accessible:%s:%s", subject, capability)
	cacheOn := idx.cacheEnabled()
	if cacheOn {
		if v, ok := idx.cache.Get(key); ok {
			metrics.QueryCacheHitsTotal.WithLabelValues(idx.tenant).Inc()
			return append([]string(nil), v.([]string)...), nil
		}
		metrics.QueryCacheMissesTotal.WithLabelValues(idx.tenant).Inc()
	}

	closure, err := idx.groupClosure(ctx, subject)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var objects []string
	for node := range closure {
		for obj := range idx.directPermBySubject[pairKey(node, capability)] {
			if !seen[obj] {
				seen[obj] = true
				objects = append(objects, obj)
			}
		}
	}

	if cacheOn {
		idx.cache.Add(key, append([]string(nil), objects...))
		idx.rememberKey(key, subject, capability)
	}
	return objects, nil
}

// Accessors returns every (subject, source) pair that can reach object
// under capability, traversing the reverse maps.
func (idx *Index) Accessors(ctx context.Context, object, capability string) ([]Accessor, error) {
	var out []Accessor
	seen := make(map[string]bool)

	for subj := range idx.directPermByObject[pairKey(object, capability)] {
		out = append(out, Accessor{Subject: subj, Source: SourceDirect})
		seen[subj] = true
	}

	// Walk backwards from every direct grantee through group-like reverse
	// edges to find indirect (group/inherited) accessors.
	var frontier []string
	for subj := range idx.directPermByObject[pairKey(object, capability)] {
		frontier = append(frontier, subj)
	}

	visited := make(map[string]bool, len(frontier))
	for _, f := range frontier {
		visited[f] = true
	}

	depth := 0
	for len(frontier) > 0 && depth <= MaxTraversal {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var next []string
		for _, node := range frontier {
			for relType, groupLike := range idx.groupLike {
				if !groupLike {
					continue
				}
				for _, ref := range idx.reverse[relType][node] {
					member := ref.target
					if visited[member] {
						continue
					}
					visited[member] = true
					if !seen[member] {
						seen[member] = true
						out = append(out, Accessor{Subject: member, Source: SourceGroup})
					}
					next = append(next, member)
				}
			}
		}
		frontier = next
		depth++
	}

	return out, nil
}

// groupClosure returns every node reachable from subject via group-like
// edges (inclusive of subject itself), bounded by MaxTraversal and a
// visited set (self-loops are a tolerated no-op).
func (idx *Index) groupClosure(ctx context.Context, subject string) (map[string]bool, error) {
	visited := map[string]bool{subject: true}
	queue := []string{subject}
	depth := 0

	for len(queue) > 0 && depth <= MaxTraversal {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var next []string
		for _, node := range queue {
			for relType, groupLike := range idx.groupLike {
				if !groupLike {
					continue
				}
				for _, ref := range idx.forward[relType][node] {
					if visited[ref.target] {
						continue
					}
					visited[ref.target] = true
					next = append(next, ref.target)
				}
			}
		}
		queue = next
		depth++
	}
	return visited, nil
}
