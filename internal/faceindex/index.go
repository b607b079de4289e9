package faceindex

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/technosupport/ts-frs/internal/metrics"
)

// Dim is the embedding dimensionality the index accepts.
const Dim = 128

var (
	ErrBadVector      = errors.New("vector must be 128-dimensional and unit-norm")
	ErrTenantRequired = errors.New("tenant id is required")
)

// Entry is one enrolled face vector.
type Entry struct {
	FaceID   string
	PersonID string
	TenantID string
	Vector   []float32
}

// Match is a query result, nearest first. Distance is cosine distance
// (1 - dot product for unit vectors), in [0, 2].
type Match struct {
	Entry    Entry
	Distance float32
}

// snapshot is an immutable view of the whole index. Readers grab the pointer
// and never see a partial update; writers clone, mutate and republish.
type snapshot struct {
	byTenant map[string][]Entry
	total    int
	loadedAt time.Time
}

// Source supplies the persisted vectors for a full (re)build.
type Source interface {
	ListActiveVectors(ctx context.Context) ([]Entry, error)
}

// Index is an in-memory, tenant-partitioned face vector index. Queries are
// exact brute-force cosine scans, which stays comfortably fast for the face
// counts a single deployment carries.
type Index struct {
	writeMu sync.Mutex
	snap    atomic.Pointer[snapshot]
}

func New() *Index {
	idx := &Index{}
	idx.snap.Store(&snapshot{byTenant: make(map[string][]Entry)})
	return idx
}

func validVector(v []float32) bool {
	if len(v) != Dim {
		return false
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	return norm >= 0.99 && norm <= 1.01
}

// Initialize loads every active vector from src, replacing the current
// contents. Invalid stored vectors are skipped with a log line rather than
// failing the whole build.
func (idx *Index) Initialize(ctx context.Context, src Source) error {
	started := time.Now()
	entries, err := src.ListActiveVectors(ctx)
	if err != nil {
		return fmt.Errorf("load face vectors: %w", err)
	}

	byTenant := make(map[string][]Entry)
	skipped := 0
	total := 0
	for _, e := range entries {
		if e.TenantID == "" || !validVector(e.Vector) {
			skipped++
			continue
		}
		byTenant[e.TenantID] = append(byTenant[e.TenantID], e)
		total++
	}

	idx.writeMu.Lock()
	idx.snap.Store(&snapshot{byTenant: byTenant, total: total, loadedAt: time.Now()})
	idx.writeMu.Unlock()

	metrics.FaceIndexSize.Set(float64(total))
	log.Printf("[FaceIndex] loaded %d vectors across %d tenants in %s (%d skipped)",
		total, len(byTenant), time.Since(started).Round(time.Millisecond), skipped)
	return nil
}

// Insert adds or replaces one face vector.
func (idx *Index) Insert(e Entry) error {
	if e.TenantID == "" {
		return ErrTenantRequired
	}
	if !validVector(e.Vector) {
		return ErrBadVector
	}

	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	cur := idx.snap.Load()
	next := cloneSnapshot(cur)

	list := next.byTenant[e.TenantID]
	replaced := false
	for i := range list {
		if list[i].FaceID == e.FaceID {
			list[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		next.byTenant[e.TenantID] = append(list, e)
		next.total++
	}
	idx.snap.Store(next)
	metrics.FaceIndexSize.Set(float64(next.total))
	return nil
}

// Remove deletes one face vector. Returns false if it was not present.
func (idx *Index) Remove(tenantID, faceID string) bool {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	cur := idx.snap.Load()
	list, ok := cur.byTenant[tenantID]
	if !ok {
		return false
	}
	pos := -1
	for i := range list {
		if list[i].FaceID == faceID {
			pos = i
			break
		}
	}
	if pos == -1 {
		return false
	}

	next := cloneSnapshot(cur)
	nl := next.byTenant[tenantID]
	next.byTenant[tenantID] = append(nl[:pos:pos], nl[pos+1:]...)
	next.total--
	idx.snap.Store(next)
	metrics.FaceIndexSize.Set(float64(next.total))
	return true
}

func cloneSnapshot(cur *snapshot) *snapshot {
	byTenant := make(map[string][]Entry, len(cur.byTenant))
	for tenant, list := range cur.byTenant {
		cp := make([]Entry, len(list))
		copy(cp, list)
		byTenant[tenant] = cp
	}
	return &snapshot{byTenant: byTenant, total: cur.total, loadedAt: cur.loadedAt}
}

// Query returns the k nearest enrolled faces for the tenant, nearest first.
// The tenant id is mandatory: cross-tenant matches must be impossible.
func (idx *Index) Query(tenantID string, vec []float32, k int) ([]Match, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if !validVector(vec) {
		return nil, ErrBadVector
	}
	if k <= 0 {
		k = 1
	}

	snap := idx.snap.Load()
	list := snap.byTenant[tenantID]
	if len(list) == 0 {
		return nil, nil
	}

	matches := make([]Match, 0, len(list))
	for _, e := range list {
		matches = append(matches, Match{Entry: e, Distance: cosineDistance(vec, e.Vector)})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func cosineDistance(a, b []float32) float32 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(1 - dot)
}

// Stats describes the current snapshot.
type Stats struct {
	TotalFaces int       `json:"totalFaces"`
	Tenants    int       `json:"tenants"`
	LoadedAt   time.Time `json:"loadedAt"`
}

func (idx *Index) Stats() Stats {
	snap := idx.snap.Load()
	return Stats{
		TotalFaces: snap.total,
		Tenants:    len(snap.byTenant),
		LoadedAt:   snap.loadedAt,
	}
}
