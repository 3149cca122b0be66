package scheduler

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/stratus/internal/interfaces"
	"github.com/ternarybob/stratus/internal/metrics"
)

// StaticPodLister reads pod counts from configuration, with per-service
// PODS_<name> environment overrides. The container runtime is an external
// collaborator; deployments that scale dynamically plug in their own
// PodLister.
type StaticPodLister struct {
	counts map[string]int
}

// NewStaticPodLister creates a lister over configured counts
func NewStaticPodLister(counts map[string]int) *StaticPodLister {
	if counts == nil {
		counts = map[string]int{}
	}
	return &StaticPodLister{counts: counts}
}

func (l *StaticPodLister) CountPods(ctx context.Context, serviceID string) (int, error) {
	if v := os.Getenv("PODS_" + envKey(serviceID)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n, nil
		}
	}
	if n, ok := l.counts[serviceID]; ok {
		return n, nil
	}
	return 1, nil
}

func envKey(serviceID string) string {
	r := strings.NewReplacer("/", "_", ":", "_", ".", "_", "-", "_")
	return strings.ToUpper(r.Replace(serviceID))
}

type cachedCount struct {
	count   int
	fetched time.Time
}

// CachedPodLister wraps another lister with a short TTL cache so pod lookups
// do not sit on the scheduling hot path.
type CachedPodLister struct {
	inner interfaces.PodLister
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]cachedCount
}

// NewCachedPodLister creates a TTL cache over the given lister
func NewCachedPodLister(inner interfaces.PodLister, ttl time.Duration) *CachedPodLister {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &CachedPodLister{
		inner: inner,
		ttl:   ttl,
		cache: make(map[string]cachedCount),
	}
}

func (l *CachedPodLister) CountPods(ctx context.Context, serviceID string) (int, error) {
	l.mu.Lock()
	if entry, ok := l.cache[serviceID]; ok && time.Since(entry.fetched) < l.ttl {
		l.mu.Unlock()
		return entry.count, nil
	}
	l.mu.Unlock()

	start := time.Now()
	count, err := l.inner.CountPods(ctx, serviceID)
	metrics.PodLookupDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	l.cache[serviceID] = cachedCount{count: count, fetched: time.Now()}
	l.mu.Unlock()
	return count, nil
}
