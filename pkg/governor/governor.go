// Package governor caps concurrent agent invocations with a counting
// semaphore and tracks outstanding usage for operational visibility.
package governor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/forge/pkg/logging"
)

// DefaultMaxConcurrent is used when configuration does not provide a cap.
const DefaultMaxConcurrent = 5

// Usage describes one outstanding lease.
type Usage struct {
	AgentName string    `json:"agent_name"`
	StartedAt time.Time `json:"started_at"`
	TaskID    string    `json:"task_id,omitempty"`
}

// Stats is a snapshot of governor state.
type Stats struct {
	MaxConcurrent int           `json:"max_concurrent"`
	Active        int           `json:"active"`
	Available     int           `json:"available"`
	TotalAcquired uint64        `json:"total_acquired"`
	TotalReleased uint64        `json:"total_released"`
	ActiveUsages  []ActiveUsage `json:"active_usages,omitempty"`
}

// ActiveUsage is a Usage with its running duration.
type ActiveUsage struct {
	Usage
	Duration time.Duration `json:"duration"`
}

// Governor admits at most maxConcurrent agents at a time. Acquire blocks
// when the limit is reached; it never rejects.
type Governor struct {
	mu sync.Mutex

	maxConcurrent int
	slots         chan struct{}

	nextID        uint64
	active        map[uint64]Usage
	totalAcquired uint64
	totalReleased uint64

	log *logging.Manager
}

// New creates a governor with the given concurrency cap.
func New(maxConcurrent int, log *logging.Manager) *Governor {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if log == nil {
		log = logging.Default()
	}
	return &Governor{
		maxConcurrent: maxConcurrent,
		slots:         make(chan struct{}, maxConcurrent),
		active:        make(map[uint64]Usage),
		log:           log,
	}
}

// Lease represents one admitted agent slot. Release is idempotent and
// must be called on every exit path; defer it right after Acquire.
type Lease struct {
	g    *Governor
	id   uint64
	once sync.Once
}

// Release returns the slot to the governor.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.g.release(l.id)
	})
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (g *Governor) Acquire(ctx context.Context, agentName, taskID string) (*Lease, error) {
	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	g.mu.Lock()
	g.nextID++
	id := g.nextID
	g.active[id] = Usage{
		AgentName: agentName,
		StartedAt: time.Now().UTC(),
		TaskID:    taskID,
	}
	g.totalAcquired++
	activeCount := len(g.active)
	g.mu.Unlock()

	g.log.Emit(logging.NewEvent(logging.LevelDebug, logging.SourceInfrastructure,
		"agent slot acquired").
		WithTask(taskID).
		WithPayload("agent", agentName).
		WithPayload("active", activeCount).
		WithPayload("max", g.maxConcurrent))

	return &Lease{g: g, id: id}, nil
}

func (g *Governor) release(id uint64) {
	g.mu.Lock()
	usage, ok := g.active[id]
	if ok {
		delete(g.active, id)
		g.totalReleased++
	}
	g.mu.Unlock()

	if !ok {
		// Already force-released by CleanupOldest.
		return
	}

	<-g.slots

	g.log.Emit(logging.NewEvent(logging.LevelDebug, logging.SourceInfrastructure,
		"agent slot released").
		WithTask(usage.TaskID).
		WithPayload("agent", usage.AgentName).
		WithPayload("duration_ms", time.Since(usage.StartedAt).Milliseconds()))
}

// CleanupOldest force-releases the earliest outstanding lease. Intended
// for operational recovery only; the action is logged as a WARNING.
// Returns false when no lease is outstanding.
func (g *Governor) CleanupOldest() bool {
	g.mu.Lock()

	var oldestID uint64
	var oldest Usage
	found := false
	for id, u := range g.active {
		if !found || u.StartedAt.Before(oldest.StartedAt) {
			oldestID, oldest, found = id, u, true
		}
	}
	if found {
		delete(g.active, oldestID)
		g.totalReleased++
	}
	g.mu.Unlock()

	if !found {
		return false
	}

	<-g.slots

	g.log.Emit(logging.NewEvent(logging.LevelWarning, logging.SourceInfrastructure,
		"force-released oldest agent lease").
		WithTask(oldest.TaskID).
		WithPayload("agent", oldest.AgentName).
		WithPayload("held_for_ms", time.Since(oldest.StartedAt).Milliseconds()))

	return true
}

// Stats returns a snapshot of current usage.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	usages := make([]ActiveUsage, 0, len(g.active))
	now := time.Now().UTC()
	for _, u := range g.active {
		usages = append(usages, ActiveUsage{Usage: u, Duration: now.Sub(u.StartedAt)})
	}
	sort.Slice(usages, func(i, j int) bool {
		return usages[i].StartedAt.Before(usages[j].StartedAt)
	})

	return Stats{
		MaxConcurrent: g.maxConcurrent,
		Active:        len(g.active),
		Available:     g.maxConcurrent - len(g.active),
		TotalAcquired: g.totalAcquired,
		TotalReleased: g.totalReleased,
		ActiveUsages:  usages,
	}
}

var (
	globalGovernor *Governor
	globalMu       sync.Mutex
)

// Default returns the process-wide governor, creating it on first use
// with the given cap. Later calls ignore the argument.
func Default(maxConcurrent int) *Governor {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalGovernor == nil {
		globalGovernor = New(maxConcurrent, nil)
	}
	return globalGovernor
}
