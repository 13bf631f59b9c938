// Package pqueue implements the hub's multi-level priority queue with
// deadline-aware ordering, per-service dequeue quotas, and aged-message
// eviction.
//
// Ordering is "mostly" by priority: dequeue samples the five levels by a fixed
// weight table rather than draining strictly top-down, so lower levels are
// never starved outright. Within a level, messages order by a computed score
// that folds in deadline pressure, age-based fairness, and FIFO tiebreaking.
package pqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/greyhelm/messagehub/internal/config"
	"github.com/greyhelm/messagehub/internal/metrics"
	"github.com/greyhelm/messagehub/internal/types"
)

// levelCount is the number of priority levels (Critical..Deferred).
const levelCount = 5

// dequeueWeights is the fixed proportional share of a dequeue batch granted
// to each priority level. Critical gets the largest share.
var dequeueWeights = [levelCount]float64{0.40, 0.25, 0.20, 0.10, 0.05}

// deadlineWindow is the horizon over which an approaching deadline ramps the
// deadline boost from 0 to deadlineBoostMax.
const (
	deadlineWindow   = 5 * time.Minute
	deadlineBoostMax = 500.0
)

// downgradeAfterAttempts is the requeue count after which a message's
// priority is demoted one level.
const downgradeAfterAttempts = 3

// Manager is the multi-level priority queue. All methods are safe for
// concurrent use.
type Manager struct {
	cfg     config.QueueConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu sync.Mutex
	// levels[p][service] holds the queued messages of one priority level for
	// one destination service, unordered; ordering is computed at dequeue.
	levels   [levelCount]map[types.ServiceType][]*types.PrioritizedMessage
	size     int
	limiters map[types.ServiceType]*rate.Limiter
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source (testing).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// New creates a Manager with the given queue configuration.
func New(cfg config.QueueConfig, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		limiters: make(map[types.ServiceType]*rate.Limiter),
	}
	for i := range m.levels {
		m.levels[i] = make(map[types.ServiceType][]*types.PrioritizedMessage)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue adds a message at the given priority. It returns false when the
// queue is at capacity; callers must surface this as an overflow rejection.
// Above the throttle watermark the enqueue still succeeds but is counted and
// logged so operators see pressure building before rejections start.
func (m *Manager) Enqueue(msg types.ServiceMessage, prio types.Priority, deadline *time.Time) bool {
	pm := &types.PrioritizedMessage{
		Message:    msg,
		Priority:   prio,
		EnqueuedAt: m.now(),
		Deadline:   deadline,
	}
	return m.insert(pm)
}

// Requeue re-inserts a message after a failed processing attempt.
// The attempt count is incremented, and after enough attempts the message is
// demoted one priority level so persistent failures stop crowding out fresh
// traffic. Returns false on overflow.
func (m *Manager) Requeue(pm types.PrioritizedMessage) bool {
	pm.AttemptCount++
	if pm.AttemptCount >= downgradeAfterAttempts && pm.Priority < types.PriorityDeferred {
		pm.Priority++
	}
	return m.insert(&pm)
}

func (m *Manager) insert(pm *types.PrioritizedMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.size >= m.cfg.MaxQueueSize {
		if m.metrics != nil {
			m.metrics.QueueRejected.Inc()
		}
		m.logger.Warn("queue overflow, message rejected",
			"message_id", pm.Message.ID, "priority", pm.Priority.String())
		return false
	}

	if float64(m.size) >= m.cfg.ThrottleWatermark*float64(m.cfg.MaxQueueSize) {
		if m.metrics != nil {
			m.metrics.QueueThrottle.Inc()
		}
		m.logger.Warn("queue above throttle watermark",
			"size", m.size, "max", m.cfg.MaxQueueSize)
	}

	dest := pm.Message.Destination
	m.levels[pm.Priority][dest] = append(m.levels[pm.Priority][dest], pm)
	m.size++
	m.updateDepthGauges()
	return true
}

// Dequeue removes and returns up to batchSize messages. When service is
// non-empty only that destination's messages are considered. The batch is
// filled by weighted sampling across priority levels first, then topped up in
// strict priority order, so a Critical message always beats a Deferred one
// when batchSize is 1.
//
// Per-service token-bucket quotas bound how many messages a single
// destination can consume per second; messages for throttled destinations
// stay queued.
func (m *Manager) Dequeue(service types.ServiceType, batchSize int) []types.PrioritizedMessage {
	if batchSize <= 0 {
		batchSize = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.PrioritizedMessage, 0, batchSize)

	// Weighted pass: give each level its proportional share of the batch.
	for p := 0; p < levelCount && len(out) < batchSize; p++ {
		share := int(dequeueWeights[p] * float64(batchSize))
		if share < 1 {
			share = 1
		}
		if remaining := batchSize - len(out); share > remaining {
			share = remaining
		}
		out = append(out, m.takeFromLevel(types.Priority(p), service, share)...)
	}

	// Top-up pass: fill any remaining capacity in strict priority order.
	for p := 0; p < levelCount && len(out) < batchSize; p++ {
		out = append(out, m.takeFromLevel(types.Priority(p), service, batchSize-len(out))...)
	}

	m.updateDepthGauges()
	return out
}

// takeFromLevel removes up to n lowest-scoring messages from one priority
// level, honoring per-service quotas. Caller must hold m.mu.
func (m *Manager) takeFromLevel(p types.Priority, service types.ServiceType, n int) []types.PrioritizedMessage {
	var out []types.PrioritizedMessage
	now := m.now()

	for len(out) < n {
		var (
			bestSvc types.ServiceType
			bestIdx = -1
			best    float64
		)
		for svc, msgs := range m.levels[p] {
			if service != "" && svc != service {
				continue
			}
			if len(msgs) == 0 {
				continue
			}
			// Eligibility only; the token is charged below, to the one
			// service whose message is actually taken.
			if m.limiter(svc).Tokens() < 1 {
				continue
			}
			idx, score := lowestScore(msgs, now, m.cfg.AgeBoostCap)
			if bestIdx == -1 || score < best {
				bestSvc, bestIdx, best = svc, idx, score
			}
		}
		if bestIdx == -1 {
			break
		}
		if !m.limiter(bestSvc).Allow() {
			break
		}

		msgs := m.levels[p][bestSvc]
		pm := msgs[bestIdx]
		m.levels[p][bestSvc] = append(msgs[:bestIdx], msgs[bestIdx+1:]...)
		m.size--
		out = append(out, *pm)
	}
	return out
}

// lowestScore returns the index and score of the minimum-scoring message.
func lowestScore(msgs []*types.PrioritizedMessage, now time.Time, ageBoostCap float64) (int, float64) {
	bestIdx, best := 0, score(msgs[0], now, ageBoostCap)
	for i := 1; i < len(msgs); i++ {
		if s := score(msgs[i], now, ageBoostCap); s < best {
			bestIdx, best = i, s
		}
	}
	return bestIdx, best
}

// score computes the dequeue ordering key. Lower dequeues first.
//
//	score = priority*1000 - deadline_boost - age_boost + enqueue_time/1e15
//
// The deadline boost ramps to deadlineBoostMax as the deadline approaches
// (and stays maxed once overdue). The age boost grows one point per queued
// second up to the configured cap, guaranteeing eventual fairness. The
// enqueue-time term is scaled down to fractions of a point so it only breaks
// ties (FIFO among otherwise identical messages) and never outweighs a boost.
func score(pm *types.PrioritizedMessage, now time.Time, ageBoostCap float64) float64 {
	s := float64(pm.Priority) * 1000

	if pm.Deadline != nil {
		left := pm.Deadline.Sub(now)
		if left <= 0 {
			s -= deadlineBoostMax
		} else if left < deadlineWindow {
			s -= deadlineBoostMax * (1 - float64(left)/float64(deadlineWindow))
		}
	}

	age := now.Sub(pm.EnqueuedAt).Seconds()
	if age > ageBoostCap {
		age = ageBoostCap
	}
	if age > 0 {
		s -= age
	}

	s += float64(pm.EnqueuedAt.UnixNano()) / 1e15
	return s
}

// limiter returns the token bucket for a destination, creating it on first
// use. Caller must hold m.mu.
func (m *Manager) limiter(svc types.ServiceType) *rate.Limiter {
	l, ok := m.limiters[svc]
	if !ok {
		l = rate.NewLimiter(rate.Limit(m.cfg.PerServiceRate), m.cfg.PerServiceRate)
		m.limiters[svc] = l
	}
	return l
}

// Len returns the total number of queued messages.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Depths returns the number of queued messages per priority level.
func (m *Manager) Depths() map[types.Priority]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[types.Priority]int, levelCount)
	for p := 0; p < levelCount; p++ {
		n := 0
		for _, msgs := range m.levels[p] {
			n += len(msgs)
		}
		out[types.Priority(p)] = n
	}
	return out
}

// Sweep evicts Low and Deferred messages older than the configured maximum
// age and returns the number evicted.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.cfg.SweepMaxAge)
	evicted := 0

	for _, p := range []types.Priority{types.PriorityLow, types.PriorityDeferred} {
		for svc, msgs := range m.levels[p] {
			kept := msgs[:0]
			for _, pm := range msgs {
				if pm.EnqueuedAt.Before(cutoff) {
					evicted++
					m.size--
					continue
				}
				kept = append(kept, pm)
			}
			m.levels[p][svc] = kept
		}
	}

	if evicted > 0 {
		if m.metrics != nil {
			m.metrics.QueueEvicted.Add(float64(evicted))
		}
		m.logger.Info("evicted aged low-priority messages", "count", evicted)
		m.updateDepthGauges()
	}
	return evicted
}

// RunSweep runs Sweep on the configured interval until ctx is cancelled.
func (m *Manager) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// updateDepthGauges refreshes queue depth metrics. Caller must hold m.mu.
func (m *Manager) updateDepthGauges() {
	if m.metrics == nil {
		return
	}
	for p := 0; p < levelCount; p++ {
		n := 0
		for _, msgs := range m.levels[p] {
			n += len(msgs)
		}
		m.metrics.QueueDepth.WithLabelValues(types.Priority(p).String()).Set(float64(n))
	}
}
