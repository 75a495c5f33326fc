package routing

import (
	"sort"
	"sync"
	"time"
)

// TierStatistics counts resolutions produced by one tier.
type TierStatistics struct {
	MatchedBy   MatchedBy        `json:"matchedBy"`
	Count       int64            `json:"count"`
	FirstUsed   int64            `json:"firstUsed"`
	LastUsed    int64            `json:"lastUsed"`
	AgentCounts map[string]int64 `json:"agentCounts"`
}

// GlobalStatistics aggregates all resolutions.
type GlobalStatistics struct {
	TotalResolutions int64 `json:"totalResolutions"`
	// Fallbacks counts bindings whose agent was not configured.
	Fallbacks int64 `json:"fallbacks"`
}

// StatisticsTracker tracks per-tier routing statistics.
type StatisticsTracker struct {
	stats       map[MatchedBy]*TierStatistics
	globalStats GlobalStatistics
	now         func() time.Time
	mu          sync.RWMutex
}

// NewStatisticsTracker creates a new statistics tracker
func NewStatisticsTracker() *StatisticsTracker {
	return &StatisticsTracker{
		stats: make(map[MatchedBy]*TierStatistics),
		now:   time.Now,
	}
}

// RecordMatch records a resolution for the given tier and agent.
func (st *StatisticsTracker) RecordMatch(tier MatchedBy, agentID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	stats := st.getOrCreateStats(tier)
	stats.Count++
	stats.AgentCounts[agentID]++
	stats.LastUsed = st.now().UnixMilli()
	if stats.FirstUsed == 0 {
		stats.FirstUsed = stats.LastUsed
	}

	st.globalStats.TotalResolutions++
}

// RecordFallback records a binding whose agent id was not configured.
func (st *StatisticsTracker) RecordFallback() {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.globalStats.Fallbacks++
}

// GetTierStatistics returns a copy of one tier's statistics, or nil.
func (st *StatisticsTracker) GetTierStatistics(tier MatchedBy) *TierStatistics {
	st.mu.RLock()
	defer st.mu.RUnlock()

	stats, exists := st.stats[tier]
	if !exists {
		return nil
	}
	return copyTierStats(stats)
}

// GetAllStatistics returns copies of every tier's statistics in priority order.
func (st *StatisticsTracker) GetAllStatistics() []*TierStatistics {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make([]*TierStatistics, 0, len(st.stats))
	for _, stats := range st.stats {
		result = append(result, copyTierStats(stats))
	}
	sort.Slice(result, func(i, j int) bool {
		return tierRank(result[i].MatchedBy) < tierRank(result[j].MatchedBy)
	})
	return result
}

// GetGlobalStatistics returns aggregated statistics
func (st *StatisticsTracker) GetGlobalStatistics() GlobalStatistics {
	st.mu.RLock()
	defer st.mu.RUnlock()

	return st.globalStats
}

// ResetStatistics resets one tier, or everything when tier is empty.
func (st *StatisticsTracker) ResetStatistics(tier MatchedBy) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if tier == "" {
		st.stats = make(map[MatchedBy]*TierStatistics)
		st.globalStats = GlobalStatistics{}
		return
	}
	delete(st.stats, tier)
}

func (st *StatisticsTracker) getOrCreateStats(tier MatchedBy) *TierStatistics {
	if stats, exists := st.stats[tier]; exists {
		return stats
	}

	stats := &TierStatistics{
		MatchedBy:   tier,
		AgentCounts: make(map[string]int64),
	}
	st.stats[tier] = stats
	return stats
}

func copyTierStats(stats *TierStatistics) *TierStatistics {
	statsCopy := *stats
	statsCopy.AgentCounts = make(map[string]int64, len(stats.AgentCounts))
	for k, v := range stats.AgentCounts {
		statsCopy.AgentCounts[k] = v
	}
	return &statsCopy
}

func tierRank(tier MatchedBy) int {
	for i, t := range Tiers {
		if t == tier {
			return i
		}
	}
	return len(Tiers)
}
