package timeout

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// profileSnapshot is the on-disk representation of a domain's learned state,
// written as JSON to <state_dir>/timeout-profiles.json so profiles survive a
// restart.
type profileSnapshot struct {
	Domain             string `json:"domain"`
	TimeoutMs          int64  `json:"timeout_ms"`
	ConsecutiveSuccess int    `json:"consecutive_successes"`
	ConsecutiveFailure int    `json:"consecutive_failures"`
	TotalRequests      uint64 `json:"total_requests"`
	SuccessfulRequests uint64 `json:"successful_requests"`
}

// SaveProfiles writes the learner's current per-domain state to path,
// creating parent directories as needed.
func (l *Learner) SaveProfiles(path string) error {
	snapshots := l.snapshot()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(snapshots, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal timeout profiles: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write timeout profiles: %w", err)
	}
	return nil
}

// LoadProfiles restores per-domain state from a prior SaveProfiles call. A
// missing file is not an error: the learner simply starts cold.
func (l *Learner) LoadProfiles(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read timeout profiles: %w", err)
	}
	var snapshots []profileSnapshot
	if err := json.Unmarshal(data, &snapshots); err != nil {
		return fmt.Errorf("parse timeout profiles: %w", err)
	}
	for _, s := range snapshots {
		p := l.profileFor(s.Domain)
		p.mu.Lock()
		p.timeout = time.Duration(s.TimeoutMs) * time.Millisecond
		p.consecutiveSuccess = s.ConsecutiveSuccess
		p.consecutiveFailures = s.ConsecutiveFailure
		p.totalRequests = s.TotalRequests
		p.successfulRequests = s.SuccessfulRequests
		p.mu.Unlock()
	}
	return nil
}

func (l *Learner) snapshot() []profileSnapshot {
	var out []profileSnapshot
	for _, shard := range l.shards {
		shard.mu.RLock()
		for domain, p := range shard.profiles {
			p.mu.Lock()
			out = append(out, profileSnapshot{
				Domain:             domain,
				TimeoutMs:          p.timeout.Milliseconds(),
				ConsecutiveSuccess: p.consecutiveSuccess,
				ConsecutiveFailure: p.consecutiveFailures,
				TotalRequests:      p.totalRequests,
				SuccessfulRequests: p.successfulRequests,
			})
			p.mu.Unlock()
		}
		shard.mu.RUnlock()
	}
	return out
}
