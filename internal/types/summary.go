package types

import "time"

// Summary is reported once a campaign finishes.
type Summary struct {
	CampaignId       string        `json:"campaign_id"`
	Executions       uint64        `json:"executions"`
	Interesting      uint64        `json:"interesting"`
	Unique           uint64        `json:"unique"`
	Skipped          uint64        `json:"skipped"`
	ExecErrors       uint64        `json:"exec_errors"`
	GeneratorErrors  uint64        `json:"generator_errors"`
	Minimized        uint64        `json:"minimized"`
	MinimizeDeferred uint64        `json:"minimize_deferred"` // handed off to a remote reducer
	MinimizeDropped  uint64        `json:"minimize_dropped"`  // never started before shutdown
	Elapsed          time.Duration `json:"elapsed"`
	Interrupted      bool          `json:"interrupted"`
	Artifacts        []string      `json:"artifacts"`
}

func (s *Summary) ExecsPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Executions) / s.Elapsed.Seconds()
}
