package types

import "time"

// ArtifactMeta is the metadata record stored next to every persisted crash.
type ArtifactMeta struct {
	Signature    Signature `json:"signature"`
	CampaignId   string    `json:"campaign_id"`
	GenerationId string    `json:"generation_id"`
	Seeds        []string  `json:"seeds"`
	Command      []string  `json:"command"`
	Evidence     Evidence  `json:"evidence"`
	ExitKind     string    `json:"exit_kind"`
	ExitCode     int       `json:"exit_code"`
	Signal       int       `json:"signal,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// Artifact is a persisted unique crash.
type Artifact struct {
	Path      string
	Signature Signature
	Data      []byte
	Meta      ArtifactMeta
}

// MinimizeRequest is published to the minimization queue when a remote reducer is used.
type MinimizeRequest struct {
	CampaignId   string    `json:"campaign_id"`
	Signature    Signature `json:"signature"`
	ArtifactPath string    `json:"artifact_path"`
	OutputPath   string    `json:"output_path"`
	CheckArgv    []string  `json:"check"`
}
