package database

import (
	"context"
	"path/filepath"
	"strings"

	"treefuzz/internal/types"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// inserts crash records, skipping signatures already in the ledger
func AddCrashes(ctx context.Context, db *gorm.DB, crashes []*Crash) error {
	if len(crashes) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "signature"}}, DoNothing: true}).
		Create(crashes).Error
}

// NewCrash creates a ledger record for an artifact persisted at path.
func NewCrash(path string, meta *types.ArtifactMeta) *Crash {
	var target string
	if len(meta.Command) > 0 {
		target = filepath.Base(meta.Command[0])
	}
	return &Crash{
		CampaignID: meta.CampaignId,
		Signature:  string(meta.Signature),
		CreatedAt:  meta.Timestamp,
		Path:       path,
		Target:     target,
		Rule:       meta.Evidence.Rule,
		Detail:     meta.Evidence.Detail,
		Status:     meta.ExitKind,
		Metric: Metric{
			"generation_id": meta.GenerationId,
			"seeds":         strings.Join(meta.Seeds, ","),
			"exit_code":     meta.ExitCode,
			"duration_ms":   meta.DurationMs,
		},
	}
}
