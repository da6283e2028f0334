package database

import (
	"context"
	"os"
	"testing"
	"time"

	"treefuzz/config"
	"treefuzz/internal/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zaptest"
)

func testMeta() *types.ArtifactMeta {
	return &types.ArtifactMeta{
		Signature:    "0123456789abcdef0123456789abcdef01234567",
		CampaignId:   "campaign-1",
		GenerationId: "0-17",
		Seeds:        []string{"a.js", "b.js"},
		Command:      []string{"/usr/bin/node", "--check", "@@"},
		Evidence:     types.Evidence{Rule: "signal", Detail: "SIGSEGV"},
		ExitKind:     "signal",
		ExitCode:     -1,
		Signal:       11,
		DurationMs:   42,
		Timestamp:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestNewCrash(t *testing.T) {
	crash := NewCrash("out/crash-0123.js", testMeta())
	assert.Equal(t, "campaign-1", crash.CampaignID)
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", crash.Signature)
	assert.Equal(t, "node", crash.Target)
	assert.Equal(t, "signal", crash.Rule)
	assert.Equal(t, "SIGSEGV", crash.Detail)
	assert.Equal(t, "signal", crash.Status)
	assert.Equal(t, "a.js,b.js", crash.Metric["seeds"])
	assert.Equal(t, int64(42), crash.Metric["duration_ms"])
}

func TestMetricValueScan(t *testing.T) {
	var nilMetric Metric
	v, err := nilMetric.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = Metric{"seeds": "a.js"}.Value()
	require.NoError(t, err)

	var m Metric
	require.NoError(t, m.Scan(v))
	assert.Equal(t, "a.js", m["seeds"])

	require.NoError(t, m.Scan(nil))
	assert.Nil(t, m)
	assert.Error(t, m.Scan(17))
}

func TestUnconfigured(t *testing.T) {
	cfg := &config.AppConfig{}
	db, err := NewDBConnection(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, db)

	client, err := NewRedisClient(RedisParams{Config: cfg, Logger: zaptest.NewLogger(t), Lifecycle: fxtest.NewLifecycle(t)})
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestLedger(t *testing.T) {
	url := os.Getenv("TREEFUZZ_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TREEFUZZ_TEST_DATABASE_URL not set")
	}
	db, err := NewDBConnection(&config.AppConfig{DatabaseURL: url}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	meta := testMeta()
	meta.CampaignId = uuid.NewString()
	meta.Signature = types.Signature(uuid.NewString())

	require.NoError(t, AddCrashes(ctx, db, []*Crash{NewCrash("a", meta)}))
	// a second campaign with the same signature is ignored
	require.NoError(t, AddCrashes(ctx, db, []*Crash{NewCrash("b", meta)}))

	var crashes []Crash
	require.NoError(t, db.WithContext(ctx).Where("campaign_id = ?", meta.CampaignId).Find(&crashes).Error)
	require.Len(t, crashes, 1)
	assert.Equal(t, "a", crashes[0].Path)
	t.Cleanup(func() { db.Where("campaign_id = ?", meta.CampaignId).Delete(&Crash{}) })
}
