//go:build unix

package classify

import (
	"context"
	"testing"
	"time"

	"treefuzz/config"
	"treefuzz/internal/executor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// replaying the same input must reproduce the same verdict and evidence
func TestCheckReplayDeterministic(t *testing.T) {
	e, err := executor.New(executor.Options{
		Command:     []string{"/bin/sh", "-c", `grep -q crash "$1" && { echo "fault at 0x$$" >&2; kill -s ABRT $$; }; exit 0`, "sh", "@@"},
		Timeout:     5 * time.Second,
		GracePeriod: time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	defer e.Close()

	rules, err := FromConfig(config.RulesConfig{Signals: config.DefaultSignals})
	require.NoError(t, err)
	check := NewCheck(e, rules)

	ok, err := check.Interesting(context.Background(), []byte("fine"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, first, err := check.Evaluate(context.Background(), []byte("crash here"))
	require.NoError(t, err)
	require.True(t, first.Interesting())
	for i := 0; i < 3; i++ {
		_, again, err := check.Evaluate(context.Background(), []byte("crash here"))
		require.NoError(t, err)
		require.True(t, again.Interesting())
		assert.Equal(t, first.Evidence.Rule, again.Evidence.Rule)
		assert.Equal(t, first.Evidence.Detail, again.Evidence.Detail)
	}
	assert.Equal(t, "SIGABRT", first.Evidence.Detail)
}
