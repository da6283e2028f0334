//go:build unix

package generator

import (
	"context"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand(t *testing.T) {
	c := NewCommand([]string{"/bin/sh", "-c", `cat; printf ' #%s' "$1"`, "sh", SeedPlaceholder}, 1<<10)

	out, err := c.Generate(context.Background(), [][]byte{[]byte("seed")}, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "seed #"), string(out))

	again, err := c.Generate(context.Background(), [][]byte{[]byte("seed")}, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestCommandLimitsOutput(t *testing.T) {
	c := NewCommand([]string{"/bin/sh", "-c", "head -c 100000 /dev/zero"}, 100)
	out, err := c.Generate(context.Background(), [][]byte{nil}, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	assert.Len(t, out, 100)
}

func TestCommandFailure(t *testing.T) {
	c := NewCommand([]string{"/bin/sh", "-c", "echo broken >&2; exit 3"}, 1<<10)
	_, err := c.Generate(context.Background(), [][]byte{nil}, rand.New(rand.NewPCG(1, 2)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestCommandKilledOnTimeout(t *testing.T) {
	c := NewCommand([]string{"/bin/sh", "-c", "sleep 30"}, 1<<10)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Generate(ctx, [][]byte{nil}, rand.New(rand.NewPCG(1, 2)))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}
