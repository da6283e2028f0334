package generator

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHavocDoesNotModifySeeds(t *testing.T) {
	seeds := [][]byte{[]byte("let a = 1;"), []byte("f(a, b)")}
	before := [][]byte{append([]byte(nil), seeds[0]...), append([]byte(nil), seeds[1]...)}
	h := &Havoc{Chaos: 30, Deletions: 30, Mutations: 32, MaxSize: 1 << 10}

	rng := rand.New(rand.NewPCG(3, 4))
	for i := 0; i < 100; i++ {
		_, err := h.Generate(context.Background(), seeds, rng)
		require.NoError(t, err)
	}
	assert.Equal(t, before, seeds)
}

func TestHavocMaxSize(t *testing.T) {
	seeds := [][]byte{[]byte("aaaa bbbb cccc dddd"), []byte("(((( )))) [[[[ ]]]]")}
	h := &Havoc{Mutations: 64, MaxSize: 24}

	rng := rand.New(rand.NewPCG(5, 6))
	for i := 0; i < 100; i++ {
		out, err := h.Generate(context.Background(), seeds, rng)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(out), 24)
	}
}

func TestHavocMutates(t *testing.T) {
	seeds := [][]byte{[]byte("let a = [1, 2, 3];"), []byte("while (true) { x++; }")}
	h := &Havoc{Chaos: 5, Deletions: 5, Mutations: 16, MaxSize: 1 << 10}

	rng := rand.New(rand.NewPCG(8, 9))
	distinct := map[string]bool{}
	for i := 0; i < 50; i++ {
		out, err := h.Generate(context.Background(), seeds, rng)
		require.NoError(t, err)
		distinct[string(out)] = true
	}
	assert.Greater(t, len(distinct), 10)
}

func TestHavocEmptySeed(t *testing.T) {
	h := &Havoc{Chaos: 50, Deletions: 25, Mutations: 16, MaxSize: 64}
	rng := rand.New(rand.NewPCG(1, 1))
	for i := 0; i < 50; i++ {
		_, err := h.Generate(context.Background(), [][]byte{{}, {}}, rng)
		require.NoError(t, err)
	}
}

func TestHavocCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := &Havoc{Mutations: 4, MaxSize: 64}
	_, err := h.Generate(ctx, [][]byte{[]byte("x")}, rand.New(rand.NewPCG(1, 1)))
	require.ErrorIs(t, err, context.Canceled)
}

func TestBoundaries(t *testing.T) {
	assert.Equal(t, []int{0, 3, 4, 5, 6, 7}, boundaries([]byte("let a=1")))
	assert.Equal(t, []int{0}, boundaries(nil))
}
