package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"treefuzz/internal/dedup"
	"treefuzz/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testSignature(detail string) types.Signature {
	return dedup.Sign(&types.Evidence{Rule: "signal", Detail: detail})
}

func testMeta(sig types.Signature) *types.ArtifactMeta {
	return &types.ArtifactMeta{
		Signature:    sig,
		CampaignId:   "campaign",
		GenerationId: "0-7",
		Seeds:        []string{"a.js"},
		Command:      []string{"node", "--check", "@@"},
		Evidence:     types.Evidence{Rule: "signal", Detail: "SIGSEGV"},
		ExitKind:     types.ExitSignal.String(),
		Signal:       11,
		Timestamp:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "out"), ".js", zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestSaveAndLoad(t *testing.T) {
	s := openStore(t)
	sig := testSignature("SIGSEGV")
	candidate := &types.Candidate{Data: []byte("1+1"), Seeds: []string{"a.js"}, GenerationId: "0-7"}
	res := &types.ExecResult{Stdout: []byte("out"), Stderr: []byte("err")}

	path, err := s.Save(candidate, sig, testMeta(sig), res)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), "crash-"+string(sig)+".js"), path)

	for suffix, content := range map[string]string{".stdout": "out", ".stderr": "err"} {
		data, err := os.ReadFile(filepath.Join(s.Dir(), "crash-"+string(sig)+suffix))
		require.NoError(t, err)
		assert.Equal(t, content, string(data))
	}

	art, err := s.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1+1", string(art.Data))
	assert.Equal(t, sig, art.Signature)
	assert.Equal(t, *testMeta(sig), art.Meta)
}

func TestSaveExisting(t *testing.T) {
	s := openStore(t)
	sig := testSignature("SIGSEGV")

	first, err := s.Save(&types.Candidate{Data: []byte("first")}, sig, testMeta(sig), nil)
	require.NoError(t, err)

	second, err := s.Save(&types.Candidate{Data: []byte("second")}, sig, testMeta(sig), nil)
	require.ErrorIs(t, err, types.ErrExists)
	assert.Equal(t, first, second)

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data), "first discoverer wins")
}

func TestSaveConcurrent(t *testing.T) {
	s := openStore(t)
	sig := testSignature("SIGABRT")

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Save(&types.Candidate{Data: []byte("x")}, sig, testMeta(sig), nil)
		}(i)
	}
	wg.Wait()

	saved := 0
	for _, err := range errs {
		if err == nil {
			saved++
		} else {
			require.ErrorIs(t, err, types.ErrExists)
		}
	}
	assert.Equal(t, 1, saved)

	sigs, err := s.Signatures()
	require.NoError(t, err)
	assert.Equal(t, []types.Signature{sig}, sigs)
}

// the input and its sidecars always come from the same writer
func TestSaveConcurrentSidecarsMatchInput(t *testing.T) {
	s := openStore(t)
	for round := range 50 {
		sig := testSignature(fmt.Sprintf("round %d", round))

		var wg sync.WaitGroup
		for writer := range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id := strconv.Itoa(writer)
				meta := testMeta(sig)
				meta.GenerationId = id
				res := &types.ExecResult{Stdout: []byte("stdout " + id), Stderr: []byte("stderr " + id)}
				_, err := s.Save(&types.Candidate{Data: []byte(id)}, sig, meta, res)
				if err != nil {
					assert.ErrorIs(t, err, types.ErrExists)
				}
			}()
		}
		wg.Wait()

		art, err := s.Load(s.Path(sig))
		require.NoError(t, err)
		id := string(art.Data)
		assert.Equal(t, id, art.Meta.GenerationId, "round %d", round)
		for _, stream := range []string{"stdout", "stderr"} {
			data, err := os.ReadFile(filepath.Join(s.Dir(), "crash-"+string(sig)+"."+stream))
			require.NoError(t, err)
			assert.Equal(t, stream+" "+id, string(data), "round %d", round)
		}
	}

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), tempPrefix), entry.Name())
	}
}

// no file under a final name may ever be partial: only temp files may be left behind
func TestNoTempFilesLeft(t *testing.T) {
	s := openStore(t)
	for _, detail := range []string{"SIGSEGV", "SIGILL", "SIGBUS"} {
		sig := testSignature(detail)
		_, err := s.Save(&types.Candidate{Data: []byte(detail)}, sig, testMeta(sig), &types.ExecResult{})
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 12)
	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), tempPrefix), entry.Name())
	}
}

func TestOpenRemovesStaleTemps(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, tempPrefix+"stale")
	fresh := filepath.Join(dir, tempPrefix+"fresh")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("in flight"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	_, err := Open(dir, ".js", zap.NewNop())
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh, "temp files of a running sibling are kept")
}

func TestSignatures(t *testing.T) {
	s := openStore(t)
	sig := testSignature("SIGSEGV")
	_, err := s.Save(&types.Candidate{Data: []byte("x")}, sig, testMeta(sig), &types.ExecResult{})
	require.NoError(t, err)
	_, err = s.SaveMinimized(sig, []byte("y"))
	require.NoError(t, err)

	// metadata without an input is an interrupted save, not an artifact
	orphan := testSignature("SIGFPE")
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "crash-"+string(orphan)+".meta.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("hi"), 0o644))

	sigs, err := s.Signatures()
	require.NoError(t, err)
	assert.Equal(t, []types.Signature{sig}, sigs)
}

func TestSaveMinimized(t *testing.T) {
	s := openStore(t)
	sig := testSignature("SIGSEGV")
	original, err := s.Save(&types.Candidate{Data: []byte("let x = 1 + 1;")}, sig, testMeta(sig), nil)
	require.NoError(t, err)

	path, err := s.SaveMinimized(sig, []byte("1+1"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), "crash-"+string(sig)+".min.js"), path)

	data, err := os.ReadFile(original)
	require.NoError(t, err)
	assert.Equal(t, "let x = 1 + 1;", string(data))

	art, err := s.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1+1", string(art.Data))
	assert.Equal(t, sig, art.Signature)
}

func TestLoadPlainFile(t *testing.T) {
	s := openStore(t)
	file := filepath.Join(t.TempDir(), "input.js")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	art, err := s.Load(file)
	require.NoError(t, err)
	assert.Equal(t, "x", string(art.Data))
	assert.Empty(t, art.Signature)
}
