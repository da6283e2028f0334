package corpus

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"treefuzz/internal/types"
	"treefuzz/internal/utils"

	"go.uber.org/zap"
)

// MaxSeedSize bounds the size of a single seed file read into memory.
const MaxSeedSize = 64 << 20

// Load reads the seed corpus from a directory (non-recursive) or a .tar.gz bundle.
// Seeds are ordered by name so that a fixed RNG seed always picks the same inputs.
// Unreadable entries are skipped; an empty result is a SetupError.
func Load(path string, logger *zap.Logger) ([]types.Seed, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, types.NewSetupError("read corpus", err)
	}

	var seeds []types.Seed
	if info.IsDir() {
		seeds, err = loadDir(path, logger)
	} else if utils.IsTarGz(path) {
		seeds, err = loadTarGz(path)
	} else {
		return nil, types.NewSetupError("corpus "+path+" is neither a directory nor a tar.gz bundle", nil)
	}
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, types.NewSetupError("corpus "+path+" is empty", nil)
	}

	sort.Slice(seeds, func(i, j int) bool { return seeds[i].Name < seeds[j].Name })
	logger.Info("loaded corpus", zap.String("path", path), zap.Int("seed_count", len(seeds)))
	return seeds, nil
}

func loadDir(dir string, logger *zap.Logger) ([]types.Seed, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, types.NewSetupError("read corpus", err)
	}
	seeds := make([]types.Seed, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		file := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil || info.Size() > MaxSeedSize {
			logger.Warn("skipping seed", zap.String("file", file), zap.Error(err))
			continue
		}
		data, err := os.ReadFile(file)
		if err != nil {
			logger.Warn("failed to read seed", zap.String("file", file), zap.Error(err))
			continue
		}
		seeds = append(seeds, types.Seed{Name: entry.Name(), Data: data})
	}
	return seeds, nil
}

func loadTarGz(path string) ([]types.Seed, error) {
	files, err := utils.ReadTarGz(path, MaxSeedSize)
	if err != nil {
		return nil, types.NewSetupError("read corpus bundle", err)
	}
	seeds := make([]types.Seed, 0, len(files))
	for name, data := range files {
		seeds = append(seeds, types.Seed{Name: name, Data: data})
	}
	return seeds, nil
}

// Extension returns the most common file extension among the seeds (including the dot),
// so that candidate files look like the inputs the target expects.
func Extension(seeds []types.Seed) string {
	counts := make(map[string]int)
	best := ""
	for _, seed := range seeds {
		ext := strings.ToLower(filepath.Ext(seed.Name))
		counts[ext]++
		if counts[ext] > counts[best] || (counts[ext] == counts[best] && ext < best) {
			best = ext
		}
	}
	return best
}
