package generator

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
)

const maxChunk = 256

// Havoc is the built-in engine. It edits the first seed at token boundaries: it splices in
// chunks of the other seeds (or of itself), deletes chunks, and with a small probability
// applies chaotic byte edits.
type Havoc struct {
	Chaos     int // percent of chaotic edits
	Deletions int // percent of deletions
	Mutations int // edits per candidate
	MaxSize   int
}

var tokens = [][]byte{
	[]byte("("), []byte(")"), []byte("{"), []byte("}"), []byte("["), []byte("]"),
	[]byte(";"), []byte(","), []byte("\""), []byte("'"), []byte("\n"), []byte("\x00"),
	[]byte("-1"), []byte("0"), []byte("4294967296"), []byte("NaN"), []byte("%s%n"),
	[]byte("\\u0000"), []byte("\xff\xfe"),
}

func (h *Havoc) Generate(ctx context.Context, seeds [][]byte, rng *rand.Rand) ([]byte, error) {
	if len(seeds) == 0 {
		return nil, errors.New("no seeds")
	}
	out := slices.Clone(seeds[0])
	for i := 0; i < h.Mutations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		roll := rng.IntN(100)
		switch {
		case roll < h.Chaos:
			out = chaos(out, rng)
		case roll < h.Chaos+h.Deletions:
			out = deleteChunk(out, rng)
		default:
			out = splice(out, seeds[rng.IntN(len(seeds))], rng)
		}
		if h.MaxSize > 0 && len(out) > h.MaxSize {
			out = out[:h.MaxSize]
		}
	}
	return out, nil
}

func isDelim(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', ';', ',', '(', ')', '{', '}', '[', ']', '.', ':', '=', '+', '-', '*', '/', '<', '>', '"', '\'':
		return true
	}
	return false
}

// boundaries lists the offsets where a token starts, plus len(data).
func boundaries(data []byte) []int {
	bounds := []int{0}
	for i := 1; i < len(data); i++ {
		if isDelim(data[i]) || isDelim(data[i-1]) {
			bounds = append(bounds, i)
		}
	}
	if len(data) > 0 {
		bounds = append(bounds, len(data))
	}
	return bounds
}

// chunk picks a short run of whole tokens.
func chunk(data []byte, rng *rand.Rand) (int, int) {
	bounds := boundaries(data)
	if len(bounds) < 2 {
		return 0, 0
	}
	i := rng.IntN(len(bounds) - 1)
	j := i + 1 + rng.IntN(min(8, len(bounds)-1-i))
	start, end := bounds[i], bounds[j]
	if end-start > maxChunk {
		end = start + maxChunk
	}
	return start, end
}

func splice(dst, donor []byte, rng *rand.Rand) []byte {
	ds, de := chunk(donor, rng)
	piece := donor[ds:de]
	if len(dst) == 0 {
		return slices.Clone(piece)
	}
	s, e := chunk(dst, rng)
	if rng.IntN(4) == 0 {
		e = s // insert rather than replace
	}
	return slices.Concat(dst[:s], piece, dst[e:])
}

func deleteChunk(data []byte, rng *rand.Rand) []byte {
	s, e := chunk(data, rng)
	return slices.Concat(data[:s], data[e:])
}

func chaos(data []byte, rng *rand.Rand) []byte {
	pos := 0
	if len(data) > 0 {
		pos = rng.IntN(len(data) + 1)
	}
	switch rng.IntN(4) {
	case 0:
		if len(data) == 0 {
			return []byte{byte(rng.IntN(256))}
		}
		out := slices.Clone(data)
		out[rng.IntN(len(out))] ^= byte(1 << rng.IntN(8))
		return out
	case 1:
		return slices.Insert(slices.Clone(data), pos, byte(rng.IntN(256)))
	case 2:
		s, e := chunk(data, rng)
		return slices.Concat(data[:e], data[s:e], data[e:])
	default:
		return slices.Concat(data[:pos], tokens[rng.IntN(len(tokens))], data[pos:])
	}
}
