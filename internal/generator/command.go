package generator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os/exec"
	"strconv"
	"strings"

	"treefuzz/internal/procctl"
)

// SeedPlaceholder is replaced by a number drawn from the worker RNG, so that an external
// mutator such as radamsa stays reproducible for a fixed campaign seed.
const SeedPlaceholder = "{seed}"

// Command runs an external mutator that reads a seed on stdin and writes the candidate to
// stdout. The mutator and everything it spawned is killed when ctx is done.
type Command struct {
	argv    []string
	maxSize int
	group   procctl.Group
}

func NewCommand(argv []string, maxSize int) *Command {
	return &Command{argv: argv, maxSize: maxSize, group: procctl.New()}
}

func (c *Command) Generate(ctx context.Context, seeds [][]byte, rng *rand.Rand) ([]byte, error) {
	if len(seeds) == 0 {
		return nil, errors.New("no seeds")
	}
	seed := strconv.FormatUint(rng.Uint64(), 10)
	argv := make([]string, len(c.argv))
	for i, arg := range c.argv {
		argv[i] = strings.ReplaceAll(arg, SeedPlaceholder, seed)
	}

	stdout := &limited{max: c.maxSize}
	stderr := &limited{max: 4 << 10}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(seeds[0])
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := c.group.Start(cmd); err != nil {
		return nil, fmt.Errorf("failed to start mutator: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.group.Kill(cmd) })
	err := cmd.Wait()
	stop()
	_ = c.group.Kill(cmd)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("mutator %s: %w: %s", argv[0], err, strings.TrimSpace(stderr.buf.String()))
	}
	return stdout.buf.Bytes(), nil
}

// limited keeps at most max bytes and discards the rest.
type limited struct {
	buf bytes.Buffer
	max int
}

func (l *limited) Write(p []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		l.buf.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}
