package minimizer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"treefuzz/config"
	"treefuzz/internal/classify"
	"treefuzz/internal/procctl"
	"treefuzz/internal/types"
	"treefuzz/pkg/mq"
)

const (
	InputPlaceholder  = "{input}"
	OutputPlaceholder = "{output}"
)

// Command runs an external reducer such as treereduce or halfempty. The argv template gets
// {input} and {output} replaced by file paths; the interestingness predicate is appended after
// "--".
type Command struct {
	argv  []string
	group procctl.Group
}

func NewCommand(argv []string) *Command {
	return &Command{argv: argv, group: procctl.New()}
}

func (c *Command) Minimize(ctx context.Context, req Request) ([]byte, error) {
	dir, err := os.MkdirTemp("", "treefuzz-min-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	ext := filepath.Ext(req.Path)
	input := filepath.Join(dir, "input"+ext)
	output := filepath.Join(dir, "output"+ext)
	if err := os.WriteFile(input, req.Data, 0o644); err != nil {
		return nil, err
	}

	argv := make([]string, 0, len(c.argv)+1+len(req.CheckArgv))
	for _, arg := range c.argv {
		arg = strings.ReplaceAll(arg, InputPlaceholder, input)
		argv = append(argv, strings.ReplaceAll(arg, OutputPlaceholder, output))
	}
	if len(req.CheckArgv) > 0 {
		argv = append(argv, "--")
		argv = append(argv, req.CheckArgv...)
	}

	var stderr bytes.Buffer
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stderr = &stderr
	if err := c.group.Start(cmd); err != nil {
		return nil, fmt.Errorf("failed to start reducer: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.group.Kill(cmd) })
	err = cmd.Wait()
	stop()
	_ = c.group.Kill(cmd)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("reducer %s: %w: %s", argv[0], err, tail(stderr.Bytes(), 512))
	}
	return os.ReadFile(output)
}

func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

// Queue publishes minimization jobs to RabbitMQ for a remote reducer. The reducer is expected
// to write its result to OutputPath.
type Queue struct {
	rabbitMQ   mq.RabbitMQ
	queue      string
	campaignId string
}

func NewQueue(rabbitMQ mq.RabbitMQ, queue, campaignId string) (*Queue, error) {
	if err := rabbitMQ.DeclareQueue(queue); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return &Queue{rabbitMQ: rabbitMQ, queue: queue, campaignId: campaignId}, nil
}

func (q *Queue) Minimize(ctx context.Context, req Request) ([]byte, error) {
	msg := types.MinimizeRequest{
		CampaignId:   q.campaignId,
		Signature:    req.Signature,
		ArtifactPath: req.Path,
		OutputPath:   req.OutputPath,
		CheckArgv:    req.CheckArgv,
	}
	if err := q.rabbitMQ.PublishJSON(ctx, q.queue, msg); err != nil {
		return nil, fmt.Errorf("failed to publish minimization request: %w", err)
	}
	return nil, types.ErrDeferred
}

// CheckArgv renders the campaign's interestingness predicate as a "treefuzz check" command
// line, so that external reducers judge inputs the way the campaign does.
func CheckArgv(exe string, rules *classify.Rules, cfg *config.CampaignConfig) []string {
	argv := []string{exe, "check"}
	argv = append(argv, rules.Args()...)
	argv = append(argv,
		"--timeout="+cfg.Timeout.String(),
		"--grace="+cfg.GracePeriod.Round(time.Millisecond).String(),
		fmt.Sprintf("--capture-limit=%d", cfg.CaptureLimit),
		config.Placeholder,
		"--",
	)
	return append(argv, cfg.Command...)
}
