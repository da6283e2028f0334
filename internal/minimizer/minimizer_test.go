package minimizer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"treefuzz/config"
	"treefuzz/internal/classify"
	"treefuzz/internal/types"
	"treefuzz/pkg/telemetry"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type engineFunc func(ctx context.Context, req Request) ([]byte, error)

func (f engineFunc) Minimize(ctx context.Context, req Request) ([]byte, error) {
	return f(ctx, req)
}

type memStore struct {
	mu    sync.Mutex
	saved map[types.Signature][]byte
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[types.Signature][]byte)}
}

func (s *memStore) SaveMinimized(sig types.Signature, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[sig] = data
	return "crash-" + string(sig) + ".min", nil
}

func (s *memStore) MinimizedPath(sig types.Signature) string {
	return "crash-" + string(sig) + ".min"
}

func (s *memStore) get(sig types.Signature) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.saved[sig]
	return data, ok
}

// crashes whenever the input contains "boom"
type boomRunner struct{}

func (boomRunner) Run(_ context.Context, data []byte) (*types.ExecResult, error) {
	if bytes.Contains(data, []byte("boom")) {
		return &types.ExecResult{Kind: types.ExitNormal, Code: 1}, nil
	}
	return &types.ExecResult{Kind: types.ExitNormal}, nil
}

func boomCheck() *classify.Check {
	return classify.NewCheck(boomRunner{}, classify.New(classify.Rule{Kind: classify.KindExitCode, AnyNonzero: true}))
}

func testConfig() config.MinimizerConfig {
	return config.MinimizerConfig{Enabled: true, Timeout: 5 * time.Second, MaxConcurrent: 1}
}

func artifact(sig string, data string) *types.Artifact {
	return &types.Artifact{Path: "crash-" + sig + ".js", Signature: types.Signature(sig), Data: []byte(data)}
}

func TestSubmit(t *testing.T) {
	tests := []struct {
		name   string
		output string
		err    error
		saved  bool
	}{
		{name: "smaller and interesting", output: "boom", saved: true},
		{name: "not smaller", output: "let x = boom; // padding"},
		{name: "empty", output: ""},
		{name: "no longer interesting", output: "x"},
		{name: "engine failure", err: errors.New("reducer crashed")},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			store := newMemStore()
			engine := engineFunc(func(context.Context, Request) ([]byte, error) {
				return []byte(test.output), test.err
			})
			a := NewAdapter(engine, store, boomCheck(), nil, testConfig(), zap.NewNop())

			a.Submit(context.Background(), artifact("aa", "let x = boom;"))
			a.Wait()

			data, ok := store.get("aa")
			assert.Equal(t, test.saved, ok)
			if test.saved {
				assert.Equal(t, test.output, string(data))
				assert.Equal(t, uint64(1), a.Minimized())
			} else {
				assert.Zero(t, a.Minimized())
			}
		})
	}
}

func TestSubmitRequest(t *testing.T) {
	store := newMemStore()
	checkArgv := []string{"treefuzz", "check", "@@", "--", "target"}
	var got Request
	engine := engineFunc(func(_ context.Context, req Request) ([]byte, error) {
		got = req
		return nil, types.ErrDeferred
	})
	a := NewAdapter(engine, store, boomCheck(), checkArgv, testConfig(), zap.NewNop())

	a.Submit(context.Background(), artifact("bb", "boom"))
	a.Wait()

	assert.Equal(t, uint64(1), a.Deferred())
	assert.Zero(t, a.Minimized())
	assert.Equal(t, types.Signature("bb"), got.Signature)
	assert.Equal(t, "crash-bb.js", got.Path)
	assert.Equal(t, "crash-bb.min", got.OutputPath)
	assert.Equal(t, checkArgv, got.CheckArgv)
	assert.NotNil(t, got.Check)
}

func TestSubmitConcurrencyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 2

	var running, peak atomic.Int32
	engine := engineFunc(func(context.Context, Request) ([]byte, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return []byte("boom"), nil
	})
	store := newMemStore()
	a := NewAdapter(engine, store, boomCheck(), nil, cfg, zap.NewNop())

	for _, sig := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		a.Submit(context.Background(), artifact(sig, "boom boom"))
	}
	a.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, uint64(6), a.Minimized())
}

func TestSubmitTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	engine := engineFunc(func(ctx context.Context, _ Request) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	store := newMemStore()
	a := NewAdapter(engine, store, boomCheck(), nil, cfg, zap.NewNop())

	start := time.Now()
	a.Submit(context.Background(), artifact("cc", "boom boom"))
	a.Wait()
	assert.Less(t, time.Since(start), 5*time.Second)
	_, ok := store.get("cc")
	assert.False(t, ok)
}

func TestSubmitAfterShutdown(t *testing.T) {
	var calls atomic.Int32
	engine := engineFunc(func(context.Context, Request) ([]byte, error) {
		calls.Add(1)
		return nil, nil
	})
	a := NewAdapter(engine, newMemStore(), boomCheck(), nil, testConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Submit(ctx, artifact("dd", "boom"))
	a.Wait()
	assert.Zero(t, calls.Load())
}

func TestShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = time.Minute
	started := make(chan struct{}, 8)
	var calls atomic.Int32
	engine := engineFunc(func(ctx context.Context, _ Request) ([]byte, error) {
		calls.Add(1)
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	a := NewAdapter(engine, newMemStore(), boomCheck(), nil, cfg, zap.NewNop())

	for _, sig := range []string{"q1", "q2", "q3"} {
		a.Submit(context.Background(), artifact(sig, "boom boom"))
	}
	<-started

	start := time.Now()
	a.Shutdown(50 * time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int32(1), calls.Load(), "queued jobs never start")
	assert.Equal(t, uint64(2), a.Dropped())

	a.Submit(context.Background(), artifact("q4", "boom boom"))
	a.Wait()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(3), a.Dropped())
}

func TestShutdownLetsRunningJobsFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	engine := engineFunc(func(context.Context, Request) ([]byte, error) {
		close(started)
		<-release
		return []byte("boom"), nil
	})
	store := newMemStore()
	a := NewAdapter(engine, store, boomCheck(), nil, testConfig(), zap.NewNop())

	a.Submit(context.Background(), artifact("r1", "boom boom"))
	<-started
	time.AfterFunc(20*time.Millisecond, func() { close(release) })
	a.Shutdown(5 * time.Second)

	_, ok := store.get("r1")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), a.Minimized())
}

func TestSubmitSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer provider.Shutdown(context.Background())
	root := telemetry.NewTelemetryTracer(context.Background(), provider.Tracer("test"), "campaign")
	root.Start()

	engine := engineFunc(func(context.Context, Request) ([]byte, error) {
		return []byte("boom"), nil
	})
	a := NewAdapter(engine, newMemStore(), boomCheck(), nil, testConfig(), zap.NewNop())
	a.SetTracer(root)
	a.Submit(context.Background(), artifact("ff", "boom boom"))
	a.Wait()
	root.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	span, campaign := spans[0], spans[1]
	assert.Equal(t, "minimize", span.Name())
	assert.Equal(t, campaign.SpanContext().SpanID(), span.Parent().SpanID())
	assert.Equal(t, codes.Ok, span.Status().Code)

	attrs := make(map[string]string)
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "minimization", attrs["fuzz.action.category"])
	assert.Equal(t, "ff", attrs["fuzz.crash.signature"])
}

type fakeRabbitMQ struct {
	declared  []string
	published []any
	queue     string
}

func (f *fakeRabbitMQ) GetChannel() (*amqp.Channel, error) {
	return nil, errors.New("not connected")
}

func (f *fakeRabbitMQ) DeclareQueue(name string) error {
	f.declared = append(f.declared, name)
	return nil
}

func (f *fakeRabbitMQ) PublishJSON(_ context.Context, queue string, v any) error {
	f.queue = queue
	f.published = append(f.published, v)
	return nil
}

func TestQueue(t *testing.T) {
	rabbit := &fakeRabbitMQ{}
	q, err := NewQueue(rabbit, "minimize_queue", "campaign-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"minimize_queue"}, rabbit.declared)

	_, err = q.Minimize(context.Background(), Request{
		Signature:  "ee",
		Path:       "out/crash-ee.js",
		OutputPath: "out/crash-ee.min.js",
		CheckArgv:  []string{"treefuzz", "check"},
	})
	require.ErrorIs(t, err, types.ErrDeferred)
	assert.Equal(t, "minimize_queue", rabbit.queue)
	require.Len(t, rabbit.published, 1)
	assert.Equal(t, types.MinimizeRequest{
		CampaignId:   "campaign-1",
		Signature:    "ee",
		ArtifactPath: "out/crash-ee.js",
		OutputPath:   "out/crash-ee.min.js",
		CheckArgv:    []string{"treefuzz", "check"},
	}, rabbit.published[0])
}

func TestCheckArgv(t *testing.T) {
	cfg := config.DefaultCampaignConfig()
	cfg.Command = []string{"node", "--check", "@@"}
	cfg.Timeout = 500 * time.Millisecond
	rules := classify.New(classify.Rule{Kind: classify.KindExitCode, AnyNonzero: true})

	assert.Equal(t, []string{
		"/usr/bin/treefuzz", "check",
		"--any-nonzero-exit",
		"--signals=",
		"--timeout=500ms",
		"--grace=2s",
		"--capture-limit=65536",
		"@@", "--",
		"node", "--check", "@@",
	}, CheckArgv("/usr/bin/treefuzz", rules, cfg))
}
