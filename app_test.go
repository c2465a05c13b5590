package databench_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/databench"
	"github.com/aretw0/databench/internal/config"
	"github.com/aretw0/databench/pkg/analysis"
	"github.com/aretw0/databench/pkg/client"
)

type greeter struct {
	analysis.Base
}

func (g *greeter) OnGreet(ctx context.Context, name string) error {
	_, err := g.Data().Set(ctx, "greeting", "hello "+name)
	return err
}

type server struct {
	app  *databench.App
	url  string
	done chan error
}

func start(t *testing.T, cfg config.Config, opts ...databench.Option) *server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	opts = append(opts, databench.WithAnalysis(
		analysis.Info{Name: "greeter", ShowInIndex: true},
		func() any { return &greeter{} },
	))
	app, err := databench.New(ctx, cfg, opts...)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &server{app: app, url: "http://" + ln.Addr().String(), done: make(chan error, 1)}
	go func() { s.done <- app.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-s.done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return")
		}
		assert.NoError(t, app.Close(context.Background()))
	})
	return s
}

func TestApp_ServesLocalAnalysis(t *testing.T) {
	s := start(t, config.Default(), databench.WithCLIArgs([]string{"--demo"}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := client.Dial(ctx, s.url, "greeter")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, databench.Version, conn.Ack().BackendVersion)

	require.NoError(t, conn.Emit(ctx, "greet", "world"))
	_, err = conn.Expect(ctx, "data")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"greeting": "hello world"}, conn.Data())

	resp, err := http.Get(s.url + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApp_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Datastore.Backend = config.BackendRedis
	cfg.Datastore.Redis.Addr = mr.Addr()

	s := start(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := client.Dial(ctx, s.url, "greeter")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Emit(ctx, "greet", "redis"))
	_, err = conn.Expect(ctx, "data")
	require.NoError(t, err)

	raw := mr.HGet("databench:domain:"+conn.ID(), "greeting")
	var v string
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	assert.Equal(t, "hello redis", v)
}

func TestApp_EncryptedBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Datastore.Backend = config.BackendRedis
	cfg.Datastore.Redis.Addr = mr.Addr()
	cfg.Datastore.Encryption.Key = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

	s := start(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := client.Dial(ctx, s.url, "greeter")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Emit(ctx, "greet", "redis"))
	_, err = conn.Expect(ctx, "data")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"greeting": "hello redis"}, conn.Data())

	raw := mr.HGet("databench:domain:"+conn.ID(), "greeting")
	require.NotEmpty(t, raw)
	assert.NotContains(t, raw, "hello")

	v, err := s.app.Store().Get(ctx, conn.ID(), "greeting", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello redis", v)
}

func TestApp_RedisUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Datastore.Backend = config.BackendRedis
	cfg.Datastore.Redis.Addr = "127.0.0.1:1"

	_, err := databench.New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestApp_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Kernel.PortMin = 9000
	cfg.Kernel.PortMax = 3000

	_, err := databench.New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestApp_KernelAnalysisListed(t *testing.T) {
	cfg := config.Default()
	cfg.Analyses = []config.AnalysisEntry{{
		Name:    "remote",
		Title:   "Remote",
		Kernel:  config.KernelCommand{Command: "go"},
		Version: "2.0.0",
	}}
	s := start(t, cfg)

	resp, err := http.Get(s.url + "/analyses/remote")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info analysis.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.True(t, info.Kernel)
	assert.Equal(t, "Remote", info.Title)

	var index struct {
		Analyses []analysis.Info `json:"analyses"`
	}
	resp2, err := http.Get(s.url + "/")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&index))
	assert.Len(t, index.Analyses, 2)
}
