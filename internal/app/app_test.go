package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lexiqai/readsock/internal/config"
	"github.com/lexiqai/readsock/internal/observability"
	"github.com/lexiqai/readsock/internal/server"
	"github.com/lexiqai/readsock/internal/sink"
	"github.com/lexiqai/readsock/internal/worker"
)

func testConfig() *config.Config {
	return &config.Config{
		Host:                "127.0.0.1",
		Port:                0,
		ListenBacklog:       5,
		ReadBufferSize:      4096,
		ChunkBufferCapacity: 100,
		QueueCapacity:       100,
		ShutdownTimeout:     2,
		Sink:                config.SinkLog,
		AdminAddr:           "127.0.0.1:0",
		WebSocketEnabled:    true,
		GRPCHealthAddr:      "127.0.0.1:0",
		MetricsEnabled:      true,
	}
}

type running struct {
	app    *App
	cancel context.CancelFunc
	errCh  chan error
}

func start(t *testing.T, cfg *config.Config, s sink.Sink) *running {
	t.Helper()
	a := New(cfg, zerolog.Nop(), WithSinkFactory(func(context.Context) (sink.Sink, error) { return s, nil }))
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{app: a, cancel: cancel, errCh: make(chan error, 1)}
	go func() { r.errCh <- a.Run(ctx) }()

	select {
	case <-a.Ready():
	case err := <-r.errCh:
		t.Fatalf("Run returned before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not become ready")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.errCh:
		case <-time.After(10 * time.Second):
			t.Error("app did not stop")
		}
	})
	return r
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.errCh:
		r.errCh <- err
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
		return nil
	}
}

func send(t *testing.T, addr net.Addr, payload string) {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)
}

func TestApp_SpeaksRequests(t *testing.T) {
	s := sink.NewLogSink(zerolog.Nop())
	r := start(t, testConfig(), s)

	send(t, r.app.Addr(), "Hello\r\n\r\n")
	require.Eventually(t, func() bool { return len(s.Spoken()) == 1 }, 5*time.Second, 10*time.Millisecond)
	send(t, r.app.Addr(), "A\r\n\r\nB\r\n\r\n")

	require.Eventually(t, func() bool { return len(s.Spoken()) == 3 }, 5*time.Second, 10*time.Millisecond)
	spoken := s.Spoken()
	assert.Equal(t, "Hello", spoken[0])
	assert.Equal(t, []string{"A", "B"}, spoken[1:])
	require.NoError(t, r.stop(t))
}

func TestApp_Announcements(t *testing.T) {
	cfg := testConfig()
	cfg.Announce = true
	s := sink.NewLogSink(zerolog.Nop())
	r := start(t, cfg, s)

	require.Eventually(t, func() bool { return len(s.Spoken()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		worker.StartupMessage,
		"Listening for requests on " + r.app.Addr().String(),
	}, s.Spoken())
}

func TestApp_AdminEndpoints(t *testing.T) {
	s := sink.NewLogSink(zerolog.Nop())
	r := start(t, testConfig(), s)
	base := "http://" + r.app.AdminAddr().String()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/ready")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var status observability.HealthStatus
		_ = json.NewDecoder(resp.Body).Decode(&status)
		return resp.StatusCode == http.StatusOK && status.Dependencies["worker"].Status == "healthy"
	}, 5*time.Second, 10*time.Millisecond)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApp_GRPCHealthServing(t *testing.T) {
	r := start(t, testConfig(), sink.NewLogSink(zerolog.Nop()))

	conn, err := grpc.NewClient(r.app.GRPCHealthAddr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: observability.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestApp_BindError(t *testing.T) {
	held, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer held.Close()

	cfg := testConfig()
	cfg.Port = held.Addr().(*net.TCPAddr).Port

	a := New(cfg, zerolog.Nop(), WithSinkFactory(func(context.Context) (sink.Sink, error) { return sink.NewLogSink(zerolog.Nop()), nil }))
	err = a.Run(context.Background())
	var bindErr *server.BindError
	assert.ErrorAs(t, err, &bindErr)
}

func TestApp_SinkFailureStopsRun(t *testing.T) {
	cfg := testConfig()
	a := New(cfg, zerolog.Nop(), WithSinkFactory(func(context.Context) (sink.Sink, error) {
		return nil, errors.New("no audio device")
	}))

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(context.Background()) }()
	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no audio device")
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after the worker failed")
	}
}

// hangingSink never completes an utterance until its context ends.
type hangingSink struct {
	*sink.LogSink
	started chan struct{}
}

func (h *hangingSink) Speak(ctx context.Context, _ string) (<-chan sink.Completion, error) {
	ch := make(chan sink.Completion, 1)
	close(h.started)
	go func() {
		<-ctx.Done()
		ch <- sink.Completion{Err: ctx.Err()}
		close(ch)
	}()
	return ch, nil
}

func TestApp_ShutdownCancelsStuckWorker(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownTimeout = 0
	h := &hangingSink{LogSink: sink.NewLogSink(zerolog.Nop()), started: make(chan struct{})}
	r := start(t, cfg, h)

	send(t, r.app.Addr(), "stuck\r\n\r\n")
	select {
	case <-h.started:
	case <-time.After(5 * time.Second):
		t.Fatal("utterance never started")
	}

	require.NoError(t, r.stop(t))
}

func TestApp_ShutdownClosesClients(t *testing.T) {
	r := start(t, testConfig(), sink.NewLogSink(zerolog.Nop()))

	conn, err := net.Dial("tcp", r.app.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("unfinished"))
	require.NoError(t, err)

	require.NoError(t, r.stop(t))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	var ne net.Error
	if errors.As(err, &ne) {
		assert.False(t, ne.Timeout(), "client connection left open")
	}
}

func TestApp_ShutdownNotBlockedByUnresponsiveHTTPEngine(t *testing.T) {
	healthHit := make(chan struct{}, 1)
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case healthHit <- struct{}{}:
		default:
		}
		<-r.Context().Done()
	}))
	defer engine.Close()

	cfg := testConfig()
	cfg.Sink = config.SinkHTTP
	cfg.SinkHTTPURL = engine.URL
	cfg.ShutdownTimeout = 1
	cfg.RetryMaxAttempts = 1
	cfg.CircuitBreakerMaxFailures = 5
	cfg.CircuitBreakerResetTimeout = 30

	a := New(cfg, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	select {
	case <-a.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("app did not become ready")
	}
	select {
	case <-healthHit:
	case <-time.After(5 * time.Second):
		t.Fatal("engine health endpoint was never called")
	}

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run still blocked after shutdown with a 1s grace period")
	}
}

func TestListeningAnnouncement(t *testing.T) {
	bound := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 41000}

	cfg := &config.Config{Host: "localhost", Port: 9993}
	assert.Equal(t, "Listening for requests on localhost:9993", listeningAnnouncement(cfg, bound))

	cfg.Port = 0
	assert.Equal(t, "Listening for requests on 127.0.0.1:41000", listeningAnnouncement(cfg, bound))
}
