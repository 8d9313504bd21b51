package game

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/codearena/internal/catalogue"
	"github.com/adred-codev/codearena/internal/sandbox"
	"github.com/adred-codev/codearena/internal/shardwire"
)

type fakeDirectory struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeDirectory) DeleteGame(ctx context.Context, gameID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, gameID)
	return nil
}

// fakeTransport is an in-memory ShardTransport used by tests. It never
// crosses the network: PublishToClient and PublishRequest just record
// what was published so the test can inspect it.
type fakeTransport struct {
	mu             sync.Mutex
	publishedFrame []struct {
		shardID, clientID uuid.UUID
		frame             []byte
	}
	unregisterFunc func(ctx context.Context, hostID, clientID uuid.UUID) (bool, error)

	publishedRequests []struct {
		shardID uuid.UUID
		req     shardwire.ShardRequest
	}
}

func (f *fakeTransport) PublishToClient(ctx context.Context, shardID, clientID uuid.UUID, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishedFrame = append(f.publishedFrame, struct {
		shardID, clientID uuid.UUID
		frame             []byte
	}{shardID, clientID, frame})
	return nil
}

func (f *fakeTransport) PublishRequest(ctx context.Context, shardID uuid.UUID, req shardwire.ShardRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishedRequests = append(f.publishedRequests, struct {
		shardID uuid.UUID
		req     shardwire.ShardRequest
	}{shardID, req})
	return nil
}

func (f *fakeTransport) PublishResponse(ctx context.Context, shardID uuid.UUID, resp shardwire.ShardResponse) error {
	return nil
}

func (f *fakeTransport) UnregisterLocalParticipant(ctx context.Context, hostID, clientID uuid.UUID) (bool, error) {
	if f.unregisterFunc != nil {
		return f.unregisterFunc(ctx, hostID, clientID)
	}
	return true, nil
}

type fakeCompiler struct {
	resp *sandbox.CompileResponse
	err  error
	// respond, when set, builds the reply from the request instead of
	// returning resp.
	respond func(req sandbox.CompileRequest) *sandbox.CompileResponse
}

func (f *fakeCompiler) Compile(ctx context.Context, req sandbox.CompileRequest) (*sandbox.CompileResponse, error) {
	if f.respond != nil {
		return f.respond(req), f.err
	}
	return f.resp, f.err
}

func writeTestCatalogue(t *testing.T) *catalogue.Catalogue {
	t.Helper()
	doc := `
[[tasks]]
task_id = 1
question = "square a number"

[[tasks.public_test_cases]]
id = 1
stdin = "2\n"
expected = "4"

[[tasks.private_test_cases]]
id = 2
stdin = "3\n"
expected = "9"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.toml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	cat, err := catalogue.Load(path)
	require.NoError(t, err)
	return cat
}

func newTestHost(t *testing.T) (*Host, *fakeTransport, chan []byte) {
	t.Helper()
	hostCh := make(chan []byte, 16)
	transport := &fakeTransport{}
	self := NewLocalParticipant(uuid.New(), uuid.New(), "host", hostCh)
	h := NewHost("0123456789", self.ShardID, self, "python", transport, &fakeDirectory{}, nil, zerolog.Nop())
	return h, transport, hostCh
}

func TestHostRegisterBackfillsAndBroadcasts(t *testing.T) {
	h, _, hostCh := newTestHost(t)

	followerCh := make(chan []byte, 16)
	follower := NewLocalParticipant(uuid.New(), h.shardID, "follower", followerCh)

	ok, err := h.Register(context.Background(), follower)
	require.NoError(t, err)
	require.True(t, ok)

	require.Len(t, followerCh, 1, "follower should receive ConnectedClient for the host")
	require.Len(t, hostCh, 1, "host should receive ConnectedClient for the follower")
}

func TestHostRegisterRejectedAfterStart(t *testing.T) {
	h, _, _ := newTestHost(t)
	cat := writeTestCatalogue(t)

	cerr := h.Start(context.Background(), 1, cat)
	require.Nil(t, cerr)

	late := NewLocalParticipant(uuid.New(), h.shardID, "late", make(chan []byte, 1))
	ok, err := h.Register(context.Background(), late)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHostStartSamplesAndEmits(t *testing.T) {
	h, _, hostCh := newTestHost(t)
	cat := writeTestCatalogue(t)

	cerr := h.Start(context.Background(), 1, cat)
	require.Nil(t, cerr)
	require.Len(t, hostCh, 2, "expects StartEvent then TaskEvent")
}

func TestHostStartFailsWhenCatalogueTooSmall(t *testing.T) {
	h, _, _ := newTestHost(t)
	cat := writeTestCatalogue(t)

	cerr := h.Start(context.Background(), 5, cat)
	require.NotNil(t, cerr)
}

func TestHostCompileFullSuccessEmitsTaskFinished(t *testing.T) {
	h, _, hostCh := newTestHost(t)
	cat := writeTestCatalogue(t)

	followerCh := make(chan []byte, 16)
	follower := NewLocalParticipant(uuid.New(), h.shardID, "follower", followerCh)
	ok, err := h.Register(context.Background(), follower)
	require.NoError(t, err)
	require.True(t, ok)
	<-hostCh
	<-followerCh

	require.Nil(t, h.Start(context.Background(), 1, cat))
	<-hostCh
	<-hostCh
	<-followerCh
	<-followerCh

	sbx := &fakeCompiler{resp: &sandbox.CompileResponse{Success: true, Stdout: []string{"4"}}}
	resp, cerr := h.Compile(context.Background(), sbx, follower.ClientID, 0, "echo square")
	require.Nil(t, cerr)
	require.False(t, resp.IsDone, "public pass alone is not done yet")

	squares := map[string]string{"2\n": "4", "3\n": "9"}
	sbx.respond = func(req sandbox.CompileRequest) *sandbox.CompileResponse {
		stdout := make([]string, len(req.Stdin))
		for i, in := range req.Stdin {
			stdout[i] = squares[in]
		}
		return &sandbox.CompileResponse{Success: true, Stdout: stdout}
	}
	resp, cerr = h.Compile(context.Background(), sbx, follower.ClientID, 0, "echo square")
	require.Nil(t, cerr)
	require.True(t, resp.IsDone)
	require.True(t, resp.IsDonePublicTests)
	require.True(t, resp.IsDonePrivateTests)

	require.Len(t, hostCh, 1, "host should observe TaskFinished")
	require.Empty(t, followerCh, "submitter should not get a TaskFinished echo")
}

func TestHostDropNotifiesFollowersAndClearsDirectory(t *testing.T) {
	h, _, hostCh := newTestHost(t)
	ctx := context.Background()

	followerCh := make(chan []byte, 16)
	follower := NewLocalParticipant(uuid.New(), h.shardID, "follower", followerCh)
	ok, regErr := h.Register(ctx, follower)
	require.NoError(t, regErr)
	require.True(t, ok)
	<-followerCh
	<-hostCh

	require.NoError(t, h.Drop(ctx))

	require.Len(t, followerCh, 1, "follower should receive exactly one ShutdownEvent")

	fd := h.dir.(*fakeDirectory)
	require.Equal(t, []string{"0123456789"}, fd.deleted)
}

func TestHostDropDecrementsGamesActiveGauge(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_games_active"})
	gauge.Inc()

	hostCh := make(chan []byte, 16)
	transport := &fakeTransport{}
	self := NewLocalParticipant(uuid.New(), uuid.New(), "host", hostCh)
	h := NewHost("0123456789", self.ShardID, self, "python", transport, &fakeDirectory{}, gauge, zerolog.Nop())

	require.NoError(t, h.Drop(context.Background()))
	require.InDelta(t, 0, testutil.ToFloat64(gauge), 0)
}
