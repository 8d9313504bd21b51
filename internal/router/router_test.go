package router

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/codearena/internal/catalogue"
	"github.com/adred-codev/codearena/internal/directory"
	"github.com/adred-codev/codearena/internal/metrics"
	"github.com/adred-codev/codearena/internal/protocol"
	"github.com/adred-codev/codearena/internal/sandbox"
	"github.com/adred-codev/codearena/internal/session"
	"github.com/adred-codev/codearena/internal/shardwire"
)

type fakeDirectory struct {
	mu      sync.Mutex
	games   map[string]directory.GameState
	deleted []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{games: make(map[string]directory.GameState)}
}

func (d *fakeDirectory) ClaimGame(ctx context.Context, gameID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.games[gameID]; ok {
		return false, nil
	}
	d.games[gameID] = directory.GameState{Claimed: true}
	return true, nil
}

func (d *fakeDirectory) PlaceGame(ctx context.Context, gameID string, placement directory.GamePlacement) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.games[gameID] = directory.GameState{Claimed: true, Placed: true, Placement: placement}
	return nil
}

func (d *fakeDirectory) LookupGame(ctx context.Context, gameID string) (directory.GameState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.games[gameID]
	if !ok {
		return directory.GameState{}, directory.ErrNotFound
	}
	return s, nil
}

func (d *fakeDirectory) LookupSocket(ctx context.Context, clientID uuid.UUID) (uuid.UUID, error) {
	return uuid.Nil, directory.ErrNotFound
}

func (d *fakeDirectory) DeleteGame(ctx context.Context, gameID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.games, gameID)
	d.deleted = append(d.deleted, gameID)
	return nil
}

type fakeSessions struct {
	mu sync.Mutex
	m  map[uuid.UUID]*session.Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{m: make(map[uuid.UUID]*session.Session)}
}

func (s *fakeSessions) put(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[sess.ClientID()] = sess
}

func (s *fakeSessions) Lookup(clientID uuid.UUID) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[clientID]
	return sess, ok
}

type fakeTransport struct {
	mu                sync.Mutex
	publishedRequests []shardwire.ShardRequest
}

func (f *fakeTransport) PublishToClient(ctx context.Context, shardID, clientID uuid.UUID, frame []byte) error {
	return nil
}

func (f *fakeTransport) PublishRequest(ctx context.Context, shardID uuid.UUID, req shardwire.ShardRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishedRequests = append(f.publishedRequests, req)
	return nil
}

func (f *fakeTransport) PublishResponse(ctx context.Context, shardID uuid.UUID, resp shardwire.ShardResponse) error {
	return nil
}

func (f *fakeTransport) UnregisterLocalParticipant(ctx context.Context, hostID, clientID uuid.UUID) (bool, error) {
	return true, nil
}

func (f *fakeTransport) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.publishedRequests)
}

type fakeCompiler struct {
	resp *sandbox.CompileResponse
	err  error
}

func (f *fakeCompiler) Compile(ctx context.Context, req sandbox.CompileRequest) (*sandbox.CompileResponse, error) {
	return f.resp, f.err
}

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	_, server := net.Pipe()
	t.Cleanup(func() { _ = server.Close() })
	return session.New(uuid.New(), uuid.New(), server, 16, nil, nil, zerolog.Nop())
}

func newTestRouter(t *testing.T) (*Router, *fakeDirectory, *fakeSessions, *fakeTransport) {
	t.Helper()
	dir := newFakeDirectory()
	sessions := newFakeSessions()
	transport := &fakeTransport{}
	r := New(uuid.New(), "python", nil, &fakeCompiler{}, dir, sessions, transport, nil, zerolog.Nop())
	return r, dir, sessions, transport
}

func requestOf(t *testing.T, op protocol.RequestOp, payload any) protocol.Request {
	t.Helper()
	d, err := json.Marshal(payload)
	require.NoError(t, err)
	return protocol.Request{Op: op, D: d}
}

// recvFrame pulls one pending frame off the session's send queue, failing
// the test if nothing arrives promptly.
func recvFrame(t *testing.T, sess *session.Session) []byte {
	t.Helper()
	select {
	case frame := <-sess.SendChan():
		return frame
	case <-time.After(time.Second):
		t.Fatal("no frame sent")
		return nil
	}
}

func decodeResponse(t *testing.T, frame []byte, wantOp protocol.ResponseOp, out any) {
	t.Helper()
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	require.Equal(t, protocol.OpResponse, env.Op)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(env.D, &resp))
	require.Equal(t, wantOp, resp.Op)
	require.NoError(t, json.Unmarshal(resp.D, out))
}

func requireResponse(t *testing.T, sess *session.Session, op protocol.ResponseOp, out any) {
	t.Helper()
	decodeResponse(t, recvFrame(t, sess), op, out)
}

func TestIdentifyThenSecondCallFails(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	sess := newTestSession(t)

	require.Nil(t, r.Route(context.Background(), sess, requestOf(t, protocol.ReqIdentify, protocol.IdentifyRequest{Nickname: "ada"})))
	var first protocol.IdentifyResponse
	requireResponse(t, sess, protocol.RespIdentify, &first)
	require.True(t, first.Success)

	require.Nil(t, r.Route(context.Background(), sess, requestOf(t, protocol.ReqIdentify, protocol.IdentifyRequest{Nickname: "grace"})))
	var second protocol.IdentifyResponse
	requireResponse(t, sess, protocol.RespIdentify, &second)
	require.False(t, second.Success)
}

func TestCreateRequiresIdentify(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	sess := newTestSession(t)

	cerr := r.Route(context.Background(), sess, requestOf(t, protocol.ReqCreate, protocol.CreateRequest{}))
	require.NotNil(t, cerr)
	require.Equal(t, protocol.ErrClientNotIdentified, cerr.Code)
}

func TestCreateClaimsAGameCode(t *testing.T) {
	r, dir, _, _ := newTestRouter(t)
	sess := newTestSession(t)
	sess.SetNicknameOnce("ada")

	require.Nil(t, r.Route(context.Background(), sess, requestOf(t, protocol.ReqCreate, protocol.CreateRequest{})))
	var resp protocol.CreateResponse
	requireResponse(t, sess, protocol.RespCreate, &resp)
	require.Len(t, resp.GameID, 10)

	state, err := dir.LookupGame(context.Background(), resp.GameID)
	require.NoError(t, err)
	require.True(t, state.Claimed)
	require.False(t, state.Placed)
}

func TestJoinMissingKeyBecomesHost(t *testing.T) {
	r, dir, _, _ := newTestRouter(t)
	sess := newTestSession(t)
	sess.SetNicknameOnce("ada")

	require.Nil(t, r.Route(context.Background(), sess, requestOf(t, protocol.ReqJoin, protocol.JoinRequest{GameID: "0123456789"})))
	var resp protocol.JoinResponse
	requireResponse(t, sess, protocol.RespJoin, &resp)
	require.True(t, resp.Success)
	require.True(t, resp.IsHost)

	repl, ok := sess.Game()
	require.True(t, ok)
	require.True(t, repl.IsHost())

	state, err := dir.LookupGame(context.Background(), "0123456789")
	require.NoError(t, err)
	require.True(t, state.Placed)
}

func TestJoinLocalSecondClientBecomesFollower(t *testing.T) {
	r, _, sessions, _ := newTestRouter(t)

	host := newTestSession(t)
	host.SetNicknameOnce("host")
	sessions.put(host)
	require.Nil(t, r.Route(context.Background(), host, requestOf(t, protocol.ReqJoin, protocol.JoinRequest{GameID: "1111111111"})))
	recvFrame(t, host) // host's own Join response

	follower := newTestSession(t)
	follower.SetNicknameOnce("follower")
	sessions.put(follower)
	require.Nil(t, r.Route(context.Background(), follower, requestOf(t, protocol.ReqJoin, protocol.JoinRequest{GameID: "1111111111"})))

	recvFrame(t, host)     // ConnectedClient broadcast to the host
	recvFrame(t, follower) // ConnectedClient backfill for the host

	var resp protocol.JoinResponse
	requireResponse(t, follower, protocol.RespJoin, &resp)
	require.True(t, resp.Success)
	require.False(t, resp.IsHost)

	repl, ok := follower.Game()
	require.True(t, ok)
	require.False(t, repl.IsHost())
}

func TestJoinInvalidGameID(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	sess := newTestSession(t)
	sess.SetNicknameOnce("ada")

	cerr := r.Route(context.Background(), sess, requestOf(t, protocol.ReqJoin, protocol.JoinRequest{GameID: "short"}))
	require.NotNil(t, cerr)
	require.Equal(t, protocol.ErrInvalidGameID, cerr.Code)
}

func TestJoinRemotePublishesShardRequestAndTimesOut(t *testing.T) {
	r, dir, _, transport := newTestRouter(t)
	hostID := uuid.New()
	remoteShard := uuid.New()
	require.NoError(t, dir.PlaceGame(context.Background(), "2222222222", directory.GamePlacement{ShardID: remoteShard, HostID: hostID}))

	sess := newTestSession(t)
	sess.SetNicknameOnce("ada")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *protocol.ClientError, 1)
	go func() {
		done <- r.Route(ctx, sess, requestOf(t, protocol.ReqJoin, protocol.JoinRequest{GameID: "2222222222"}))
	}()

	require.Eventually(t, func() bool {
		return transport.requestCount() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	cerr := <-done
	require.Nil(t, cerr)

	_, ok := sess.Game()
	require.False(t, ok, "a timed-out join must not install a replica")
}

func TestJoinRemoteDeliveredResponseCompletesTheJoin(t *testing.T) {
	r, dir, _, transport := newTestRouter(t)
	hostID := uuid.New()
	remoteShard := uuid.New()
	require.NoError(t, dir.PlaceGame(context.Background(), "5555555555", directory.GamePlacement{ShardID: remoteShard, HostID: hostID}))

	sess := newTestSession(t)
	sess.SetNicknameOnce("ada")

	done := make(chan *protocol.ClientError, 1)
	go func() {
		done <- r.Route(context.Background(), sess, requestOf(t, protocol.ReqJoin, protocol.JoinRequest{GameID: "5555555555"}))
	}()

	require.Eventually(t, func() bool {
		return transport.requestCount() == 1
	}, time.Second, 5*time.Millisecond)

	r.DeliverJoinResponse(shardwire.JoinResponse{
		GameID:   "5555555555",
		HostID:   hostID,
		ClientID: sess.ClientID(),
		ShardID:  remoteShard,
		Success:  true,
	})

	require.Nil(t, <-done)
	var resp protocol.JoinResponse
	requireResponse(t, sess, protocol.RespJoin, &resp)
	require.True(t, resp.Success)
	require.False(t, resp.IsHost)

	repl, ok := sess.Game()
	require.True(t, ok)
	require.False(t, repl.IsHost())
}

func TestLeaveWhenNotInGame(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	sess := newTestSession(t)

	cerr := r.Route(context.Background(), sess, requestOf(t, protocol.ReqLeave, protocol.LeaveRequest{}))
	require.NotNil(t, cerr)
	require.Equal(t, protocol.ErrNotInGame, cerr.Code)
}

func TestHostLeaveSendsShutdownResponse(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	sess := newTestSession(t)
	sess.SetNicknameOnce("ada")
	require.Nil(t, r.Route(context.Background(), sess, requestOf(t, protocol.ReqJoin, protocol.JoinRequest{GameID: "3333333333"})))
	recvFrame(t, sess) // Join response

	require.Nil(t, r.Route(context.Background(), sess, requestOf(t, protocol.ReqLeave, protocol.LeaveRequest{})))
	var resp protocol.ShutdownResponse
	requireResponse(t, sess, protocol.RespShutdown, &resp)
	require.True(t, resp.Success)
}

func TestPing(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	sess := newTestSession(t)

	require.Nil(t, r.Route(context.Background(), sess, requestOf(t, protocol.ReqPing, protocol.PingRequest{})))
	var resp protocol.PingResponse
	requireResponse(t, sess, protocol.RespPing, &resp)
}

const testCatalogueDoc = `
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

func writeTestCatalogue(t *testing.T) *catalogue.Catalogue {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/tasks.toml"
	require.NoError(t, os.WriteFile(path, []byte(testCatalogueDoc), 0o600))
	cat, err := catalogue.Load(path)
	require.NoError(t, err)
	return cat
}

func TestStartAndTaskAndCompile(t *testing.T) {
	dir := newFakeDirectory()
	sessions := newFakeSessions()
	transport := &fakeTransport{}
	cat := writeTestCatalogue(t)
	compiler := &fakeCompiler{resp: &sandbox.CompileResponse{Success: true, Stdout: []string{"4"}}}
	r := New(uuid.New(), "python", cat, compiler, dir, sessions, transport, nil, zerolog.Nop())

	host := newTestSession(t)
	host.SetNicknameOnce("host")
	sessions.put(host)
	require.Nil(t, r.Route(context.Background(), host, requestOf(t, protocol.ReqJoin, protocol.JoinRequest{GameID: "4444444444"})))
	recvFrame(t, host) // Join response

	require.Nil(t, r.Route(context.Background(), host, requestOf(t, protocol.ReqStart, protocol.StartRequest{TaskCount: 1})))
	recvFrame(t, host) // Start event
	recvFrame(t, host) // first Task event

	require.Nil(t, r.Route(context.Background(), host, requestOf(t, protocol.ReqTask, protocol.TaskRequest{TaskIndex: 0})))
	var taskResp protocol.TaskResponse
	requireResponse(t, host, protocol.RespTask, &taskResp)
	require.Equal(t, 0, taskResp.Task.Index)

	require.Nil(t, r.Route(context.Background(), host, requestOf(t, protocol.ReqCompile, protocol.CompileRequest{TaskIndex: 0, Code: "whatever"})))
	var compileResp protocol.CompileResponse
	requireResponse(t, host, protocol.RespCompile, &compileResp)
	require.False(t, compileResp.IsDone, "the fake answers 4 to the private case, which expects 9")
	require.True(t, compileResp.IsDonePublicTests)
}

func TestExistsReportsFalseForUnknownGame(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	sess := newTestSession(t)

	require.Nil(t, r.Route(context.Background(), sess, requestOf(t, protocol.ReqExists, protocol.ExistsRequest{GameID: "0000000000"})))
	var resp protocol.ExistsResponse
	requireResponse(t, sess, protocol.RespExists, &resp)
	require.False(t, resp.Exists)
}

func TestExistsReportsTrueForClaimedButUnplacedGame(t *testing.T) {
	r, dir, _, _ := newTestRouter(t)
	require.NoError(t, func() error { _, err := dir.ClaimGame(context.Background(), "0000000001"); return err }())
	sess := newTestSession(t)

	require.Nil(t, r.Route(context.Background(), sess, requestOf(t, protocol.ReqExists, protocol.ExistsRequest{GameID: "0000000001"})))
	var resp protocol.ExistsResponse
	requireResponse(t, sess, protocol.RespExists, &resp)
	require.True(t, resp.Exists)
}

func TestExistsCleansUpDeadLocalHost(t *testing.T) {
	r, dir, _, _ := newTestRouter(t)
	hostID := uuid.New()
	require.NoError(t, dir.PlaceGame(context.Background(), "0000000002", directory.GamePlacement{ShardID: r.shardID, HostID: hostID}))
	sess := newTestSession(t)

	require.Nil(t, r.Route(context.Background(), sess, requestOf(t, protocol.ReqExists, protocol.ExistsRequest{GameID: "0000000002"})))
	var resp protocol.ExistsResponse
	requireResponse(t, sess, protocol.RespExists, &resp)
	require.False(t, resp.Exists)

	_, err := dir.LookupGame(context.Background(), "0000000002")
	require.ErrorIs(t, err, directory.ErrNotFound)
}

func TestExistsReportsTrueForLiveLocalHost(t *testing.T) {
	r, dir, sessions, _ := newTestRouter(t)
	host := newTestSession(t)
	host.SetNicknameOnce("host")
	sessions.put(host)
	require.Nil(t, r.Route(context.Background(), host, requestOf(t, protocol.ReqJoin, protocol.JoinRequest{GameID: "0000000003"})))
	recvFrame(t, host)

	sess := newTestSession(t)
	require.Nil(t, r.Route(context.Background(), sess, requestOf(t, protocol.ReqExists, protocol.ExistsRequest{GameID: "0000000003"})))
	var resp protocol.ExistsResponse
	requireResponse(t, sess, protocol.RespExists, &resp)
	require.True(t, resp.Exists)

	_, err := dir.LookupGame(context.Background(), "0000000003")
	require.NoError(t, err)
}

func TestStartRequiresHost(t *testing.T) {
	r, _, sessions, _ := newTestRouter(t)
	cat := writeTestCatalogue(t)
	r.cat = cat

	host := newTestSession(t)
	host.SetNicknameOnce("host")
	sessions.put(host)
	require.Nil(t, r.Route(context.Background(), host, requestOf(t, protocol.ReqJoin, protocol.JoinRequest{GameID: "0000000004"})))
	recvFrame(t, host)

	follower := newTestSession(t)
	follower.SetNicknameOnce("follower")
	sessions.put(follower)
	require.Nil(t, r.Route(context.Background(), follower, requestOf(t, protocol.ReqJoin, protocol.JoinRequest{GameID: "0000000004"})))
	recvFrame(t, host)
	recvFrame(t, follower)

	cerr := r.Route(context.Background(), follower, requestOf(t, protocol.ReqStart, protocol.StartRequest{TaskCount: 1}))
	require.NotNil(t, cerr)
	require.Equal(t, protocol.ErrNotGameHost, cerr.Code)
}

func TestTaskRequiresBeingInAGame(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	sess := newTestSession(t)

	cerr := r.Route(context.Background(), sess, requestOf(t, protocol.ReqTask, protocol.TaskRequest{TaskIndex: 0}))
	require.NotNil(t, cerr)
	require.Equal(t, protocol.ErrNotInGame, cerr.Code)
}

func TestFollowerTaskResolvesLocalHost(t *testing.T) {
	dir := newFakeDirectory()
	sessions := newFakeSessions()
	transport := &fakeTransport{}
	cat := writeTestCatalogue(t)
	r := New(uuid.New(), "python", cat, &fakeCompiler{}, dir, sessions, transport, nil, zerolog.Nop())

	host := newTestSession(t)
	host.SetNicknameOnce("host")
	sessions.put(host)
	require.Nil(t, r.Route(context.Background(), host, requestOf(t, protocol.ReqJoin, protocol.JoinRequest{GameID: "6666666666"})))
	recvFrame(t, host)

	follower := newTestSession(t)
	follower.SetNicknameOnce("follower")
	sessions.put(follower)
	require.Nil(t, r.Route(context.Background(), follower, requestOf(t, protocol.ReqJoin, protocol.JoinRequest{GameID: "6666666666"})))
	recvFrame(t, host)     // ConnectedClient broadcast to the host
	recvFrame(t, follower) // ConnectedClient backfill for the host
	recvFrame(t, follower) // Join response

	require.Nil(t, r.Route(context.Background(), host, requestOf(t, protocol.ReqStart, protocol.StartRequest{TaskCount: 1})))
	recvFrame(t, host)
	recvFrame(t, host)
	recvFrame(t, follower)
	recvFrame(t, follower)

	require.Nil(t, r.Route(context.Background(), follower, requestOf(t, protocol.ReqTask, protocol.TaskRequest{TaskIndex: 0})))
	var taskResp protocol.TaskResponse
	requireResponse(t, follower, protocol.RespTask, &taskResp)
	require.Equal(t, 0, taskResp.Task.Index)
}

func TestFollowerTaskWithRemoteHostFails(t *testing.T) {
	r, dir, _, transport := newTestRouter(t)
	hostID := uuid.New()
	remoteShard := uuid.New()
	require.NoError(t, dir.PlaceGame(context.Background(), "7777777777", directory.GamePlacement{ShardID: remoteShard, HostID: hostID}))

	follower := newTestSession(t)
	follower.SetNicknameOnce("follower")

	done := make(chan *protocol.ClientError, 1)
	go func() {
		done <- r.Route(context.Background(), follower, requestOf(t, protocol.ReqJoin, protocol.JoinRequest{GameID: "7777777777"}))
	}()
	require.Eventually(t, func() bool {
		return transport.requestCount() == 1
	}, time.Second, 5*time.Millisecond)
	r.DeliverJoinResponse(shardwire.JoinResponse{
		GameID: "7777777777", HostID: hostID, ClientID: follower.ClientID(), ShardID: remoteShard, Success: true,
	})
	require.Nil(t, <-done)
	recvFrame(t, follower) // Join response

	cerr := r.Route(context.Background(), follower, requestOf(t, protocol.ReqTask, protocol.TaskRequest{TaskIndex: 0}))
	require.NotNil(t, cerr)
	require.Equal(t, protocol.ErrInternalServerError, cerr.Code)
}

func TestHandleShardJoinRequestAcceptsLocalHost(t *testing.T) {
	dir := newFakeDirectory()
	sessions := newFakeSessions()
	transport := &fakeTransport{}
	r := New(uuid.New(), "python", nil, &fakeCompiler{}, dir, sessions, transport, nil, zerolog.Nop())

	host := newTestSession(t)
	host.SetNicknameOnce("host")
	sessions.put(host)
	require.Nil(t, r.Route(context.Background(), host, requestOf(t, protocol.ReqJoin, protocol.JoinRequest{GameID: "8888888888"})))
	recvFrame(t, host)

	remoteClient := uuid.New()
	remoteShard := uuid.New()
	resp := r.HandleShardJoinRequest(context.Background(), shardwire.JoinRequest{
		GameID: "8888888888", HostID: host.ClientID(), ClientID: remoteClient, ShardID: remoteShard,
	})
	require.True(t, resp.Success)
	require.Equal(t, r.shardID, resp.ShardID)

	recvFrame(t, host) // ConnectedClient broadcast for the newly registered remote participant
}

func TestHandleShardJoinRequestRejectsUnknownHost(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	resp := r.HandleShardJoinRequest(context.Background(), shardwire.JoinRequest{
		GameID: "9999999999", HostID: uuid.New(), ClientID: uuid.New(), ShardID: uuid.New(),
	})
	require.False(t, resp.Success)
}

func TestHandleShardLeaveRequestUnregistersFromHost(t *testing.T) {
	dir := newFakeDirectory()
	sessions := newFakeSessions()
	transport := &fakeTransport{}
	r := New(uuid.New(), "python", nil, &fakeCompiler{}, dir, sessions, transport, nil, zerolog.Nop())

	host := newTestSession(t)
	host.SetNicknameOnce("host")
	sessions.put(host)
	require.Nil(t, r.Route(context.Background(), host, requestOf(t, protocol.ReqJoin, protocol.JoinRequest{GameID: "1212121212"})))
	recvFrame(t, host)

	remoteClient := uuid.New()
	remoteShard := uuid.New()
	resp := r.HandleShardJoinRequest(context.Background(), shardwire.JoinRequest{
		GameID: "1212121212", HostID: host.ClientID(), ClientID: remoteClient, ShardID: remoteShard,
	})
	require.True(t, resp.Success)
	recvFrame(t, host) // ConnectedClient broadcast

	r.HandleShardLeaveRequest(context.Background(), shardwire.LeaveRequest{
		GameID: "1212121212", ClientID: remoteClient, ShardID: remoteShard,
	})
	recvFrame(t, host) // DisconnectedClient broadcast
}

func TestDeliverJoinResponseWithNoWaiterIsANoop(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	r.DeliverJoinResponse(shardwire.JoinResponse{ClientID: uuid.New(), Success: true})
}

func TestBecomeHostIncrementsGameMetrics(t *testing.T) {
	dir := newFakeDirectory()
	sessions := newFakeSessions()
	transport := &fakeTransport{}
	met := metrics.New()
	r := New(uuid.New(), "python", nil, &fakeCompiler{}, dir, sessions, transport, met, zerolog.Nop())

	sess := newTestSession(t)
	sess.SetNicknameOnce("ada")
	require.Nil(t, r.Route(context.Background(), sess, requestOf(t, protocol.ReqJoin, protocol.JoinRequest{GameID: "1010101010"})))
	recvFrame(t, sess)

	require.InDelta(t, 1, testutil.ToFloat64(met.GamesActive), 0)
	require.InDelta(t, 1, testutil.ToFloat64(met.GamesCreated), 0)
}

func TestCompileRecordsOutcomeMetric(t *testing.T) {
	dir := newFakeDirectory()
	sessions := newFakeSessions()
	transport := &fakeTransport{}
	cat := writeTestCatalogue(t)
	met := metrics.New()
	compiler := &fakeCompiler{resp: &sandbox.CompileResponse{Success: true, Stdout: []string{"4"}}}
	r := New(uuid.New(), "python", cat, compiler, dir, sessions, transport, met, zerolog.Nop())

	host := newTestSession(t)
	host.SetNicknameOnce("host")
	sessions.put(host)
	require.Nil(t, r.Route(context.Background(), host, requestOf(t, protocol.ReqJoin, protocol.JoinRequest{GameID: "2020202020"})))
	recvFrame(t, host)
	require.Nil(t, r.Route(context.Background(), host, requestOf(t, protocol.ReqStart, protocol.StartRequest{TaskCount: 1})))
	recvFrame(t, host)
	recvFrame(t, host)

	require.Nil(t, r.Route(context.Background(), host, requestOf(t, protocol.ReqCompile, protocol.CompileRequest{TaskIndex: 0, Code: "whatever"})))
	recvFrame(t, host)

	require.InDelta(t, 1, testutil.ToFloat64(met.CompilesTotal.WithLabelValues("pass")), 0)
}

func TestCompileOutcomeClassification(t *testing.T) {
	cerr := protocol.NewClientError(protocol.ErrGameNotStarted, "")
	require.Equal(t, "error", compileOutcome(cerr, protocol.CompileResponse{}))

	require.Equal(t, "in_progress", compileOutcome(nil, protocol.CompileResponse{IsDonePublicTests: false}))

	require.Equal(t, "fail", compileOutcome(nil, protocol.CompileResponse{
		IsDonePublicTests: true,
		PublicTestResults: []bool{true, false},
	}))

	require.Equal(t, "pass", compileOutcome(nil, protocol.CompileResponse{
		IsDonePublicTests: true,
		PublicTestResults: []bool{true, true},
	}))
}
