package game

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/adred-codev/codearena/internal/catalogue"
	"github.com/adred-codev/codearena/internal/protocol"
	"github.com/adred-codev/codearena/internal/sandbox"
)

// GameDirectory is the surface Host needs from the directory package;
// satisfied by *directory.Directory, and by test fakes.
type GameDirectory interface {
	DeleteGame(ctx context.Context, gameID string) error
}

// Host is the authoritative replica for a match; it lives on the shard
// that owns the host's session.
type Host struct {
	gameID   string
	shardID  uuid.UUID
	self     *PartialParticipant
	language string

	mu        sync.Mutex
	connected map[uuid.UUID]*PartialParticipant
	isStarted bool
	public    bool
	tasks     []catalogue.Task
	progress  map[uuid.UUID]map[int]bool

	transport ShardTransport
	dir       GameDirectory
	logger    zerolog.Logger

	gamesActive prometheus.Gauge
}

// NewHost constructs a fresh, registration-open host replica. self is
// the host's own participant handle, always local. gamesActive is
// decremented once, in Drop, when this replica tears down; it may be
// nil.
func NewHost(gameID string, shardID uuid.UUID, self *PartialParticipant, language string, transport ShardTransport, dir GameDirectory, gamesActive prometheus.Gauge, logger zerolog.Logger) *Host {
	return &Host{
		gameID:      gameID,
		shardID:     shardID,
		self:        self,
		language:    language,
		connected:   make(map[uuid.UUID]*PartialParticipant),
		public:      true,
		progress:    map[uuid.UUID]map[int]bool{self.ClientID: {}},
		transport:   transport,
		dir:         dir,
		gamesActive: gamesActive,
		logger:      logger.With().Str("gameId", gameID).Logger(),
	}
}

// GameID implements Replica.
func (h *Host) GameID() string { return h.gameID }

// IsHost implements Replica.
func (h *Host) IsHost() bool { return true }

// Register admits a new participant if the game is still open for
// joining. Returns false, nil (not an error) if registration is
// rejected because the game is closed.
func (h *Host) Register(ctx context.Context, p *PartialParticipant) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.public {
		return false, nil
	}

	for _, existing := range h.connected {
		if err := h.sendEventTo(ctx, p, protocol.EventConnectedClient, protocol.ConnectedClientEvent{
			ClientID: existing.ClientID,
			Nickname: existing.Nickname,
		}); err != nil {
			h.logger.Warn().Err(err).Str("clientId", p.ClientID.String()).Msg("drop connected-client backfill frame")
		}
	}
	if err := h.sendEventTo(ctx, p, protocol.EventConnectedClient, protocol.ConnectedClientEvent{
		ClientID: h.self.ClientID,
		Nickname: h.self.Nickname,
	}); err != nil {
		h.logger.Warn().Err(err).Msg("drop host backfill frame")
	}

	h.connected[p.ClientID] = p
	h.progress[p.ClientID] = map[int]bool{}

	h.broadcastLocked(ctx, protocol.EventConnectedClient, protocol.ConnectedClientEvent{
		ClientID: p.ClientID,
		Nickname: p.Nickname,
	}, map[uuid.UUID]bool{p.ClientID: true})

	return true, nil
}

// Unregister removes a participant and tells everyone else it left.
func (h *Host) Unregister(ctx context.Context, clientID uuid.UUID) {
	h.mu.Lock()
	_, ok := h.connected[clientID]
	if ok {
		delete(h.connected, clientID)
		delete(h.progress, clientID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	h.SendGlobal(ctx, protocol.EventDisconnectedClient, protocol.DisconnectedClientEvent{ClientID: clientID}, nil)
}

// SendGlobal fans an event out to every connected participant (skip
// excluded) and finally to the host itself, unless the host is in skip.
func (h *Host) SendGlobal(ctx context.Context, op protocol.GameEventOp, payload any, skip map[uuid.UUID]bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(ctx, op, payload, skip)
}

func (h *Host) broadcastLocked(ctx context.Context, op protocol.GameEventOp, payload any, skip map[uuid.UUID]bool) {
	frame, err := protocol.EncodeEvent(op, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("op", string(op)).Msg("encode game event")
		return
	}

	for id, participant := range h.connected {
		if skip[id] {
			continue
		}
		if err := participant.Send(ctx, frame); err != nil {
			h.logger.Warn().Err(err).Str("clientId", id.String()).Msg("drop game event")
		}
	}
	if !skip[h.self.ClientID] {
		if err := h.self.Send(ctx, frame); err != nil {
			h.logger.Warn().Err(err).Msg("drop game event to host")
		}
	}
}

func (h *Host) sendEventTo(ctx context.Context, p *PartialParticipant, op protocol.GameEventOp, payload any) error {
	frame, err := protocol.EncodeEvent(op, payload)
	if err != nil {
		return err
	}
	return p.Send(ctx, frame)
}

// Start samples task_count tasks from cat and kicks the match off.
func (h *Host) Start(ctx context.Context, taskCount int, cat *catalogue.Catalogue) *protocol.ClientError {
	h.mu.Lock()
	if h.isStarted {
		h.mu.Unlock()
		return protocol.NewClientError(protocol.ErrGameAlreadyStarted, "")
	}

	sampled, err := cat.Sample(taskCount)
	if err != nil {
		h.mu.Unlock()
		return protocol.NewClientError(protocol.ErrInternalServerError, err.Error())
	}

	h.public = false
	h.isStarted = true
	h.tasks = sampled
	for id := range h.progress {
		h.progress[id] = make(map[int]bool, taskCount)
	}
	h.mu.Unlock()

	h.SendGlobal(ctx, protocol.EventStart, protocol.StartEvent{TaskCount: taskCount}, nil)
	h.SendGlobal(ctx, protocol.EventTask, protocol.TaskEvent{Task: catalogue.Public(sampled[0], 0)}, nil)
	return nil
}

// Task returns the public shape of the task at index.
func (h *Host) Task(index int) (protocol.PublicTask, *protocol.ClientError) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.isStarted {
		return protocol.PublicTask{}, protocol.NewClientError(protocol.ErrGameNotStarted, "")
	}
	if index < 0 || index >= len(h.tasks) {
		return protocol.PublicTask{}, protocol.NewClientError(protocol.ErrOutOfRangeTask, "")
	}
	return catalogue.Public(h.tasks[index], index), nil
}

// Compile runs a submission's code against a task's public, then
// private, test suites.
func (h *Host) Compile(ctx context.Context, sbx sandbox.Compiler, clientID uuid.UUID, taskIndex int, code string) (protocol.CompileResponse, *protocol.ClientError) {
	h.mu.Lock()
	if !h.isStarted {
		h.mu.Unlock()
		return protocol.CompileResponse{}, protocol.NewClientError(protocol.ErrGameNotStarted, "")
	}
	if taskIndex < 0 || taskIndex >= len(h.tasks) {
		h.mu.Unlock()
		return protocol.CompileResponse{}, protocol.NewClientError(protocol.ErrOutOfRangeTask, "")
	}
	task := h.tasks[taskIndex]
	h.mu.Unlock()

	publicStdin := make([]string, len(task.PublicTestCases))
	for i, tc := range task.PublicTestCases {
		publicStdin[i] = tc.Stdin
	}

	publicResult, err := sbx.Compile(ctx, sandbox.CompileRequest{
		ClientID: clientID.String(),
		Language: h.language,
		Code:     code,
		Stdin:    publicStdin,
	})
	if err != nil {
		return protocol.CompileResponse{}, protocol.NewClientError(protocol.ErrInternalServerError, err.Error())
	}
	if !publicResult.Success {
		return protocol.CompileResponse{
			TaskIndex: taskIndex,
			Stderr:    strings.Join(publicResult.Stderr, "\n"),
		}, nil
	}

	publicPass := make([]bool, len(task.PublicTestCases))
	allPublicPass := true
	for i, tc := range task.PublicTestCases {
		got := trimOutput(valueAt(publicResult.Stdout, i))
		publicPass[i] = got == tc.Expected
		if !publicPass[i] {
			allPublicPass = false
		}
	}
	if !allPublicPass {
		return protocol.CompileResponse{
			TaskIndex:         taskIndex,
			PublicTestResults: publicPass,
		}, nil
	}

	privateStdin := make([]string, len(task.PrivateTestCases))
	for i, tc := range task.PrivateTestCases {
		privateStdin[i] = tc.Stdin
	}
	privateResult, err := sbx.Compile(ctx, sandbox.CompileRequest{
		ClientID: clientID.String(),
		Language: h.language,
		Code:     code,
		Stdin:    privateStdin,
	})
	if err != nil {
		return protocol.CompileResponse{}, protocol.NewClientError(protocol.ErrInternalServerError, err.Error())
	}
	if !privateResult.Success {
		return protocol.CompileResponse{
			TaskIndex:          taskIndex,
			PublicTestResults:  publicPass,
			IsDonePublicTests:  true,
		}, nil
	}
	for i, tc := range task.PrivateTestCases {
		got := trimOutput(valueAt(privateResult.Stdout, i))
		if got != tc.Expected {
			return protocol.CompileResponse{
				TaskIndex:         taskIndex,
				PublicTestResults: publicPass,
				IsDonePublicTests: true,
			}, nil
		}
	}

	h.mu.Lock()
	if h.progress[clientID] == nil {
		h.progress[clientID] = map[int]bool{}
	}
	h.progress[clientID][taskIndex] = true
	h.mu.Unlock()

	h.SendGlobal(ctx, protocol.EventTaskFinished, protocol.TaskFinishedEvent{
		TaskIndex: taskIndex,
		ClientID:  clientID,
	}, map[uuid.UUID]bool{clientID: true})

	return protocol.CompileResponse{
		TaskIndex:          taskIndex,
		PublicTestResults:  publicPass,
		IsDonePublicTests:  true,
		IsDonePrivateTests: true,
		IsDone:             true,
	}, nil
}

// Drop tears the game down: every remaining participant is told to
// shut down, the directory entry is released, and the replica is left
// empty.
func (h *Host) Drop(ctx context.Context) error {
	h.mu.Lock()
	h.public = false
	participants := make([]*PartialParticipant, 0, len(h.connected))
	for _, p := range h.connected {
		participants = append(participants, p)
	}
	h.connected = map[uuid.UUID]*PartialParticipant{}
	h.mu.Unlock()

	frame, err := protocol.EncodeEvent(protocol.EventShutdown, protocol.ShutdownEvent{})
	if err != nil {
		return fmt.Errorf("encode shutdown event: %w", err)
	}
	for _, p := range participants {
		if err := p.Send(ctx, frame); err != nil {
			h.logger.Warn().Err(err).Str("clientId", p.ClientID.String()).Msg("drop shutdown frame")
		}
	}

	if err := h.dir.DeleteGame(ctx, h.gameID); err != nil {
		return fmt.Errorf("delete game directory entry: %w", err)
	}
	if h.gamesActive != nil {
		h.gamesActive.Dec()
	}
	return nil
}

func trimOutput(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func valueAt(ss []string, i int) string {
	if i < 0 || i >= len(ss) {
		return ""
	}
	return ss[i]
}
