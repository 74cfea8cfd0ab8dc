// ABOUTME: Scenario tests for the websocket gateway over httptest.
// ABOUTME: Covers handshake close codes, turn driving, dedupe, broadcast, and health.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/parley-gateway/internal/auth"
	"github.com/parley-chat/parley-gateway/internal/config"
	"github.com/parley-chat/parley-gateway/internal/inbox"
	"github.com/parley-chat/parley-gateway/internal/runtime"
	"github.com/parley-chat/parley-gateway/internal/store"
	"github.com/parley-chat/parley-gateway/internal/wire"
)

const testSecret = "gateway-test-secret"

// echoRunner streams "echo: <content>" plus a result block for every input
// message, standing in for the real generation runtime.
type echoRunner struct {
	mu      sync.Mutex
	streams int
	inputs  []string
}

func (r *echoRunner) Stream(ctx context.Context, opts runtime.StreamOptions, input <-chan inbox.Message) (<-chan runtime.Block, error) {
	r.mu.Lock()
	r.streams++
	r.mu.Unlock()

	out := make(chan runtime.Block, 16)
	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-input:
				if !ok {
					return
				}
				r.mu.Lock()
				r.inputs = append(r.inputs, msg.Content)
				r.mu.Unlock()
				out <- runtime.Block{Kind: runtime.BlockText, Text: "echo: " + msg.Content}
				out <- runtime.Block{Kind: runtime.BlockResult, Result: &runtime.ResultBlock{TotalCostUSD: 0.01, NumTurns: 1}}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *echoRunner) inputCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inputs)
}

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Auth:     config.AuthConfig{JWTSecret: testSecret},
		Websocket: config.WebsocketConfig{
			// Far future so heartbeat pings never interleave with test frames.
			HeartbeatInterval: time.Hour,
			PingTimeout:       2 * time.Hour,
			IdleTimeout:       3 * time.Hour,
		},
		Sessions: config.SessionsConfig{MaxSessions: 10, IdleTimeout: time.Hour, SweepInterval: time.Hour},
		Pacer: config.PacerConfig{
			InitialFlushInterval: 5 * time.Millisecond,
			SteadyFlushInterval:  10 * time.Millisecond,
			MaxBufferSize:        30,
		},
		Dedupe:  config.DedupeConfig{TTL: time.Minute, MaxEntries: 128},
		Runtime: config.RuntimeConfig{Command: "unused"},
		Agents: map[string]config.AgentConfig{
			"assistant": {SystemPrompt: "You are a helpful assistant."},
		},
		Logging: config.LoggingConfig{Level: "error", Format: "text"},
	}
}

type testEnv struct {
	gateway *Gateway
	server  *httptest.Server
	store   *store.SQLiteStore
	runner  *echoRunner
	tokens  *auth.JWTVerifier
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	runner := &echoRunner{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	g, err := New(Options{
		Config:        cfg,
		Conversations: st,
		Messages:      st,
		Runner:        runner,
		Logger:        logger,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(g.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})

	return &testEnv{
		gateway: g,
		server:  srv,
		store:   st,
		runner:  runner,
		tokens:  auth.NewJWTVerifier([]byte(testSecret)),
	}
}

func (e *testEnv) createConversation(t *testing.T, id, userID string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, e.store.CreateConversation(context.Background(), &store.Conversation{
		ID:        id,
		AgentRole: "assistant",
		CreatedBy: userID,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func (e *testEnv) wsURL(conversationID, token string) string {
	base := strings.Replace(e.server.URL, "http://", "ws://", 1)
	return fmt.Sprintf("%s/api/v1/ws/conversations/%s?token=%s", base, conversationID, token)
}

func (e *testEnv) dial(t *testing.T, conversationID, userID string) *websocket.Conn {
	t.Helper()
	token, err := e.tokens.Generate(userID, time.Hour)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(conversationID, token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads the next server frame, failing the test on timeout.
func readFrame(t *testing.T, conn *websocket.Conn) wire.ServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame wire.ServerFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// expectClose reads until the connection closes and returns the close code.
func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			require.ErrorAs(t, err, &closeErr, "expected a close frame, got %v", err)
			return closeErr.Code
		}
	}
}

func sendMessage(t *testing.T, conn *websocket.Conn, content, id string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(wire.ClientFrame{Type: wire.TypeMessage, Content: content, ID: id}))
}

// collectTurn reads frames until done or error, returning the concatenated
// text and the terminal frame.
func collectTurn(t *testing.T, conn *websocket.Conn) (string, wire.ServerFrame) {
	t.Helper()
	var text strings.Builder
	for {
		frame := readFrame(t, conn)
		switch frame.Type {
		case wire.TypeTextChunk:
			text.WriteString(frame.Content)
		case wire.TypeDone, wire.TypeError:
			return text.String(), frame
		case wire.TypePing:
			// Heartbeats can interleave; ignore.
		default:
			t.Fatalf("unexpected frame type %q mid-turn", frame.Type)
		}
	}
}

func TestGateway_HandshakeAndConnectedFrame(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createConversation(t, "conv-1", "alice")

	conn := env.dial(t, "conv-1", "alice")

	frame := readFrame(t, conn)
	assert.Equal(t, wire.TypeConnected, frame.Type)
	assert.Equal(t, "conv-1", frame.ConversationID)
	assert.Greater(t, frame.TS, float64(0))
}

func TestGateway_InvalidTokenClosedWith4001(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createConversation(t, "conv-1", "alice")

	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL("conv-1", "garbage-token"), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, closeInvalidToken, expectClose(t, conn))
}

func TestGateway_UnknownConversationClosedWith4004(t *testing.T) {
	env := newTestEnv(t, testConfig())

	token, err := env.tokens.Generate("alice", time.Hour)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL("no-such-conv", token), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, closeNotFound, expectClose(t, conn))
}

func TestGateway_NonParticipantClosedWith4003(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createConversation(t, "conv-1", "alice")

	token, err := env.tokens.Generate("mallory", time.Hour)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL("conv-1", token), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, closeAccessDenied, expectClose(t, conn))
}

func TestGateway_MessageTurnStreamsAndPersists(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createConversation(t, "conv-1", "alice")

	conn := env.dial(t, "conv-1", "alice")
	readFrame(t, conn) // connected

	sendMessage(t, conn, "hello there", "")

	text, terminal := collectTurn(t, conn)
	assert.Equal(t, "echo: hello there", text)
	assert.Equal(t, wire.TypeDone, terminal.Type)
	assert.NotEmpty(t, terminal.MessageID, "done frame should carry the persisted message id")

	msgs, err := env.store.GetMessages(context.Background(), "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello there", msgs[0].Content)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "echo: hello there", msgs[1].Content)
	assert.Equal(t, terminal.MessageID, msgs[1].ID)
	assert.Equal(t, 0.01, msgs[1].CostUSD)
}

func TestGateway_SequentialTurnsReuseSession(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createConversation(t, "conv-1", "alice")

	conn := env.dial(t, "conv-1", "alice")
	readFrame(t, conn)

	sendMessage(t, conn, "first", "")
	text, _ := collectTurn(t, conn)
	assert.Equal(t, "echo: first", text)

	sendMessage(t, conn, "second", "")
	text, _ = collectTurn(t, conn)
	assert.Equal(t, "echo: second", text)

	env.runner.mu.Lock()
	streams := env.runner.streams
	env.runner.mu.Unlock()
	assert.Equal(t, 1, streams, "both turns should share one runtime stream")
}

func TestGateway_DuplicateMessageIDDropped(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createConversation(t, "conv-1", "alice")

	conn := env.dial(t, "conv-1", "alice")
	readFrame(t, conn)

	sendMessage(t, conn, "only once", "client-msg-1")
	text, _ := collectTurn(t, conn)
	assert.Equal(t, "echo: only once", text)

	// Retransmit with the same client id: silently dropped.
	sendMessage(t, conn, "only once", "client-msg-1")

	// A message with a fresh id still works, proving the connection lives.
	sendMessage(t, conn, "again", "client-msg-2")
	text, _ = collectTurn(t, conn)
	assert.Equal(t, "echo: again", text)

	assert.Equal(t, 2, env.runner.inputCount(), "duplicate must not reach the runtime")
}

func TestGateway_MalformedFramesTolerance(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createConversation(t, "conv-1", "alice")

	conn := env.dial(t, "conv-1", "alice")
	readFrame(t, conn)

	for i := 0; i < maxMalformedFrames; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	}

	// The first four draw error frames; the fifth closes the connection.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	sawClose := false
	for i := 0; i < maxMalformedFrames; i++ {
		var frame wire.ServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			sawClose = true
			break
		}
		assert.Equal(t, wire.TypeError, frame.Type)
	}
	assert.True(t, sawClose, "connection should close after repeated malformed frames")
}

func TestGateway_BroadcastToOtherParticipants(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createConversation(t, "conv-1", "alice")
	require.NoError(t, env.store.AddParticipant(context.Background(), "conv-1", "bob"))

	alice := env.dial(t, "conv-1", "alice")
	readFrame(t, alice)
	bob := env.dial(t, "conv-1", "bob")
	readFrame(t, bob)

	sendMessage(t, alice, "hi bob", "")
	_, terminal := collectTurn(t, alice)
	assert.Equal(t, wire.TypeDone, terminal.Type)

	// Bob sees Alice's message and then the assistant reply relay.
	relay := readFrame(t, bob)
	assert.Equal(t, wire.TypeMessage, relay.Type)
	assert.Equal(t, "alice", relay.Sender)
	assert.Equal(t, "hi bob", relay.Content)

	reply := readFrame(t, bob)
	assert.Equal(t, wire.TypeMessage, reply.Type)
	assert.Equal(t, "assistant", reply.Sender)
	assert.Equal(t, "echo: hi bob", reply.Content)
}

// collectOwnTurn is collectTurn but tolerant of relayed participant
// messages, for tests where several users talk at once.
func collectOwnTurn(t *testing.T, conn *websocket.Conn) (string, wire.ServerFrame) {
	t.Helper()
	var text strings.Builder
	for {
		frame := readFrame(t, conn)
		switch frame.Type {
		case wire.TypeTextChunk:
			text.WriteString(frame.Content)
		case wire.TypeDone, wire.TypeError:
			return text.String(), frame
		case wire.TypePing, wire.TypeMessage:
			// Heartbeats and other participants' relays can interleave.
		default:
			t.Fatalf("unexpected frame type %q mid-turn", frame.Type)
		}
	}
}

func TestGateway_ConcurrentTurnsFromTwoParticipants(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createConversation(t, "conv-1", "alice")
	require.NoError(t, env.store.AddParticipant(context.Background(), "conv-1", "bob"))

	alice := env.dial(t, "conv-1", "alice")
	readFrame(t, alice)
	bob := env.dial(t, "conv-1", "bob")
	readFrame(t, bob)

	// Both participants share the conversation session. Simultaneous sends
	// must each get their own turn back, never a slice of the other's.
	sendMessage(t, alice, "from-alice", "")
	sendMessage(t, bob, "from-bob", "")

	aliceText, aliceTerminal := collectOwnTurn(t, alice)
	bobText, bobTerminal := collectOwnTurn(t, bob)

	assert.Equal(t, wire.TypeDone, aliceTerminal.Type)
	assert.Equal(t, "echo: from-alice", aliceText)
	assert.Equal(t, wire.TypeDone, bobTerminal.Type)
	assert.Equal(t, "echo: from-bob", bobText)
}

func TestGateway_HeartbeatPingAndPong(t *testing.T) {
	cfg := testConfig()
	cfg.Websocket.HeartbeatInterval = 30 * time.Millisecond
	cfg.Websocket.PingTimeout = 200 * time.Millisecond
	cfg.Websocket.IdleTimeout = time.Hour

	env := newTestEnv(t, cfg)
	env.createConversation(t, "conv-1", "alice")

	conn := env.dial(t, "conv-1", "alice")
	readFrame(t, conn)

	// Answer pings for a few heartbeat cycles; the connection must survive.
	deadline := time.Now().Add(250 * time.Millisecond)
	pings := 0
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		var frame wire.ServerFrame
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Type == wire.TypePing {
			pings++
			require.NoError(t, conn.WriteJSON(wire.ClientFrame{Type: wire.TypePong}))
		}
	}
	assert.GreaterOrEqual(t, pings, 2, "expected repeated heartbeat pings")
	assert.True(t, env.gateway.registry.IsConnected("conv-1", "alice"))
}

func TestGateway_InboundFramesResetIdleClock(t *testing.T) {
	cfg := testConfig()
	cfg.Websocket.HeartbeatInterval = 30 * time.Millisecond
	cfg.Websocket.PingTimeout = time.Second
	cfg.Websocket.IdleTimeout = 150 * time.Millisecond

	env := newTestEnv(t, cfg)
	env.createConversation(t, "conv-1", "alice")

	conn := env.dial(t, "conv-1", "alice")
	readFrame(t, conn)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	// One writer at a time; the reader goroutine answers pings while the
	// main goroutine keeps sending messages.
	var writeMu sync.Mutex
	writeFrame := func(f wire.ClientFrame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteJSON(f)
	}

	go func() {
		for {
			var frame wire.ServerFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == wire.TypePing {
				writeFrame(wire.ClientFrame{Type: wire.TypePong})
			}
		}
	}()

	// Repeats of an already-seen message id are dropped without a reply, so
	// these frames exercise the inbound path alone. Each one must still
	// refresh the idle clock.
	writeFrame(wire.ClientFrame{Type: wire.TypeMessage, Content: "hello", ID: "dup-1"})
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		writeFrame(wire.ClientFrame{Type: wire.TypeMessage, Content: "hello", ID: "dup-1"})
		time.Sleep(40 * time.Millisecond)
	}
	assert.True(t, env.gateway.registry.IsConnected("conv-1", "alice"))

	// Pongs alone are not activity. Once the messages stop, the connection
	// idles out even though every heartbeat is still answered.
	assert.Eventually(t, func() bool {
		return !env.gateway.registry.IsConnected("conv-1", "alice")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGateway_UnansweredPingDisconnects(t *testing.T) {
	cfg := testConfig()
	cfg.Websocket.HeartbeatInterval = 20 * time.Millisecond
	cfg.Websocket.PingTimeout = 40 * time.Millisecond
	cfg.Websocket.IdleTimeout = time.Hour

	env := newTestEnv(t, cfg)
	env.createConversation(t, "conv-1", "alice")

	conn := env.dial(t, "conv-1", "alice")
	readFrame(t, conn)

	// Never answer pings; the registry should tear the connection down.
	assert.Eventually(t, func() bool {
		return !env.gateway.registry.IsConnected("conv-1", "alice")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_HealthEndpoint(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createConversation(t, "conv-1", "alice")

	conn := env.dial(t, "conv-1", "alice")
	readFrame(t, conn)

	resp, err := http.Get(env.server.URL + "/api/v1/ws/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.ActiveConnections)
	assert.Equal(t, "1h0m0s", health.HeartbeatInterval)
}

func TestGateway_ReplacedConnection(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createConversation(t, "conv-1", "alice")

	first := env.dial(t, "conv-1", "alice")
	readFrame(t, first)

	second := env.dial(t, "conv-1", "alice")
	readFrame(t, second)

	// Last writer wins: the first socket is closed, the second stays usable.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "replaced connection should be closed")

	sendMessage(t, second, "still here", "")
	text, _ := collectTurn(t, second)
	assert.Equal(t, "echo: still here", text)
}
