// ABOUTME: Websocket handshake and per-connection dispatch loop.
// ABOUTME: Authenticates, registers with the registry, and drives runtime turns.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parley-chat/parley-gateway/internal/dedupe"
	"github.com/parley-chat/parley-gateway/internal/pacer"
	"github.com/parley-chat/parley-gateway/internal/registry"
	"github.com/parley-chat/parley-gateway/internal/session"
	"github.com/parley-chat/parley-gateway/internal/store"
	"github.com/parley-chat/parley-gateway/internal/wire"
)

// maxMalformedFrames is how many unparseable frames a connection may send
// before it is disconnected.
const maxMalformedFrames = 5

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Access control happens via the bearer token, not the Origin header.
		return true
	},
}

// connState tracks one authenticated connection through its dispatch loop.
type connState struct {
	conversationID string
	userID         string
	agentRole      string
	conn           *registry.Conn
}

// handleConversationSocket upgrades the connection and runs the handshake.
// Rejections happen after the upgrade with application close codes, so
// browser clients can read the reason.
func (g *Gateway) handleConversationSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimPrefix(r.URL.Path, "/api/v1/ws/conversations/")
	if conversationID == "" || strings.Contains(conversationID, "/") {
		http.NotFound(w, r)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	userID, err := g.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		g.logger.Debug("rejecting connection, invalid token", "conversation_id", conversationID, "error", err)
		rejectSocket(conn, closeInvalidToken, "invalid token")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	conv, err := g.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		cancel()
		if errors.Is(err, store.ErrNotFound) {
			rejectSocket(conn, closeNotFound, "conversation not found")
			return
		}
		g.logger.Error("conversation lookup failed", "conversation_id", conversationID, "error", err)
		rejectSocket(conn, closeGeneric, "internal error")
		return
	}

	member, err := g.conversations.IsParticipant(ctx, conversationID, userID)
	cancel()
	if err != nil {
		g.logger.Error("participant check failed", "conversation_id", conversationID, "user_id", userID, "error", err)
		rejectSocket(conn, closeGeneric, "internal error")
		return
	}
	if !member {
		g.logger.Info("rejecting connection, access denied", "conversation_id", conversationID, "user_id", userID)
		rejectSocket(conn, closeAccessDenied, "access denied")
		return
	}

	regConn := g.registry.Connect(newWSSocket(conn), conversationID, userID)
	g.registry.Send(conversationID, userID, wire.Connected(conversationID))

	g.logger.Info("connection established",
		"conversation_id", conversationID,
		"user_id", userID,
		"agent_role", conv.AgentRole,
	)

	state := &connState{
		conversationID: conversationID,
		userID:         userID,
		agentRole:      conv.AgentRole,
		conn:           regConn,
	}
	g.readLoop(conn, state)
}

// readLoop consumes client frames until the connection drops. Pongs are
// handled inline; message frames spawn a turn so heartbeats keep flowing
// while the runtime streams.
func (g *Gateway) readLoop(conn *websocket.Conn, state *connState) {
	malformed := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.registry.DisconnectConn(state.conn, registry.ReasonClientDisconnect)
			return
		}

		var frame wire.ClientFrame
		parseErr := json.Unmarshal(data, &frame)

		// Inbound frames count as activity for idle accounting. Bare pongs
		// do not: a client that only answers heartbeats is still idle.
		if frame.Type != wire.TypePong {
			state.conn.Touch()
		}

		if parseErr != nil {
			malformed++
			if malformed >= maxMalformedFrames {
				g.logger.Warn("too many malformed frames, disconnecting",
					"conversation_id", state.conversationID,
					"user_id", state.userID,
				)
				g.registry.DisconnectConn(state.conn, registry.ReasonClientDisconnect)
				return
			}
			g.registry.Send(state.conversationID, state.userID, wire.Error("malformed frame"))
			continue
		}

		switch frame.Type {
		case wire.TypePong:
			g.registry.HandlePong(state.conversationID, state.userID)

		case wire.TypeMessage:
			if frame.Content == "" {
				g.registry.Send(state.conversationID, state.userID, wire.Error("empty message"))
				continue
			}
			if frame.ID != "" && g.dedupe.Seen(dedupe.MessageKey(state.conversationID, state.userID, frame.ID)) {
				g.logger.Debug("dropping duplicate message",
					"conversation_id", state.conversationID,
					"user_id", state.userID,
					"client_message_id", frame.ID,
				)
				continue
			}
			go g.handleMessage(state, frame.Content)

		default:
			g.registry.Send(state.conversationID, state.userID, wire.Error("unknown frame type: "+frame.Type))
		}
	}
}

// handleMessage persists the user message, relays it to the other
// participants, and drives one runtime turn back to the sender.
func (g *Gateway) handleMessage(state *connState, content string) {
	userMsgID := uuid.New().String()
	if err := g.persistMessage(&store.Message{
		ID:             userMsgID,
		ConversationID: state.conversationID,
		Sender:         state.userID,
		Role:           store.RoleUser,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		g.logger.Error("persisting user message", "conversation_id", state.conversationID, "error", err)
		g.registry.Send(state.conversationID, state.userID, wire.Error("failed to save message"))
		return
	}

	g.registry.Broadcast(state.conversationID,
		wire.UserMessage(state.userID, content, userMsgID), state.userID)

	sess, err := g.pool.GetOrCreate(context.Background(), state.userID, state.agentRole, state.conversationID)
	if err != nil {
		g.logger.Error("acquiring session", "conversation_id", state.conversationID, "agent_role", state.agentRole, "error", err)
		g.registry.Send(state.conversationID, state.userID, wire.Error("failed to start session"))
		return
	}

	// The push and the event consumption form one claimed turn. Sessions
	// are shared across participants, so the claim keeps one turn's events
	// from splitting between concurrent drivers.
	sess.BeginTurn()
	defer sess.EndTurn()

	if _, err := sess.SendMessage(content); err != nil {
		// A dead session is replaced on the next message.
		g.pool.CloseSession(sess.Key)
		g.logger.Warn("session rejected message", "session_key", sess.Key, "error", err)
		g.registry.Send(state.conversationID, state.userID, wire.Error("session unavailable, try again"))
		return
	}

	g.driveTurn(state, sess)
}

// driveTurn consumes session events until the turn's terminal event,
// pacing text out to the sender. On completion it persists the assistant
// reply and reports its id in the done frame.
func (g *Gateway) driveTurn(state *connState, sess *session.Session) {
	p := pacer.New(g.registry, state.conversationID, state.userID, g.pacerCfg, g.logger)
	defer p.Close()

	events := sess.Events()
	for {
		ev, ok := <-events
		if !ok {
			// Runtime ended mid-turn. The session is done for; the client
			// reconnect path starts a fresh one.
			g.logger.Warn("session events ended mid-turn", "session_key", sess.Key)
			g.pool.CloseSession(sess.Key)
			g.registry.DisconnectConn(state.conn, registry.ReasonSessionFault)
			return
		}

		switch ev.Kind {
		case session.EventTextChunk:
			p.WriteTextChunk(ev.Text)

		case session.EventToolUse:
			p.WriteToolUse(ev.ToolUse.Name, ev.ToolUse.ID, ev.ToolUse.Input)

		case session.EventToolResult:
			p.WriteToolResult(ev.ToolResult.ID, ev.ToolResult.Result, ev.ToolResult.IsError)

		case session.EventToolProgress:
			p.WriteToolProgress(ev.ToolProgress.Name, ev.ToolProgress.ID,
				ev.ToolProgress.Progress, ev.ToolProgress.Status, ev.ToolProgress.FilePath)

		case session.EventTaskStart:
			p.WriteTaskStart(ev.TaskType)

		case session.EventTaskProgress:
			p.WriteTaskProgress(ev.Progress, ev.Text)

		case session.EventError:
			g.logger.Warn("turn ended with runtime error", "session_key", sess.Key, "error", ev.Error)
			p.WriteError(ev.Error)
			return

		case session.EventDone:
			g.finishTurn(state, sess, p, ev)
			return
		}
	}
}

// finishTurn persists the accumulated assistant reply and acknowledges the
// turn. An empty reply (tool-only turn) is still acknowledged, just not
// persisted.
func (g *Gateway) finishTurn(state *connState, sess *session.Session, p *pacer.Pacer, ev session.Event) {
	text := p.Finalize()
	if text == "" {
		g.registry.Send(state.conversationID, state.userID, wire.Done(""))
		return
	}

	var cost float64
	if ev.Result != nil {
		cost = ev.Result.TotalCostUSD
	}

	msgID := uuid.New().String()
	if err := g.persistMessage(&store.Message{
		ID:             msgID,
		ConversationID: state.conversationID,
		Sender:         state.agentRole,
		Role:           store.RoleAssistant,
		Content:        text,
		CostUSD:        cost,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		g.logger.Error("persisting assistant message", "conversation_id", state.conversationID, "error", err)
		// The reply already streamed; acknowledge without a persisted id.
		g.registry.Send(state.conversationID, state.userID, wire.Done(""))
		return
	}

	g.registry.Send(state.conversationID, state.userID, wire.Done(msgID))
	g.registry.Broadcast(state.conversationID,
		wire.UserMessage(state.agentRole, text, msgID), state.userID)
}

func (g *Gateway) persistMessage(msg *store.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.messages.SaveMessage(ctx, msg)
}
