// Package relay serves the persistent client connection and routes
// message frames to session-bound agents.
package relay

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/HyphaGroup/majordomo/internal/audit"
	"github.com/HyphaGroup/majordomo/internal/auth"
	"github.com/HyphaGroup/majordomo/internal/logger"
	"github.com/HyphaGroup/majordomo/internal/metrics"
	"github.com/HyphaGroup/majordomo/internal/session"
	"github.com/HyphaGroup/majordomo/internal/validation"
)

const typingMessage = "Agent is thinking..."

// Config assembles a relay.
type Config struct {
	Store *session.Store
	Audit *audit.Store

	// AllowOrigins controls accepted Origin headers for browser
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// Limiter throttles message frames per session. Nil gets the
	// default.
	Limiter *auth.RateLimiter
}

// Relay accepts persistent connections and serves frames until the
// client disconnects. One relay serves many connections; errors on one
// frame never close the connection.
type Relay struct {
	cfg Config
}

// New creates a relay.
func New(cfg Config) *Relay {
	if cfg.Limiter == nil {
		cfg.Limiter = auth.DefaultRateLimiter()
	}
	return &Relay{cfg: cfg}
}

// ServeHTTP upgrades the request and runs the frame loop.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: rl.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	metrics.ConnectionsOpen.Inc()
	logger.InfoContext(r.Context(), "Relay client connected", "remote", r.RemoteAddr)
	defer func() {
		metrics.ConnectionsOpen.Dec()
		logger.InfoContext(r.Context(), "Relay client disconnected", "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		var frame ClientFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		metrics.RecordFrame(frame.Type, "in")

		var reply *ServerFrame
		switch frame.Type {
		case FramePing:
			reply = &ServerFrame{Type: FramePong}
		case FrameMessage:
			reply = rl.handleMessage(ctx, conn, frame)
		default:
			reply = &ServerFrame{Type: FrameError, Message: "Unsupported frame type"}
		}

		metrics.RecordFrame(reply.Type, "out")
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			return
		}
	}
}

// handleMessage runs the per-frame pipeline: validate, resolve the
// session and its agent, emit the interim typing frame, run, and shape
// the final frame.
func (rl *Relay) handleMessage(ctx context.Context, conn *websocket.Conn, frame ClientFrame) *ServerFrame {
	if err := validation.ValidateMessage(frame.Message); err != nil {
		return &ServerFrame{Type: FrameError, Message: "Invalid message: " + err.Error()}
	}
	if frame.SessionID == "" {
		return &ServerFrame{Type: FrameError, Message: "No session. Please authenticate with Google first."}
	}
	if err := validation.ValidateSessionID(frame.SessionID); err != nil {
		return &ServerFrame{Type: FrameError, Message: "Invalid session. Please re-authenticate."}
	}
	if !rl.cfg.Limiter.Allow(frame.SessionID) {
		return &ServerFrame{Type: FrameError, Message: "Rate limit exceeded. Please slow down."}
	}

	agent, err := rl.cfg.Store.Agent(frame.SessionID)
	if err != nil {
		rl.auditRequest(frame.SessionID, false, err)
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			return &ServerFrame{Type: FrameError, Message: "Session expired or not found. Please re-authenticate."}
		case errors.Is(err, session.ErrAgentUnavailable):
			return &ServerFrame{Type: FrameError, Message: "Agent not initialized. Please check server logs."}
		default:
			return &ServerFrame{Type: FrameError, Message: "Error processing your request: " + err.Error()}
		}
	}

	// The typing frame must precede a potentially long agent run.
	typing := &ServerFrame{Type: FrameTyping, Message: typingMessage}
	metrics.RecordFrame(typing.Type, "out")
	if err := wsjson.Write(ctx, conn, typing); err != nil {
		return &ServerFrame{Type: FrameError, Message: "Error processing your request: " + err.Error()}
	}

	runCtx := context.WithValue(ctx, logger.ContextKeySessionID, frame.SessionID)
	result, err := agent.Run(runCtx, frame.Message)
	if err != nil {
		logger.ErrorContext(runCtx, "Agent run failed", "error", err)
		rl.auditRequest(frame.SessionID, false, err)
		return &ServerFrame{Type: FrameError, Message: "Error processing your request: " + err.Error()}
	}

	rl.auditRequest(frame.SessionID, true, nil)
	return &ServerFrame{Type: FrameResponse, Message: result}
}

func (rl *Relay) auditRequest(sessionID string, success bool, err error) {
	if rl.cfg.Audit == nil {
		return
	}
	event := &audit.Event{
		Operation: audit.OpRelayRequest,
		SessionID: sessionID,
		Success:   success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	rl.cfg.Audit.Log(event)
}
