package web

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"UATChat/internal/gateway"
	"UATChat/internal/prompt"
	"UATChat/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Same-host operator tool; the page and the socket share an origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsRequest struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

type wsEvent struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
	Timings string `json:"timings,omitempty"`
}

// handleChatSocket streams one generation per incoming message over a
// websocket. Each chunk goes out as a "token" event; the final "done" event
// carries the full text. The transcript is updated exactly as /ask does it.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Info("websocket client connected", "remote", r.RemoteAddr)

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		req.Prompt = strings.TrimSpace(req.Prompt)
		if req.Prompt == "" {
			s.writeEvent(conn, wsEvent{Type: "error", Message: "Please provide a prompt."})
			continue
		}
		if !s.gw.Loaded() {
			s.writeEvent(conn, wsEvent{Type: "error", Message: "Model is not loaded."})
			continue
		}

		s.streamTurn(r, conn, req)
	}
}

func (s *Server) streamTurn(r *http.Request, conn *websocket.Conn, req wsRequest) {
	ctx, span := s.tracer.Start(r.Context(), "ws_chat")
	defer span.End()

	snap := s.settings.Current()

	s.mu.Lock()
	history := make([]session.Turn, len(s.current.Turns))
	copy(history, s.current.Turns)
	s.mu.Unlock()

	fullPrompt := prompt.Assemble(snap.SystemPrompt, history, snap.Template, req.Prompt)

	opts := gateway.DefaultOptions()
	if req.MaxTokens > 0 {
		opts.MaxTokens = req.MaxTokens
	} else {
		opts.MaxTokens = s.cfg.MaxTokensDefault
	}

	var res gateway.Result
	var err error
	if streamer, ok := s.gw.(gateway.Streamer); ok {
		res, err = streamer.GenerateStream(ctx, fullPrompt, opts, func(chunk string) error {
			return s.writeEvent(conn, wsEvent{Type: "token", Content: chunk})
		})
	} else {
		res, err = s.gw.Generate(ctx, fullPrompt, opts)
	}

	now := s.clock()
	userTurn := session.Turn{Role: session.RoleUser, Content: snap.Template.Render(req.Prompt), Timestamp: now}

	var answerTurn session.Turn
	if err != nil {
		s.logger.Error("streamed generation failed", "error", err)
		answerTurn = session.Turn{Role: session.RoleError, Content: fmt.Sprintf("Error: %v", err), Timestamp: s.clock()}
	} else {
		answerTurn = session.Turn{Role: session.RoleModel, Content: res.Text, Timestamp: s.clock()}
	}

	s.mu.Lock()
	s.current.Turns = append(s.current.Turns, userTurn, answerTurn)
	if err == nil {
		s.current.Timings = res.Timings
	}
	s.mu.Unlock()

	s.countTurn(ctx, err == nil)

	if err != nil {
		s.writeEvent(conn, wsEvent{Type: "error", Message: answerTurn.Content})
		return
	}
	s.writeEvent(conn, wsEvent{Type: "done", Content: res.Text, Timings: res.Timings})
}

func (s *Server) writeEvent(conn *websocket.Conn, ev wsEvent) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(ev); err != nil {
		s.logger.Warn("websocket write failed", "type", ev.Type, "error", err)
		return err
	}
	return nil
}
