package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"UATChat/internal/config"
	"UATChat/internal/gateway"
	"UATChat/internal/prompt"
	"UATChat/internal/session"
	"UATChat/internal/store"
	"UATChat/internal/uat"
)

// Server is the HTTP surface over the prompt assembler, the session store,
// and the model gateway.
//
// The transient conversation context is process-wide: this is a
// single-operator tool, exactly like holding the transcript in one browser
// tab. Starting a new chat clears the transient context only; saved
// sessions are never deleted implicitly.
type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	store    store.Store
	settings *prompt.Store
	gw       gateway.Gateway
	uat      *uat.Generator

	mu      sync.Mutex
	current *session.Session

	clock func() time.Time
}

// NewServer wires the handlers together.
func NewServer(cfg config.Config, st store.Store, settings *prompt.Store, gw gateway.Gateway, gen *uat.Generator, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger,
		tracer:   tracer,
		meter:    meter,
		store:    st,
		settings: settings,
		gw:       gw,
		uat:      gen,
		current:  &session.Session{},
		clock:    time.Now,
	}
}

// Routes returns the full route table.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /ask", s.handleAsk)
	mux.HandleFunc("GET /new_chat", s.handleNewChat)
	mux.HandleFunc("GET /new_session", s.handleNewChat)
	mux.HandleFunc("/session/{key}", s.handleLoadSession)
	mux.HandleFunc("POST /save_session", s.handleSaveSession)
	mux.HandleFunc("/delete_session/{key}", s.handleDeleteSession)
	mux.HandleFunc("GET /settings", s.handleSettings)
	mux.HandleFunc("POST /update_settings", s.handleUpdateSettings)
	mux.HandleFunc("POST /update_system_prompt", s.handleUpdateSystemPrompt)
	mux.HandleFunc("POST /generate", s.handleGenerate)
	mux.HandleFunc("POST /generate_uat", s.handleGenerateUAT)
	mux.HandleFunc("POST /uat/generate_test_cases", s.handleGenerateUAT)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws/chat", s.handleChatSocket)

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	turns := make([]session.Turn, len(s.current.Turns))
	copy(turns, s.current.Turns)
	currentKey := s.current.Key
	timings := s.current.Timings
	s.mu.Unlock()

	keys, err := s.store.List()
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		http.Error(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}

	s.render(w, chatPage, indexData{
		Turns:      turns,
		Keys:       keys,
		CurrentKey: currentKey,
		Timings:    timings,
	})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "ask")
	defer span.End()

	if !s.gw.Loaded() {
		http.Error(w, "Model is not loaded.", http.StatusServiceUnavailable)
		return
	}

	message := strings.TrimSpace(r.FormValue("prompt"))
	if message == "" {
		http.Error(w, "Please provide a prompt.", http.StatusBadRequest)
		return
	}

	maxTokens := s.cfg.MaxTokensDefault
	if v := r.FormValue("max_tokens"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxTokens = n
		}
	}

	snap := s.settings.Current()

	s.mu.Lock()
	history := make([]session.Turn, len(s.current.Turns))
	copy(history, s.current.Turns)
	s.mu.Unlock()

	fullPrompt := prompt.Assemble(snap.SystemPrompt, history, snap.Template, message)

	opts := gateway.DefaultOptions()
	opts.MaxTokens = maxTokens

	s.logger.Info("generating response", "max_tokens", maxTokens, "history_turns", len(history))
	res, err := s.gw.Generate(ctx, fullPrompt, opts)

	now := s.clock()
	userTurn := session.Turn{Role: session.RoleUser, Content: snap.Template.Render(message), Timestamp: now}

	var answerTurn session.Turn
	if err != nil {
		// Surface the failure in-band as part of the transcript; the
		// request itself still succeeds and the process stays up.
		s.logger.Error("generation failed", "error", err)
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

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleNewChat(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.current = &session.Session{}
	s.mu.Unlock()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleLoadSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	turns, timings, err := s.store.Load(key)
	if err != nil {
		s.logger.Error("failed to load session", "key", key, "error", err)
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.current = &session.Session{Key: key, Turns: turns, Timings: timings}
	s.mu.Unlock()

	s.logger.Info("loaded session", "key", key, "turns", len(turns))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleSaveSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	turns := make([]session.Turn, len(s.current.Turns))
	copy(turns, s.current.Turns)
	key := s.current.Key
	timings := s.current.Timings
	s.mu.Unlock()

	if len(turns) == 0 {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	if key == "" {
		snap := s.settings.Current()
		stripped := snap.Template.Strip(turns[0].Content)
		key = session.DeriveKey(s.clock(), stripped)

		if s.cfg.DisambiguateKeys {
			var err error
			key, err = s.disambiguate(key)
			if err != nil {
				http.Error(w, "failed to save session", http.StatusInternalServerError)
				return
			}
		}
	}

	if err := s.store.Save(key, turns, timings); err != nil {
		s.logger.Error("failed to save session", "key", key, "error", err)
		http.Error(w, "failed to save session", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.current.Key = key
	s.mu.Unlock()

	s.logger.Info("session saved", "key", key, "turns", len(turns))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// disambiguate appends a numeric suffix when the derived key already exists.
// Without this policy two sessions saved in the same minute with the same
// leading text silently overwrite, which is the documented default.
func (s *Server) disambiguate(key string) (string, error) {
	keys, err := s.store.List()
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(keys))
	for _, k := range keys {
		taken[k] = true
	}
	if !taken[key] {
		return key, nil
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", key, i)
		if !taken[candidate] {
			return candidate, nil
		}
	}
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.store.Delete(key); err != nil {
		s.logger.Error("failed to delete session", "key", key, "error", err)
		http.Error(w, "failed to delete session", http.StatusInternalServerError)
		return
	}

	// The transient transcript survives, but it no longer has a persisted
	// counterpart, so a later save derives a fresh key.
	s.mu.Lock()
	if s.current.Key == key {
		s.current.Key = ""
	}
	s.mu.Unlock()

	s.logger.Info("session deleted", "key", key)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	snap := s.settings.Current()
	s.render(w, settingsPage, settingsData{
		SystemPrompt: snap.SystemPrompt,
		Template:     string(snap.Template),
	})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	tmpl := prompt.Template(r.FormValue("template"))
	if err := s.settings.SetTemplate(tmpl); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Info("instruction template updated")
	http.Redirect(w, r, "/settings", http.StatusSeeOther)
}

func (s *Server) handleUpdateSystemPrompt(w http.ResponseWriter, r *http.Request) {
	s.settings.SetSystemPrompt(r.FormValue("system_prompt"))
	s.logger.Info("system prompt updated")
	http.Redirect(w, r, "/settings", http.StatusSeeOther)
}

// handleGenerate is the raw JSON completion endpoint: no history, no
// template, the prompt is passed to the model as-is.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "generate")
	defer span.End()

	if !s.gw.Loaded() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Model is not loaded or failed to load."})
		return
	}

	var req struct {
		Prompt    string `json:"prompt"`
		MaxTokens int    `json:"max_tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Request must include a 'prompt'."})
		return
	}

	opts := gateway.DefaultOptions()
	opts.MaxTokens = 256
	opts.Stop = []string{"</end>", "[END]"}
	if req.MaxTokens > 0 {
		opts.MaxTokens = req.MaxTokens
	}

	res, err := s.gw.Generate(ctx, req.Prompt, opts)
	if err != nil {
		s.logger.Error("generation failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "An internal error occurred."})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"prompt":         req.Prompt,
		"generated_text": res.Text,
	})
}

func (s *Server) handleGenerateUAT(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "generate_uat")
	defer span.End()

	userStory := s.userStoryFromRequest(r)
	if userStory == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "User story is required"})
		return
	}

	s.logger.Info("generating uat", "user_story", truncate(userStory, 50))

	result, err := s.uat.Generate(ctx, userStory)
	if err != nil {
		var missing *uat.IndexMissingError
		if errors.As(err, &missing) {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": missing.Error()})
			return
		}
		s.logger.Error("uat generation failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.logger.Info("uat generated", "quality_score", result.QualityScore)
	s.writeJSON(w, http.StatusOK, result)
}

// userStoryFromRequest accepts both the JSON body used by the UI and plain
// form fields; "query" is an accepted alias for "user_story".
func (s *Server) userStoryFromRequest(r *http.Request) string {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			UserStory string `json:"user_story"`
			Query     string `json:"query"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return ""
		}
		if req.UserStory != "" {
			return strings.TrimSpace(req.UserStory)
		}
		return strings.TrimSpace(req.Query)
	}
	if v := strings.TrimSpace(r.FormValue("user_story")); v != "" {
		return v
	}
	return strings.TrimSpace(r.FormValue("query"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	loaded := s.gw.Loaded()
	status := "healthy"
	code := http.StatusOK
	if !loaded {
		status = "unhealthy"
		code = http.StatusInternalServerError
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":       status,
		"model_loaded": loaded,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) countTurn(ctx context.Context, ok bool) {
	counter, err := s.meter.Int64Counter(
		"chat.turns",
		metric.WithDescription("Completed chat generation turns"),
	)
	if err != nil {
		return
	}
	counter.Add(ctx, 1)
	if !ok {
		failures, err := s.meter.Int64Counter(
			"chat.turn_failures",
			metric.WithDescription("Chat generation turns that ended in error"),
		)
		if err == nil {
			failures.Add(ctx, 1)
		}
	}
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
