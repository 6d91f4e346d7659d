package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"UATChat/internal/config"
	"UATChat/internal/gateway"
	"UATChat/internal/prompt"
	"UATChat/internal/retrieval"
	"UATChat/internal/session"
	"UATChat/internal/store"
	"UATChat/internal/uat"
)

type fakeGateway struct {
	loaded     bool
	text       string
	timings    string
	err        error
	lastPrompt string
	lastOpts   gateway.Options
}

func (f *fakeGateway) Generate(ctx context.Context, p string, opts gateway.Options) (gateway.Result, error) {
	f.lastPrompt = p
	f.lastOpts = opts
	if f.err != nil {
		return gateway.Result{}, f.err
	}
	return gateway.Result{Text: f.text, Timings: f.timings}, nil
}

func (f *fakeGateway) Loaded() bool { return f.loaded }

type missingIndexRetriever struct{}

func (missingIndexRetriever) Query(ctx context.Context, q string) (string, error) {
	return "", fmt.Errorf("collection: %w", retrieval.ErrIndexNotFound)
}

var fixedNow = time.Date(2026, 8, 28, 14, 30, 0, 0, time.UTC)

func newTestServer(t *testing.T, gw gateway.Gateway, retriever uat.Retriever, required bool) *Server {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}

	gen := uat.NewGenerator(gw, retriever, required, "phi-2.Q4_K_M.gguf", logger)
	srv := NewServer(cfg, st, prompt.NewStore(), gw, gen, logger, otel.Tracer("test"), otel.Meter("test"))
	srv.clock = func() time.Time { return fixedNow }
	return srv
}

func postForm(h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func postJSON(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w
}

func TestAskAppendsTurns(t *testing.T) {
	gw := &fakeGateway{loaded: true, text: "the answer", timings: `{"predicted_ms":5}`}
	srv := newTestServer(t, gw, nil, false)
	h := srv.Routes()

	w := postForm(h, "/ask", url.Values{"prompt": {"test"}, "max_tokens": {"64"}})
	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	if gw.lastPrompt != srv.settings.Current().SystemPrompt+"\nInstruct: test\nOutput:" {
		t.Errorf("assembled prompt = %q", gw.lastPrompt)
	}
	if gw.lastOpts.MaxTokens != 64 {
		t.Errorf("max tokens = %d", gw.lastOpts.MaxTokens)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.current.Turns) != 2 {
		t.Fatalf("turns = %d", len(srv.current.Turns))
	}
	if srv.current.Turns[0].Role != session.RoleUser || srv.current.Turns[0].Content != "Instruct: test\nOutput:" {
		t.Errorf("user turn = %+v", srv.current.Turns[0])
	}
	if srv.current.Turns[1].Role != session.RoleModel || srv.current.Turns[1].Content != "the answer" {
		t.Errorf("model turn = %+v", srv.current.Turns[1])
	}
	if srv.current.Timings != `{"predicted_ms":5}` {
		t.Errorf("timings = %q", srv.current.Timings)
	}
}

func TestAskEmptyPrompt(t *testing.T) {
	srv := newTestServer(t, &fakeGateway{loaded: true}, nil, false)
	w := postForm(srv.Routes(), "/ask", url.Values{"prompt": {"   "}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestAskModelNotLoaded(t *testing.T) {
	srv := newTestServer(t, &fakeGateway{loaded: false}, nil, false)
	w := postForm(srv.Routes(), "/ask", url.Values{"prompt": {"hi"}})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", w.Code)
	}
}

func TestAskGatewayErrorBecomesErrorTurn(t *testing.T) {
	gw := &fakeGateway{loaded: true, err: errors.New("backend down")}
	srv := newTestServer(t, gw, nil, false)

	w := postForm(srv.Routes(), "/ask", url.Values{"prompt": {"hi"}})
	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d", w.Code)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.current.Turns) != 2 {
		t.Fatalf("turns = %d", len(srv.current.Turns))
	}
	last := srv.current.Turns[1]
	if last.Role != session.RoleError || !strings.Contains(last.Content, "backend down") {
		t.Errorf("error turn = %+v", last)
	}
}

func TestSaveSessionDerivesKey(t *testing.T) {
	gw := &fakeGateway{loaded: true, text: "ok"}
	srv := newTestServer(t, gw, nil, false)
	h := srv.Routes()

	postForm(h, "/ask", url.Values{"prompt": {"As a user, I want to reset my password"}})
	w := postForm(h, "/save_session", nil)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d", w.Code)
	}

	want := "20260828-1430_as-a-user-i-want-to-reset-my"
	keys, err := srv.store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != want {
		t.Errorf("keys = %v, want [%s]", keys, want)
	}

	srv.mu.Lock()
	if srv.current.Key != want {
		t.Errorf("current key = %q", srv.current.Key)
	}
	srv.mu.Unlock()
}

func TestSaveSessionReusesExistingKey(t *testing.T) {
	gw := &fakeGateway{loaded: true, text: "ok"}
	srv := newTestServer(t, gw, nil, false)
	h := srv.Routes()

	postForm(h, "/ask", url.Values{"prompt": {"first"}})
	postForm(h, "/save_session", nil)
	postForm(h, "/ask", url.Values{"prompt": {"second"}})
	postForm(h, "/save_session", nil)

	keys, err := srv.store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Fatalf("keys = %v, want one key reused across saves", keys)
	}

	turns, _, err := srv.store.Load(keys[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 4 {
		t.Errorf("persisted turns = %d, want 4", len(turns))
	}
}

func TestSaveSessionEmptyTranscript(t *testing.T) {
	srv := newTestServer(t, &fakeGateway{loaded: true}, nil, false)
	w := postForm(srv.Routes(), "/save_session", nil)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d", w.Code)
	}
	keys, _ := srv.store.List()
	if len(keys) != 0 {
		t.Errorf("empty transcript must not be saved, keys = %v", keys)
	}
}

func TestSaveSessionCollisionOverwritesByDefault(t *testing.T) {
	gw := &fakeGateway{loaded: true, text: "ok"}
	srv := newTestServer(t, gw, nil, false)
	h := srv.Routes()

	postForm(h, "/ask", url.Values{"prompt": {"same story"}})
	postForm(h, "/save_session", nil)
	get(h, "/new_chat")
	postForm(h, "/ask", url.Values{"prompt": {"same story"}})
	postForm(h, "/save_session", nil)

	keys, _ := srv.store.List()
	if len(keys) != 1 {
		t.Errorf("default collision policy is overwrite, keys = %v", keys)
	}
}

func TestSaveSessionCollisionDisambiguates(t *testing.T) {
	gw := &fakeGateway{loaded: true, text: "ok"}
	srv := newTestServer(t, gw, nil, false)
	srv.cfg.DisambiguateKeys = true
	h := srv.Routes()

	postForm(h, "/ask", url.Values{"prompt": {"same story"}})
	postForm(h, "/save_session", nil)
	get(h, "/new_chat")
	postForm(h, "/ask", url.Values{"prompt": {"same story"}})
	postForm(h, "/save_session", nil)

	keys, _ := srv.store.List()
	if len(keys) != 2 {
		t.Fatalf("keys = %v, want two disambiguated keys", keys)
	}
	found := false
	for _, k := range keys {
		if strings.HasSuffix(k, "-2") {
			found = true
		}
	}
	if !found {
		t.Errorf("no -2 suffixed key in %v", keys)
	}
}

func TestLoadSessionRestoresTranscript(t *testing.T) {
	gw := &fakeGateway{loaded: true, text: "ok"}
	srv := newTestServer(t, gw, nil, false)
	h := srv.Routes()

	postForm(h, "/ask", url.Values{"prompt": {"remember me"}})
	postForm(h, "/save_session", nil)

	srv.mu.Lock()
	key := srv.current.Key
	srv.mu.Unlock()

	get(h, "/new_chat")
	srv.mu.Lock()
	if len(srv.current.Turns) != 0 || srv.current.Key != "" {
		t.Error("new_chat did not clear the transient session")
	}
	srv.mu.Unlock()

	w := get(h, "/session/"+key)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d", w.Code)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.current.Key != key {
		t.Errorf("current key = %q, want %q", srv.current.Key, key)
	}
	if len(srv.current.Turns) != 2 {
		t.Errorf("restored turns = %d", len(srv.current.Turns))
	}
}

func TestDeleteSessionClearsCurrentKey(t *testing.T) {
	gw := &fakeGateway{loaded: true, text: "ok"}
	srv := newTestServer(t, gw, nil, false)
	h := srv.Routes()

	postForm(h, "/ask", url.Values{"prompt": {"doomed"}})
	postForm(h, "/save_session", nil)

	srv.mu.Lock()
	key := srv.current.Key
	srv.mu.Unlock()

	w := get(h, "/delete_session/"+key)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d", w.Code)
	}

	keys, _ := srv.store.List()
	if len(keys) != 0 {
		t.Errorf("keys = %v", keys)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.current.Key != "" {
		t.Error("deleting the persisted entry must detach the transient session")
	}
	if len(srv.current.Turns) != 2 {
		t.Error("transcript itself must survive the delete")
	}
}

func TestIndexPage(t *testing.T) {
	srv := newTestServer(t, &fakeGateway{loaded: true}, nil, false)
	w := get(srv.Routes(), "/")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
}

func TestSettingsPages(t *testing.T) {
	srv := newTestServer(t, &fakeGateway{loaded: true}, nil, false)
	h := srv.Routes()

	if w := get(h, "/settings"); w.Code != http.StatusOK {
		t.Fatalf("GET /settings = %d", w.Code)
	}

	if w := postForm(h, "/update_settings", url.Values{"template": {"no placeholder"}}); w.Code != http.StatusBadRequest {
		t.Errorf("invalid template status = %d", w.Code)
	}
	if srv.settings.Current().Template != prompt.DefaultTemplate {
		t.Error("rejected template must not take effect")
	}

	if w := postForm(h, "/update_settings", url.Values{"template": {"Q: {prompt}\nA:"}}); w.Code != http.StatusSeeOther {
		t.Errorf("valid template status = %d", w.Code)
	}
	if srv.settings.Current().Template != "Q: {prompt}\nA:" {
		t.Errorf("template = %q", srv.settings.Current().Template)
	}

	if w := postForm(h, "/update_system_prompt", url.Values{"system_prompt": {"be terse"}}); w.Code != http.StatusSeeOther {
		t.Errorf("system prompt status = %d", w.Code)
	}
	if srv.settings.Current().SystemPrompt != "be terse" {
		t.Errorf("system prompt = %q", srv.settings.Current().SystemPrompt)
	}
}

func TestGenerateEndpoint(t *testing.T) {
	gw := &fakeGateway{loaded: true, text: "raw completion"}
	srv := newTestServer(t, gw, nil, false)

	w := postJSON(srv.Routes(), "/generate", `{"prompt":"2+2=","max_tokens":16}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["prompt"] != "2+2=" || resp["generated_text"] != "raw completion" {
		t.Errorf("resp = %v", resp)
	}
	if gw.lastPrompt != "2+2=" {
		t.Errorf("raw endpoint must not wrap the prompt, got %q", gw.lastPrompt)
	}
	if gw.lastOpts.MaxTokens != 16 {
		t.Errorf("max tokens = %d", gw.lastOpts.MaxTokens)
	}
}

func TestGenerateValidation(t *testing.T) {
	srv := newTestServer(t, &fakeGateway{loaded: true}, nil, false)
	h := srv.Routes()

	if w := postJSON(h, "/generate", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing prompt status = %d", w.Code)
	}
	if w := postJSON(h, "/generate", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", w.Code)
	}

	srvUnloaded := newTestServer(t, &fakeGateway{loaded: false}, nil, false)
	if w := postJSON(srvUnloaded.Routes(), "/generate", `{"prompt":"x"}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("unloaded status = %d", w.Code)
	}
}

func TestGenerateUAT(t *testing.T) {
	gw := &fakeGateway{loaded: true, text: "TEST CASES:\n1. Positive Test Case - x\n   - Preconditions: y\nCONFIGURATION:\nenvironment: uat_test\n"}
	srv := newTestServer(t, gw, nil, false)

	w := postJSON(srv.Routes(), "/generate_uat", `{"user_story":"As a user I want SSO"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var res uat.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.QualityScore < 70 || res.QualityScore > 95 {
		t.Errorf("quality score = %d", res.QualityScore)
	}
	if res.ModelUsed != "phi-2.Q4_K_M.gguf" {
		t.Errorf("model used = %q", res.ModelUsed)
	}
	if !strings.Contains(res.TestCases, "Positive Test Case") {
		t.Errorf("test cases = %q", res.TestCases)
	}
}

func TestGenerateUATMissingStory(t *testing.T) {
	srv := newTestServer(t, &fakeGateway{loaded: true}, nil, false)
	if w := postJSON(srv.Routes(), "/generate_uat", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestGenerateUATIndexMissing(t *testing.T) {
	gw := &fakeGateway{loaded: true, text: "whatever"}
	srv := newTestServer(t, gw, missingIndexRetriever{}, true)

	w := postJSON(srv.Routes(), "/generate_uat", `{"user_story":"story"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "uatindex") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &fakeGateway{loaded: true}, nil, false)
	w := get(srv.Routes(), "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Status      string `json:"status"`
		ModelLoaded bool   `json:"model_loaded"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "healthy" || !resp.ModelLoaded {
		t.Errorf("resp = %+v", resp)
	}

	srvDown := newTestServer(t, &fakeGateway{loaded: false}, nil, false)
	if w := get(srvDown.Routes(), "/health"); w.Code != http.StatusInternalServerError {
		t.Errorf("unhealthy status = %d", w.Code)
	}
}
