package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/callrelay/internal/config"
	"github.com/ent0n29/callrelay/internal/dialogue"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/policy"
	"github.com/ent0n29/callrelay/internal/session"
	"github.com/ent0n29/callrelay/internal/transcript"
	"github.com/ent0n29/callrelay/internal/voice"
)

type testEnv struct {
	ts       *httptest.Server
	srv      *Server
	registry *session.Registry
	store    *transcript.InMemoryStore
}

func newTestEnv(t *testing.T, cfg config.Config, engine dialogue.Engine, callers policy.CallerPolicy) *testEnv {
	t.Helper()
	if cfg.CallMode == "" {
		cfg.CallMode = "gather"
	}
	if cfg.CallLocale == "" {
		cfg.CallLocale = "en-US"
	}
	if cfg.ListenTimeout == 0 {
		cfg.ListenTimeout = 5 * time.Second
	}
	if cfg.EndpointThreshold == 0 {
		cfg.EndpointThreshold = 500
	}
	if engine == nil {
		engine = dialogue.NewMockEngine()
	}
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", time.Now().UnixNano()))
	registry := session.NewRegistry(time.Minute, nil)
	store := transcript.NewInMemoryStore()
	orch := voice.NewOrchestrator(engine, voice.NewMockTranscriber(), voice.NewMockSynthesizer(), nil, store, metrics, nil,
		voice.OrchestratorConfig{EngineTimeout: 2 * time.Second})
	srv := New(cfg, registry, orch, callers, store, metrics, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, srv: srv, registry: registry, store: store}
}

func (e *testEnv) post(t *testing.T, path string, form url.Values) (int, string) {
	t.Helper()
	res, err := http.PostForm(e.ts.URL+path, form)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	return res.StatusCode, string(body)
}

type replyEngine struct {
	reply string
}

func (e replyEngine) Open(context.Context, string) (dialogue.Conversation, error) {
	return replyConversation(e), nil
}

type replyConversation replyEngine

func (c replyConversation) Advance(context.Context, string) (string, error) { return c.reply, nil }
func (c replyConversation) Close() error                                   { return nil }

func TestIncomingGreetsAndListens(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil, nil)

	status, body := env.post(t, "/voice/incoming", url.Values{"CallSid": {"CA1"}, "From": {"+15551230000"}})
	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d", status, http.StatusOK)
	}
	for _, want := range []string{"<Say", "Connecting you to the assistant.", "<Gather", `input="speech"`, `action="/voice/gather"`, `language="en-US"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
	assertPromptInsideGather(t, body)
	snap, ok := env.registry.Snapshot("CA1")
	if !ok {
		t.Fatalf("session CA1 not created")
	}
	if snap.CallerID != "+15551230000" || len(snap.History) != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestIncomingRejectsDisallowedCaller(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil, policy.NewAllowlist([]string{"+15550001111"}))

	status, body := env.post(t, "/voice/incoming", url.Values{"CallSid": {"CA-blocked"}, "From": {"+15559999999"}})
	if status != http.StatusOK || !strings.Contains(body, "<Reject") {
		t.Fatalf("POST /voice/incoming = %d %s, want Reject", status, body)
	}
	if _, ok := env.registry.Get("CA-blocked"); ok {
		t.Fatalf("session created for rejected caller")
	}
	if n := env.registry.ActiveCount(); n != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", n)
	}

	status, body = env.post(t, "/voice/incoming", url.Values{"CallSid": {"CA-ok"}, "From": {"+1 (555) 000-1111"}})
	if status != http.StatusOK || strings.Contains(body, "<Reject") {
		t.Fatalf("allowed caller got %d %s", status, body)
	}
}

func TestIncomingRejectsBusyWhileDraining(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil, nil)
	env.srv.Drain()

	status, body := env.post(t, "/voice/incoming", url.Values{"CallSid": {"CA-late"}, "From": {"+15551230000"}})
	if status != http.StatusOK || !strings.Contains(body, `<Reject reason="busy"`) {
		t.Fatalf("POST /voice/incoming = %d %s, want busy Reject", status, body)
	}
	if _, ok := env.registry.Get("CA-late"); ok {
		t.Fatalf("session created while draining")
	}
}

func TestGatherPassesSpeechHints(t *testing.T) {
	env := newTestEnv(t, config.Config{SpeechHints: "billing, refund"}, nil, nil)

	_, body := env.post(t, "/voice/incoming", url.Values{"CallSid": {"CA-hints"}, "From": {"+15551230000"}})
	if !strings.Contains(body, `hints="billing, refund"`) {
		t.Fatalf("body missing speech hints:\n%s", body)
	}
}

// assertPromptInsideGather checks the spoken prompt is nested in the gather,
// so caller speech interrupts playback.
func assertPromptInsideGather(t *testing.T, body string) {
	t.Helper()
	open, say, end := strings.Index(body, "<Gather"), strings.Index(body, "<Say"), strings.Index(body, "</Gather>")
	if open < 0 || say < open || end < say {
		t.Fatalf("Say not nested in Gather:\n%s", body)
	}
}

func TestIncomingRequiresCallSid(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil, nil)
	status, _ := env.post(t, "/voice/incoming", url.Values{"From": {"+15551230000"}})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", status, http.StatusBadRequest)
	}
}

func TestGatherSpeaksSanitizedReply(t *testing.T) {
	env := newTestEnv(t, config.Config{}, replyEngine{reply: "It's *sunny* today! ☀️"}, nil)
	env.post(t, "/voice/incoming", url.Values{"CallSid": {"CA2"}, "From": {"+15551230000"}})

	status, body := env.post(t, "/voice/gather", url.Values{"CallSid": {"CA2"}, "SpeechResult": {"What's the weather?"}})
	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d", status, http.StatusOK)
	}
	if !strings.Contains(body, "sunny today!") || strings.Contains(body, "*") || strings.Contains(body, "☀") {
		t.Fatalf("body not sanitized:\n%s", body)
	}
	if !strings.Contains(body, "<Gather") {
		t.Fatalf("listening not re-armed:\n%s", body)
	}
	assertPromptInsideGather(t, body)

	snap, _ := env.registry.Snapshot("CA2")
	if snap.State != session.StateAwaitingInput || len(snap.History) != 2 {
		t.Fatalf("snapshot = %+v, want awaiting_input with two turns", snap)
	}
	if snap.History[1].Text != "It's sunny today!" {
		t.Fatalf("assistant turn = %q", snap.History[1].Text)
	}
}

func TestGatherEmptySpeechReprompts(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil, nil)
	env.post(t, "/voice/incoming", url.Values{"CallSid": {"CA3"}})

	_, body := env.post(t, "/voice/gather", url.Values{"CallSid": {"CA3"}, "SpeechResult": {""}})
	if !strings.Contains(body, "I did not hear anything.") || !strings.Contains(body, "<Gather") {
		t.Fatalf("body = %s, want reprompt and gather", body)
	}
	snap, _ := env.registry.Snapshot("CA3")
	if len(snap.History) != 0 {
		t.Fatalf("history = %+v, want empty", snap.History)
	}
}

func TestStatusCompletedEndsCall(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil, nil)
	env.post(t, "/voice/incoming", url.Values{"CallSid": {"CA4"}})
	env.post(t, "/voice/gather", url.Values{"CallSid": {"CA4"}, "SpeechResult": {"hello"}})

	status, _ := env.post(t, "/voice/status", url.Values{"CallSid": {"CA4"}, "CallStatus": {"in-progress"}})
	if status != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", status, http.StatusNoContent)
	}
	if _, ok := env.registry.Get("CA4"); !ok {
		t.Fatalf("non-terminal status removed the session")
	}

	env.post(t, "/voice/status", url.Values{"CallSid": {"CA4"}, "CallStatus": {"completed"}})
	if _, ok := env.registry.Get("CA4"); ok {
		t.Fatalf("session still registered after completed status")
	}

	env.post(t, "/voice/incoming", url.Values{"CallSid": {"CA4"}})
	snap, ok := env.registry.Snapshot("CA4")
	if !ok || len(snap.History) != 0 {
		t.Fatalf("snapshot = %+v, %v; want fresh session with empty history", snap, ok)
	}
}

func TestWebhookSignature(t *testing.T) {
	env := newTestEnv(t, config.Config{TwilioAuthToken: "test-token"}, nil, nil)
	form := url.Values{"CallSid": {"CA5"}, "From": {"+15551230000"}}

	send := func(signature string) int {
		req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/voice/incoming", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Twilio-Signature", signature)
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request error = %v", err)
		}
		res.Body.Close()
		return res.StatusCode
	}

	if got := send("bogus"); got != http.StatusForbidden {
		t.Fatalf("bad signature status = %d, want %d", got, http.StatusForbidden)
	}
	if _, ok := env.registry.Get("CA5"); ok {
		t.Fatalf("session created for unsigned request")
	}
	if got := send(twilioSignature("test-token", env.ts.URL+"/voice/incoming", form)); got != http.StatusOK {
		t.Fatalf("signed request status = %d, want %d", got, http.StatusOK)
	}
}

func twilioSignature(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestCallsAPI(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil, nil)
	env.post(t, "/voice/incoming", url.Values{"CallSid": {"CA6"}})
	env.post(t, "/voice/gather", url.Values{"CallSid": {"CA6"}, "SpeechResult": {"my email is a@b.co"}})

	res, err := http.Get(env.ts.URL + "/v1/calls/CA6")
	if err != nil {
		t.Fatalf("GET call error = %v", err)
	}
	var snap session.Snapshot
	_ = json.NewDecoder(res.Body).Decode(&snap)
	res.Body.Close()
	if res.StatusCode != http.StatusOK || snap.CallID != "CA6" || len(snap.History) != 2 {
		t.Fatalf("GET /v1/calls/CA6 = %d %+v", res.StatusCode, snap)
	}

	del := func() int {
		req, _ := http.NewRequest(http.MethodDelete, env.ts.URL+"/v1/calls/CA6", nil)
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE error = %v", err)
		}
		res.Body.Close()
		return res.StatusCode
	}
	if got := del(); got != http.StatusOK {
		t.Fatalf("DELETE status = %d, want %d", got, http.StatusOK)
	}
	if got := del(); got != http.StatusNotFound {
		t.Fatalf("second DELETE status = %d, want %d", got, http.StatusNotFound)
	}

	var records []transcript.Record
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res, err := http.Get(env.ts.URL + "/v1/calls/CA6/transcript")
		if err != nil {
			t.Fatalf("GET transcript error = %v", err)
		}
		var payload struct {
			Turns []transcript.Record `json:"turns"`
		}
		_ = json.NewDecoder(res.Body).Decode(&payload)
		res.Body.Close()
		records = payload.Turns
		if len(records) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(records) != 2 {
		t.Fatalf("transcript turns = %d, want 2", len(records))
	}
	redacted := false
	for _, r := range records {
		if r.Speaker == string(session.SpeakerCaller) {
			redacted = strings.Contains(r.Text, "[REDACTED_EMAIL]") && r.PIIRedacted
		}
	}
	if !redacted {
		t.Fatalf("caller turn not redacted: %+v", records)
	}
}

func TestReadinessAndDrain(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil, nil)

	get := func(path string) (int, map[string]any) {
		res, err := http.Get(env.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		defer res.Body.Close()
		var payload map[string]any
		_ = json.NewDecoder(res.Body).Decode(&payload)
		return res.StatusCode, payload
	}

	if status, payload := get("/healthz"); status != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("GET /healthz = %d %+v", status, payload)
	}
	status, payload := get("/readyz")
	if status != http.StatusOK || payload["active_calls"] != float64(0) {
		t.Fatalf("GET /readyz = %d %+v", status, payload)
	}

	env.srv.Drain()
	if status, payload := get("/readyz"); status != http.StatusServiceUnavailable || payload["status"] != "draining" {
		t.Fatalf("GET /readyz after Drain = %d %+v", status, payload)
	}
}

func TestPerfLatencyReportsTurnStages(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil, nil)
	env.post(t, "/voice/incoming", url.Values{"CallSid": {"CA7"}})
	env.post(t, "/voice/gather", url.Values{"CallSid": {"CA7"}, "SpeechResult": {"hi"}})

	res, err := http.Get(env.ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	defer res.Body.Close()
	var snap observability.LatencySnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	stages := map[string]bool{}
	for _, s := range snap.Stages {
		stages[s.Stage] = true
	}
	if !stages[observability.StageEngine] || !stages[observability.StageTurn] {
		t.Fatalf("stages = %+v, want engine and turn_total", snap.Stages)
	}
}
