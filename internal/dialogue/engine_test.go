package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewEngineAutoFallsBackToMock(t *testing.T) {
	e, err := NewEngine(context.Background(), Config{Provider: "auto"}, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if Name(e) != "mock" {
		t.Fatalf("Name() = %q, want mock", Name(e))
	}

	conv, err := e.Open(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	reply, err := conv.Advance(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if reply != "I heard you: hello" {
		t.Fatalf("reply = %q, want echo", reply)
	}
}

func TestNewEngineAutoPrefersHTTPWithoutGeminiKey(t *testing.T) {
	e, err := NewEngine(context.Background(), Config{HTTPURL: "http://engine.test"}, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if Name(e) != "http" {
		t.Fatalf("Name() = %q, want http", Name(e))
	}
}

func TestNewEngineRejectsMisconfiguredProviders(t *testing.T) {
	for _, cfg := range []Config{
		{Provider: "gemini"},
		{Provider: "http"},
		{Provider: "carrier-pigeon"},
	} {
		if _, err := NewEngine(context.Background(), cfg, nil); err == nil {
			t.Fatalf("NewEngine(%+v) expected error", cfg)
		}
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{transientError("x", errors.New("rate limited")), Transient},
		{permanentError("x", errors.New("bad json")), Permanent},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), Transient},
		{errors.New("boom"), Permanent},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("KindOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestHTTPEngineRetriesAndReplaysHistory(t *testing.T) {
	httpBackoffBase = time.Millisecond
	httpBackoffCap = 2 * time.Millisecond

	var calls atomic.Int32
	var lastReq HTTPRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&lastReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "reply " + lastReq.InputText})
	}))
	defer srv.Close()

	e := NewHTTPEngine(srv.URL, "be brief", 2, time.Second)
	conv, _ := e.Open(context.Background(), "CA1")

	reply, err := conv.Advance(context.Background(), "first")
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if reply != "reply first" {
		t.Fatalf("reply = %q, want %q", reply, "reply first")
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2 (one retry)", calls.Load())
	}

	if _, err := conv.Advance(context.Background(), "second"); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if len(lastReq.History) != 2 || lastReq.History[0].Text != "first" || lastReq.History[1].Role != "assistant" {
		t.Fatalf("history = %+v, want replay of first turn", lastReq.History)
	}
	if lastReq.CallID != "CA1" || lastReq.SystemPrompt != "be brief" {
		t.Fatalf("request = %+v, want call id and system prompt", lastReq)
	}
}

func TestHTTPEngineClassifiesFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{name: "bad request", status: http.StatusBadRequest, body: "nope", want: Permanent},
		{name: "rate limited", status: http.StatusTooManyRequests, body: "slow down", want: Transient},
		{name: "empty reply", status: http.StatusOK, body: `{"text":"   "}`, want: Permanent},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			conv, _ := NewHTTPEngine(srv.URL, "", 0, time.Second).Open(context.Background(), "CA1")
			_, err := conv.Advance(context.Background(), "hi")
			if err == nil {
				t.Fatalf("Advance() expected error")
			}
			if got := KindOf(err); got != tc.want {
				t.Fatalf("KindOf() = %q, want %q (err = %v)", got, tc.want, err)
			}
		})
	}
}

func TestHTTPEngineRetriesRequestTimeout(t *testing.T) {
	httpBackoffBase = time.Millisecond
	httpBackoffCap = 2 * time.Millisecond

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusRequestTimeout)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "made it"})
	}))
	defer srv.Close()

	conv, _ := NewHTTPEngine(srv.URL, "", 1, time.Second).Open(context.Background(), "CA1")
	reply, err := conv.Advance(context.Background(), "hi")
	if err != nil || reply != "made it" {
		t.Fatalf("Advance() = %q, %v; want %q", reply, err, "made it")
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestHTTPEngineGivesUpOnLongRetryAfter(t *testing.T) {
	httpBackoffBase = time.Millisecond
	httpBackoffCap = time.Second

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	conv, _ := NewHTTPEngine(srv.URL, "", 3, time.Second).Open(context.Background(), "CA1")
	start := time.Now()
	_, err := conv.Advance(context.Background(), "hi")
	if got := KindOf(err); got != Transient {
		t.Fatalf("KindOf() = %q, want %q (err = %v)", got, Transient, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	if waited := time.Since(start); waited > 500*time.Millisecond {
		t.Fatalf("Advance() took %v, want an immediate failure", waited)
	}
}

func TestParseReplyPlainText(t *testing.T) {
	if got := parseReply([]byte("  just words \n")); got != "just words" {
		t.Fatalf("parseReply() = %q, want %q", got, "just words")
	}
	if got := parseReply([]byte(`{"reply":"hey"}`)); got != "hey" {
		t.Fatalf("parseReply() = %q, want %q", got, "hey")
	}
}

func TestFallbackEngineUsesSecondary(t *testing.T) {
	e := NewFallbackEngine(stubEngine{err: permanentError("stub", errors.New("broken"))}, NewMockEngine())
	conv, err := e.Open(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	reply, err := conv.Advance(context.Background(), "x")
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if reply != "I heard you: x" {
		t.Fatalf("reply = %q, want fallback echo", reply)
	}
	if err := conv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestFallbackEngineSkipsSecondaryOnDeadline(t *testing.T) {
	secondary := &countingEngine{}
	e := NewFallbackEngine(stubEngine{err: transientError("stub", context.DeadlineExceeded)}, secondary)
	conv, _ := e.Open(context.Background(), "CA1")
	_, err := conv.Advance(context.Background(), "x")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
	if secondary.opens.Load() != 0 {
		t.Fatalf("secondary opened %d times, want 0", secondary.opens.Load())
	}
}

func TestFallbackEngineResumesSecondaryAndKeepsIt(t *testing.T) {
	primary := &flakyEngine{failOn: 2}
	secondary := &resumingEngine{}
	conv, err := NewFallbackEngine(primary, secondary).Open(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if reply, err := conv.Advance(context.Background(), "first"); err != nil || reply != "primary: first" {
		t.Fatalf("turn 1 = %q, %v; want primary reply", reply, err)
	}
	reply, err := conv.Advance(context.Background(), "second")
	if err != nil || reply != "I heard you: second. That is turn 2." {
		t.Fatalf("turn 2 = %q, %v; want resumed fallback reply", reply, err)
	}
	want := []Exchange{{Utterance: "first", Reply: "primary: first"}}
	if len(secondary.history) != 1 || secondary.history[0] != want[0] {
		t.Fatalf("fallback resumed with %+v, want %+v", secondary.history, want)
	}

	if reply, err := conv.Advance(context.Background(), "third"); err != nil || reply != "I heard you: third. That is turn 3." {
		t.Fatalf("turn 3 = %q, %v; want fallback to keep the call", reply, err)
	}
	if n := primary.calls.Load(); n != 2 {
		t.Fatalf("primary calls = %d, want 2", n)
	}
}

func TestHTTPEngineResumeReplaysEarlierExchanges(t *testing.T) {
	var got HTTPRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "ok"})
	}))
	defer srv.Close()

	conv, err := NewHTTPEngine(srv.URL, "", 0, time.Second).Resume(context.Background(), "CA1",
		[]Exchange{{Utterance: "hi", Reply: "hello"}})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if _, err := conv.Advance(context.Background(), "again"); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if len(got.History) != 2 || got.History[0].Text != "hi" || got.History[1].Text != "hello" {
		t.Fatalf("history = %+v, want resumed exchange", got.History)
	}
}

// flakyEngine fails its failOn-th Advance and answers the others.
type flakyEngine struct {
	failOn int32
	calls  atomic.Int32
}

func (e *flakyEngine) Open(context.Context, string) (Conversation, error) {
	return flakyConversation{engine: e}, nil
}

type flakyConversation struct {
	engine *flakyEngine
}

func (c flakyConversation) Advance(_ context.Context, utterance string) (string, error) {
	if c.engine.calls.Add(1) == c.engine.failOn {
		return "", transientError("flaky", errors.New("overloaded"))
	}
	return "primary: " + utterance, nil
}

func (c flakyConversation) Close() error { return nil }

type resumingEngine struct {
	MockEngine
	history []Exchange
}

func (e *resumingEngine) Resume(ctx context.Context, callID string, history []Exchange) (Conversation, error) {
	e.history = append([]Exchange(nil), history...)
	return e.MockEngine.Resume(ctx, callID, history)
}

type stubEngine struct {
	err error
}

func (e stubEngine) Open(ctx context.Context, callID string) (Conversation, error) {
	return stubConversation{err: e.err}, nil
}

type stubConversation struct {
	err error
}

func (c stubConversation) Advance(ctx context.Context, utterance string) (string, error) {
	return "", c.err
}

func (c stubConversation) Close() error { return nil }

type countingEngine struct {
	opens atomic.Int32
}

func (e *countingEngine) Open(ctx context.Context, callID string) (Conversation, error) {
	e.opens.Add(1)
	return &mockConversation{}, nil
}
