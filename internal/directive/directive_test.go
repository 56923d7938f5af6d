package directive

import (
	"encoding/xml"
	"strings"
	"testing"
	"time"
)

type response struct {
	XMLName xml.Name `xml:"Response"`
	Say     []struct {
		Voice    string `xml:"voice,attr"`
		Language string `xml:"language,attr"`
		Text     string `xml:",chardata"`
	} `xml:"Say"`
	Gather *struct {
		Input         string `xml:"input,attr"`
		Action        string `xml:"action,attr"`
		Method        string `xml:"method,attr"`
		Timeout       string `xml:"timeout,attr"`
		SpeechTimeout string `xml:"speechTimeout,attr"`
		Language      string `xml:"language,attr"`
		Hints         string `xml:"hints,attr"`
		Say           []struct {
			Text string `xml:",chardata"`
		} `xml:"Say"`
	} `xml:"Gather"`
	Reject *struct {
		Reason string `xml:"reason,attr"`
	} `xml:"Reject"`
	Connect *struct {
		Stream struct {
			URL    string `xml:"url,attr"`
			Params []struct {
				Name  string `xml:"name,attr"`
				Value string `xml:"value,attr"`
			} `xml:"Parameter"`
		} `xml:"Stream"`
	} `xml:"Connect"`
	Hangup *struct{} `xml:"Hangup"`
}

func decode(t *testing.T, doc string) response {
	t.Helper()
	var r response
	if err := xml.Unmarshal([]byte(doc), &r); err != nil {
		t.Fatalf("xml.Unmarshal() error = %v\n%s", err, doc)
	}
	return r
}

func TestRenderSpeakThenListen(t *testing.T) {
	doc, err := Render(
		Speak{Text: "It's sunny today!", Locale: "en-US", Voice: "alice"},
		Listen{Action: "/voice/gather", Timeout: 5 * time.Second, Locale: "en-US"},
	)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	r := decode(t, doc)
	if len(r.Say) != 1 || r.Say[0].Text != "It's sunny today!" || r.Say[0].Voice != "alice" {
		t.Fatalf("Say = %+v", r.Say)
	}
	if r.Gather == nil {
		t.Fatalf("missing Gather in %s", doc)
	}
	g := r.Gather
	if g.Input != "speech" || g.Action != "/voice/gather" || g.Method != "POST" || g.Timeout != "5" || g.SpeechTimeout != "auto" || g.Language != "en-US" {
		t.Fatalf("Gather = %+v", g)
	}
}

func TestRenderListenNestsPrompt(t *testing.T) {
	doc, err := Render(Listen{
		Action: "/voice/gather",
		Locale: "en-US",
		Hints:  "billing, refund",
		Prompt: &Speak{Text: "How can I help?", Locale: "en-US"},
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	r := decode(t, doc)
	if len(r.Say) != 0 {
		t.Fatalf("prompt rendered outside Gather: %s", doc)
	}
	if r.Gather == nil || len(r.Gather.Say) != 1 || r.Gather.Say[0].Text != "How can I help?" {
		t.Fatalf("Gather = %+v in %s", r.Gather, doc)
	}
	if r.Gather.Hints != "billing, refund" || r.Gather.Timeout != "5" {
		t.Fatalf("Gather hints/timeout = %q/%q, want %q/%q", r.Gather.Hints, r.Gather.Timeout, "billing, refund", "5")
	}
}

func TestRenderRejectBusy(t *testing.T) {
	doc, err := Render(Reject{Reason: "busy"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if r := decode(t, doc); r.Reject == nil || r.Reject.Reason != "busy" {
		t.Fatalf("Reject = %+v in %s", r.Reject, doc)
	}
}

func TestRenderReject(t *testing.T) {
	doc, err := Render(Reject{})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	r := decode(t, doc)
	if r.Reject == nil || r.Reject.Reason != "rejected" {
		t.Fatalf("Reject = %+v in %s", r.Reject, doc)
	}
	if r.Gather != nil || len(r.Say) != 0 {
		t.Fatalf("reject response carries extra verbs: %s", doc)
	}
}

func TestRenderStreamTo(t *testing.T) {
	doc, err := Render(StreamTo{
		URL:    "wss://relay.example.com/voice/stream",
		Params: map[string]string{"caller": "+15550001111", "b": "2"},
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	r := decode(t, doc)
	if r.Connect == nil || r.Connect.Stream.URL != "wss://relay.example.com/voice/stream" {
		t.Fatalf("Connect = %+v in %s", r.Connect, doc)
	}
	params := r.Connect.Stream.Params
	if len(params) != 2 || params[0].Name != "b" || params[1].Value != "+15550001111" {
		t.Fatalf("Parameters = %+v", params)
	}
}

func TestRenderHangupEscapesText(t *testing.T) {
	doc, err := Render(Speak{Text: "Salt & pepper"}, Hangup{})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(doc, "Salt &amp; pepper") {
		t.Fatalf("text not escaped: %s", doc)
	}
	if decode(t, doc).Hangup == nil {
		t.Fatalf("missing Hangup in %s", doc)
	}
}
