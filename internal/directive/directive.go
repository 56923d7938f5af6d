// Package directive renders call-control instructions as TwiML.
package directive

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/twilio/twilio-go/twiml"
)

// Directive is one outbound call-control instruction.
type Directive interface {
	element() twiml.Element
}

// Speak has the transport read text aloud.
type Speak struct {
	Text   string
	Locale string
	Voice  string
}

func (d Speak) element() twiml.Element {
	return &twiml.VoiceSay{Message: d.Text, Voice: d.Voice, Language: d.Locale}
}

// Listen re-arms speech recognition and posts the result to Action.
// Prompt, when set, plays inside the listen window so the caller can barge in.
type Listen struct {
	Action  string
	Timeout time.Duration
	Locale  string
	Hints   string
	Prompt  *Speak
}

func (d Listen) element() twiml.Element {
	timeout := int(d.Timeout / time.Second)
	if timeout <= 0 {
		timeout = 5
	}
	g := &twiml.VoiceGather{
		Input:               "speech",
		Action:              d.Action,
		Method:              "POST",
		Timeout:             strconv.Itoa(timeout),
		SpeechTimeout:       "auto",
		Language:            d.Locale,
		Hints:               d.Hints,
		ActionOnEmptyResult: "true",
	}
	if d.Prompt != nil {
		g.InnerElements = []twiml.Element{d.Prompt.element()}
	}
	return g
}

// Reject refuses the call before it is answered.
type Reject struct {
	Reason string
}

func (d Reject) element() twiml.Element {
	reason := d.Reason
	if reason == "" {
		reason = "rejected"
	}
	return &twiml.VoiceReject{Reason: reason}
}

// StreamTo connects the call audio to a websocket endpoint.
type StreamTo struct {
	URL    string
	Params map[string]string
}

func (d StreamTo) element() twiml.Element {
	keys := make([]string, 0, len(d.Params))
	for k := range d.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	params := make([]twiml.Element, 0, len(keys))
	for _, k := range keys {
		params = append(params, &twiml.VoiceParameter{Name: k, Value: d.Params[k]})
	}
	return &twiml.VoiceConnect{
		InnerElements: []twiml.Element{
			&twiml.VoiceStream{Url: d.URL, InnerElements: params},
		},
	}
}

// Hangup ends the call.
type Hangup struct{}

func (Hangup) element() twiml.Element { return &twiml.VoiceHangup{} }

// Render encodes directives, in order, as a TwiML voice response document.
func Render(directives ...Directive) (string, error) {
	elements := make([]twiml.Element, 0, len(directives))
	for _, d := range directives {
		if d == nil {
			continue
		}
		elements = append(elements, d.element())
	}
	out, err := twiml.Voice(elements)
	if err != nil {
		return "", fmt.Errorf("render twiml: %w", err)
	}
	return out, nil
}
