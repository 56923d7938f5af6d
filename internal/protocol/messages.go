package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies media stream websocket payload variants.
type EventType string

const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventMark      EventType = "mark"
	EventDTMF      EventType = "dtmf"
	EventStop      EventType = "stop"
	EventClear     EventType = "clear"
)

var ErrUnsupportedType = errors.New("unsupported event type")

type Envelope struct {
	Event EventType `json:"event"`
}

type Connected struct {
	Event    EventType `json:"event"`
	Protocol string    `json:"protocol"`
	Version  string    `json:"version"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type StartInfo struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type Start struct {
	Event          EventType `json:"event"`
	SequenceNumber string    `json:"sequenceNumber"`
	StreamSID      string    `json:"streamSid"`
	Start          StartInfo `json:"start"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type Media struct {
	Event          EventType    `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSID      string       `json:"streamSid"`
	Media          MediaPayload `json:"media"`
}

// Audio decodes the base64 u-law payload.
func (m Media) Audio() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Media.Payload)
}

type MarkName struct {
	Name string `json:"name"`
}

type Mark struct {
	Event          EventType `json:"event"`
	SequenceNumber string    `json:"sequenceNumber,omitempty"`
	StreamSID      string    `json:"streamSid"`
	Mark           MarkName  `json:"mark"`
}

type DTMFDigit struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

type DTMF struct {
	Event     EventType `json:"event"`
	StreamSID string    `json:"streamSid"`
	DTMF      DTMFDigit `json:"dtmf"`
}

type StopInfo struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type Stop struct {
	Event          EventType `json:"event"`
	SequenceNumber string    `json:"sequenceNumber"`
	StreamSID      string    `json:"streamSid"`
	Stop           StopInfo  `json:"stop"`
}

// Clear asks the transport to drop audio queued for playback.
type Clear struct {
	Event     EventType `json:"event"`
	StreamSID string    `json:"streamSid"`
}

// NewMedia builds an outbound media event carrying u-law audio.
func NewMedia(streamSID string, ulaw []byte) Media {
	return Media{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     MediaPayload{Payload: base64.StdEncoding.EncodeToString(ulaw)},
	}
}

// NewMark builds an outbound mark, echoed back once playback reaches it.
func NewMark(streamSID, name string) Mark {
	return Mark{Event: EventMark, StreamSID: streamSID, Mark: MarkName{Name: name}}
}

func NewClear(streamSID string) Clear {
	return Clear{Event: EventClear, StreamSID: streamSID}
}

// ParseStreamMessage decodes one inbound media stream event.
func ParseStreamMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Event {
	case EventConnected:
		var msg Connected
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode connected: %w", err)
		}
		return msg, nil
	case EventStart:
		var msg Start
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode start: %w", err)
		}
		if msg.StreamSID == "" {
			msg.StreamSID = msg.Start.StreamSID
		}
		if msg.Start.CallSID == "" {
			return nil, errors.New("start event without callSid")
		}
		return msg, nil
	case EventMedia:
		var msg Media
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode media: %w", err)
		}
		return msg, nil
	case EventMark:
		var msg Mark
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode mark: %w", err)
		}
		return msg, nil
	case EventDTMF:
		var msg DTMF
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode dtmf: %w", err)
		}
		return msg, nil
	case EventStop:
		var msg Stop
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode stop: %w", err)
		}
		return msg, nil
	case EventClear:
		var msg Clear
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode clear: %w", err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, env.Event)
	}
}
