package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/callrelay/internal/audio"
	"github.com/ent0n29/callrelay/internal/policy"
	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/session"
	"github.com/ent0n29/callrelay/internal/voice"
)

const (
	streamReadTimeout  = 60 * time.Second
	streamWriteTimeout = 10 * time.Second
	streamQueueDepth   = 8
	// 400ms of 8 kHz u-law per outbound media event.
	outboundChunkBytes = 3200
	retrySilence       = 300 * time.Millisecond
)

type streamJob struct {
	utterance []byte
	reply     *voice.Reply
}

// streamCall is the per-call worker behind one media stream. Turns run one
// at a time off the read loop so inbound frames keep flowing.
type streamCall struct {
	sess      *session.CallSession
	streamSID string
	jobs      chan streamJob
	done      chan struct{}
	log       *logrus.Entry
	hangup    context.CancelFunc

	// sentMarks is bumped by the worker; ackedMarks counts marks echoed back
	// and is owned by the read loop. Playback is pending while they differ.
	sentMarks  atomic.Int64
	ackedMarks int64
}

func (c *streamCall) playing() bool {
	return c.sentMarks.Load() > c.ackedMarks
}

// handleStream serves the bidirectional media stream of one call.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.SessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Closing the socket is how a media stream hangs up, whoever ends the call.
	// It also unblocks the read loop.
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	outbound := make(chan any, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.WSMessage("outbound", "write_error")
					cancel()
					return
				}
				s.metrics.WSMessage("outbound", outboundEvent(msg))
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	var (
		call     *streamCall
		endpoint = voice.NewEndpointer(voice.EndpointerConfig{
			Threshold:    float64(s.cfg.EndpointThreshold),
			Silence:      s.cfg.EndpointSilence,
			MaxUtterance: s.cfg.MaxUtterance,
		})
		reason = session.EndTransportFault
	)

readLoop:
	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = session.EndStreamClosed
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseStreamMessage(data)
		if err != nil {
			s.metrics.WSMessage("inbound", "invalid")
			if !errors.Is(err, protocol.ErrUnsupportedType) {
				s.log.WithError(err).Debug("invalid media stream message")
			}
			continue
		}

		switch m := parsed.(type) {
		case protocol.Connected:
			s.metrics.WSMessage("inbound", string(protocol.EventConnected))
		case protocol.Start:
			s.metrics.WSMessage("inbound", string(protocol.EventStart))
			if call != nil {
				continue
			}
			callerID := m.Start.CustomParameters[streamCallerParam]
			log := s.log.WithFields(logrus.Fields{"call_id": m.Start.CallSID, "caller": policy.MaskCallerID(callerID)})
			if !s.callers.Allow(callerID) {
				log.Info("caller not allowed, closing media stream")
				s.metrics.SessionEvent("call_rejected")
				break readLoop
			}
			sess, created := s.registry.GetOrCreate(m.Start.CallSID, s.sessionOptions(callerID))
			if created {
				log.Info("call started on media stream")
			}
			call = &streamCall{
				sess:      sess,
				streamSID: m.StreamSID,
				jobs:      make(chan streamJob, streamQueueDepth),
				done:      make(chan struct{}),
				log:       log,
				hangup:    cancel,
			}
			// Teardown from outside the stream (API, janitor, shutdown) ends it.
			go func() {
				select {
				case <-sess.Done():
					cancel()
				case <-ctx.Done():
				}
			}()
			go s.runStreamCall(ctx, call, outbound)
			greeting := s.orchestrator.Greeting()
			call.jobs <- streamJob{reply: &greeting}
		case protocol.Media:
			s.metrics.WSMessage("inbound", string(protocol.EventMedia))
			if call == nil || (m.Media.Track != "" && m.Media.Track != "inbound") {
				continue
			}
			frame, err := m.Audio()
			if err != nil {
				continue
			}
			wasSpeaking := endpoint.Speaking()
			utterance, ok := endpoint.Push(frame)
			if !wasSpeaking && endpoint.Speaking() && call.playing() {
				// Barge-in: the caller talks over the reply, so stop playback.
				call.log.Debug("caller barged in, clearing playback")
				s.metrics.SessionEvent("barge_in")
				send(ctx, outbound, protocol.NewClear(call.streamSID))
			}
			if ok {
				s.enqueue(call, streamJob{utterance: utterance})
			}
		case protocol.Mark:
			s.metrics.WSMessage("inbound", string(protocol.EventMark))
			if call != nil {
				call.ackedMarks++
				call.log.WithField("mark", m.Mark.Name).Debug("playback reached mark")
				call.sess.Touch()
			}
		case protocol.DTMF:
			s.metrics.WSMessage("inbound", string(protocol.EventDTMF))
		case protocol.Stop:
			s.metrics.WSMessage("inbound", string(protocol.EventStop))
			reason = session.EndHangup
			break readLoop
		}
	}

	// Cancel first so an in-flight turn returns and teardown does not wait
	// on a slow collaborator.
	cancel()
	if call != nil {
		ended := s.registry.Terminate(call.sess.CallID, reason)
		close(call.jobs)
		<-call.done
		if ended {
			call.log.WithField("reason", reason).Info("media stream closed")
		} else {
			call.log.Info("call ended elsewhere, media stream closed")
		}
	}
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

func (s *Server) enqueue(call *streamCall, job streamJob) {
	select {
	case call.jobs <- job:
	default:
		call.log.Warn("turn queue full, dropping utterance")
		s.metrics.SessionEvent("utterance_dropped")
	}
}

func (s *Server) runStreamCall(ctx context.Context, call *streamCall, outbound chan<- any) {
	defer close(call.done)
	defer func() {
		if rec := recover(); rec != nil {
			call.log.WithField("panic", rec).Error("media stream worker panic")
			s.metrics.SessionEvent("worker_panic")
			call.hangup()
			// Keep draining so the read loop never blocks on a dead worker.
			for range call.jobs {
			}
		}
	}()

	for job := range call.jobs {
		if ctx.Err() != nil {
			continue
		}
		reply := job.reply
		if reply == nil {
			r, err := s.orchestrator.HandleAudio(ctx, call.sess, job.utterance)
			if err != nil {
				if errors.Is(err, session.ErrSessionTerminated) {
					call.hangup()
				} else if ctx.Err() == nil {
					call.log.WithError(err).Error("turn failed")
				}
				continue
			}
			reply = &r
		}
		s.play(ctx, call, *reply, outbound)
	}
}

// play synthesizes and sends a reply followed by a mark. A synthesis failure
// is covered with a short silence and the no-input prompt.
func (s *Server) play(ctx context.Context, call *streamCall, reply voice.Reply, outbound chan<- any) {
	pcm, err := s.orchestrator.Synthesize(ctx, reply.Text)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		call.log.WithError(err).Warn("synthesis failed, sending silence and reprompt")
		pcm = audio.MulawSilenceFor(retrySilence)
		if prompt, perr := s.orchestrator.Synthesize(ctx, s.orchestrator.NoInputPrompt().Text); perr == nil {
			pcm = append(pcm, prompt...)
		}
	}

	n := call.sentMarks.Add(1)
	for off := 0; off < len(pcm); off += outboundChunkBytes {
		end := off + outboundChunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if !send(ctx, outbound, protocol.NewMedia(call.streamSID, pcm[off:end])) {
			return
		}
	}
	send(ctx, outbound, protocol.NewMark(call.streamSID, fmt.Sprintf("%s-%d", reply.Kind, n)))
}

func send(ctx context.Context, outbound chan<- any, msg any) bool {
	select {
	case outbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func outboundEvent(msg any) string {
	switch m := msg.(type) {
	case protocol.Media:
		return string(m.Event)
	case protocol.Mark:
		return string(m.Event)
	case protocol.Clear:
		return string(m.Event)
	default:
		return "unknown"
	}
}
