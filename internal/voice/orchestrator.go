package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/callrelay/internal/dialogue"
	"github.com/ent0n29/callrelay/internal/logging"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/policy"
	"github.com/ent0n29/callrelay/internal/session"
	"github.com/ent0n29/callrelay/internal/transcript"
)

// ReplyKind tells the gateway what a turn produced.
type ReplyKind string

const (
	ReplySpeak    ReplyKind = "speak"
	ReplyReprompt ReplyKind = "reprompt"
	ReplyApology  ReplyKind = "apology"
)

// Reply is the speakable outcome of one turn. Text is always renderer-safe.
type Reply struct {
	Kind ReplyKind
	Text string
}

const (
	defaultNoInputPrompt   = "I did not hear anything. Please try again."
	defaultFallbackApology = "Sorry, something went wrong. Please try again."
	defaultGreeting        = "Connecting you to the assistant. Ask me anything."
	transcriptSaveTimeout  = 2 * time.Second
)

type OrchestratorConfig struct {
	Greeting        string
	NoInputPrompt   string
	FallbackApology string

	EngineTimeout      time.Duration
	RecognitionTimeout time.Duration
	SynthesisTimeout   time.Duration
}

// Orchestrator runs conversational turns for every call. It holds no
// per-call state; everything per call lives on the session.
type Orchestrator struct {
	engine      dialogue.Engine
	engineLabel string
	transcriber Transcriber
	synthesizer Synthesizer
	sanitizer   *Sanitizer
	store       transcript.Store
	metrics     *observability.Metrics
	log         *logrus.Entry
	cfg         OrchestratorConfig
}

func NewOrchestrator(
	engine dialogue.Engine,
	transcriber Transcriber,
	synthesizer Synthesizer,
	sanitizer *Sanitizer,
	store transcript.Store,
	metrics *observability.Metrics,
	log *logrus.Entry,
	cfg OrchestratorConfig,
) *Orchestrator {
	if sanitizer == nil {
		sanitizer = NewSanitizer("", "", 0)
	}
	if store == nil {
		store = transcript.NopStore{}
	}
	if log == nil {
		log = logging.Component(nil, "turns")
	}
	if strings.TrimSpace(cfg.Greeting) == "" {
		cfg.Greeting = defaultGreeting
	}
	if strings.TrimSpace(cfg.NoInputPrompt) == "" {
		cfg.NoInputPrompt = defaultNoInputPrompt
	}
	if strings.TrimSpace(cfg.FallbackApology) == "" {
		cfg.FallbackApology = defaultFallbackApology
	}
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = 8 * time.Second
	}
	if cfg.RecognitionTimeout <= 0 {
		cfg.RecognitionTimeout = 5 * time.Second
	}
	if cfg.SynthesisTimeout <= 0 {
		cfg.SynthesisTimeout = 5 * time.Second
	}
	// Fixed prompts go through the same sanitizer as engine output.
	cfg.Greeting = sanitizer.Sanitize(cfg.Greeting)
	cfg.NoInputPrompt = sanitizer.Sanitize(cfg.NoInputPrompt)
	cfg.FallbackApology = sanitizer.Sanitize(cfg.FallbackApology)

	return &Orchestrator{
		engine:      engine,
		engineLabel: dialogue.Name(engine),
		transcriber: transcriber,
		synthesizer: synthesizer,
		sanitizer:   sanitizer,
		store:       store,
		metrics:     metrics,
		log:         log,
		cfg:         cfg,
	}
}

// Greeting is the first prompt of a call. It is not part of the history.
func (o *Orchestrator) Greeting() Reply {
	return Reply{Kind: ReplySpeak, Text: o.cfg.Greeting}
}

// NoInputPrompt is spoken when the caller stays silent.
func (o *Orchestrator) NoInputPrompt() Reply {
	return Reply{Kind: ReplyReprompt, Text: o.cfg.NoInputPrompt}
}

// HandleUtterance runs one turn for a recognized caller utterance. Turns of
// the same call run one at a time, in the order they reach BeginTurn.
func (o *Orchestrator) HandleUtterance(ctx context.Context, sess *session.CallSession, text string) (Reply, error) {
	release, err := sess.BeginTurn()
	if err != nil {
		o.metrics.TurnOutcome(observability.OutcomeTerminated)
		return Reply{}, err
	}
	defer release()
	return o.runTurn(ctx, sess, text, time.Now())
}

// HandleAudio recognizes one committed utterance and runs the turn. A
// recognition failure is answered with the apology and leaves no caller entry.
func (o *Orchestrator) HandleAudio(ctx context.Context, sess *session.CallSession, utterance []byte) (Reply, error) {
	release, err := sess.BeginTurn()
	if err != nil {
		o.metrics.TurnOutcome(observability.OutcomeTerminated)
		return Reply{}, err
	}
	defer release()

	started := time.Now()
	log := o.log.WithField("call_id", sess.CallID)

	if o.transcriber == nil {
		return o.recognitionFailed(sess, log, &RecognitionError{Provider: "none", Err: errors.New("no transcriber configured")})
	}

	sttCtx, cancel := context.WithTimeout(ctx, o.cfg.RecognitionTimeout)
	text, err := o.transcriber.Transcribe(sttCtx, utterance)
	cancel()
	o.metrics.ObserveStage(observability.StageRecognition, time.Since(started))
	if err != nil {
		var recErr *RecognitionError
		if !errors.As(err, &recErr) {
			recErr = &RecognitionError{Provider: "stt", Err: err}
		}
		return o.recognitionFailed(sess, log, recErr)
	}
	return o.runTurn(ctx, sess, text, started)
}

func (o *Orchestrator) recognitionFailed(sess *session.CallSession, log *logrus.Entry, err *RecognitionError) (Reply, error) {
	if sess.State() == session.StateTerminated {
		o.metrics.TurnOutcome(observability.OutcomeTerminated)
		return Reply{}, session.ErrSessionTerminated
	}
	log.WithError(err).Warn("speech recognition failed")
	o.metrics.ProviderError(err.Provider, "recognition")
	o.metrics.TurnOutcome(observability.OutcomeRecognitionError)
	return Reply{Kind: ReplyApology, Text: o.cfg.FallbackApology}, nil
}

// Synthesize renders reply text for the media stream path.
func (o *Orchestrator) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if o.synthesizer == nil {
		return nil, &SynthesisError{Provider: "none", Err: errors.New("no synthesizer configured")}
	}
	started := time.Now()
	ttsCtx, cancel := context.WithTimeout(ctx, o.cfg.SynthesisTimeout)
	defer cancel()

	out, err := o.synthesizer.Synthesize(ttsCtx, text)
	o.metrics.ObserveStage(observability.StageSynthesis, time.Since(started))
	if err != nil {
		var synErr *SynthesisError
		if !errors.As(err, &synErr) {
			synErr = &SynthesisError{Provider: "tts", Err: err}
		}
		o.metrics.ProviderError(synErr.Provider, "synthesis")
		return nil, synErr
	}
	if len(out) == 0 {
		return nil, &SynthesisError{Provider: "tts", Err: errors.New("empty audio")}
	}
	return out, nil
}

// runTurn expects the caller to hold the session's turn lock.
func (o *Orchestrator) runTurn(ctx context.Context, sess *session.CallSession, text string, started time.Time) (Reply, error) {
	log := o.log.WithField("call_id", sess.CallID)

	text = strings.TrimSpace(text)
	if text == "" {
		if sess.State() == session.StateTerminated {
			o.metrics.TurnOutcome(observability.OutcomeTerminated)
			return Reply{}, session.ErrSessionTerminated
		}
		log.Debug("empty caller input, reprompting")
		o.metrics.TurnOutcome(observability.OutcomeReprompt)
		return o.NoInputPrompt(), nil
	}

	if err := sess.SetState(session.StateProcessing); err != nil {
		return o.discard(log, err)
	}
	callerTurn, err := sess.Append(session.SpeakerCaller, text)
	if err != nil {
		return o.discard(log, err)
	}
	o.saveTurnBestEffort(sess, callerTurn)

	engineStarted := time.Now()
	reply, engineErr := o.advance(ctx, sess, text)
	o.metrics.ObserveStage(observability.StageEngine, time.Since(engineStarted))

	// Teardown may have landed while the engine was working.
	if sess.State() == session.StateTerminated {
		return o.discard(log, session.ErrSessionTerminated)
	}

	result := Reply{Kind: ReplySpeak}
	outcome := observability.OutcomeOK
	if engineErr != nil {
		kind := dialogue.KindOf(engineErr)
		entry := log.WithError(engineErr).WithField("provider", o.engineLabel)
		if kind == dialogue.Permanent {
			outcome = observability.OutcomeEnginePermanent
			entry.Error("dialogue engine failed permanently")
		} else {
			outcome = observability.OutcomeEngineTransient
			entry.Warn("dialogue engine failed transiently")
		}
		o.metrics.ProviderError(o.engineLabel, string(kind))

		marker, err := sess.Append(session.SpeakerMarker, fmt.Sprintf("[engine %s failure]", kind))
		if err != nil {
			return o.discard(log, err)
		}
		o.saveTurnBestEffort(sess, marker)
		result = Reply{Kind: ReplyApology, Text: o.cfg.FallbackApology}
	} else {
		result.Text = o.sanitizer.Sanitize(reply)
		assistantTurn, err := sess.Append(session.SpeakerAssistant, result.Text)
		if err != nil {
			return o.discard(log, err)
		}
		o.saveTurnBestEffort(sess, assistantTurn)
	}

	// The reply is handed to the transport here; listening re-arms with it.
	if err := sess.SetState(session.StateSpeaking); err != nil {
		return o.discard(log, err)
	}
	if err := sess.SetState(session.StateAwaitingInput); err != nil {
		return o.discard(log, err)
	}

	o.metrics.TurnOutcome(outcome)
	o.metrics.ObserveStage(observability.StageTurn, time.Since(started))
	return result, nil
}

// advance opens the call's conversation on first use and sends one utterance,
// all under the engine timeout.
func (o *Orchestrator) advance(ctx context.Context, sess *session.CallSession, text string) (string, error) {
	if o.engine == nil {
		return "", &dialogue.EngineError{Kind: dialogue.Permanent, Provider: "none", Err: errors.New("no dialogue engine configured")}
	}
	engineCtx, cancel := context.WithTimeout(ctx, o.cfg.EngineTimeout)
	defer cancel()

	conv := sess.Conversation()
	if conv == nil {
		opened, err := o.engine.Open(engineCtx, sess.CallID)
		if err != nil {
			return "", err
		}
		if err := sess.SetConversation(opened); err != nil {
			_ = opened.Close()
			return "", err
		}
		conv = opened
	}

	reply, err := conv.Advance(engineCtx, text)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", &dialogue.EngineError{Kind: dialogue.Permanent, Provider: o.engineLabel, Err: dialogue.ErrEmptyReply}
	}
	return reply, nil
}

func (o *Orchestrator) discard(log *logrus.Entry, err error) (Reply, error) {
	if errors.Is(err, session.ErrSessionTerminated) {
		log.Debug("session terminated mid-turn, discarding output")
		o.metrics.TurnOutcome(observability.OutcomeTerminated)
	}
	return Reply{}, err
}

func (o *Orchestrator) saveTurnBestEffort(sess *session.CallSession, turn session.Turn) {
	text, redacted := policy.RedactPII(turn.Text)
	record := transcript.Record{
		ID:          uuid.NewString(),
		CallID:      sess.CallID,
		CallerID:    policy.MaskCallerID(sess.CallerID),
		Speaker:     string(turn.Speaker),
		Text:        text,
		PIIRedacted: redacted,
		CreatedAt:   turn.At,
	}
	go func(r transcript.Record) {
		saveCtx, cancel := context.WithTimeout(context.Background(), transcriptSaveTimeout)
		defer cancel()
		if err := o.store.SaveTurn(saveCtx, r); err != nil {
			o.metrics.SessionEvent("transcript_save_failed")
			o.log.WithError(err).WithField("call_id", r.CallID).Debug("transcript save failed")
		}
	}(record)
}
