// Command callsim places synthetic calls against a running callrelay over the
// media stream endpoint and reports reply latency per turn.
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/callrelay/internal/audio"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/protocol"
)

type options struct {
	baseURL     string
	calls       int
	turns       int
	callerID    string
	wavPath     string
	utterance   time.Duration
	silence     time.Duration
	realtime    float64
	turnTimeout time.Duration
	recordDir   string
	verbose     bool
}

const frameDuration = 20 * time.Millisecond

type streamEvent struct {
	event protocol.EventType
	at    time.Time
	audio []byte
}

// reply is one assistant utterance as heard by the caller.
type reply struct {
	firstAudio time.Time
	audio      []byte
}

type callResult struct {
	callSID   string
	latencies []time.Duration
	err       error
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var utteranceMS, silenceMS, turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:3000", "callrelay base URL")
	flag.IntVar(&cfg.calls, "calls", 1, "concurrent calls to place")
	flag.IntVar(&cfg.turns, "turns", 5, "caller utterances per call")
	flag.StringVar(&cfg.callerID, "caller-id", "+15550100000", "caller id sent as a stream parameter")
	flag.StringVar(&cfg.wavPath, "wav", "", "16-bit PCM WAV used as the caller utterance (default: synthetic tone)")
	flag.IntVar(&utteranceMS, "utterance-ms", 800, "synthetic utterance length in milliseconds")
	flag.IntVar(&silenceMS, "silence-ms", 1000, "trailing silence after each utterance in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 1.0, "frame pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for a reply mark per turn in milliseconds")
	flag.StringVar(&cfg.recordDir, "record", "", "directory to save each reply as a u-law WAV")
	flag.BoolVar(&cfg.verbose, "verbose", false, "print per-turn progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.calls <= 0 || cfg.turns <= 0 {
		return options{}, fmt.Errorf("calls and turns must be > 0")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if utteranceMS < 100 {
		utteranceMS = 100
	}
	if silenceMS < 100 {
		silenceMS = 100
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.utterance = time.Duration(utteranceMS) * time.Millisecond
	cfg.silence = time.Duration(silenceMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	if cfg.recordDir != "" {
		if err := os.MkdirAll(cfg.recordDir, 0o755); err != nil {
			return options{}, fmt.Errorf("record dir: %w", err)
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	clip, err := utteranceAudio(cfg)
	if err != nil {
		return fmt.Errorf("prepare utterance audio: %w", err)
	}
	wsURL, err := streamURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build stream URL: %w", err)
	}

	results := make([]callResult, cfg.calls)
	var wg sync.WaitGroup
	for i := 0; i < cfg.calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = simulateCall(ctx, cfg, wsURL, clip)
		}(i)
	}
	wg.Wait()

	var all []time.Duration
	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "callsim: call %s failed: %v\n", r.callSID, r.err)
		}
		all = append(all, r.latencies...)
	}
	fmt.Printf("callsim: calls=%d failed=%d turns=%d\n", cfg.calls, failed, len(all))
	if len(all) > 0 {
		p50, p95, worst := summarize(all)
		fmt.Printf("callsim: reply latency p50=%s p95=%s max=%s\n", p50, p95, worst)
	}

	if err := printServerStages(ctx, cfg.baseURL); err != nil {
		fmt.Fprintf(os.Stderr, "callsim: server latency unavailable: %v\n", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d calls failed", failed, cfg.calls)
	}
	return nil
}

func simulateCall(ctx context.Context, cfg options, wsURL string, clip []byte) callResult {
	res := callResult{callSID: "CA" + strings.ReplaceAll(uuid.NewString(), "-", "")}
	streamSID := "MZ" + strings.ReplaceAll(uuid.NewString(), "-", "")

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		res.err = fmt.Errorf("open websocket: %w", err)
		return res
	}
	defer ws.Close()
	conn := &streamConn{Conn: ws}

	events := make(chan streamEvent, 256)
	readErr := make(chan error, 1)
	go readLoop(conn, events, readErr)

	if err := conn.WriteJSON(protocol.Connected{Event: protocol.EventConnected, Protocol: "Call", Version: "1.0.0"}); err != nil {
		res.err = err
		return res
	}
	start := protocol.Start{
		Event:     protocol.EventStart,
		StreamSID: streamSID,
		Start: protocol.StartInfo{
			CallSID:          res.callSID,
			StreamSID:        streamSID,
			Tracks:           []string{"inbound"},
			MediaFormat:      protocol.MediaFormat{Encoding: "audio/x-mulaw", SampleRate: audio.MulawSampleRate, Channels: 1},
			CustomParameters: map[string]string{"callerId": cfg.callerID},
		},
	}
	if err := conn.WriteJSON(start); err != nil {
		res.err = err
		return res
	}
	greeting, err := awaitMark(events, readErr, cfg.turnTimeout)
	if err != nil {
		res.err = fmt.Errorf("greeting: %w", err)
		return res
	}
	if err := saveReply(cfg.recordDir, res.callSID, 0, greeting.audio); err != nil {
		res.err = err
		return res
	}

	silence := audio.MulawSilenceFor(cfg.silence)
	for turn := 1; turn <= cfg.turns; turn++ {
		if err := sendFrames(conn, streamSID, clip, cfg.realtime); err != nil {
			res.err = fmt.Errorf("turn %d send audio: %w", turn, err)
			return res
		}
		spokeAt := time.Now()
		if err := sendFrames(conn, streamSID, silence, cfg.realtime); err != nil {
			res.err = fmt.Errorf("turn %d send silence: %w", turn, err)
			return res
		}
		r, err := awaitMark(events, readErr, cfg.turnTimeout)
		if err != nil {
			res.err = fmt.Errorf("turn %d: %w", turn, err)
			return res
		}
		if err := saveReply(cfg.recordDir, res.callSID, turn, r.audio); err != nil {
			res.err = err
			return res
		}
		latency := r.firstAudio.Sub(spokeAt)
		res.latencies = append(res.latencies, latency)
		if cfg.verbose {
			fmt.Printf("callsim: call=%s turn=%d/%d first_audio=%s\n", res.callSID, turn, cfg.turns, latency.Round(time.Millisecond))
		}
	}

	_ = conn.WriteJSON(protocol.Stop{
		Event:     protocol.EventStop,
		StreamSID: streamSID,
		Stop:      protocol.StopInfo{CallSID: res.callSID},
	})
	return res
}

// streamConn serializes writes; the read loop echoes marks while the call
// loop streams frames.
type streamConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *streamConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteJSON(v)
}

func readLoop(conn *streamConn, events chan<- streamEvent, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		parsed, err := protocol.ParseStreamMessage(data)
		if err != nil {
			continue
		}
		evt := streamEvent{at: time.Now()}
		switch m := parsed.(type) {
		case protocol.Media:
			evt.event = protocol.EventMedia
			evt.audio, _ = m.Audio()
		case protocol.Mark:
			evt.event = protocol.EventMark
			// Report playback done, as the telephony side would.
			_ = conn.WriteJSON(m)
		default:
			continue
		}
		select {
		case events <- evt:
		default:
		}
	}
}

// awaitMark collects the next reply until its closing mark.
func awaitMark(events <-chan streamEvent, readErr <-chan error, timeout time.Duration) (reply, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var r reply
	for {
		select {
		case evt := <-events:
			if r.firstAudio.IsZero() {
				r.firstAudio = evt.at
			}
			switch evt.event {
			case protocol.EventMedia:
				r.audio = append(r.audio, evt.audio...)
			case protocol.EventMark:
				return r, nil
			}
		case err := <-readErr:
			return reply{}, fmt.Errorf("stream closed: %w", err)
		case <-timer.C:
			return reply{}, fmt.Errorf("no reply within %s", timeout)
		}
	}
}

// saveReply writes the reply audio under dir; turn 0 is the greeting.
func saveReply(dir, callSID string, turn int, ulaw []byte) error {
	if dir == "" || len(ulaw) == 0 {
		return nil
	}
	name := filepath.Join(dir, fmt.Sprintf("%s-turn%02d.wav", callSID, turn))
	if err := os.WriteFile(name, audio.EncodeWAVMulaw(ulaw), 0o644); err != nil {
		return fmt.Errorf("record reply: %w", err)
	}
	return nil
}

func sendFrames(conn *streamConn, streamSID string, ulaw []byte, realtime float64) error {
	frameBytes := int(frameDuration / (time.Second / audio.MulawSampleRate))
	pace := time.Duration(float64(frameDuration) / realtime)
	for off := 0; off < len(ulaw); off += frameBytes {
		end := off + frameBytes
		if end > len(ulaw) {
			end = len(ulaw)
		}
		media := protocol.NewMedia(streamSID, ulaw[off:end])
		media.Media.Track = "inbound"
		if err := conn.WriteJSON(media); err != nil {
			return err
		}
		time.Sleep(pace)
	}
	return nil
}

func utteranceAudio(cfg options) ([]byte, error) {
	if cfg.wavPath == "" {
		return audio.MulawTone(220, 8000, cfg.utterance), nil
	}
	raw, err := os.ReadFile(cfg.wavPath)
	if err != nil {
		return nil, err
	}
	pcm, sampleRate, err := decodeWAVPCM16(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", cfg.wavPath, err)
	}
	return audio.PCM16ToMulaw(resamplePCM16(pcm, sampleRate, audio.MulawSampleRate)), nil
}

func streamURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/voice/stream"
	return u.String(), nil
}

func printServerStages(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return err
	}
	res, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var snap observability.LatencySnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return err
	}
	for _, s := range snap.Stages {
		fmt.Printf("callsim: server %-12s n=%-4d p50=%.0fms p95=%.0fms target_p95=%.0fms\n", s.Stage, s.Samples, s.P50MS, s.P95MS, s.TargetP95MS)
	}
	for _, o := range snap.Outcomes {
		fmt.Printf("callsim: server outcome %-18s %d\n", o.Outcome, o.Count)
	}
	return nil
}

func summarize(samples []time.Duration) (p50, p95, worst time.Duration) {
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	at := func(q float64) time.Duration {
		idx := int(q * float64(len(sorted)-1))
		return sorted[idx].Round(time.Millisecond)
	}
	return at(0.50), at(0.95), sorted[len(sorted)-1].Round(time.Millisecond)
}

// resamplePCM16 converts mono 16-bit PCM between sample rates by linear
// interpolation.
func resamplePCM16(pcm []byte, from, to int) []byte {
	if from <= 0 || from == to || len(pcm) < 4 {
		return pcm
	}
	n := len(pcm) / 2
	outN := int(int64(n) * int64(to) / int64(from))
	out := make([]byte, outN*2)
	sample := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
	}
	for i := 0; i < outN; i++ {
		pos := float64(i) * float64(from) / float64(to)
		lo := int(pos)
		if lo >= n-1 {
			lo = n - 2
		}
		frac := pos - float64(lo)
		v := sample(lo)*(1-frac) + sample(lo+1)*frac
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(int16(v)))
	}
	return out
}

func decodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, fmt.Errorf("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcmData = append(pcmData[:0], chunk...)
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	switch {
	case !haveFmt:
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	case len(pcmData) == 0:
		return nil, 0, fmt.Errorf("wav data chunk missing")
	case audioFormat != 1:
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", audioFormat)
	case bitsPerSamp != 16:
		return nil, 0, fmt.Errorf("unsupported wav bits_per_sample %d", bitsPerSamp)
	case channels == 0:
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = audio.MulawSampleRate
	}

	if channels == 1 {
		if len(pcmData)%2 != 0 {
			pcmData = pcmData[:len(pcmData)-1]
		}
		return pcmData, sampleRate, nil
	}

	// Downmix to mono.
	frameBytes := int(channels) * 2
	frameCount := len(pcmData) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcmData[base+ch*2 : base+ch*2+2])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:i*2+2], uint16(int16(sum/int(channels))))
	}
	return mono, sampleRate, nil
}
