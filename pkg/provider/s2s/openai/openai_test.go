package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/audio"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/provider/s2s"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/provider/s2s/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server. When handler returns
// the connection is closed normally.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSession plays the server side of session setup: session.created,
// then session.updated in reply to the client's session.update.
func acceptSession(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"type": "session.created"})
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"type": "session.updated"})
}

func newProvider(srv *httptest.Server, opts ...openai.Option) *openai.Provider {
	opts = append([]openai.Option{openai.WithBaseURL(wsURL(srv))}, opts...)
	return openai.New("test-api-key", opts...)
}

func connect(t *testing.T, p *openai.Provider) s2s.SessionHandle {
	t.Helper()
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = handle.Close() })
	return handle
}

func nextEvent(t *testing.T, handle s2s.SessionHandle) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-handle.Events():
		if !ok {
			t.Fatal("events channel closed; want an event")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return s2s.Event{}
}

func expectClosedChannel(t *testing.T, handle s2s.SessionHandle) {
	t.Helper()
	select {
	case ev, ok := <-handle.Events():
		if ok {
			t.Fatalf("unexpected event %v; want closed channel", ev.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for events channel to close")
	}
}

type appendMsg struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type updateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Voice             string `json:"voice"`
			Instructions      string `json:"instructions"`
			InputAudioFormat  string `json:"input_audio_format"`
			OutputAudioFormat string `json:"output_audio_format"`
			TurnDetection     *struct {
				Type string `json:"type"`
			} `json:"turn_detection"`
		} `json:"session"`
	}
	type request struct {
		auth, beta, model string
		msg               updateMsg
	}

	received := make(chan request, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		req := request{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			model: r.URL.Query().Get("model"),
		}
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		readJSON(t, conn, &req.msg)
		received <- req
		writeJSON(t, conn, map[string]any{"type": "session.updated"})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("secret-key", openai.WithBaseURL(wsURL(srv)), openai.WithModel("gpt-test"))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{
		Instructions: "You are JS Sensei.",
		Voice:        "alloy",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = handle.Close() })
	if got := handle.State(); got != s2s.StateOpen {
		t.Errorf("State() = %v; want %v", got, s2s.StateOpen)
	}

	req := <-received
	if req.auth != "Bearer secret-key" {
		t.Errorf("Authorization = %q; want Bearer secret-key", req.auth)
	}
	if req.beta != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q; want realtime=v1", req.beta)
	}
	if req.model != "gpt-test" {
		t.Errorf("model = %q; want gpt-test", req.model)
	}
	s := req.msg.Session
	if req.msg.Type != "session.update" {
		t.Errorf("type = %q; want session.update", req.msg.Type)
	}
	if s.Voice != "alloy" || s.Instructions != "You are JS Sensei." {
		t.Errorf("session = %+v; want voice and instructions", s)
	}
	if s.InputAudioFormat != "pcm16" || s.OutputAudioFormat != "pcm16" {
		t.Errorf("audio formats = %q/%q; want pcm16", s.InputAudioFormat, s.OutputAudioFormat)
	}
	if s.TurnDetection == nil || s.TurnDetection.Type != "server_vad" {
		t.Errorf("turn_detection = %+v; want server_vad", s.TurnDetection)
	}
}

func TestConnect_ServerErrorDuringSetup(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "code": "unknown_voice", "message": "voice not supported"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{Voice: "nope"})
	if err == nil {
		handle.Close()
		t.Fatal("Connect succeeded; want error")
	}
	if !errors.Is(err, s2s.ErrTransport) {
		t.Errorf("err = %v; want ErrTransport", err)
	}
	if !strings.Contains(err.Error(), "voice not supported") {
		t.Errorf("err = %v; want server message", err)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrTransport) {
		t.Errorf("err = %v; want ErrTransport", err)
	}
}

func TestConnect_ContextDeadline(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := newProvider(srv).Connect(ctx, s2s.SessionConfig{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v; want context.DeadlineExceeded", err)
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	caps := openai.New("k").Capabilities()
	if caps.InputSampleRate != 24000 || caps.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d; want 24000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
	if len(caps.Voices) == 0 {
		t.Error("Voices is empty")
	}
}

// ── Send ──────────────────────────────────────────────────────────────────────

func TestSendAudio_PassesThroughWireRate(t *testing.T) {
	t.Parallel()

	got := make(chan []appendMsg, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		msgs := make([]appendMsg, 2)
		for i := range msgs {
			readJSON(t, conn, &msgs[i])
		}
		got <- msgs
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, newProvider(srv))
	for _, d := range []string{"AAAA", "AQAB"} {
		if err := handle.SendAudio(audio.EncodedChunk{MIMEType: "audio/pcm;rate=24000", Data: d}); err != nil {
			t.Fatalf("SendAudio(%q): %v", d, err)
		}
	}

	select {
	case msgs := <-got:
		for i, want := range []string{"AAAA", "AQAB"} {
			if msgs[i].Type != "input_audio_buffer.append" || msgs[i].Audio != want {
				t.Errorf("message %d = %+v; want append of %q", i, msgs[i], want)
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio")
	}
}

func TestSendAudio_ResamplesCaptureRate(t *testing.T) {
	t.Parallel()

	got := make(chan appendMsg, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		var msg appendMsg
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, newProvider(srv))
	// Unsupported chunks are dropped without ending the session.
	if err := handle.SendAudio(audio.EncodedChunk{MIMEType: "audio/opus", Data: "AAAA"}); err != nil {
		t.Fatalf("SendAudio(opus): %v", err)
	}
	chunk := audio.Encode(audio.Frame{Samples: make([]float32, 160), SampleRate: 16000})
	if err := handle.SendAudio(chunk); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-got:
		pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			t.Fatalf("decode audio: %v", err)
		}
		if len(pcm) != 240*2 {
			t.Errorf("got %d bytes; want 480 (240 samples at 24 kHz)", len(pcm))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio")
	}
}

func TestSendText(t *testing.T) {
	t.Parallel()

	type itemMsg struct {
		Type string `json:"type"`
		Item struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}

	got := make(chan [2]itemMsg, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		var msgs [2]itemMsg
		readJSON(t, conn, &msgs[0])
		readJSON(t, conn, &msgs[1])
		got <- msgs
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, newProvider(srv))
	if err := handle.SendText("Hello there"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	select {
	case msgs := <-got:
		item := msgs[0]
		if item.Type != "conversation.item.create" || item.Item.Role != "user" {
			t.Errorf("first message = %+v; want user conversation item", item)
		}
		if len(item.Item.Content) != 1 || item.Item.Content[0].Type != "input_text" || item.Item.Content[0].Text != "Hello there" {
			t.Errorf("content = %+v; want input_text Hello there", item.Item.Content)
		}
		if msgs[1].Type != "response.create" {
			t.Errorf("second message type = %q; want response.create", msgs[1].Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for text turn")
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestEvents_AudioAndInterruption(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Hi"})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": "AAAA"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, newProvider(srv))

	ev := nextEvent(t, handle)
	if ev.Type != s2s.EventAudio {
		t.Fatalf("event = %v; want audio", ev.Type)
	}
	if ev.Audio.MIMEType != "audio/pcm;rate=24000" || ev.Audio.Data != "AAAA" {
		t.Errorf("audio = %+v; want 24 kHz AAAA", ev.Audio)
	}
	if ev := nextEvent(t, handle); ev.Type != s2s.EventInterrupted {
		t.Errorf("event = %v; want interrupted", ev.Type)
	}
}

func TestEvents_ErrorEventIsNotFatal(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "message": "bad event"},
		})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": "AQAB"})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, newProvider(srv))
	ev := nextEvent(t, handle)
	if ev.Type != s2s.EventAudio || ev.Audio.Data != "AQAB" {
		t.Errorf("event = %+v; want the audio after the error", ev)
	}
	if got := handle.State(); got != s2s.StateOpen {
		t.Errorf("State() = %v; want open", got)
	}
}

func TestEvents_RemoteNormalClose(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	handle := connect(t, newProvider(srv))
	if ev := nextEvent(t, handle); ev.Type != s2s.EventClosed {
		t.Errorf("event = %v; want closed", ev.Type)
	}
	expectClosedChannel(t, handle)
	if err := handle.SendAudio(audio.EncodedChunk{MIMEType: "audio/pcm;rate=24000", Data: "AAAA"}); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendAudio after remote close = %v; want ErrSessionClosed", err)
	}
}

func TestEvents_AbruptCloseIsError(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		_ = conn.CloseNow()
	})

	handle := connect(t, newProvider(srv))
	ev := nextEvent(t, handle)
	if ev.Type != s2s.EventError || !errors.Is(ev.Err, s2s.ErrTransport) {
		t.Errorf("event = %+v; want error wrapping ErrTransport", ev)
	}
	expectClosedChannel(t, handle)
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_NoTerminalEventAndIdempotent(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if got := handle.State(); got != s2s.StateClosed {
		t.Errorf("State() = %v; want %v", got, s2s.StateClosed)
	}
	expectClosedChannel(t, handle)
	if err := handle.SendText("hi"); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendText after Close = %v; want ErrSessionClosed", err)
	}
}

func TestClose_DiscardsUnreadEvents(t *testing.T) {
	t.Parallel()

	const deltas = 20
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		for range deltas {
			writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": "AAAA"})
		}
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, newProvider(srv))

	deadline := time.Now().Add(3 * time.Second)
	for len(handle.Events()) < deltas+1 {
		if time.Now().After(deadline) {
			t.Fatalf("buffered events = %d; want %d", len(handle.Events()), deltas+1)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	n := 0
	for range handle.Events() {
		n++
	}
	if n != 0 {
		t.Errorf("events delivered after Close = %d; want 0", n)
	}
}
