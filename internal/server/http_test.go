package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/dictation-service/internal/catalog"
	"github.com/skypro1111/dictation-service/internal/config"
	"github.com/skypro1111/dictation-service/internal/macro"
	"github.com/skypro1111/dictation-service/internal/metrics"
	"github.com/skypro1111/dictation-service/internal/protocol"
	"github.com/skypro1111/dictation-service/internal/stream"
	"github.com/skypro1111/dictation-service/internal/transcription"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSession struct {
	events chan transcription.Event
}

func (s *fakeSession) SendAudio(context.Context, []byte) error { return nil }

func (s *fakeSession) SignalEnd(context.Context) error {
	s.events <- transcription.Event{Text: "Befund makro normal", Final: true}
	s.events <- transcription.Event{Complete: true}
	return nil
}

func (s *fakeSession) Events() <-chan transcription.Event { return s.events }
func (s *fakeSession) Close() error                       { return nil }

type fakeClient struct {
	mu    sync.Mutex
	opens int
}

func (c *fakeClient) OpenSession(context.Context, transcription.SessionConfig) (transcription.Session, error) {
	c.mu.Lock()
	c.opens++
	c.mu.Unlock()
	return &fakeSession{events: make(chan transcription.Event, 4)}, nil
}

type testServer struct {
	http    *HTTPServer
	url     string
	manager *stream.Manager
	config  *config.Config
}

func newTestServer(t *testing.T, mutate func(c *config.Config)) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Credentials = config.Credentials{DeepgramAPIKey: "dg-secret"}
	if mutate != nil {
		mutate(cfg)
	}

	matcher, err := macro.NewMatcher(macro.Config{}, testLogger())
	if err != nil {
		t.Fatalf("NewMatcher failed: %v", err)
	}
	matcher.Load([]macro.Entry{{Phrase: "normal", Expansion: "ohne Befund"}})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	mgr, err := stream.NewManager(stream.ManagerConfig{
		MaxSessions: cfg.Server.MaxConnections,
	}, stream.Deps{
		Client:  &fakeClient{},
		Macros:  matcher,
		Catalog: catalog.New(nil, testLogger()),
		Metrics: m,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	h := NewHTTPServer(cfg, testLogger(), mgr, m, reg)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Stop(ctx)
	})

	return &testServer{http: h, url: srv.URL, manager: mgr, config: cfg}
}

func (ts *testServer) get(t *testing.T, path string) (int, string) {
	t.Helper()

	resp, err := http.Get(ts.url + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestRESTEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		path     string
		status   int
		contains []string
		excludes []string
	}{
		{path: "/", status: http.StatusOK, contains: []string{"dictation-service", "/ws"}},
		{path: "/health", status: http.StatusOK, contains: []string{`"status":"healthy"`, `"active_sessions":0`}},
		{path: "/healthz", status: http.StatusOK, contains: []string{`"status":"healthy"`}},
		{path: "/sessions", status: http.StatusOK, contains: []string{`"total_sessions":0`}},
		{path: "/sessions/unknown", status: http.StatusNotFound},
		{path: "/study-types", status: http.StatusOK, contains: []string{"CT Thorax", "Angiographie"}},
		{path: "/schema", status: http.StatusOK, contains: []string{"start_recording", "polished_transcript"}},
		{path: "/stats", status: http.StatusOK, contains: []string{`"active_count":0`, `"default_mode":"append"`}},
		{path: "/config", status: http.StatusOK, contains: []string{`"port":8765`, redacted}, excludes: []string{"dg-secret"}},
		{path: "/nope", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			status, body := ts.get(t, tt.path)
			if status != tt.status {
				t.Fatalf("Expected status %d, got %d: %s", tt.status, status, body)
			}
			for _, want := range tt.contains {
				if !strings.Contains(body, want) {
					t.Errorf("Expected body to contain %q, got %s", want, body)
				}
			}
			for _, unwanted := range tt.excludes {
				if strings.Contains(body, unwanted) {
					t.Errorf("Body must not contain %q", unwanted)
				}
			}
		})
	}

	// The REST calls above are visible on /metrics
	status, body := ts.get(t, "/metrics")
	if status != http.StatusOK {
		t.Fatalf("Expected metrics status 200, got %d", status)
	}
	if !strings.Contains(body, `dictation_http_requests_total{endpoint="/health",method="GET",status_code="200"} 1`) {
		t.Errorf("Expected /health request to be counted, got:\n%s", body)
	}
}

func TestConfigDoesNotMutateCredentials(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.get(t, "/config")
	if ts.config.Credentials.DeepgramAPIKey != "dg-secret" {
		t.Errorf("Sanitizing /config changed the live credentials: %q", ts.config.Credentials.DeepgramAPIKey)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Post(ts.url+"/health", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}

func dial(t *testing.T, ts *testServer, path string, header http.Header) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.url, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial %s failed: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event protocol.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return event
}

func readUntil(t *testing.T, conn *websocket.Conn, eventType protocol.EventType) protocol.Event {
	t.Helper()

	for i := 0; i < 50; i++ {
		if event := readEvent(t, conn); event.Type == eventType {
			return event
		}
	}
	t.Fatalf("No %s event received", eventType)
	return protocol.Event{}
}

func pcm(amplitude int16) []byte {
	buf := make([]byte, 960)
	for i := 0; i < 480; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(amplitude))
	}
	return buf
}

func TestWebSocketDictation(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts, "/ws", nil)

	if event := readEvent(t, conn); event.Type != protocol.EventStudyTypes || len(event.StudyTypes) == 0 {
		t.Fatalf("Expected study_types first, got %+v", event)
	}
	if event := readEvent(t, conn); event.Type != protocol.EventStatus || event.Mode != "append" {
		t.Fatalf("Expected connection status, got %+v", event)
	}

	start, _ := json.Marshal(protocol.Control{Type: protocol.MsgStartRecording, StudyType: "MRT Kopf"})
	if err := conn.WriteMessage(websocket.TextMessage, start); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if event := readEvent(t, conn); event.Type != protocol.EventStatus || !strings.Contains(event.Message, "MRT Kopf") {
		t.Fatalf("Expected recording status, got %+v", event)
	}

	for i := 0; i < 6; i++ {
		_ = conn.WriteMessage(websocket.BinaryMessage, pcm(int16(8000+i)))
	}
	for i := 0; i < 10; i++ {
		_ = conn.WriteMessage(websocket.BinaryMessage, pcm(int16(i+1)))
	}

	final := readUntil(t, conn, protocol.EventFinalTranscript)
	if final.Text != "Befund ohne Befund" || final.Turn != 1 {
		t.Errorf("Unexpected final transcript %+v", final)
	}
	if acc := readUntil(t, conn, protocol.EventAccumulativeTranscript); acc.Text != final.Text {
		t.Errorf("Unexpected accumulative transcript %+v", acc)
	}

	// The session snapshot is refreshed after the frame that ended the turn
	var sessions []stream.SessionInfo
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); time.Sleep(10 * time.Millisecond) {
		sessions = ts.manager.GetAllSessions()
		if len(sessions) == 1 && sessions[0].Turns == 1 && sessions[0].TurnState == "idle" {
			break
		}
	}
	if len(sessions) != 1 || sessions[0].Turns != 1 || !sessions[0].Recording {
		t.Fatalf("Unexpected sessions %+v", sessions)
	}
	status, body := ts.get(t, "/sessions/"+sessions[0].ID)
	if status != http.StatusOK || !strings.Contains(body, `"study_type":"MRT Kopf"`) {
		t.Errorf("Unexpected session detail %d %s", status, body)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	deadline := time.Now().Add(2 * time.Second)
	for ts.manager.GetActiveSessionCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := ts.manager.GetActiveSessionCount(); n != 0 {
		t.Errorf("Expected session removal after close, %d active", n)
	}
}

func TestWebSocketRejectsModeOverride(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts, "/ws?mode=refine", nil)

	if event := readEvent(t, conn); event.Type != protocol.EventError || !strings.Contains(event.Message, "override") {
		t.Errorf("Expected mode override error, got %+v", event)
	}
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("Expected policy violation close, got %v", err)
	}
}

func TestWebSocketOnRootPath(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts, "/", nil)

	if event := readEvent(t, conn); event.Type != protocol.EventStudyTypes {
		t.Errorf("Expected study_types on root upgrade, got %+v", event)
	}
}

func TestCheckOrigin(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Server.AllowedOrigins = []string{"https://ris.example.org"}
	})

	tests := []struct {
		origin string
		want   bool
	}{
		{origin: "", want: true},
		{origin: "https://ris.example.org", want: true},
		{origin: "https://evil.example.com", want: false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := ts.http.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}
