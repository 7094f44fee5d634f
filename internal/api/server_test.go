package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/converso-chat/converso/internal/broker"
	"github.com/converso-chat/converso/internal/config"
	"github.com/converso-chat/converso/internal/store"
	"github.com/converso-chat/converso/pkg/protocol"
)

// recordingTransport captures events pushed to one connection.
type recordingTransport struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (t *recordingTransport) Send(ev protocol.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
	return nil
}

func (t *recordingTransport) Close() error { return nil }

func (t *recordingTransport) waitEvents(tb testing.TB, n int) []protocol.Event {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		t.mu.Lock()
		cnt := len(t.events)
		t.mu.Unlock()
		if cnt >= n {
			t.mu.Lock()
			defer t.mu.Unlock()
			out := make([]protocol.Event, len(t.events))
			copy(out, t.events)
			return out
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("expected at least %d events", n)
	return nil
}

type testEnv struct {
	srv      *httptest.Server
	store    store.Store
	registry *broker.Registry
	router   *broker.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.Default()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	registry := broker.NewRegistry(logger, broker.RegistryOptions{})
	router := broker.NewRouter(registry, logger)
	presence := broker.NewPresence(registry, time.Second, logger)
	gateway := broker.NewGateway(registry, router, presence, logger, broker.GatewayOptions{})

	cfg := &config.Config{}
	cfg.Server.Addr = ":0"
	cfg.Server.MaxBodyBytes = 1024 * 1024
	cfg.Server.MaxFileBytes = 1024 * 1024
	cfg.Server.FileStoragePath = t.TempDir()

	apiSrv := NewServer(st, router, gateway, cfg, logger)
	srv := httptest.NewServer(apiSrv.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: st, registry: registry, router: router}
}

// joinSession registers a broker member with a recording transport, standing
// in for a live WebSocket client.
func (e *testEnv) joinSession(t *testing.T, sessionKey, connID string, role protocol.Role, name string) *recordingTransport {
	t.Helper()
	h, err := e.registry.Register(sessionKey, connID, role, name)
	if err != nil {
		t.Fatalf("register %s: %v", connID, err)
	}
	tr := &recordingTransport{}
	h.Attach(tr)
	return tr
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, v any) int {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	var body map[string]string
	if code := getJSON(t, env.srv.URL+"/healthz", &body); code != http.StatusOK {
		t.Fatalf("healthz status %d", code)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %+v", body)
	}

	if code := getJSON(t, env.srv.URL+"/readyz", nil); code != http.StatusOK {
		t.Fatalf("readyz status %d", code)
	}
}

func TestCreateAndListSessions(t *testing.T) {
	env := newTestEnv(t)

	var created store.Session
	code := postJSON(t, env.srv.URL+"/api/sessions", map[string]string{"participant": "Cliente"}, &created)
	if code != http.StatusCreated {
		t.Fatalf("create status %d", code)
	}
	if created.ID == "" || created.Participant != "Cliente" {
		t.Fatalf("unexpected session: %+v", created)
	}

	var sessions []store.Session
	if code := getJSON(t, env.srv.URL+"/api/sessions", &sessions); code != http.StatusOK {
		t.Fatalf("list status %d", code)
	}
	if len(sessions) != 1 || sessions[0].ID != created.ID {
		t.Fatalf("unexpected listing: %+v", sessions)
	}
}

func TestCreateSessionRequiresParticipant(t *testing.T) {
	env := newTestEnv(t)

	if code := postJSON(t, env.srv.URL+"/api/sessions", map[string]string{}, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestCloseSessionNotifiesMembers(t *testing.T) {
	env := newTestEnv(t)

	var created store.Session
	postJSON(t, env.srv.URL+"/api/sessions", map[string]string{"participant": "Cliente"}, &created)

	tr := env.joinSession(t, created.ID, "c1", protocol.RoleUser, "Cliente")

	if code := postJSON(t, env.srv.URL+"/api/sessions/"+created.ID+"/close", nil, nil); code != http.StatusOK {
		t.Fatalf("close status %d", code)
	}

	got, err := env.store.GetSession(context.Background(), created.ID)
	if err != nil || got == nil || !got.Closed {
		t.Fatalf("session not closed: %+v err=%v", got, err)
	}

	evs := tr.waitEvents(t, 1)
	if evs[0].Type != protocol.EventSystemMessage {
		t.Fatalf("expected system message, got %+v", evs[0])
	}
}

func TestCloseSessionNotFound(t *testing.T) {
	env := newTestEnv(t)

	if code := postJSON(t, env.srv.URL+"/api/sessions/missing/close", nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func uploadFile(t *testing.T, url, fieldFile, content string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", fieldFile)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	mw.Close()

	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

func TestFileUploadListDownload(t *testing.T) {
	env := newTestEnv(t)

	agentTr := env.joinSession(t, "s1", "ana", protocol.RoleAgent, "Ana")
	if err := env.registry.SetAgentMode("ana", true); err != nil {
		t.Fatalf("agent mode: %v", err)
	}

	code, body := uploadFile(t, env.srv.URL+"/api/sessions/s1/files", "123_informe.pdf", "contenido pdf")
	if code != http.StatusOK {
		t.Fatalf("upload status %d: %+v", code, body)
	}
	if body["fileName"] != "123_informe.pdf" {
		t.Fatalf("unexpected upload response: %+v", body)
	}

	// The agent-mode member gets the notification.
	evs := agentTr.waitEvents(t, 1)
	if evs[0].Type != protocol.EventFileUpload || evs[0].FileName != "123_informe.pdf" {
		t.Fatalf("unexpected notification: %+v", evs[0])
	}
	if evs[0].Message != "Archivo recibido: informe.pdf" {
		t.Fatalf("unexpected notification text: %q", evs[0].Message)
	}

	var files []fileInfo
	if code := getJSON(t, env.srv.URL+"/api/sessions/s1/files", &files); code != http.StatusOK {
		t.Fatalf("list files status %d", code)
	}
	if len(files) != 1 || files[0].FileName != "123_informe.pdf" || files[0].Name != "informe.pdf" {
		t.Fatalf("unexpected listing: %+v", files)
	}

	resp, err := http.Get(env.srv.URL + "/api/sessions/s1/files/123_informe.pdf")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "contenido pdf" {
		t.Fatalf("unexpected file content: %q", data)
	}
}

func TestFileUploadNoMembersStillStored(t *testing.T) {
	env := newTestEnv(t)

	code, _ := uploadFile(t, env.srv.URL+"/api/sessions/solo/files", "nota.txt", "hola")
	if code != http.StatusOK {
		t.Fatalf("upload status %d", code)
	}

	var files []fileInfo
	getJSON(t, env.srv.URL+"/api/sessions/solo/files", &files)
	if len(files) != 1 {
		t.Fatalf("file should be stored even with nobody connected: %+v", files)
	}
}

func TestListFilesEmptySession(t *testing.T) {
	env := newTestEnv(t)

	var files []fileInfo
	if code := getJSON(t, env.srv.URL+"/api/sessions/empty/files", &files); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(files) != 0 {
		t.Fatalf("expected empty listing, got %+v", files)
	}
}

func TestDownloadRejectsTraversal(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/api/sessions/s1/files/..%2F..%2Fetc%2Fpasswd")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatal("traversal attempt must not succeed")
	}
}

func TestFormatFileSize(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{1536, "1.5 KB"},
		{2 * 1024 * 1024, "2.0 MB"},
	}
	for _, tc := range cases {
		if got := formatFileSize(tc.in); got != tc.want {
			t.Errorf("formatFileSize(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"informe.pdf", "informe.pdf"},
		{"../../etc/passwd", "passwd"},
		{"..", "download"},
		{"dir\\file.txt", "dir_file.txt"},
	}
	for _, tc := range cases {
		if got := sanitizeFilename(tc.in); got != tc.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
