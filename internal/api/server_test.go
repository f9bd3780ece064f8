package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tonieflash/flash-console/internal/backend"
	"github.com/tonieflash/flash-console/internal/config"
	"github.com/tonieflash/flash-console/internal/device"
	"github.com/tonieflash/flash-console/internal/device/devicetest"
	"github.com/tonieflash/flash-console/internal/notify"
	"github.com/tonieflash/flash-console/internal/patch"
	"github.com/tonieflash/flash-console/internal/storage"
	"github.com/tonieflash/flash-console/internal/transfer"
	"github.com/tonieflash/flash-console/internal/workflow"
	"github.com/tonieflash/flash-console/pkg/crypto"
)

const testMAC = "AA:BB:CC:DD:EE:FF"

type fakeBackend struct{}

func (fakeBackend) UploadRawImage(ctx context.Context, filename string, image io.Reader) (string, error) {
	io.Copy(io.Discard, image)
	return filename, nil
}

func (fakeBackend) PatchFirmware(ctx context.Context, req backend.PatchRequest) ([]byte, error) {
	return bytes.Repeat([]byte{0xA5}, 64*1024), nil
}

func (fakeBackend) ExtractCertificates(ctx context.Context, reference string, overwrite bool) error {
	return nil
}

type fakePorts struct {
	mu   sync.Mutex
	name string
}

func (p *fakePorts) SetPort(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = name
}

func (p *fakePorts) Port() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

type harness struct {
	srv   *RESTServer
	wf    *workflow.Workflow
	conn  *devicetest.Conn
	ports *fakePorts
	store *storage.MemoryStore
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.Server.Name = "flash-console"
	cfg.API.AllowedOrigins = []string{"*"}
	cfg.API.RequestTimeout = 10 * time.Second

	conn := devicetest.NewConn(testMAC, 256)
	for i := range conn.Flash {
		conn.Flash[i] = byte(i % 251)
	}

	store := storage.NewMemoryStore()
	hub := NewHub()
	wf := workflow.New(workflow.Deps{
		Programmer: devicetest.NewProgrammer(conn),
		Pipeline:   transfer.New(transfer.WithReadChunkSize(64*1024), transfer.WithWriteChunkSize(64*1024)),
		Patcher:    patch.NewCoordinator(fakeBackend{}),
		Notifier:   notify.Multi{hub},
		Recorder:   store,
	})

	ports := &fakePorts{}
	srv := NewRESTServer(cfg, Deps{
		Workflow: wf,
		Ports:    ports,
		ListPorts: func() ([]device.PortInfo, error) {
			return []device.PortInfo{{Name: "/dev/ttyACM0", IsUSB: true, VID: "303A", PID: "1001"}}, nil
		},
		Store: store,
		Hub:   hub,
	})

	return &harness{srv: srv, wf: wf, conn: conn, ports: ports, store: store}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}, header ...string) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.wf.Wait(ctx); err != nil {
		t.Fatalf("action did not finish: %v", err)
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body map[string]interface{}
	decode(t, rec, &body)
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
}

func TestPorts(t *testing.T) {
	h := newHarness(t, nil)

	if rec := h.do(t, http.MethodPut, "/api/v1/flash/port", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty port: status = %d", rec.Code)
	}

	if rec := h.do(t, http.MethodPut, "/api/v1/flash/port", map[string]string{"port": "/dev/ttyACM0"}); rec.Code != http.StatusOK {
		t.Fatalf("set port: status = %d", rec.Code)
	}
	if h.ports.Port() != "/dev/ttyACM0" {
		t.Errorf("port = %q", h.ports.Port())
	}

	rec := h.do(t, http.MethodGet, "/api/v1/flash/ports", nil)
	var body struct {
		Ports    []device.PortInfo `json:"ports"`
		Selected string            `json:"selected"`
	}
	decode(t, rec, &body)
	if len(body.Ports) != 1 || body.Selected != "/dev/ttyACM0" {
		t.Errorf("ports = %+v", body)
	}
}

func TestReadAndDownload(t *testing.T) {
	h := newHarness(t, nil)

	if rec := h.do(t, http.MethodGet, "/api/v1/flash/images/raw", nil); rec.Code != http.StatusNotFound {
		t.Errorf("download before read: status = %d", rec.Code)
	}

	rec := h.do(t, http.MethodPost, "/api/v1/flash/read", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("read: status = %d body %s", rec.Code, rec.Body)
	}
	h.wait(t)

	var snap workflow.Snapshot
	decode(t, h.do(t, http.MethodGet, "/api/v1/flash/state", nil), &snap)
	if snap.State != workflow.KindAwaiting || snap.Progress != 100 || !snap.CanAdvance {
		t.Errorf("snapshot after read = %+v", snap)
	}

	rec = h.do(t, http.MethodGet, "/api/v1/flash/images/raw", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download: status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, "ESP32_AABBCCDDEEFF.bin") {
		t.Errorf("Content-Disposition = %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), h.conn.Flash) {
		t.Error("downloaded image differs from flash")
	}

	if rec := h.do(t, http.MethodGet, "/api/v1/flash/images/other", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown slot: status = %d", rec.Code)
	}

	var history struct {
		Events []json.RawMessage `json:"events"`
		Total  int               `json:"total"`
	}
	decode(t, h.do(t, http.MethodGet, "/api/v1/flash/history?type=ACTION_SUCCEEDED", nil), &history)
	if history.Total != 1 {
		t.Errorf("history total = %d", history.Total)
	}

	var backups struct {
		Total int `json:"total"`
	}
	decode(t, h.do(t, http.MethodGet, "/api/v1/flash/backups?mac="+testMAC, nil), &backups)
	if backups.Total != 1 {
		t.Errorf("backups total = %d", backups.Total)
	}

	if rec := h.do(t, http.MethodGet, "/api/v1/flash/history?since=yesterday", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad since: status = %d", rec.Code)
	}
}

func TestBusyAndCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.conn.Gate = make(chan struct{})

	if rec := h.do(t, http.MethodPost, "/api/v1/flash/read", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("read: status = %d", rec.Code)
	}

	if rec := h.do(t, http.MethodPost, "/api/v1/flash/read", nil); rec.Code != http.StatusConflict {
		t.Errorf("second read: status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPut, "/api/v1/flash/port", map[string]string{"port": "/dev/ttyUSB1"}); rec.Code != http.StatusConflict {
		t.Errorf("port change while busy: status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/api/v1/flash/restart", nil); rec.Code != http.StatusConflict {
		t.Errorf("restart while busy: status = %d", rec.Code)
	}

	if rec := h.do(t, http.MethodPost, "/api/v1/flash/cancel", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("cancel: status = %d", rec.Code)
	}
	h.wait(t)

	var snap workflow.Snapshot
	decode(t, h.do(t, http.MethodGet, "/api/v1/flash/state", nil), &snap)
	if snap.State != workflow.KindErrored || snap.Failure == nil || snap.Failure.Kind != workflow.FailureCancelled {
		t.Errorf("snapshot after cancel = %+v", snap)
	}

	if rec := h.do(t, http.MethodPost, "/api/v1/flash/cancel", nil); rec.Code != http.StatusConflict {
		t.Errorf("cancel when idle: status = %d", rec.Code)
	}
}

func TestActionNotAllowed(t *testing.T) {
	h := newHarness(t, nil)

	if rec := h.do(t, http.MethodPost, "/api/v1/flash/write", nil); rec.Code != http.StatusConflict {
		t.Errorf("write at step 0: status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/api/v1/flash/advance", nil); rec.Code != http.StatusConflict {
		t.Errorf("advance without image: status = %d", rec.Code)
	}
}

func TestSetParams(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPut, "/api/v1/flash/params", map[string]interface{}{
		"hostname": "",
		"wifiSsid": "home",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
	var res patch.ValidationResult
	decode(t, rec, &res)
	// hostname is required; ssid and password must come together
	if res.Valid || len(res.Violations) != 3 {
		t.Errorf("violations = %+v", res.Violations)
	}

	rec = h.do(t, http.MethodPut, "/api/v1/flash/params", map[string]interface{}{"hostname": "teddycloud"})
	if rec.Code != http.StatusOK {
		t.Errorf("valid params: status = %d body %s", rec.Code, rec.Body)
	}
	if h.wf.Params().NewHostname != "teddycloud" {
		t.Errorf("params not stored: %+v", h.wf.Params())
	}
}

func TestModeAndLoad(t *testing.T) {
	h := newHarness(t, nil)

	if rec := h.do(t, http.MethodPut, "/api/v1/flash/mode", map[string]string{"mode": "factory"}); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown mode: status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPut, "/api/v1/flash/mode", map[string]string{"mode": "reset"}); rec.Code != http.StatusOK {
		t.Fatalf("reset mode: status = %d", rec.Code)
	}

	image := bytes.Repeat([]byte{0x5A}, 128*1024)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "backup.bin")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(image)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/flash/load", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("load: status = %d body %s", rec.Code, rec.Body)
	}
	h.wait(t)

	if rec := h.do(t, http.MethodPost, "/api/v1/flash/advance", nil); rec.Code != http.StatusOK {
		t.Fatalf("advance: status = %d", rec.Code)
	}

	var snap workflow.Snapshot
	decode(t, h.do(t, http.MethodGet, "/api/v1/flash/state", nil), &snap)
	if snap.CurrentStep != workflow.StepWrite || snap.Mode != workflow.ModeResetToStock {
		t.Errorf("snapshot = step %v mode %v", snap.CurrentStep, snap.Mode)
	}

	rec = h.do(t, http.MethodGet, "/api/v1/flash/images/patched", nil)
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), image) {
		t.Errorf("patched download: status = %d, %d bytes", rec.Code, rec.Body.Len())
	}
}

func TestLoadRequiresFile(t *testing.T) {
	h := newHarness(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", "no file")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/flash/load", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	hash, err := crypto.HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		JWT:  config.JWTConfig{Secret: "test", AccessTokenTTL: time.Hour},
		Auth: config.AuthConfig{Enabled: true, AdminUsername: "admin", AdminPassword: hash},
	}
	h := newHarness(t, cfg)

	if rec := h.do(t, http.MethodGet, "/api/v1/flash/state", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "admin", "password": "nope"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password: status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "admin"}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing password: status = %d", rec.Code)
	}

	rec := h.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "admin", "password": "s3cret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status = %d", rec.Code)
	}
	var login struct {
		AccessToken string `json:"access_token"`
	}
	decode(t, rec, &login)

	if rec := h.do(t, http.MethodGet, "/api/v1/flash/state", nil, "Authorization", "Bearer "+login.AccessToken); rec.Code != http.StatusOK {
		t.Errorf("with token: status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/flash/state", nil, "Authorization", "Token "+login.AccessToken); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong scheme: status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/health", nil); rec.Code != http.StatusOK {
		t.Errorf("health must stay public: status = %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	h := newHarness(t, nil)
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/flash/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	type message struct {
		Type    string            `json:"type"`
		Payload workflow.Snapshot `json:"payload"`
	}
	next := func() message {
		t.Helper()
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		var m message
		if err := ws.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v", err)
		}
		return m
	}

	first := next()
	if first.Type != "state" || first.Payload.Mode != workflow.ModeNormal {
		t.Errorf("first message = %+v", first)
	}

	if rec := h.do(t, http.MethodPut, "/api/v1/flash/mode", map[string]string{"mode": "reset"}); rec.Code != http.StatusOK {
		t.Fatalf("mode: status = %d", rec.Code)
	}
	if m := next(); m.Payload.Mode != workflow.ModeResetToStock {
		t.Errorf("mode change not streamed: %+v", m.Payload)
	}

	if h.srv.hub.Clients() != 1 {
		t.Errorf("clients = %d", h.srv.hub.Clients())
	}
}

func TestOffer(t *testing.T) {
	ch := make(chan []byte, 2)
	for _, s := range []string{"a", "b", "c", "d"} {
		offer(ch, []byte(s))
	}
	if got := string(<-ch) + string(<-ch); got != "cd" {
		t.Errorf("queued %q, want the newest two", got)
	}
}
