package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/meshlink/internal/auth"
	"github.com/danmuck/meshlink/internal/client"
	"github.com/danmuck/meshlink/internal/protocol"
	"github.com/danmuck/meshlink/internal/session"
	"github.com/danmuck/meshlink/internal/testutil/fakedevice"
	"github.com/danmuck/meshlink/internal/testutil/testlog"
	"github.com/danmuck/meshlink/internal/transport"
	"github.com/danmuck/meshlink/internal/watchdog"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const testToken = "secret"

type bufferDialer struct{}

func (bufferDialer) Open(_ context.Context, p transport.Params) (*transport.Handle, error) {
	return transport.NewHandle(p.Kind, p.Address, &bytes.Buffer{}, nil), nil
}

type fixture struct {
	t        *testing.T
	client   *client.Client
	server   *Server
	selector *transport.PendingSelector

	mu      sync.Mutex
	devices []*fakedevice.Device
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{t: t, selector: transport.NewPendingSelector()}

	cfg := client.DefaultConfig()
	cfg.Session = session.Config{ConfigureTimeout: time.Second, DisconnectTimeout: 100 * time.Millisecond}
	cfg.Watchdog = map[transport.Kind]watchdog.Config{}
	for _, k := range transport.Kinds() {
		cfg.Watchdog[k] = watchdog.Config{
			Thresholds:   watchdog.Thresholds{Stale: time.Hour, Dead: 2 * time.Hour},
			PollInterval: time.Hour,
		}
	}
	cfg.NewDevice = func(*transport.Handle) (protocol.Device, error) {
		d := fakedevice.New()
		f.mu.Lock()
		f.devices = append(f.devices, d)
		f.mu.Unlock()
		return d, nil
	}
	f.client = client.New(cfg, bufferDialer{}, nil)
	t.Cleanup(f.client.Close)

	opts := Options{
		Name:     "meshctl-test",
		Auth:     auth.StaticToken{Token: testToken},
		Selector: f.selector,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.server = New(f.client, opts)
	return f
}

func (f *fixture) device() *fakedevice.Device {
	f.t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.devices) == 0 {
		f.t.Fatalf("no device created")
	}
	return f.devices[len(f.devices)-1]
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	f.server.HTTPRouter().ServeHTTP(rr, req)
	return rr
}

func (f *fixture) connect() {
	f.t.Helper()
	rr := f.do(http.MethodPost, "/connect", gin.H{"kind": "tcp", "address": "10.0.0.9"})
	if rr.Code != http.StatusOK {
		f.t.Fatalf("connect: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v body=%s", err, rr.Body.String())
	}
	return body
}

func TestHealthIsOpenAndAPIRequiresToken(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, nil)

	rr := httptest.NewRecorder()
	f.server.HTTPRouter().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected open health, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}

	rr = httptest.NewRecorder()
	f.server.HTTPRouter().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	rr = f.do(http.MethodGet, "/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rr.Code)
	}
	if got := decode(t, rr)["status"]; got != string(client.StatusDisconnected) {
		t.Fatalf("expected disconnected, got %v", got)
	}
}

func TestJWTValidatorGuardsRoutes(t *testing.T) {
	testlog.Start(t)
	signer := auth.NewJWT("hmac-secret")
	f := newFixture(t, func(o *Options) { o.Auth = signer })
	token, err := signer.Issue("ops", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/nodes", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	f.server.HTTPRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected jwt accepted, got %d", rr.Code)
	}

	if rr := f.do(http.MethodGet, "/nodes", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected static token rejected by jwt validator, got %d", rr.Code)
	}
}

func TestCommandsWithoutSessionConflict(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, nil)

	rr := f.do(http.MethodPost, "/messages", gin.H{"text": "hello"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr := f.do(http.MethodPost, "/nodes/42/traceroute", nil); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for traceroute, got %d", rr.Code)
	}
	if rr := f.do(http.MethodPost, "/connect", gin.H{"kind": "pigeon"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", rr.Code)
	}
}

func TestConnectSendAndQuery(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, nil)
	f.connect()
	dev := f.device()

	dev.Emit(protocol.Event{Kind: protocol.EventNodeInfo, Node: &protocol.NodeInfo{Num: 42, LongName: "Ridge"}})
	rr := f.do(http.MethodGet, "/nodes", nil)
	if !strings.Contains(rr.Body.String(), `"long_name":"Ridge"`) {
		t.Fatalf("expected node in listing, got %s", rr.Body.String())
	}

	rr = f.do(http.MethodPost, "/messages", gin.H{"to": 42, "text": "hello ridge"})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rr.Code, rr.Body.String())
	}
	if len(dev.Texts) != 1 || dev.Texts[0].Text != "hello ridge" || dev.Texts[0].To != 42 {
		t.Fatalf("unexpected device texts %+v", dev.Texts)
	}

	rr = f.do(http.MethodPost, "/messages", gin.H{"text": "   "})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank text, got %d", rr.Code)
	}

	rr = f.do(http.MethodGet, "/messages?limit=1", nil)
	if !strings.Contains(rr.Body.String(), "hello ridge") {
		t.Fatalf("expected outgoing message listed, got %s", rr.Body.String())
	}

	if rr := f.do(http.MethodPost, "/nodes/!0000002a/position", nil); rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for hex node, got %d", rr.Code)
	}
	if len(dev.Positions) != 1 || dev.Positions[0] != 42 {
		t.Fatalf("expected position request for 42, got %v", dev.Positions)
	}
	if rr := f.do(http.MethodGet, "/nodes/99/telemetry", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown node telemetry, got %d", rr.Code)
	}
}

func TestChannelConfigAndAdminRoutes(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, nil)
	f.connect()
	dev := f.device()

	rr := f.do(http.MethodPut, "/channels/1", gin.H{"name": "ops", "role": "secondary"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"name":"ops"`) {
		t.Fatalf("expected channel listed, got %s", rr.Body.String())
	}
	if rr := f.do(http.MethodPut, "/channels/9", gin.H{"name": "x"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range channel, got %d", rr.Code)
	}

	if rr := f.do(http.MethodPut, "/config/lora", gin.H{"region": "US"}); rr.Code != http.StatusOK {
		t.Fatalf("expected config applied, got %d", rr.Code)
	}
	if dev.Configs["lora"]["region"] != "US" {
		t.Fatalf("expected lora config forwarded, got %v", dev.Configs)
	}

	if rr := f.do(http.MethodPost, "/admin/reboot", gin.H{"seconds": 5}); rr.Code != http.StatusOK {
		t.Fatalf("expected reboot accepted, got %d", rr.Code)
	}
	if rr := f.do(http.MethodPost, "/admin/set-favorite", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for favorite without node, got %d", rr.Code)
	}
	if rr := f.do(http.MethodPost, "/admin/self-destruct", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", rr.Code)
	}
	if len(dev.Admins) != 1 || dev.Admins[0].Action != protocol.AdminReboot || dev.Admins[0].Seconds != 5 {
		t.Fatalf("unexpected admin requests %+v", dev.Admins)
	}
}

func TestSelectionRoutes(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, nil)

	if rr := f.do(http.MethodGet, "/selection", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with nothing pending, got %d", rr.Code)
	}

	result := make(chan transport.Candidate, 1)
	go func() {
		c, err := f.selector.Select(context.Background(), transport.KindSerial, []transport.Candidate{
			{ID: "/dev/ttyUSB0"}, {ID: "/dev/ttyACM0"},
		})
		if err != nil {
			t.Errorf("select: %v", err)
		}
		result <- c
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := f.selector.Pending(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("selection never became pending")
		}
		time.Sleep(2 * time.Millisecond)
	}

	rr := f.do(http.MethodGet, "/selection", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "/dev/ttyACM0") {
		t.Fatalf("expected pending candidates, got %d %s", rr.Code, rr.Body.String())
	}
	if rr := f.do(http.MethodPost, "/selection", gin.H{"id": "/dev/nope"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown candidate, got %d", rr.Code)
	}
	if rr := f.do(http.MethodPost, "/selection", gin.H{"id": "/dev/ttyACM0"}); rr.Code != http.StatusOK {
		t.Fatalf("expected choice accepted, got %d", rr.Code)
	}
	select {
	case c := <-result:
		if c.ID != "/dev/ttyACM0" {
			t.Fatalf("expected chosen candidate, got %+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("selector never returned")
	}
	if rr := f.do(http.MethodDelete, "/selection", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 cancelling nothing, got %d", rr.Code)
	}
}

func TestConnectByProfile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "profiles.toml")
	profiles := "[[profiles]]\nname = \"roof\"\nkind = \"tcp\"\naddress = \"10.1.1.1\"\n"
	if err := os.WriteFile(path, []byte(profiles), 0o600); err != nil {
		t.Fatalf("write profiles: %v", err)
	}
	f := newFixture(t, func(o *Options) { o.ProfilesPath = path })

	if rr := f.do(http.MethodPost, "/connect", gin.H{"profile": "attic"}); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown profile, got %d", rr.Code)
	}
	if rr := f.do(http.MethodPost, "/connect", gin.H{"profile": "roof"}); rr.Code != http.StatusOK {
		t.Fatalf("expected connect by profile, got %d body=%s", rr.Code, rr.Body.String())
	}
	p, ok := f.client.Params()
	if !ok || p.Kind != transport.KindTCP || p.Address != "10.1.1.1" {
		t.Fatalf("unexpected params %+v ok=%v", p, ok)
	}
	if rr := f.do(http.MethodGet, "/profiles", nil); !strings.Contains(rr.Body.String(), "roof") {
		t.Fatalf("expected profile listing, got %s", rr.Body.String())
	}
}

func TestWebsocketStreamsSnapshotAndStatus(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.server.HTTPRouter())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first map[string]any
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first["kind"] != "snapshot" || first["status"] != string(client.StatusDisconnected) {
		t.Fatalf("unexpected first frame %v", first)
	}

	if err := f.client.Connect(context.Background(), transport.Params{Kind: transport.KindTCP, Address: "10.0.0.9"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	var seen []string
	for len(seen) == 0 || seen[len(seen)-1] != string(client.StatusConfigured) {
		var note client.Notification
		if err := conn.ReadJSON(&note); err != nil {
			t.Fatalf("read notification after %v: %v", seen, err)
		}
		if note.Kind == client.NotifyStatus {
			seen = append(seen, string(note.Status))
		}
	}
	want := []string{"connecting", "connected", "configured"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, seen)
	}
}

func TestWebsocketRejectsMissingToken(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.server.HTTPRouter())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial failure without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestMessagesFilterByChannelBeforeLimit(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, nil)
	f.connect()

	if rr := f.do(http.MethodPost, "/messages", gin.H{"channel": 1, "text": "ops check"}); rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rr.Code, rr.Body.String())
	}
	for i := 0; i < 3; i++ {
		if rr := f.do(http.MethodPost, "/messages", gin.H{"text": "chatter"}); rr.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d body=%s", rr.Code, rr.Body.String())
		}
	}

	rr := f.do(http.MethodGet, "/messages?channel=1&limit=2", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Messages []struct {
			Channel uint8  `json:"channel"`
			Text    string `json:"text"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Messages) != 1 || body.Messages[0].Text != "ops check" || body.Messages[0].Channel != 1 {
		t.Fatalf("expected the channel 1 message, got %+v", body.Messages)
	}
}
