package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/TheLeoP/wpp/internal/config"
	"github.com/TheLeoP/wpp/internal/delivery"
	"github.com/TheLeoP/wpp/internal/eventbus"
	"github.com/TheLeoP/wpp/internal/phone"
	"github.com/TheLeoP/wpp/internal/prefs"
	"github.com/TheLeoP/wpp/internal/scheduler"
	"github.com/TheLeoP/wpp/internal/session"
)

// stubDeliverer counts delivery attempts and reports them all as sent.
type stubDeliverer struct {
	mu   sync.Mutex
	jobs []scheduler.Job
}

func (d *stubDeliverer) Deliver(ctx context.Context, job scheduler.Job) scheduler.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return scheduler.OutcomeSent
}

// stubSession implements SessionControl.
type stubSession struct {
	logouts int
	err     error
}

func (s *stubSession) Logout(ctx context.Context) error {
	s.logouts++
	return s.err
}

type testEnv struct {
	server    *Server
	machine   *session.Machine
	bus       eventbus.Bus
	deliverer *stubDeliverer
	session   *stubSession
	sched     *scheduler.Scheduler
}

func newTestEnv(t *testing.T, cfg *config.APIConfig) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New()
	machine := session.NewMachine(bus, logger)
	deliverer := &stubDeliverer{}
	sched := scheduler.New(deliverer, bus, logger)

	store := prefs.NewStore(filepath.Join(t.TempDir(), "preferences.json"), logger)
	if err := store.Load(); err != nil {
		t.Fatalf("failed to load preferences: %v", err)
	}
	// Keep the jitter window tiny so campaign tests finish fast.
	if err := store.Replace(prefs.Preferences{
		SendDelayMinMS:       0,
		SendDelayMaxMS:       1,
		PhoneColumn:          "telf",
		PrependCountryPrefix: true,
	}); err != nil {
		t.Fatalf("failed to replace preferences: %v", err)
	}

	ctl := &stubSession{}
	if cfg == nil {
		cfg = &config.APIConfig{}
	}

	server := NewServer(Deps{
		Machine:    machine,
		Session:    ctl,
		Prefs:      store,
		Scheduler:  sched,
		Unresolved: &delivery.UnresolvedLog{},
		Bus:        bus,
		PhoneRules: phone.DefaultRules(),
	}, cfg, logger)

	return &testEnv{
		server:    server,
		machine:   machine,
		bus:       bus,
		deliverer: deliverer,
		session:   ctl,
		sched:     sched,
	}
}

// writeSheet creates a two-contact workbook and returns its path.
func writeSheet(t *testing.T) string {
	t.Helper()

	f := excelize.NewFile()
	defer f.Close()
	cells := map[string]any{
		"A1": "telf", "B1": "nombre",
		"A2": "0991234567", "B2": "Ana",
		"A3": "0991234568", "B3": "Luis",
	}
	for ref, v := range cells {
		if err := f.SetCellValue("Sheet1", ref, v); err != nil {
			t.Fatalf("failed to set cell %s: %v", ref, err)
		}
	}
	path := filepath.Join(t.TempDir(), "contacts.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("failed to save workbook: %v", err)
	}
	return path
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	w := doJSON(t, env.server.Router(), http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want ok", resp.Status)
	}
	if resp.Session != "disconnected" {
		t.Errorf("Session = %q, want disconnected", resp.Session)
	}
}

func TestAuthPlaintextKey(t *testing.T) {
	env := newTestEnv(t, &config.APIConfig{APIKey: "secret"})

	w := doJSON(t, env.server.Router(), http.MethodGet, "/api/v1/session", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with key: status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with X-API-Key: status = %d, want 200", rec.Code)
	}
}

func TestAuthHashedKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash key: %v", err)
	}
	env := newTestEnv(t, &config.APIConfig{APIKeyHash: string(hash)})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("correct key: status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", rec.Code)
	}
}

func TestSessionAndLogout(t *testing.T) {
	env := newTestEnv(t, nil)
	env.machine.ConnectionReady(session.Profile{JID: "593991111111@s.whatsapp.net", Name: "Tester"})

	w := doJSON(t, env.server.Router(), http.MethodGet, "/api/v1/session", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("session: status = %d, want 200", w.Code)
	}
	var st session.State
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("failed to decode state: %v", err)
	}
	if st.Profile.Name != "Tester" {
		t.Errorf("Profile.Name = %q, want Tester", st.Profile.Name)
	}

	w = doJSON(t, env.server.Router(), http.MethodPost, "/api/v1/session/logout", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("logout: status = %d, want 200", w.Code)
	}
	if env.session.logouts != 1 {
		t.Errorf("logouts = %d, want 1", env.session.logouts)
	}
}

func TestPreferences(t *testing.T) {
	env := newTestEnv(t, nil)

	w := doJSON(t, env.server.Router(), http.MethodGet, "/api/v1/preferences", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status = %d, want 200", w.Code)
	}

	next := prefs.Preferences{
		SendDelayMinMS:       100,
		SendDelayMaxMS:       5000,
		PhoneColumn:          "phone",
		PrependCountryPrefix: false,
	}
	w = doJSON(t, env.server.Router(), http.MethodPut, "/api/v1/preferences", next)
	if w.Code != http.StatusOK {
		t.Fatalf("put: status = %d, want 200", w.Code)
	}

	w = doJSON(t, env.server.Router(), http.MethodGet, "/api/v1/preferences", nil)
	var got prefs.Preferences
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode preferences: %v", err)
	}
	if got != next {
		t.Errorf("preferences = %+v, want %+v", got, next)
	}
}

func TestPreferencesRejectsInvalid(t *testing.T) {
	env := newTestEnv(t, nil)
	before := doJSON(t, env.server.Router(), http.MethodGet, "/api/v1/preferences", nil).Body.String()

	bad := prefs.Preferences{SendDelayMinMS: 500, SendDelayMaxMS: 100, PhoneColumn: "telf"}
	w := doJSON(t, env.server.Router(), http.MethodPut, "/api/v1/preferences", bad)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	after := doJSON(t, env.server.Router(), http.MethodGet, "/api/v1/preferences", nil).Body.String()
	if before != after {
		t.Error("stored preferences changed after a rejected update")
	}
}

func TestSheetPreview(t *testing.T) {
	env := newTestEnv(t, nil)
	path := writeSheet(t)

	w := doJSON(t, env.server.Router(), http.MethodPost, "/api/v1/sheet/preview", SheetPreviewRequest{Path: path})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body)
	}
	var row map[string]string
	if err := json.NewDecoder(w.Body).Decode(&row); err != nil {
		t.Fatalf("failed to decode row: %v", err)
	}
	if row["nombre"] != "Ana" {
		t.Errorf("row[nombre] = %q, want Ana", row["nombre"])
	}
}

func TestTemplatePreview(t *testing.T) {
	env := newTestEnv(t, nil)
	path := writeSheet(t)

	req := TemplatePreviewRequest{Template: "Hola {{nombre}}!", Path: path}
	w := doJSON(t, env.server.Router(), http.MethodPost, "/api/v1/template/preview", req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body)
	}
	var resp TemplatePreviewResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Text != "Hola Ana!" {
		t.Errorf("Text = %q, want Hola Ana!", resp.Text)
	}
}

func TestCreateCampaign(t *testing.T) {
	env := newTestEnv(t, nil)
	env.machine.ConnectionReady(session.Profile{})
	path := writeSheet(t)

	w := doJSON(t, env.server.Router(), http.MethodPost, "/api/v1/campaigns", CampaignRequest{
		Template:  "Hola {{nombre}}",
		SheetPath: path,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body %s", w.Code, w.Body)
	}
	var resp CampaignResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Total != 2 {
		t.Errorf("Total = %d, want 2", resp.Total)
	}

	env.sched.Wait()

	env.deliverer.mu.Lock()
	delivered := len(env.deliverer.jobs)
	first := scheduler.Job{}
	if delivered > 0 {
		first = env.deliverer.jobs[0]
	}
	env.deliverer.mu.Unlock()
	if delivered != 2 {
		t.Fatalf("delivered = %d, want 2", delivered)
	}
	if first.Recipient != "593991234567" {
		t.Errorf("Recipient = %q, want 593991234567", first.Recipient)
	}

	st := doJSON(t, env.server.Router(), http.MethodGet, "/api/v1/campaigns/1", nil)
	if st.Code != http.StatusOK {
		t.Fatalf("snapshot: status = %d, want 200", st.Code)
	}
	var status scheduler.RunStatus
	if err := json.NewDecoder(st.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if status.Sent != 2 || status.Running {
		t.Errorf("status = %+v, want 2 sent and not running", status)
	}
}

func TestCreateCampaignNotReady(t *testing.T) {
	env := newTestEnv(t, nil)
	path := writeSheet(t)

	w := doJSON(t, env.server.Router(), http.MethodPost, "/api/v1/campaigns", CampaignRequest{
		Template:  "Hola",
		SheetPath: path,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestSendMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	env.machine.ConnectionReady(session.Profile{})

	w := doJSON(t, env.server.Router(), http.MethodPost, "/api/v1/messages", MessageRequest{
		Phone: "0991234567",
		Text:  "hola",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", w.Code, w.Body)
	}
	var resp MessageResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.RunID == 0 {
		t.Error("RunID = 0, want a run id")
	}

	env.sched.Wait()

	env.deliverer.mu.Lock()
	jobs := append([]scheduler.Job(nil), env.deliverer.jobs...)
	env.deliverer.mu.Unlock()
	if len(jobs) != 1 {
		t.Fatalf("delivered = %d, want 1", len(jobs))
	}
	if jobs[0].Recipient != "593991234567" {
		t.Errorf("Recipient = %q, want 593991234567", jobs[0].Recipient)
	}
	if jobs[0].Text != "hola" {
		t.Errorf("Text = %q, want hola", jobs[0].Text)
	}
}

func TestSendMessageNotReady(t *testing.T) {
	env := newTestEnv(t, nil)

	w := doJSON(t, env.server.Router(), http.MethodPost, "/api/v1/messages", MessageRequest{
		Phone: "0991234567",
		Text:  "hola",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestSendMessageRejectsEmpty(t *testing.T) {
	env := newTestEnv(t, nil)
	env.machine.ConnectionReady(session.Profile{})

	w := doJSON(t, env.server.Router(), http.MethodPost, "/api/v1/messages", MessageRequest{Text: "hola"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing phone: status = %d, want 400", w.Code)
	}

	w = doJSON(t, env.server.Router(), http.MethodPost, "/api/v1/messages", MessageRequest{Phone: "0991234567"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing content: status = %d, want 400", w.Code)
	}
}

func TestGetCampaignNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	w := doJSON(t, env.server.Router(), http.MethodGet, "/api/v1/campaigns/99", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestUnresolvedEmpty(t *testing.T) {
	env := newTestEnv(t, nil)

	w := doJSON(t, env.server.Router(), http.MethodGet, "/api/v1/unresolved", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp UnresolvedResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Numbers) != 0 {
		t.Errorf("Numbers = %v, want empty", resp.Numbers)
	}
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	env.bus.Publish(eventbus.Event{Type: eventbus.TypeReady, Data: map[string]string{"jid": "x"}})

	scanner := bufio.NewScanner(resp.Body)
	var eventLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
			break
		}
	}
	if eventLine != "event: "+eventbus.TypeReady {
		t.Errorf("event line = %q, want event: %s", eventLine, eventbus.TypeReady)
	}
}
