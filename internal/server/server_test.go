package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"casework/internal/audit"
	"casework/internal/casestore"
	"casework/internal/db"
	"casework/internal/domain"
	"casework/internal/messaging"
	"casework/internal/migrate"
	"casework/internal/outbox"
	"casework/internal/submit"
)

func newTestServer(t *testing.T) string {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg := submit.NewRegistry()
	mustRegister := func(cfg submit.EventConfig) {
		if cfg.Submit == nil {
			cfg.Submit = func(ctx context.Context, ev *submit.Event) (submit.SubmitResult, error) {
				return submit.SubmitResult{}, nil
			}
		}
		if err := reg.Register(cfg); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	mustRegister(submit.EventConfig{CaseTypeID: "Benefit", ID: "create", Name: "Create case"})
	mustRegister(submit.EventConfig{CaseTypeID: "Benefit", ID: "reject", Submit: func(ctx context.Context, ev *submit.Event) (submit.SubmitResult, error) {
		return submit.SubmitResult{Errors: []string{"not allowed"}}, nil
	}})

	cases := casestore.Store{DB: conn}
	auditW := audit.Writer{DB: conn}
	outboxS := outbox.Store{DB: conn}
	coord := &submit.Coordinator{
		DB:       conn,
		Cases:    cases,
		Gate:     casestore.Gate{DB: conn},
		Audit:    auditW,
		Outbox:   outboxS,
		Messages: messaging.Store{DB: conn},
		Registry: reg,
	}
	handler, err := New(Config{
		Coordinator: coord,
		Cases:       cases,
		Audit:       auditW,
		Outbox:      outboxS,
		BasePath:    "/v0",
		Auth:        AuthConfig{AllowActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return "http://" + ln.Addr().String() + "/v0"
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	return res.StatusCode, raw
}

func submitBody() map[string]any {
	return map[string]any{
		"event_id":     "create",
		"case_type_id": "Benefit",
		"jurisdiction": "SSCS",
		"state":        "appealCreated",
		"data":         map[string]any{"appellant": "A"},
	}
}

func TestSubmitRequiresIdentity(t *testing.T) {
	base := newTestServer(t)
	status, _ := doJSON(t, http.MethodPost, base+"/cases/ref-1/events", submitBody(), nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", status)
	}
}

func TestSubmitAndReadBack(t *testing.T) {
	base := newTestServer(t)
	actor := map[string]string{"X-Actor-ID": "tester"}

	status, raw := doJSON(t, http.MethodPost, base+"/cases/ref-1/events", submitBody(), actor)
	if status != http.StatusCreated {
		t.Fatalf("want 201, got %d: %s", status, raw)
	}
	var resp submit.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Case.Version != 1 || resp.Case.State != "appealCreated" {
		t.Fatalf("unexpected case: %+v", resp.Case)
	}

	status, raw = doJSON(t, http.MethodGet, base+"/cases/ref-1", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", status, raw)
	}
	var rec domain.CaseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Reference != "ref-1" || rec.CaseTypeID != "Benefit" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	status, _ = doJSON(t, http.MethodGet, base+"/cases/missing", nil, nil)
	if status != http.StatusNotFound {
		t.Fatalf("want 404 for missing case, got %d", status)
	}
}

func TestSubmitValidation(t *testing.T) {
	base := newTestServer(t)
	actor := map[string]string{"X-Actor-ID": "tester"}

	body := submitBody()
	delete(body, "event_id")
	status, _ := doJSON(t, http.MethodPost, base+"/cases/ref-1/events", body, actor)
	if status != http.StatusBadRequest {
		t.Fatalf("missing event_id: want 400, got %d", status)
	}

	body = submitBody()
	body["event_id"] = "ghost"
	status, _ = doJSON(t, http.MethodPost, base+"/cases/ref-1/events", body, actor)
	if status != http.StatusNotFound {
		t.Fatalf("unknown event: want 404, got %d", status)
	}

	body = submitBody()
	body["event_id"] = "reject"
	status, raw := doJSON(t, http.MethodPost, base+"/cases/ref-1/events", body, actor)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("handler rejection: want 422, got %d: %s", status, raw)
	}
}

func TestSubmitConflictAndReplay(t *testing.T) {
	base := newTestServer(t)
	actor := map[string]string{"X-Actor-ID": "tester"}

	status, _ := doJSON(t, http.MethodPost, base+"/cases/ref-1/events", submitBody(), actor)
	if status != http.StatusCreated {
		t.Fatalf("seed: got %d", status)
	}

	stale := submitBody()
	stale["expected_version"] = 9
	stale["data"] = map[string]any{"appellant": "B"}
	status, _ = doJSON(t, http.MethodPost, base+"/cases/ref-1/events", stale, actor)
	if status != http.StatusConflict {
		t.Fatalf("stale version: want 409, got %d", status)
	}

	keyed := map[string]string{"X-Actor-ID": "tester", "Idempotency-Key": "req-9"}
	status, raw := doJSON(t, http.MethodPost, base+"/cases/ref-2/events", submitBody(), keyed)
	if status != http.StatusCreated {
		t.Fatalf("keyed submit: got %d: %s", status, raw)
	}
	status, raw = doJSON(t, http.MethodPost, base+"/cases/ref-2/events", submitBody(), keyed)
	if status != http.StatusCreated {
		t.Fatalf("replay: got %d: %s", status, raw)
	}
	var resp submit.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Duplicate {
		t.Fatalf("retried key must replay, got %+v", resp)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	base := newTestServer(t)
	actor := map[string]string{"X-Actor-ID": "tester"}
	doJSON(t, http.MethodPost, base+"/cases/ref-1/events", submitBody(), actor)

	status, raw := doJSON(t, http.MethodGet, base+"/cases/ref-1/events", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("history: got %d: %s", status, raw)
	}
	var list EventListResponse
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Events) != 1 || list.Events[0].EventID != "create" {
		t.Fatalf("unexpected history: %+v", list.Events)
	}

	status, raw = doJSON(t, http.MethodGet, base+"/cases/ref-1/events/1", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("event: got %d: %s", status, raw)
	}
	status, _ = doJSON(t, http.MethodGet, base+"/cases/ref-1/events/99", nil, nil)
	if status != http.StatusNotFound {
		t.Fatalf("missing event: want 404, got %d", status)
	}
}

func TestBearerIdentity(t *testing.T) {
	base := newTestServer(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":        "case-officer-7",
		"given_name": "Sam",
	}).SignedString([]byte("upstream-secret"))
	if err != nil {
		t.Fatal(err)
	}

	status, _ := doJSON(t, http.MethodPost, base+"/cases/ref-1/events", submitBody(), map[string]string{
		"Authorization": "Bearer " + token,
	})
	if status != http.StatusCreated {
		t.Fatalf("bearer submit: got %d", status)
	}
	_, raw := doJSON(t, http.MethodGet, base+"/cases/ref-1/events", nil, nil)
	var list EventListResponse
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatal(err)
	}
	if list.Events[0].UserID != "case-officer-7" || list.Events[0].UserFirstName != "Sam" {
		t.Fatalf("token claims not recorded: %+v", list.Events[0])
	}
}

func TestOutboxAdmin(t *testing.T) {
	base := newTestServer(t)
	status, raw := doJSON(t, http.MethodGet, base+"/outbox", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("list: got %d: %s", status, raw)
	}
	status, _ = doJSON(t, http.MethodPost, base+"/outbox/42/retry", nil, nil)
	if status != http.StatusNotFound {
		t.Fatalf("retry missing row: want 404, got %d", status)
	}
}
