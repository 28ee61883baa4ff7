package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"warehouse-overwatch/api/services"
	"warehouse-overwatch/pkg/admin"
	"warehouse-overwatch/pkg/ontology"
	"warehouse-overwatch/pkg/services/backend"
	"warehouse-overwatch/pkg/services/connection"
	"warehouse-overwatch/pkg/services/reconcile"
	"warehouse-overwatch/pkg/shared"
	"warehouse-overwatch/pkg/store"
	"warehouse-overwatch/pkg/view"
)

const testToken = "test-token"

type fakeConnection struct {
	state connection.State
}

func (f fakeConnection) State() connection.State { return f.state }
func (f fakeConnection) Topics() []connection.Topic {
	return []connection.Topic{connection.MapTopic(), connection.TaskTopic("t1")}
}

// backendCall is one request the fake backend received.
type backendCall struct {
	Method string
	Path   string
	Body   string
}

type fakeBackend struct {
	mu    sync.Mutex
	calls []backendCall
}

func (f *fakeBackend) record(r *http.Request) backendCall {
	body, _ := io.ReadAll(r.Body)
	c := backendCall{Method: r.Method, Path: r.URL.Path, Body: string(body)}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	return c
}

func (f *fakeBackend) Calls() []backendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backendCall(nil), f.calls...)
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := f.record(r)
	w.Header().Set("Content-Type", "application/json")
	switch {
	case c.Method == http.MethodPost && c.Path == "/api/tasks":
		if strings.Contains(c.Body, `"shelf_id":"BAD"`) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			io.WriteString(w, `{"detail":[{"loc":["body","shelf_id"],"msg":"unknown shelf","type":"value_error"}]}`)
			return
		}
		io.WriteString(w, `{"data":{"id":"t9","type":"MOVE_SHELF","status":"PENDING","shelf_id":"S1"}}`)
	case c.Method == http.MethodPut && c.Path == "/api/shelves/S1/storage":
		io.WriteString(w, `{"id":"S1"}`)
	case c.Method == http.MethodDelete && c.Path == "/api/tasks/t1":
		w.WriteHeader(http.StatusNoContent)
	case c.Method == http.MethodPost && c.Path == "/api/shelves/S1/restore":
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":"robot unavailable"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"not found"}`)
	}
}

type fixture struct {
	store   *store.Store
	backend *fakeBackend
	server  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("API_BEARER_TOKEN", testToken)
	logger := log.New(io.Discard, "", 0)

	fb := &fakeBackend{}
	backendSrv := httptest.NewServer(fb)
	t.Cleanup(backendSrv.Close)
	client := backend.NewClient(backend.Config{BaseURL: backendSrv.URL}, nil)

	s := store.New(store.Options{Logger: logger})
	s.BulkReplace(store.Snapshot{
		Robots:  []ontology.Robot{{ID: "r1", RobotID: "R-1", X: 500, Y: 500, BatteryLevel: 80, Status: ontology.RobotBusy}},
		Shelves: []ontology.Shelf{{ID: "S1", ShelfID: "SHELF-1", Storage: ontology.Pose{X: 100, Y: 150, Yaw: 1.5}, Current: ontology.Pose{X: 300, Y: 320}, LocationStatus: ontology.LocationAtDropZone, Available: true}},
		Tasks:   []ontology.Task{{ID: "t1", Status: ontology.TaskAssigned, RobotID: "r1"}},
		Zones:   []ontology.Zone{{ID: "z1", Name: "Dock", X: 900, Y: 100}},
	})
	rec := reconcile.New(reconcile.DefaultConfig(), s, client, nil, logger)

	h := NewHandlers(Deps{
		Store:      s,
		Projector:  view.NewProjector(view.Bounds{MaxX: 1000, MaxY: 1000}, view.DefaultEpsilon),
		Connection: fakeConnection{state: connection.Reconnecting},
		Tasks:      services.NewTaskService(client, rec, s, nil, logger),
		Shelves:    services.NewShelfService(client, rec, admin.NewFlow(client, s, nil, logger), nil, logger),
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{store: s, backend: fb, server: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) (int, shared.Response) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out shared.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp.StatusCode, out
}

// decodeData re-decodes the envelope's data into v.
func decodeData(t *testing.T, resp shared.Response, v any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestHealthIsDegradedWhileReconnecting(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out shared.Response
	json.NewDecoder(resp.Body).Decode(&out)
	var health shared.HealthStatus
	decodeData(t, out, &health)
	if health.Status != "degraded" || health.Connection != "RECONNECTING" || health.Details["connection"] != "reconnecting" {
		t.Fatalf("health = %+v", health)
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/api/v1/view")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestGetView(t *testing.T) {
	f := newFixture(t)
	status, resp := f.do(t, http.MethodGet, "/api/v1/view", "")
	if status != http.StatusOK || !resp.Success {
		t.Fatalf("status = %d, resp = %+v", status, resp)
	}
	var v view.View
	decodeData(t, resp, &v)
	if v.Connection != "RECONNECTING" || len(v.Robots) != 1 || len(v.Shelves) != 1 || len(v.Zones) != 1 {
		t.Fatalf("view = %+v", v)
	}
	if v.Robots[0].Position != (view.Point{Left: 50, Top: 50}) || v.Robots[0].TaskID != "t1" {
		t.Fatalf("robot view = %+v", v.Robots[0])
	}
	if v.Shelves[0].AtStorage || !v.Shelves[0].CanReturnToStorage {
		t.Fatalf("shelf view = %+v", v.Shelves[0])
	}
}

func TestEntityLookups(t *testing.T) {
	f := newFixture(t)

	status, resp := f.do(t, http.MethodGet, "/api/v1/robots?robot_id=R-1", "")
	var robot ontology.Robot
	decodeData(t, resp, &robot)
	if status != http.StatusOK || robot.ID != "r1" {
		t.Fatalf("robot lookup = %d %+v", status, robot)
	}

	status, resp = f.do(t, http.MethodGet, "/api/v1/shelves?shelf_id=SHELF-1", "")
	var shelf shelfDetail
	decodeData(t, resp, &shelf)
	if status != http.StatusOK || shelf.ID != "S1" || shelf.AtStorage || !shelf.CanReturnToStorage {
		t.Fatalf("shelf lookup = %d %+v", status, shelf)
	}

	if status, _ := f.do(t, http.MethodGet, "/api/v1/shelves?shelf_id=nope", ""); status != http.StatusNotFound {
		t.Fatalf("unknown shelf status = %d", status)
	}

	status, resp = f.do(t, http.MethodGet, "/api/v1/tasks?status=assigned", "")
	var tasks []ontology.Task
	decodeData(t, resp, &tasks)
	if status != http.StatusOK || len(tasks) != 1 {
		t.Fatalf("tasks = %d %+v", status, tasks)
	}

	status, resp = f.do(t, http.MethodGet, "/api/v1/zones", "")
	var zones []ontology.Zone
	decodeData(t, resp, &zones)
	if status != http.StatusOK || len(zones) != 1 || zones[0].Name != "Dock" {
		t.Fatalf("zones = %d %+v", status, zones)
	}

	if status, _ := f.do(t, http.MethodPatch, "/api/v1/zones", ""); status != http.StatusMethodNotAllowed {
		t.Fatalf("PATCH status = %d", status)
	}
}

func TestSetStorageRequiresConfirmation(t *testing.T) {
	f := newFixture(t)

	status, resp := f.do(t, http.MethodPut, "/api/v1/shelves/storage?shelf_id=S1",
		`{"storage_x":200,"storage_y":250,"actor":"ops"}`)
	if status != http.StatusPreconditionRequired || resp.Error == nil || resp.Error.Code != "CONFIRMATION_REQUIRED" {
		t.Fatalf("unconfirmed = %d %+v", status, resp.Error)
	}
	if !strings.Contains(resp.Error.Message, "Permanently") {
		t.Fatalf("prompt not returned: %q", resp.Error.Message)
	}

	status, resp = f.do(t, http.MethodPut, "/api/v1/shelves/storage?shelf_id=S1",
		`{"storage_x":200,"storage_y":250,"confirmed":true}`)
	if status != http.StatusBadRequest {
		t.Fatalf("missing actor = %d %+v", status, resp.Error)
	}

	if n := len(f.backend.Calls()); n != 0 {
		t.Fatalf("backend called %d times before confirmation", n)
	}
	sh, _ := f.store.Shelf("S1")
	if sh.Storage != (ontology.Pose{X: 100, Y: 150, Yaw: 1.5}) {
		t.Fatalf("storage changed without confirmation: %+v", sh.Storage)
	}
}

func TestSetStorageConfirmed(t *testing.T) {
	f := newFixture(t)

	status, resp := f.do(t, http.MethodPut, "/api/v1/shelves/storage?shelf_id=SHELF-1",
		`{"storage_x":200,"storage_y":250,"confirmed":true}`, "X-Actor", "ops@example.com")
	if status != http.StatusOK {
		t.Fatalf("status = %d, err = %+v", status, resp.Error)
	}
	var shelf ontology.Shelf
	decodeData(t, resp, &shelf)
	if shelf.Storage != (ontology.Pose{X: 200, Y: 250, Yaw: 1.5}) || shelf.Current.X != 300 {
		t.Fatalf("shelf = %+v", shelf)
	}

	calls := f.backend.Calls()
	if len(calls) != 1 || calls[0].Path != "/api/shelves/S1/storage" || !strings.Contains(calls[0].Body, `"storage_yaw":1.5`) {
		t.Fatalf("backend calls = %+v", calls)
	}
}

func TestCreateTaskPassesBackendValidation(t *testing.T) {
	f := newFixture(t)

	status, resp := f.do(t, http.MethodPost, "/api/v1/tasks", `{"type":"PICKUP_AND_DELIVER","shelf_id":"S1"}`)
	if status != http.StatusBadRequest || resp.Error.Code != "INVALID_REQUEST" {
		t.Fatalf("local validation = %d %+v", status, resp.Error)
	}

	status, resp = f.do(t, http.MethodPost, "/api/v1/tasks", `{"type":"MOVE_SHELF","shelf_id":"BAD"}`)
	if status != http.StatusUnprocessableEntity || resp.Error.Code != "BACKEND_REJECTED" {
		t.Fatalf("backend validation = %d %+v", status, resp.Error)
	}
	if len(resp.Error.Details) != 1 || strings.Join(resp.Error.Details[0].Loc, ".") != "body.shelf_id" {
		t.Fatalf("details = %+v", resp.Error.Details)
	}

	status, resp = f.do(t, http.MethodPost, "/api/v1/tasks", `{"type":"move_shelf","shelf_id":"SHELF-1"}`)
	if status != http.StatusCreated {
		t.Fatalf("create = %d %+v", status, resp.Error)
	}
	task, ok := f.store.Task("t9")
	if !ok || task.OriginStorage == nil || task.OriginStorage.X != 100 {
		t.Fatalf("stored task = %+v", task)
	}
}

func TestDeleteTaskAndBackendFailure(t *testing.T) {
	f := newFixture(t)

	if status, resp := f.do(t, http.MethodDelete, "/api/v1/tasks?task_id=t1", ""); status != http.StatusOK {
		t.Fatalf("delete = %d %+v", status, resp.Error)
	}
	if _, ok := f.store.Task("t1"); ok {
		t.Fatal("task still in store")
	}

	status, resp := f.do(t, http.MethodPost, "/api/v1/shelves/restore?shelf_id=S1", "")
	if status != http.StatusBadGateway || resp.Error.Code != "BACKEND_ERROR" {
		t.Fatalf("restore = %d %+v", status, resp.Error)
	}
	sh, _ := f.store.Shelf("S1")
	if sh.Current.X != 300 {
		t.Fatalf("failed restore moved shelf: %+v", sh)
	}

	if status, _ := f.do(t, http.MethodPut, "/api/v1/tasks", `{"status":"COMPLETED"}`); status != http.StatusBadRequest {
		t.Fatalf("missing task_id = %d", status)
	}
}

func TestBackendNotFoundMapsToNotFound(t *testing.T) {
	f := newFixture(t)
	status, resp := f.do(t, http.MethodDelete, "/api/v1/tasks?task_id=t404", "")
	if status != http.StatusNotFound || resp.Error == nil || resp.Error.Code != "NOT_FOUND" {
		t.Fatalf("delete unknown = %d %+v", status, resp.Error)
	}
	if resp.Error.Message != "not found" {
		t.Fatalf("message = %q", resp.Error.Message)
	}
	if _, ok := f.store.Task("t1"); !ok {
		t.Fatal("unrelated task removed")
	}
}

func TestGetConnection(t *testing.T) {
	f := newFixture(t)
	status, resp := f.do(t, http.MethodGet, "/api/v1/connection", "")
	var out struct {
		State  string             `json:"state"`
		Topics []connection.Topic `json:"topics"`
	}
	decodeData(t, resp, &out)
	if status != http.StatusOK || out.State != "RECONNECTING" || len(out.Topics) != 2 || out.Topics[1].TaskID != "t1" {
		t.Fatalf("connection = %d %+v", status, out)
	}
}
