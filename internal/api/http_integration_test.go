package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/taskforge/taskforge/internal/hub"
	"github.com/taskforge/taskforge/internal/logging"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/testutil"
)

type noopCanceller struct {
	cancelled []int64
}

func (c *noopCanceller) Cancel(taskID int64) {
	c.cancelled = append(c.cancelled, taskID)
}

func newTestServer(t *testing.T, credential string) (*Server, *store.Store, *noopCanceller) {
	t.Helper()
	s, err := store.Open(testutil.TempDBPath(t), logging.NewDiscard())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	canceller := &noopCanceller{}
	server := NewServer(s, hub.New(), canceller, credential, logging.NewDiscard())
	return server, s, canceller
}

func TestHTTPHealth(t *testing.T) {
	server, _, _ := newTestServer(t, "")
	client := httptest.NewServer(server.Router())
	defer client.Close()

	resp, err := http.Get(client.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestHTTPCreateTaskInvalidJSON(t *testing.T) {
	server, _, _ := newTestServer(t, "")
	client := httptest.NewServer(server.Router())
	defer client.Close()

	resp, err := http.Post(client.URL+"/tasks/", "application/json", bytes.NewBufferString("{"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.StatusCode)
	}
}

func TestHTTPCreateTaskValidationError(t *testing.T) {
	server, _, _ := newTestServer(t, "")
	client := httptest.NewServer(server.Router())
	defer client.Close()

	resp, err := http.Post(client.URL+"/tasks/", "application/json", bytes.NewBufferString(`{"title":"","prompt":""}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.StatusCode)
	}

	var envelope errorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Code != codeValidation {
		t.Fatalf("expected validation_error code, got %q", envelope.Code)
	}
}

func TestHTTPCreateTaskSuccess(t *testing.T) {
	server, _, _ := newTestServer(t, "")
	client := httptest.NewServer(server.Router())
	defer client.Close()

	body := `{"title":"fix login bug","prompt":"investigate and fix"}`
	resp, err := http.Post(client.URL+"/tasks/", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", resp.StatusCode)
	}

	var task store.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.ID == 0 {
		t.Fatalf("expected nonzero task id")
	}
	if task.Status != store.StatusPending {
		t.Fatalf("expected PENDING, got %s", task.Status)
	}
}

func TestHTTPCreateTaskRequiresCredential(t *testing.T) {
	server, _, _ := newTestServer(t, "secret")
	client := httptest.NewServer(server.Router())
	defer client.Close()

	body := `{"title":"t","prompt":"p"}`
	resp, err := http.Post(client.URL+"/tasks/", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodPost, client.URL+"/tasks/", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("X-API-Credential", "secret")
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected status 201 with valid credential, got %d", res.StatusCode)
	}
}

func TestHTTPGetTaskNotFound(t *testing.T) {
	server, _, _ := newTestServer(t, "")
	client := httptest.NewServer(server.Router())
	defer client.Close()

	resp, err := http.Get(client.URL + "/tasks/999")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.StatusCode)
	}
}

func TestHTTPGetTaskInvalidID(t *testing.T) {
	server, _, _ := newTestServer(t, "")
	client := httptest.NewServer(server.Router())
	defer client.Close()

	resp, err := http.Get(client.URL + "/tasks/not-a-number")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.StatusCode)
	}
}

func TestHTTPListTasksFilteredByStatus(t *testing.T) {
	server, s, _ := newTestServer(t, "")
	client := httptest.NewServer(server.Router())
	defer client.Close()

	if _, err := s.CreateTask(t.Context(), store.CreateTaskFields{Title: "a", Prompt: "p"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, err := http.Get(client.URL + "/tasks/?status=PENDING")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var tasks []*store.Task
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
}

// TestHTTPListPendingTasksIsRankedNotCreatedAtOrder exercises spec §6.1's
// list_tasks ordering requirement: status=PENDING must come back ranked
// by priority desc / created_at asc / id asc (spec §4.5), not in plain
// creation order the way every other status filter does.
func TestHTTPListPendingTasksIsRankedNotCreatedAtOrder(t *testing.T) {
	server, s, _ := newTestServer(t, "")
	client := httptest.NewServer(server.Router())
	defer client.Close()

	low, err := s.CreateTask(t.Context(), store.CreateTaskFields{Title: "low", Prompt: "p", Priority: store.PriorityLow})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	urgent, err := s.CreateTask(t.Context(), store.CreateTaskFields{Title: "urgent", Prompt: "p", Priority: store.PriorityUrgent})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, err := http.Get(client.URL + "/tasks/?status=PENDING")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var tasks []*store.Task
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != urgent.ID || tasks[1].ID != low.ID {
		t.Fatalf("expected urgent (%d) before low (%d), got order %d, %d", urgent.ID, low.ID, tasks[0].ID, tasks[1].ID)
	}
}

func TestHTTPCancelTaskSignalsCanceller(t *testing.T) {
	server, s, canceller := newTestServer(t, "")
	client := httptest.NewServer(server.Router())
	defer client.Close()

	task, err := s.CreateTask(t.Context(), store.CreateTaskFields{Title: "a", Prompt: "p"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, err := http.Post(client.URL+"/tasks/"+itoa(task.ID)+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if len(canceller.cancelled) != 1 || canceller.cancelled[0] != task.ID {
		t.Fatalf("expected canceller signalled for task %d, got %v", task.ID, canceller.cancelled)
	}
}

func TestHTTPRetryRejectsNonFailedTask(t *testing.T) {
	server, s, _ := newTestServer(t, "")
	client := httptest.NewServer(server.Router())
	defer client.Close()

	task, err := s.CreateTask(t.Context(), store.CreateTaskFields{Title: "a", Prompt: "p"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Dispatch(t.Context(), task.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	resp, err := http.Post(client.URL+"/tasks/"+itoa(task.ID)+"/retry", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.StatusCode)
	}
}

func TestHTTPDeleteTask(t *testing.T) {
	server, s, _ := newTestServer(t, "")
	client := httptest.NewServer(server.Router())
	defer client.Close()

	task, err := s.CreateTask(t.Context(), store.CreateTaskFields{Title: "a", Prompt: "p"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	req, err := http.NewRequest(http.MethodDelete, client.URL+"/tasks/"+itoa(task.ID), nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", resp.StatusCode)
	}

	if _, err := s.GetTask(t.Context(), task.ID); err == nil {
		t.Fatalf("expected task to be gone after delete")
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
