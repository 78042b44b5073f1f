package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/michaelbrown/restorebox/internal/sandbox/sandboxtest"
	"github.com/michaelbrown/restorebox/internal/solver"
	"github.com/michaelbrown/restorebox/internal/storage"
	"github.com/michaelbrown/restorebox/internal/storage/sqlite"
)

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	store  *sqlite.SQLiteStore
	runner *sandboxtest.Runner
}

func newTestEnv(t *testing.T, q solver.QueryFunc) *testEnv {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}

	runner := sandboxtest.NewRunner()
	if q == nil {
		q = func(context.Context, string) ([]string, error) {
			return []string{"111-22-3333", "444-55-6666"}, nil
		}
	}
	sv := solver.Solver{Options: runner.Options(t.TempDir()), Query: q}
	srv := New(store, sv, log.New(io.Discard))
	hs := httptest.NewServer(srv)

	t.Cleanup(func() {
		hs.Close()
		srv.Shutdown(context.Background())
		store.Close()
	})
	return &testEnv{srv: srv, http: hs, store: store, runner: runner}
}

func (e *testEnv) createRun(t *testing.T, dump string) (*http.Response, storage.Run) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"dump": dump})
	resp, err := http.Post(e.http.URL+"/api/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var run storage.Run
	if resp.StatusCode == http.StatusAccepted {
		if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
			t.Fatal(err)
		}
	}
	return resp, run
}

func (e *testEnv) waitFinished(t *testing.T, id string) *storage.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, active := e.srv.runs.Get(id); !active {
			run, err := e.store.GetRun(context.Background(), id)
			if err != nil {
				t.Fatal(err)
			}
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
	return nil
}

func TestCreateRunCompletes(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, run := env.createRun(t, sandboxtest.Dump("select 1;"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if run.ID == "" || run.Source != storage.SourceAPI {
		t.Errorf("run = %+v", run)
	}

	final := env.waitFinished(t, run.ID)
	if final.Status != storage.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", final.Status, final.Error)
	}
	if len(final.Result) != 2 {
		t.Errorf("result = %v", final.Result)
	}
	if env.runner.Count("kill") != 1 {
		t.Errorf("kill count = %d, want 1", env.runner.Count("kill"))
	}

	// GET by prefix
	get, err := http.Get(env.http.URL + "/api/runs/" + run.ID[:8])
	if err != nil {
		t.Fatal(err)
	}
	defer get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Errorf("GET status = %d", get.StatusCode)
	}
	if ct := get.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}
}

func TestCreateRunValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{"},
		{"missing dump", `{}`},
		{"blank dump", `{"dump":"   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(env.http.URL+"/api/runs", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestCreateRunBusy(t *testing.T) {
	env := newTestEnv(t, nil)
	env.runner.Block["build"] = true

	_, first := env.createRun(t, sandboxtest.Dump("select 1;"))

	resp, _ := env.createRun(t, sandboxtest.Dump("select 2;"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second POST status = %d, want 409", resp.StatusCode)
	}

	env.srv.runs.CloseAll()
	final := env.waitFinished(t, first.ID)
	if final.Status != storage.StatusFailed {
		t.Errorf("cancelled run status = %s, want failed", final.Status)
	}
	if env.runner.Count("run") != 0 {
		t.Error("cancelled build should not start a container")
	}
}

func TestListAndDeleteRuns(t *testing.T) {
	env := newTestEnv(t, nil)

	_, run := env.createRun(t, sandboxtest.Dump("select 1;"))
	env.waitFinished(t, run.ID)

	list, err := http.Get(env.http.URL + "/api/runs?status=completed")
	if err != nil {
		t.Fatal(err)
	}
	var runs []storage.Run
	json.NewDecoder(list.Body).Decode(&runs)
	list.Body.Close()
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("runs = %+v", runs)
	}

	events, err := http.Get(env.http.URL + "/api/runs/" + run.ID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	var evs []storage.Event
	json.NewDecoder(events.Body).Decode(&evs)
	events.Body.Close()
	if len(evs) == 0 || evs[len(evs)-1].Stage != "released" {
		t.Errorf("events = %+v", evs)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.http.URL+"/api/runs/"+run.ID, nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204", del.StatusCode)
	}

	missing, _ := http.Get(env.http.URL + "/api/runs/" + run.ID)
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", missing.StatusCode)
	}
}

func TestWebSocketStreamsLiveRun(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, func(ctx context.Context, _ string) ([]string, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []string{"111-22-3333"}, nil
	})

	_, run := env.createRun(t, sandboxtest.Dump("select 1;"))

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/runs/" + run.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var stages []string
	var done *storage.Run
	for done == nil {
		var msg wsOutgoing
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v (stages so far %v)", err, stages)
		}
		switch msg.Type {
		case "event":
			stages = append(stages, msg.Event.Stage)
			if msg.Event.Stage == "ready" {
				close(release)
			}
		case "done":
			done = msg.Run
		default:
			t.Fatalf("unexpected message %+v", msg)
		}
	}

	want := []string{"created", "staged", "built", "started", "ready", "released"}
	if strings.Join(stages, ",") != strings.Join(want, ",") {
		t.Errorf("stages = %v, want %v", stages, want)
	}
	if done.Status != storage.StatusCompleted {
		t.Errorf("final status = %s", done.Status)
	}
}

func TestWebSocketDeliversUnrecordedEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	run := &storage.Run{ID: "live-1", Source: storage.SourceAPI}
	if err := env.store.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := env.store.AppendEvent(ctx, &storage.Event{RunID: run.ID, Stage: "created"}); err != nil {
		t.Fatal(err)
	}
	active, err := env.srv.runs.Begin(run.ID, nil)
	if err != nil {
		t.Fatal(err)
	}

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/runs/" + run.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	for deadline := time.Now().Add(5 * time.Second); ; {
		active.mu.Lock()
		n := len(active.subs)
		active.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("websocket never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A replayed duplicate, then events the store failed to record.
	active.Publish(storage.Event{RunID: run.ID, Seq: 1, Stage: "created"})
	active.Publish(storage.Event{RunID: run.ID, Stage: "staged"})
	active.Publish(storage.Event{RunID: run.ID, Stage: "built"})
	active.Publish(storage.Event{RunID: run.ID, Seq: 2, Stage: "started"})
	env.srv.runs.Finish(run.ID)

	var stages []string
	for {
		var msg wsOutgoing
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v (stages so far %v)", err, stages)
		}
		if msg.Type == "done" {
			break
		}
		if msg.Type != "event" {
			t.Fatalf("unexpected message %+v", msg)
		}
		stages = append(stages, msg.Event.Stage)
	}

	want := []string{"created", "staged", "built", "started"}
	if strings.Join(stages, ",") != strings.Join(want, ",") {
		t.Errorf("stages = %v, want %v", stages, want)
	}
}

func TestWebSocketUnknownRun(t *testing.T) {
	env := newTestEnv(t, nil)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/runs/nope/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("response = %+v, want 404", resp)
	}
}
