package kie

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCreateTask(t *testing.T) {
	var got createTaskReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/jobs/createTask" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth header: %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"task-abc"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	taskID, err := c.CreateTask(context.Background(), TaskRequest{
		Model:        "google/nano-banana-edit",
		Prompt:       "red jacket",
		ImageURLs:    []string{"https://cdn.example/a.png"},
		AspectRatio:  "2:3",
		Resolution:   "2K",
		OutputFormat: "png",
		CallbackURL:  "https://app.example/webhooks/kie",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if taskID != "task-abc" {
		t.Fatalf("expected task-abc, got %q", taskID)
	}

	if got.Model != "google/nano-banana-edit" {
		t.Errorf("model not forwarded: %q", got.Model)
	}
	if got.CallBackURL != "https://app.example/webhooks/kie" {
		t.Errorf("callback not forwarded: %q", got.CallBackURL)
	}
	if got.Input.ImageSize != "2:3" || got.Input.Resolution != "2K" {
		t.Errorf("params not forwarded: %+v", got.Input)
	}
	if len(got.Input.ImageURLs) != 1 {
		t.Errorf("image urls not forwarded: %v", got.Input.ImageURLs)
	}
}

func TestCreateTask_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":402,"msg":"insufficient credits"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	if _, err := c.CreateTask(context.Background(), TaskRequest{}); err == nil {
		t.Fatalf("expected envelope error")
	} else if !strings.Contains(err.Error(), "insufficient credits") {
		t.Fatalf("error should carry the provider message, got: %v", err)
	}
}

func TestCreateTask_EmptyTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":200,"msg":"success","data":{}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	if _, err := c.CreateTask(context.Background(), TaskRequest{}); err == nil {
		t.Fatalf("expected error on empty task id")
	}
}

func TestCreateTask_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	if _, err := c.CreateTask(context.Background(), TaskRequest{}); err == nil {
		t.Fatalf("expected error on 502")
	} else if !strings.Contains(err.Error(), "502") {
		t.Fatalf("error should carry the status, got: %v", err)
	}
}

func TestQueryTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/jobs/recordInfo" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if id := r.URL.Query().Get("taskId"); id != "task-1" {
			t.Errorf("unexpected task id: %q", id)
		}
		w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"task-1","state":"success","resultJson":"{\"resultUrls\":[\"https://cdn.example/out.png\"]}","failMsg":""}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	rec, err := c.QueryTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("query task: %v", err)
	}
	if rec.State != StateSuccess {
		t.Fatalf("expected success state, got %q", rec.State)
	}
	urls, err := ParseResultURLs(rec.ResultJSON)
	if err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if len(urls) != 1 || urls[0] != "https://cdn.example/out.png" {
		t.Fatalf("unexpected urls: %v", urls)
	}
}

func TestParseResultURLs_Errors(t *testing.T) {
	if _, err := ParseResultURLs(""); err == nil {
		t.Fatalf("expected error on empty payload")
	}
	if _, err := ParseResultURLs("not json"); err == nil {
		t.Fatalf("expected error on malformed payload")
	}
	if _, err := ParseResultURLs(`{"resultUrls":[]}`); err == nil {
		t.Fatalf("expected error on empty url list")
	}
}

func TestTerminal(t *testing.T) {
	for _, state := range []string{StateWaiting, StateQueuing, StateGenerating} {
		if Terminal(state) {
			t.Errorf("%s must not be terminal", state)
		}
	}
	for _, state := range []string{StateSuccess, StateFail} {
		if !Terminal(state) {
			t.Errorf("%s must be terminal", state)
		}
	}
}
