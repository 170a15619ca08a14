package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/toolgate/toolgate/pkg/command"
)

func TestDaemonClientForwardsStdin(t *testing.T) {
	var got executeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/execute" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(command.Result{Success: true, Output: "ok"})
	}))
	defer srv.Close()

	c := &daemonClient{base: srv.URL, http: srv.Client()}
	res, err := c.Execute(context.Background(), "call", []string{"web", "search", "-"}, `{"query":"golang"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Output != "ok" {
		t.Errorf("res = %+v", res)
	}

	// The argument document must ride in the request body, not depend on
	// the daemon process's stdin.
	if got.Command != "call" || got.Stdin != `{"query":"golang"}` {
		t.Errorf("request = %+v", got)
	}
}

func TestDaemonClientSurfacesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := &daemonClient{base: srv.URL, http: srv.Client()}
	if _, err := c.Execute(context.Background(), "servers", nil, ""); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}
