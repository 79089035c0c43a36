package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPExecutor_NoURL(t *testing.T) {
	e := NewHTTPExecutor("", "")
	if _, err := e.Execute(context.Background(), Call{Name: "send_to_nested"}); err == nil {
		t.Fatalf("expected error with missing url")
	}
}

func TestHTTPExecutor_Results(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{"json_result", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"result":" done "}`))
		}, "done"},
		{"json_text", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			_, _ = w.Write([]byte(`{"text":"team says hi"}`))
		}, "team says hi"},
		{"plain_text", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("ok\n"))
		}, "ok"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			got, err := NewHTTPExecutor(srv.URL, "").Execute(context.Background(), Call{ID: "fc-1", Name: "send_to_nested"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestHTTPExecutor_SendsCall(t *testing.T) {
	var body executeRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	call := Call{ID: "fc-1", Name: "send_to_nested", ConversationID: "conv-1", Arguments: map[string]any{"text": "hello"}}
	if _, err := NewHTTPExecutor(srv.URL, "tok").Execute(context.Background(), call); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if auth != "Bearer tok" {
		t.Fatalf("auth header = %q", auth)
	}
	if body.CallID != "fc-1" || body.Text != "hello" || body.ConversationID != "conv-1" || body.Arguments["text"] != "hello" {
		t.Fatalf("unexpected request body %+v", body)
	}
}

func TestHTTPExecutor_HTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("not-json"))
		}},
		{"error_field", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"error":"team crashed"}`))
		}},
		{"slow", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			if _, err := NewHTTPExecutor(srv.URL, "").Execute(ctx, Call{Name: "execute_code"}); err == nil {
				t.Fatalf("expected error; got nil")
			}
		})
	}
}
