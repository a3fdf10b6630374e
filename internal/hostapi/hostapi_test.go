package hostapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"
)

func TestBuildURL(t *testing.T) {
	cases := []struct {
		host string
		want string
	}{
		{"10.0.0.5", "http://10.0.0.5:11434/api/tags"},
		{" 10.0.0.5 ", "http://10.0.0.5:11434/api/tags"},
		{"10.0.0.5:8080", "http://10.0.0.5:8080/api/tags"},
		{"https://h.example", "https://h.example/api/tags"},
		{"https://h.example/", "https://h.example/api/tags"},
		{"http://h.example:9000", "http://h.example:9000/api/tags"},
		{"2001:db8::1", "http://[2001:db8::1]:11434/api/tags"},
		{"[2001:db8::1]:8080", "http://[2001:db8::1]:8080/api/tags"},
	}
	for _, tc := range cases {
		if got := BuildURL(tc.host, DefaultPort, TagsPath); got != tc.want {
			t.Errorf("BuildURL(%q): got %q, want %q", tc.host, got, tc.want)
		}
	}
}

func TestHostname(t *testing.T) {
	cases := map[string]string{
		"203.0.113.9":              "203.0.113.9",
		"203.0.113.9:8080":         "203.0.113.9",
		"https://h.example/":       "h.example",
		"http://203.0.113.9:11434": "203.0.113.9",
		"[2001:db8::1]:8080":       "2001:db8::1",
	}
	for in, want := range cases {
		if got := Hostname(in); got != want {
			t.Errorf("Hostname(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestParseModelNames(t *testing.T) {
	body := []byte(`{"models":[{"name":"llama3"},{"name":7},"junk",{"size":1},{"name":"phi"}]}`)
	got, err := ParseModelNames(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if want := []string{"llama3", "phi"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	got, err = ParseModelNames([]byte(`[1,2,3]`))
	if err != nil || len(got) != 0 {
		t.Errorf("non-object payload: got %v, %v", got, err)
	}

	if _, err := ParseModelNames([]byte(`<html>`)); err == nil {
		t.Error("expected error for non-JSON body")
	}
}

func TestExtractText(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{`{"response":"ping"}`, "ping"},
		{`{"response":"","message":{"content":"pong"}}`, "pong"},
		{`{"other":1}`, `{"other":1}`},
		{`plain text`, "plain text"},
	}
	for _, tc := range cases {
		if got := ExtractText([]byte(tc.body)); got != tc.want {
			t.Errorf("ExtractText(%q): got %q, want %q", tc.body, got, tc.want)
		}
	}
}

func TestDoTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := Do(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
