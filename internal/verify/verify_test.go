package verify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"darn/internal/hostapi"
	"darn/internal/models"
)

type fakeHost struct {
	tagsStatus int
	tagsBody   string
	tagsDelay  time.Duration
	chatReply  string
	chatStatus int
	chatDelay  time.Duration

	chatModel string
}

func (f *fakeHost) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(hostapi.TagsPath, func(w http.ResponseWriter, r *http.Request) {
		if f.tagsDelay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(f.tagsDelay):
			}
		}
		status := f.tagsStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(f.tagsBody))
	})
	mux.HandleFunc(hostapi.ChatPath, func(w http.ResponseWriter, r *http.Request) {
		var req hostapi.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode chat request: %v", err)
		}
		if req.Stream || len(req.Messages) != 1 || req.Messages[0].Content != SanityPrompt {
			t.Errorf("unexpected chat request: %+v", req)
		}
		f.chatModel = req.Model
		if f.chatDelay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(f.chatDelay):
			}
		}
		status := f.chatStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": f.chatReply},
		})
	})
	return mux
}

func newTestVerifier(srv *httptest.Server, geo GeoLocator) *Verifier {
	return New(srv.Client(), Options{
		MetadataTimeout:  200 * time.Millisecond,
		InferenceTimeout: time.Second,
		Geo:              geo,
	})
}

type staticGeo struct{ calls []string }

func (g *staticGeo) Lookup(host string) *models.Geo {
	g.calls = append(g.calls, host)
	city := "Springfield"
	return &models.Geo{City: &city}
}

func TestVerifyHealthyEndpoint(t *testing.T) {
	host := &fakeHost{
		tagsBody:  `{"models":[{"name":"llama3"},{"name":"phi"}]}`,
		chatReply: "Hello there my friend",
	}
	srv := httptest.NewServer(host.handler(t))
	defer srv.Close()

	geo := &staticGeo{}
	out := newTestVerifier(srv, geo).Verify(context.Background(), srv.URL)

	if !out.OK() {
		t.Fatalf("expected ok, got failure %+v", out.Failure)
	}
	if want := []string{"llama3", "phi"}; !reflect.DeepEqual(out.Models, want) {
		t.Errorf("models: got %v, want %v", out.Models, want)
	}
	if out.LatencyMs == nil {
		t.Error("latency should be set")
	}
	if host.chatModel != "phi" {
		t.Errorf("sanity model: got %q, want phi", host.chatModel)
	}
	if out.Geo == nil || out.Geo.City == nil || *out.Geo.City != "Springfield" {
		t.Errorf("geo not attached: %+v", out.Geo)
	}
	if len(geo.calls) != 1 || geo.calls[0] != "127.0.0.1" {
		t.Errorf("geo lookups: %v", geo.calls)
	}
	if out.CheckedAt.IsZero() {
		t.Error("checked_at should be set")
	}
}

func TestVerifyFailures(t *testing.T) {
	cases := []struct {
		name    string
		host    fakeHost
		kind    models.FailureKind
		message string
	}{
		{
			name:    "status",
			host:    fakeHost{tagsStatus: http.StatusForbidden, tagsBody: "no"},
			kind:    models.FailHTTPStatus,
			message: "status 403",
		},
		{
			name: "invalid json",
			host: fakeHost{tagsBody: "<html>it works</html>"},
			kind: models.FailInvalidJSON,
		},
		{
			name:    "gibberish",
			host:    fakeHost{tagsBody: `{"models":[{"name":"llama3"}]}`, chatReply: "1 2 3 4 5 %%"},
			kind:    models.FailGibberish,
			message: "inference_gibberish",
		},
		{
			name:    "inference status",
			host:    fakeHost{tagsBody: `{"models":[{"name":"llama3"}]}`, chatReply: "Hello world", chatStatus: 500},
			kind:    models.FailGibberish,
			message: "inference_gibberish",
		},
		{
			name:    "blank model names",
			host:    fakeHost{tagsBody: `{"models":[{"name":"  "}]}`},
			kind:    models.FailNoProbeModel,
			message: "no_probe_model",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			host := tc.host
			srv := httptest.NewServer(host.handler(t))
			defer srv.Close()

			out := newTestVerifier(srv, nil).Verify(context.Background(), srv.URL)
			if out.OK() {
				t.Fatal("expected failure")
			}
			if out.Failure.Kind != tc.kind {
				t.Errorf("kind: got %s, want %s", out.Failure.Kind, tc.kind)
			}
			if tc.message != "" && out.Failure.Message() != tc.message {
				t.Errorf("message: got %q, want %q", out.Failure.Message(), tc.message)
			}
			if tc.kind == models.FailInvalidJSON && !strings.HasPrefix(out.Failure.Message(), "invalid_json: ") {
				t.Errorf("message: got %q", out.Failure.Message())
			}
			if out.LatencyMs == nil {
				t.Error("latency should be set once the host answered")
			}
			if out.Geo != nil {
				t.Error("geo must not be set on failure")
			}
		})
	}
}

func TestVerifyMetadataTimeout(t *testing.T) {
	host := &fakeHost{tagsBody: `{"models":[]}`, tagsDelay: 2 * time.Second}
	srv := httptest.NewServer(host.handler(t))
	defer srv.Close()

	out := newTestVerifier(srv, nil).Verify(context.Background(), srv.URL)
	if out.OK() {
		t.Fatal("expected failure")
	}
	if out.Failure.Kind != models.FailTransport {
		t.Errorf("kind: got %s", out.Failure.Kind)
	}
	if out.LatencyMs != nil {
		t.Errorf("latency should be nil, got %d", *out.LatencyMs)
	}
	if rec := out.Record(); rec.Error == nil || *rec.Error == "" {
		t.Error("record should carry the transport message")
	}
}

func TestVerifyCallerCancelIsTransportFailure(t *testing.T) {
	host := &fakeHost{tagsBody: `{"models":[{"name":"phi"}]}`, chatReply: "Hello there!", chatDelay: 2 * time.Second}
	srv := httptest.NewServer(host.handler(t))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	v := New(srv.Client(), Options{MetadataTimeout: time.Second, InferenceTimeout: 5 * time.Second})
	out := v.Verify(ctx, srv.URL)
	if out.OK() {
		t.Fatal("expected failure")
	}
	if out.Failure.Kind != models.FailTransport {
		t.Errorf("kind: got %s, want %s", out.Failure.Kind, models.FailTransport)
	}
}

func TestVerifyInferenceTimeoutIsGibberish(t *testing.T) {
	host := &fakeHost{tagsBody: `{"models":[{"name":"phi"}]}`, chatReply: "Hello there!", chatDelay: 2 * time.Second}
	srv := httptest.NewServer(host.handler(t))
	defer srv.Close()

	v := New(srv.Client(), Options{MetadataTimeout: time.Second, InferenceTimeout: 100 * time.Millisecond})
	out := v.Verify(context.Background(), srv.URL)
	if out.OK() || out.Failure.Kind != models.FailGibberish {
		t.Errorf("expected inference_gibberish, got %+v", out.Failure)
	}
}

func TestVerifyNoModelsIsHealthy(t *testing.T) {
	host := &fakeHost{tagsBody: `{"models":[]}`}
	srv := httptest.NewServer(host.handler(t))
	defer srv.Close()

	out := newTestVerifier(srv, nil).Verify(context.Background(), srv.URL)
	if !out.OK() {
		t.Fatalf("expected ok, got %+v", out.Failure)
	}
	if len(out.Models) != 0 {
		t.Errorf("models: %v", out.Models)
	}
	if host.chatModel != "" {
		t.Error("inference must not be attempted without models")
	}
}

func TestSelectModel(t *testing.T) {
	cases := []struct {
		names []string
		want  string
		ok    bool
	}{
		{[]string{"llama3:8b", "phi3:mini"}, "phi3:mini", true},
		{[]string{"Mistral:7b", "TinyLlama:1.1b"}, "TinyLlama:1.1b", true},
		{[]string{"deepseek-r1", "codestral"}, "deepseek-r1", true},
		{[]string{"", "custom"}, "custom", true},
		{[]string{" "}, "", false},
		{nil, "", false},
	}
	for _, tc := range cases {
		got, ok := SelectModel(tc.names)
		if got != tc.want || ok != tc.ok {
			t.Errorf("SelectModel(%v): got (%q,%v), want (%q,%v)", tc.names, got, ok, tc.want, tc.ok)
		}
	}
}

func TestLooksLikeLanguage(t *testing.T) {
	cases := map[string]bool{
		"Hello! How can I help?":  true,
		"Hi":                      false,
		"":                        false,
		"12345 67890 !!":          false,
		"ok 1 2":                  false,
		"ok yes 3":                true,
		strings.Repeat("a", 201): false,
		strings.Repeat("a", 200): true,
		"héllo wörld":             true,
	}
	for text, want := range cases {
		if got := LooksLikeLanguage(text); got != want {
			t.Errorf("LooksLikeLanguage(%q): got %v, want %v", text, got, want)
		}
	}
}
