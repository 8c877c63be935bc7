package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wolfman30/chat-session-engine/pkg/logging"
)

func newTestClient(t *testing.T, server *httptest.Server, cfg Config) *Client {
	t.Helper()
	cfg.BaseURL = server.URL
	if cfg.RatingURL == "" {
		cfg.RatingURL = server.URL + "/chat/make/tip"
	}
	cfg.HTTPClient = server.Client()
	cfg.Backoff = time.Millisecond
	cfg.Logger = logging.Discard()
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{BaseURL: "  "}); err == nil {
		t.Fatalf("expected error for empty base URL")
	}
}

func TestCreateSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/PostGeraWebchatSession" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("x-Canal"); got != "C7VY7HCVF47H3F4" {
			t.Fatalf("unexpected channel header %q", got)
		}
		w.Write([]byte(`{"protocolo": 20240101001}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{})
	protocol, err := client.CreateSession(context.Background(), "C7VY7HCVF47H3F4")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if protocol != "20240101001" {
		t.Fatalf("unexpected protocol %q", protocol)
	}
}

func TestCreateSessionWithoutProtocol(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{})
	_, err := client.CreateSession(context.Background(), "C7")
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected BackendError, got %v", err)
	}
}

func TestGetRoomInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/GetInfoChat" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-Token") != "tok" || r.Header.Get("x-Hash") != "hash" {
			t.Fatalf("missing token headers: %v", r.Header)
		}
		w.Write([]byte(`{"chmStatus":"A","cliId":12,"usuId":"99","ombId":"7","afiCodigo":"DETAL001"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{})
	info, err := client.GetRoomInfo(context.Background(), "tok", "hash")
	if err != nil {
		t.Fatalf("room info: %v", err)
	}
	if info.ClientID != "12" || info.UserID != "99" || info.OmbID != "7" || info.RoutingCode != "DETAL001" {
		t.Fatalf("unexpected room info %#v", info)
	}
	if info.Finished() {
		t.Fatalf("room should not be finished")
	}
}

func TestRequestUploadLinkValidatesParameters(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{})
	_, err := client.RequestUploadLink(context.Background(), "P-1", "", "image/png")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("request should not reach the server")
	}
}

func TestRequestUploadLinkResponseShapes(t *testing.T) {
	cases := map[string]string{
		"object": `{"url":"https://bucket.example/put?X-Amz-Expires=60"}`,
		"string": `"https://bucket.example/put?X-Amz-Expires=60"`,
		"bare":   `https://bucket.example/put?X-Amz-Expires=60`,
	}
	for name, body := range cases {
		body := body
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/SolicLinkArquivo" {
					t.Fatalf("unexpected path %s", r.URL.Path)
				}
				if r.Header.Get("x-Protocolo") != "P-1" || r.Header.Get("x-Arquivo") != "P-1_a.png" || r.Header.Get("x-Type") != "image/png" {
					t.Fatalf("unexpected headers %v", r.Header)
				}
				w.Write([]byte(body))
			}))
			defer server.Close()

			client := newTestClient(t, server, Config{})
			u, err := client.RequestUploadLink(context.Background(), "P-1", "P-1_a.png", "image/png")
			if err != nil {
				t.Fatalf("upload link: %v", err)
			}
			if u != "https://bucket.example/put?X-Amz-Expires=60" {
				t.Fatalf("unexpected url %q", u)
			}
		})
	}
}

func TestRequestDownloadLinkMissingURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"url":""}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{})
	_, err := client.RequestDownloadLink(context.Background(), "P-1", "file.pdf")
	var backendErr *BackendError
	if !errors.As(err, &backendErr) || backendErr.Endpoint != "RetornaUrlArquivo" {
		t.Fatalf("expected BackendError, got %v", err)
	}
}

func TestPostSessionRatingHeadersAndQuery(t *testing.T) {
	tests := []struct {
		name       string
		rating     SessionRating
		wantHeader [2]string
		wantQuery  [2]string
	}{
		{
			name:       "stars by omb id",
			rating:     SessionRating{OmbID: "7", Protocol: "P-1", Stars: "5"},
			wantHeader: [2]string{"x-OmbID", "7"},
			wantQuery:  [2]string{"x-Avaliacao", "5"},
		},
		{
			name:       "demand by protocol",
			rating:     SessionRating{Protocol: "P-1", Demand: "N"},
			wantHeader: [2]string{"x-protocolo", "P-1"},
			wantQuery:  [2]string{"x-DemandaAtd", "N"},
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/PostAvaliacaoAtdFinalizado" || r.Method != http.MethodPost {
					t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				if got := r.Header.Get(tc.wantHeader[0]); got != tc.wantHeader[1] {
					t.Fatalf("header %s = %q", tc.wantHeader[0], got)
				}
				if got := r.URL.Query().Get(tc.wantQuery[0]); got != tc.wantQuery[1] {
					t.Fatalf("query %s = %q", tc.wantQuery[0], got)
				}
				w.Write([]byte(`{"erros":false}`))
			}))
			defer server.Close()

			client := newTestClient(t, server, Config{})
			res, err := client.PostSessionRating(context.Background(), tc.rating)
			if err != nil {
				t.Fatalf("post rating: %v", err)
			}
			if res.Errors {
				t.Fatalf("unexpected errors flag")
			}
		})
	}
}

func TestPostSessionRatingReportsBackendErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"erros":true,"mensagem":"atendimento inexistente"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{})
	res, err := client.PostSessionRating(context.Background(), SessionRating{Protocol: "P-1", Stars: "4"})
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if res == nil || !res.Errors {
		t.Fatalf("expected result with errors flag, got %#v", res)
	}
}

func TestPostSessionRatingValidation(t *testing.T) {
	client, err := New(Config{BaseURL: "http://unused.invalid", Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	bad := []SessionRating{
		{Stars: "5"},
		{Protocol: "P", Stars: "6"},
		{Protocol: "P", Stars: "3", Demand: "S"},
		{Protocol: "P", Demand: "maybe"},
	}
	for _, r := range bad {
		if _, err := client.PostSessionRating(context.Background(), r); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error for %#v, got %v", r, err)
		}
	}
}

func TestPostMessageRating(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/make/tip" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Fatalf("missing content type")
		}
		if r.Header.Get("x-Key") != "secret" || r.Header.Get("x-Tip") != "D" {
			t.Fatalf("unexpected rating headers %v", r.Header)
		}
		if r.Header.Get("x-Prot") != "P-1" || r.Header.Get("x-Id") != "m1" {
			t.Fatalf("unexpected identity headers %v", r.Header)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "{}" {
			t.Fatalf("unexpected body %s", body)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{RatingKey: "secret"})
	if err := client.PostMessageRating(context.Background(), "P-1", "m1", TipDislike); err != nil {
		t.Fatalf("post message rating: %v", err)
	}
	if err := client.PostMessageRating(context.Background(), "P-1", "m1", RatingTip("X")); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRetriesOnServerError(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"protocolo":"P-9"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{MaxRetries: 2})
	protocol, err := client.CreateSession(context.Background(), "C7")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if protocol != "P-9" || atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("protocol=%q attempts=%d", protocol, attempts)
	}
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{MaxRetries: 3})
	_, err := client.GetRoomInfo(context.Background(), "tok", "hash")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}
