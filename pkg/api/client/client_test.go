package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendWebhookUsesWriteKey(t *testing.T) {
	var (
		gotAuth string
		gotBody string
		gotPath string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"accepted","run":"111#1"}`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL, WithWriteKey(" key "))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	res, err := cli.SendWebhook(context.Background(), "github", []byte(`{"raw":true}`))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Status != "accepted" || res.Run != "111#1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if gotAuth != "Bearer key" || gotPath != "/api/webhook/github" || gotBody != `{"raw":true}` {
		t.Fatalf("unexpected request auth=%q path=%q body=%q", gotAuth, gotPath, gotBody)
	}
}

func TestSummaryEncodesQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"total_builds":5,"success_rate":60,"failed_builds":2}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	summary, err := cli.Summary(context.Background(), SummaryQuery{Repository: "org/app", Window: "7d", Breakdown: true})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalBuilds != 5 || summary.SuccessRate != 60 || summary.FailedBuilds != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if gotQuery != "breakdown=true&repository=org%2Fapp&window=7d" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
}

func TestAPIErrorCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"build store unavailable"}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.ListBuilds(context.Background(), BuildQuery{Limit: 10})
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Message != "build store unavailable" || !apiErr.Retryable() {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestNewDefaultsScheme(t *testing.T) {
	cli, err := New("localhost:9000/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cli.baseURL != "http://localhost:9000" {
		t.Fatalf("unexpected base url %q", cli.baseURL)
	}
}
