package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/splax/bluegreen/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cli, err := New(srv.URL + "/api/v1/")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return cli
}

func writeEnvelope(w http.ResponseWriter, status, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "message": message, "data": data})
}

func TestConnectGitHub(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/api/v1/connect/github" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if body["owner"] != "acme" || body["repo"] != "shop" || body["branch"] != "main" || body["token"] != "ghp" {
			t.Fatalf("unexpected payload %v", body)
		}
		writeEnvelope(w, http.StatusOK, 0, "ok", map[string]string{"githubConnectionId": "gh-1"})
	})

	id, err := cli.ConnectGitHub(context.Background(), GitHubConnectRequest{Owner: "acme", Repo: "shop", Branch: "main", Token: "ghp"})
	if err != nil {
		t.Fatalf("connect github: %v", err)
	}
	if id != "gh-1" {
		t.Fatalf("expected gh-1, got %s", id)
	}
}

func TestConnectAWSReportsEnvelopeMessage(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusUnauthorized, 4010, "invalid AWS credentials", nil)
	})

	_, err := cli.ConnectAWS(context.Background(), AWSConnectRequest{Region: "ap-northeast-2"})
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Code != 4010 || apiErr.Message != "invalid AWS credentials" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestErrorFallsBackToStatusText(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := cli.StartDeployment(context.Background(), DeployRequest{Owner: "acme"})
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.Message != http.StatusText(http.StatusBadGateway) {
		t.Fatalf("expected status text, got %q", apiErr.Message)
	}
}

func TestNonZeroCodeIsAnError(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, 1001, "repository not found", nil)
	})

	_, err := cli.ConnectGitHub(context.Background(), GitHubConnectRequest{})
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 1001 {
		t.Fatalf("expected api error with code 1001, got %v", err)
	}
}

func TestStartDeploymentRequiresDeploymentID(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, 0, "started", map[string]string{"message": "queued"})
	})

	if _, err := cli.StartDeployment(context.Background(), DeployRequest{}); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected invalid response, got %v", err)
	}
}

func TestStartDeployment(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/deploy" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var body DeployRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if body.GitHubConnectionID != "gh-1" || body.AWSConnectionID != "aws-1" {
			t.Fatalf("unexpected payload %+v", body)
		}
		writeEnvelope(w, http.StatusOK, 0, "ok", map[string]string{"deploymentId": "dep-1", "message": "queued"})
	})

	started, err := cli.StartDeployment(context.Background(), DeployRequest{GitHubConnectionID: "gh-1", AWSConnectionID: "aws-1", Owner: "acme", Repo: "shop", Branch: "main"})
	if err != nil {
		t.Fatalf("start deployment: %v", err)
	}
	if started.DeploymentID != "dep-1" || started.Message != "queued" {
		t.Fatalf("unexpected response %+v", started)
	}
}

func TestDeploymentResult(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/deploy/dep-1/result" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		writeEnvelope(w, http.StatusOK, 0, "ok", map[string]any{
			"deploymentId":      "dep-1",
			"status":            "completed",
			"durationSeconds":   312,
			"finalService":      "green",
			"blueLatencyMs":     120.5,
			"greenLatencyMs":    88,
			"errorMessage":      nil,
			"successful":        true,
			"formattedDuration": "5m 12s",
		})
	})

	result, err := cli.DeploymentResult(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("deployment result: %v", err)
	}
	if result.Status != "completed" || !result.Successful || result.FormattedDuration != "5m 12s" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.FinalService == nil || *result.FinalService != "green" {
		t.Fatalf("expected final service green, got %v", result.FinalService)
	}
	if result.ErrorMessage != nil {
		t.Fatalf("expected nil error message, got %v", *result.ErrorMessage)
	}
	if result.GreenLatencyMs == nil || *result.GreenLatencyMs != 88 {
		t.Fatalf("unexpected green latency %v", result.GreenLatencyMs)
	}
}

func TestDeploymentResultValidatesID(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request to %s", r.URL.Path)
	})
	if _, err := cli.DeploymentResult(context.Background(), "../x"); !errors.Is(err, domain.ErrInvalidDeploymentID) {
		t.Fatalf("expected invalid id, got %v", err)
	}
}

func TestConnectionsNormalisesMissingLists(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, 0, "ok", map[string]any{
			"github": []map[string]string{{"connectionId": "gh-1", "owner": "acme", "repo": "shop", "branch": "main"}},
		})
	})

	conns, err := cli.Connections(context.Background())
	if err != nil {
		t.Fatalf("connections: %v", err)
	}
	if len(conns.GitHub) != 1 || conns.GitHub[0].ConnectionID != "gh-1" {
		t.Fatalf("unexpected github connections %+v", conns.GitHub)
	}
	if conns.AWS == nil || len(conns.AWS) != 0 {
		t.Fatalf("expected empty aws list, got %#v", conns.AWS)
	}
}

func TestCurrentDeployment(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/deploy/current" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		writeEnvelope(w, http.StatusOK, 0, "ok", map[string]any{"deploymentId": "dep-7", "isActive": true})
	})

	current, err := cli.CurrentDeployment(context.Background())
	if err != nil {
		t.Fatalf("current deployment: %v", err)
	}
	if current == nil || current.DeploymentID != "dep-7" || !current.IsActive {
		t.Fatalf("unexpected current deployment %+v", current)
	}
}

func TestCurrentDeploymentDegradesToNil(t *testing.T) {
	handlers := map[string]http.HandlerFunc{
		"not found": func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) },
		"server error": func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusInternalServerError, 5000, "boom", nil)
		},
		"bad json":   func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("{oops")) },
		"error code": func(w http.ResponseWriter, r *http.Request) { writeEnvelope(w, http.StatusOK, 1, "none", nil) },
		"no data":    func(w http.ResponseWriter, r *http.Request) { writeEnvelope(w, http.StatusOK, 0, "idle", nil) },
	}
	for name, handler := range handlers {
		t.Run(name, func(t *testing.T) {
			cli := newTestClient(t, handler)
			current, err := cli.CurrentDeployment(context.Background())
			if err != nil || current != nil {
				t.Fatalf("expected nil, nil; got %+v, %v", current, err)
			}
		})
	}
}

func TestSwitchTraffic(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/deploy/dep-1/switch" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		writeEnvelope(w, http.StatusOK, 0, "ok", map[string]string{"deploymentId": "dep-1", "activeService": "green"})
	})

	result, err := cli.SwitchTraffic(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("switch traffic: %v", err)
	}
	if result.ActiveService != "green" {
		t.Fatalf("expected green, got %+v", result)
	}
}

func TestNewDefaultsBaseURL(t *testing.T) {
	cli, err := New("  ")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if cli.BaseURL() != DefaultBaseURL {
		t.Fatalf("expected default base url, got %s", cli.BaseURL())
	}
	cli, err = New("api.example.com/v1/")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if cli.BaseURL() != "http://api.example.com/v1" {
		t.Fatalf("unexpected base url %s", cli.BaseURL())
	}
	events, err := cli.EventsURL("dep-3")
	if err != nil {
		t.Fatalf("events url: %v", err)
	}
	if events != "http://api.example.com/v1/deploy/dep-3/events" {
		t.Fatalf("unexpected events url %s", events)
	}
}

func TestWithTimeoutLeavesInjectedClientUntouched(t *testing.T) {
	injected := &http.Client{}
	cli, err := New("http://localhost:3000/api/v1", WithHTTPClient(injected), WithTimeout(3*time.Second))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if injected.Timeout != 0 {
		t.Fatalf("expected injected client to keep no timeout, got %v", injected.Timeout)
	}
	if cli.httpClient.Timeout != 3*time.Second {
		t.Fatalf("expected 3s timeout, got %v", cli.httpClient.Timeout)
	}
	if cli.httpClient == injected {
		t.Fatal("expected a copy of the injected client")
	}
}
