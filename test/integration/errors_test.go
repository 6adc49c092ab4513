package integration

import (
	"net/http"
	"strings"
	"testing"

	"github.com/rhuss/sandout/pkg/api"
)

func TestCreateValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		req       api.CreateExecutionRequest
		wantParam string
	}{
		{"empty command", api.CreateExecutionRequest{}, "command"},
		{"negative timeout", api.CreateExecutionRequest{Command: []string{"true"}, TimeoutSeconds: -1}, "timeout_seconds"},
		{"timeout above max", api.CreateExecutionRequest{Command: []string{"true"}, TimeoutSeconds: 3600}, "timeout_seconds"},
		{"reserved env", api.CreateExecutionRequest{Command: []string{"true"}, Env: map[string]string{api.MarkerEnvVar: "x"}}, "env"},
		{"bad env name", api.CreateExecutionRequest{Command: []string{"true"}, Env: map[string]string{"1BAD": "x"}}, "env"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := errorOf(t, postJSON(t, "/v1/executions", tt.req), http.StatusBadRequest)
			if apiErr.Type != api.ErrorTypeInvalidRequest {
				t.Errorf("type = %q, want invalid_request", apiErr.Type)
			}
			if apiErr.Param != tt.wantParam {
				t.Errorf("param = %q, want %q", apiErr.Param, tt.wantParam)
			}
		})
	}
}

func TestMalformedJSON(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, testEnv.BaseURL()+"/v1/executions", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAPIKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	errorOf(t, resp, http.StatusBadRequest)
}

func TestUnsupportedContentType(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, testEnv.BaseURL()+"/v1/executions", strings.NewReader(`{"command":["true"]}`))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+testAPIKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	errorOf(t, resp, http.StatusUnsupportedMediaType)
}

func TestUnauthenticated(t *testing.T) {
	resp := do(t, http.MethodPost, "/v1/executions", execRequest("true"), false)
	if got := resp.Header.Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
		t.Errorf("WWW-Authenticate = %q", got)
	}
	errorOf(t, resp, http.StatusUnauthorized)
}

func TestWrongAPIKey(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, testEnv.BaseURL()+"/v1/executions", nil)
	req.Header.Set("Authorization", "Bearer sk-wrong")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	errorOf(t, resp, http.StatusUnauthorized)
}

func TestUnknownExecution(t *testing.T) {
	id := "exec_" + strings.Repeat("z", 24)

	if apiErr := errorOf(t, getURL(t, "/v1/executions/"+id), http.StatusNotFound); apiErr.Type != api.ErrorTypeNotFound {
		t.Errorf("GET type = %q", apiErr.Type)
	}
	errorOf(t, deleteURL(t, "/v1/executions/"+id), http.StatusNotFound)
	errorOf(t, postJSON(t, "/v1/executions/"+id+"/cancel", nil), http.StatusNotFound)
}

func TestMalformedExecutionID(t *testing.T) {
	apiErr := errorOf(t, getURL(t, "/v1/executions/not-an-id"), http.StatusBadRequest)
	if apiErr.Param != "id" {
		t.Errorf("param = %q, want id", apiErr.Param)
	}
}
