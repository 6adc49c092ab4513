package main

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rhuss/sandout/pkg/api"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		jsonOutput = false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRunLocal(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	out, err := execute(t, "run", "--", "echo", "hello")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "hello\n" {
		t.Errorf("output = %q, want %q", out, "hello\n")
	}
}

func TestRunLocal_ExitCode(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	out, err := execute(t, "run", "--", "sh", "-c", "printf partial; exit 7")
	var exit *exitError
	if !errors.As(err, &exit) || exit.code != 7 {
		t.Fatalf("err = %v, want exit status 7", err)
	}
	if out != "partial\n" {
		t.Errorf("output = %q, want %q", out, "partial\n")
	}
}

func TestGetRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/executions/exec_abc" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"exec_abc","object":"execution","status":"completed","output":"stored\n"}`))
	}))
	defer srv.Close()

	out, err := execute(t, "--server", srv.URL, "get", "exec_abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out != "stored\n" {
		t.Errorf("output = %q, want %q", out, "stored\n")
	}

	out, err = execute(t, "--server", srv.URL, "--json", "get", "exec_abc")
	if err != nil {
		t.Fatalf("get --json: %v", err)
	}
	if !strings.Contains(out, `"status": "completed"`) {
		t.Errorf("json output = %s", out)
	}
}

func TestExitStatus(t *testing.T) {
	zero, three := 0, 3
	tests := []struct {
		name string
		exec *api.Execution
		want int
	}{
		{"success", &api.Execution{ExitCode: &zero}, 0},
		{"program exit code", &api.Execution{ExitCode: &three}, 3},
		{"failed capture", &api.Execution{Failed: true}, 1},
		{"no exit code", &api.Execution{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := exitStatus(tt.exec)
			got := 0
			var exit *exitError
			if errors.As(err, &exit) {
				got = exit.code
			}
			if got != tt.want {
				t.Errorf("exit = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRequestFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.txt")
	if err := os.WriteFile(path, []byte("from file"), 0o600); err != nil {
		t.Fatal(err)
	}

	f := requestFlags{stdin: "ignored", stdinFile: path, timeout: 1500e6, env: map[string]string{"A": "1"}}
	req, err := f.request([]string{"cat"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Stdin != "from file" {
		t.Errorf("Stdin = %q, want file contents", req.Stdin)
	}
	if req.TimeoutSeconds != 2 {
		t.Errorf("TimeoutSeconds = %d, want 2", req.TimeoutSeconds)
	}
	if req.Env["A"] != "1" {
		t.Errorf("Env = %v", req.Env)
	}

	f.stdinFile = filepath.Join(t.TempDir(), "missing")
	if _, err := f.request([]string{"cat"}); err == nil {
		t.Error("expected error for missing stdin file")
	}
}
