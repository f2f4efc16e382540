package main

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("BEANSCAN_CONFIG", "")
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestReadEvents(t *testing.T) {
	stream := ": keepalive\n\n" +
		"event: frame\ndata: {\"type\":\"frame\",\"frame_number\":2}\n\n" +
		"event: completed\ndata: {\"type\":\"completed\",\"frame_number\":4}\n\n" +
		"event: frame\ndata: {\"type\":\"frame\",\"frame_number\":6}\n\n"

	var got []int
	err := readEvents(strings.NewReader(stream), func(ev models.ProgressEvent) {
		got = append(got, ev.FrameNumber)
	})
	if err != nil {
		t.Fatalf("readEvents: %v", err)
	}
	if len(got) != 2 || got[0] != 2 || got[1] != 4 {
		t.Fatalf("expected frames [2 4], got %v", got)
	}
}

func TestReadEventsTruncated(t *testing.T) {
	err := readEvents(strings.NewReader("data: {\"type\":\"frame\"}\n\n"), func(models.ProgressEvent) {})
	if !errors.Is(err, errStreamEnded) {
		t.Fatalf("expected errStreamEnded, got %v", err)
	}
}

func TestWatchCommandReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/videos/abc/stream" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: frame\ndata: {\"type\":\"frame\",\"frame_number\":2,\"total_frames\":8}\n\n")
		fmt.Fprint(w, "event: failed\ndata: {\"type\":\"failed\",\"error\":\"detector timed out\"}\n\n")
	}))
	defer srv.Close()

	out, err := runCommand(t, "watch", "abc", "--server", srv.URL)
	if err == nil || !strings.Contains(err.Error(), "detector timed out") {
		t.Fatalf("expected failure error, got %v", err)
	}
	if !strings.Contains(out, "frame 2/8") {
		t.Fatalf("expected progress output, got %q", out)
	}
}

func TestStatusCommandNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"job not found"}`)
	}))
	defer srv.Close()

	_, err := runCommand(t, "status", "missing", "--server", srv.URL)
	if err == nil || !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "job not found") {
		t.Fatalf("expected 404 error, got %v", err)
	}
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	target := filepath.Join(t.TempDir(), "beanscan.toml")

	if _, err := runCommand(t, "config", "init", "--path", target); err != nil {
		t.Fatalf("config init: %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(data), "[pipeline]") {
		t.Fatalf("sample config missing pipeline section")
	}

	if _, err := runCommand(t, "config", "init", "--path", target); err == nil {
		t.Fatal("expected error when config exists")
	}
	if _, err := runCommand(t, "config", "init", "--path", target, "--overwrite"); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
	out, err := runCommand(t, "--config", target, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out, "Configuration valid") {
		t.Fatalf("unexpected validate output %q", out)
	}
}
