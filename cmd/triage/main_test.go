package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/crimson-sun/triage/internal/config"
	"github.com/crimson-sun/triage/internal/model"
	"github.com/crimson-sun/triage/internal/output"
	"github.com/crimson-sun/triage/internal/output/file"
	"github.com/crimson-sun/triage/internal/output/multi"
	"github.com/crimson-sun/triage/internal/output/stdout"
)

func TestSelectProfiles(t *testing.T) {
	cfg := config.Default()
	tests := []struct {
		name    string
		want    []string
		wantErr bool
	}{
		{"", []string{"category", "subcategory"}, false},
		{"all", []string{"category", "subcategory"}, false},
		{"category", []string{"category"}, false},
		{"subcategory", []string{"subcategory"}, false},
		{"tags", nil, true},
	}
	for _, tt := range tests {
		got, err := selectProfiles(cfg, tt.name)
		if (err != nil) != tt.wantErr {
			t.Fatalf("selectProfiles(%q) err = %v", tt.name, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("selectProfiles(%q) = %d profiles, want %d", tt.name, len(got), len(tt.want))
		}
		for i, p := range got {
			if p.Name != tt.want[i] {
				t.Errorf("selectProfiles(%q)[%d] = %s, want %s", tt.name, i, p.Name, tt.want[i])
			}
		}
	}
}

func TestNewOutput(t *testing.T) {
	out, err := newOutput(config.OutputConfig{Format: "none"})
	if err != nil || out != nil {
		t.Fatalf("none: out=%v err=%v", out, err)
	}

	out, err = newOutput(config.OutputConfig{Format: "stdout", Verbosity: "minimal"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out.(*stdout.Output); !ok {
		t.Errorf("stdout: got %T", out)
	}

	out, err = newOutput(config.OutputConfig{Format: "text"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out.(*stdout.Output); !ok {
		t.Errorf("text: got %T", out)
	}

	path := filepath.Join(t.TempDir(), "events.ndjson")
	out, err = newOutput(config.OutputConfig{Format: "file", Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out.(*file.Output); !ok {
		t.Errorf("file: got %T", out)
	}
	out.Close()

	out, err = newOutput(config.OutputConfig{Format: "stdout", WebhookURL: "http://127.0.0.1:1/hook"})
	if err != nil {
		t.Fatal(err)
	}
	if m, ok := out.(*multi.Multi); !ok {
		t.Errorf("stdout+webhook: got %T", out)
	} else if names := strings.Join(m.Names(), ","); names != "stdout,webhook" {
		t.Errorf("stdout+webhook sinks = %q", names)
	}
	out.Close()

	if _, err := newOutput(config.OutputConfig{Format: "stdout", Verbosity: "loud"}); err == nil {
		t.Error("expected verbosity error")
	}
	if _, err := newOutput(config.OutputConfig{Format: "kafka"}); err == nil {
		t.Error("expected format error")
	}
}

func TestNewOutputReviewQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "review.csv")
	out, err := newOutput(config.OutputConfig{Format: "file", Path: path, ReviewOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	out.Write(ctx, output.NewEvent(0, "A1", "category", "DS_ASSUNTO", model.Outcome{
		Label: "Cobrança", Confidence: 0.9, Method: model.MethodAuto,
	}))
	out.Write(ctx, output.NewEvent(1, "A2", "category", "DS_ASSUNTO", model.Outcome{
		Confidence: 0.2, Method: model.MethodManualReview,
	}))
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[1], "1;A2;") {
		t.Errorf("review queue = %q, want header + A2", lines)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"failure", errors.New("boom"), 1},
		{"interrupted", context.Canceled, 130},
		{"wrapped interrupt", fmt.Errorf("classify: batch 3: %w", context.Canceled), 130},
		{"deadline", context.DeadlineExceeded, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
