package procfile

import (
	"strings"
	"testing"
)

func TestParseSimple(t *testing.T) {
	processes, err := Parse("web: gunicorn app:app\nworker: celery worker -A app\n")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if len(processes) != 2 {
		t.Fatalf("expected 2 processes, got %d", len(processes))
	}
	if processes["web"].Command != "gunicorn app:app" {
		t.Fatalf("unexpected web command: %q", processes["web"].Command)
	}
	if processes["worker"].Command != "celery worker -A app" {
		t.Fatalf("unexpected worker command: %q", processes["worker"].Command)
	}
}

func TestParseEnvironment(t *testing.T) {
	processes, err := Parse("web: env PORT=8000 WORKERS=4 gunicorn app:app\n")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	web, ok := processes["web"]
	if !ok {
		t.Fatalf("expected web process, got %v", processes)
	}
	if web.Command != "gunicorn app:app" {
		t.Fatalf("unexpected command: %q", web.Command)
	}
	if len(web.Environment) != 2 {
		t.Fatalf("expected 2 variables, got %v", web.Environment)
	}
	if web.Environment[0] != [2]string{"PORT", "8000"} {
		t.Fatalf("unexpected first variable: %v", web.Environment[0])
	}
	if web.Environment[1] != [2]string{"WORKERS", "4"} {
		t.Fatalf("unexpected second variable: %v", web.Environment[1])
	}
}

func TestParseContinuation(t *testing.T) {
	content := "web: gunicorn \\\n--bind 0.0.0.0:8000 \\\napp:app\n"
	processes, err := Parse(content)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if got := processes["web"].Command; got != "gunicorn --bind 0.0.0.0:8000 app:app" {
		t.Fatalf("unexpected joined command: %q", got)
	}
}

func TestParseSkipsBlankLines(t *testing.T) {
	processes, err := Parse("\nweb: run\n\n\nworker: work\n")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if len(processes) != 2 {
		t.Fatalf("expected 2 processes, got %d", len(processes))
	}
}

func TestParseDuplicateProcessType(t *testing.T) {
	_, err := Parse("web: run one\nweb: run two\n")
	if err == nil {
		t.Fatal("expected error for duplicate process type")
	}
	if !strings.Contains(err.Error(), `duplicate process type "web": already appears on line 1`) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseDuplicateVariable(t *testing.T) {
	_, err := Parse("web: env A=1 A=2 run\n")
	if err == nil {
		t.Fatal("expected error for duplicate variable")
	}
	if !strings.Contains(err.Error(), `duplicate variable "A" for process type "web"`) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseCollectsAllViolations(t *testing.T) {
	_, err := Parse("web: run\nweb: again\nworker: env B=1 B=2 work\n")
	if err == nil {
		t.Fatal("expected combined error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "duplicate process type") || !strings.Contains(msg, "duplicate variable") {
		t.Fatalf("expected both violations reported, got: %v", err)
	}
	if !strings.Contains(msg, "; ") {
		t.Fatalf("expected violations joined with semicolons, got: %v", err)
	}
}

func TestParseInvalidLine(t *testing.T) {
	_, err := Parse("not a procfile line\n")
	if err == nil {
		t.Fatal("expected error for line without colon")
	}
}
