package instructions

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/voicefront/callbridge/pkg/bridge/call"
)

func TestStaticFallsBackToDefault(t *testing.T) {
	text, err := Static{}.Instructions(context.Background(), call.CallParameters{})
	if err != nil {
		t.Fatalf("Instructions: %v", err)
	}
	if text == "" {
		t.Fatalf("empty default prompt")
	}
}

func TestStaticRendersParameters(t *testing.T) {
	src := Static{Text: "Call {{name}} in {{location}} about {{product}}."}
	text, err := src.Instructions(context.Background(), call.CallParameters{
		Name:     "Dana",
		Location: "Lisbon",
		Product:  "the annual plan",
	})
	if err != nil {
		t.Fatalf("Instructions: %v", err)
	}
	want := "Call Dana in Lisbon about the annual plan."
	if text != want {
		t.Fatalf("text=%q, want %q", text, want)
	}
}

func TestStaticUnknownCallLeavesBlanks(t *testing.T) {
	src := Static{Text: "Hello {{name}}."}
	text, err := src.Instructions(context.Background(), call.CallParameters{})
	if err != nil {
		t.Fatalf("Instructions: %v", err)
	}
	if text != "Hello ." {
		t.Fatalf("text=%q", text)
	}
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.txt")
	if err := os.WriteFile(path, []byte("You are a booking agent.\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	src, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	text, err := src.Instructions(context.Background(), call.CallParameters{})
	if err != nil {
		t.Fatalf("Instructions: %v", err)
	}
	if text != "You are a booking agent." {
		t.Fatalf("text=%q", text)
	}
}

func TestFromFileEmptyPathUsesDefault(t *testing.T) {
	src, err := FromFile("")
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	text, _ := src.Instructions(context.Background(), call.CallParameters{})
	if text == "" {
		t.Fatalf("empty prompt")
	}
}

func TestFromFileMissingFileFails(t *testing.T) {
	if _, err := FromFile(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestFromFileEmptyFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.txt")
	if err := os.WriteFile(path, []byte("  \n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := FromFile(path); err == nil {
		t.Fatalf("expected error for empty file")
	}
}
