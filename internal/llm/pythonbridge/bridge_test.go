package pythonbridge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"Mosaic-Protocol/internal/llm"
)

func TestGenerateRunsScript(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "echo.sh")
	body := "#!/bin/sh\ncat >/dev/null\nprintf '{\"text\":\"bridged\",\"tokens_in\":3,\"tokens_out\":4}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	client, err := NewClient(sh, script, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := client.Generate(context.Background(), llm.Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "bridged" || resp.TokensUsed() != 7 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/opt/mosaic", "scripts/infer.py"); got != "/opt/mosaic/scripts/infer.py" {
		t.Fatalf("unexpected path %q", got)
	}
	if got := ResolveScriptPath("/opt", "/abs/infer.py"); got != "/abs/infer.py" {
		t.Fatalf("absolute path should be kept, got %q", got)
	}
}

func TestNewClientRequiresScript(t *testing.T) {
	if _, err := NewClient("", "", ""); err == nil {
		t.Fatalf("expected error")
	}
}
