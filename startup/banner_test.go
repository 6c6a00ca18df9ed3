package startup

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf, BannerOptions{
		Version:  "v1.2.3",
		LocalURL: "http://localhost:8080",
		Provider: "openai",
		Model:    "gpt-4o-mini",
		Storage:  "file",
	})

	out := buf.String()
	for _, want := range []string{"C H A T K E E P", "v1.2.3", "http://localhost:8080", "openai / gpt-4o-mini", "file"} {
		if !strings.Contains(out, want) {
			t.Errorf("banner missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Error("expected no color codes when not writing to a terminal")
	}
	if strings.Contains(out, "echo") {
		t.Error("unexpected echo warning")
	}
}

func TestPrintBanner_Echo(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf, BannerOptions{Version: "dev", LocalURL: "http://localhost:1", Provider: "echo", Storage: "sqlite", Echo: true})

	if !strings.Contains(buf.String(), "No API key configured") {
		t.Errorf("expected echo warning:\n%s", buf.String())
	}
}

func TestPrintQRCode(t *testing.T) {
	var buf bytes.Buffer
	PrintQRCode(&buf, "http://192.168.1.2:8080")

	out := buf.String()
	if !strings.Contains(out, "Scan to connect") {
		t.Errorf("QR output missing label:\n%s", out)
	}
	if lines := strings.Count(out, "\n"); lines < 10 {
		t.Errorf("QR output too short: %d lines", lines)
	}
}
