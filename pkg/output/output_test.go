package output

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrinterNonTTYHasNoANSI(t *testing.T) {
	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	p.Info("gateway ready", "servers", 2)
	if strings.Contains(buf.String(), "\x1b[") {
		t.Errorf("non-TTY output contains ANSI escapes: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "gateway ready") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestServersTable(t *testing.T) {
	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	p.Servers([]ServerSummary{
		{Name: "web", Transport: "stdio", Enabled: true, Cached: true},
		{Name: "tracker", Transport: "http", Enabled: false},
	})

	out := buf.String()
	for _, want := range []string{"Server", "web", "stdio", "cached", "tracker", "http", "no"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestServersTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	p := NewWithWriter(&buf)
	p.Servers(nil)
	if !strings.Contains(buf.String(), "no servers configured") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestConnectionsTable(t *testing.T) {
	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	p.Connections([]ConnectionSummary{
		{ID: 1, Key: "web", Status: "connected", Connected: "10:00:00", LastUsed: "10:05:00"},
		{ID: 2, Key: "web[a]", Status: "connected", Connected: "10:01:00", LastUsed: "10:02:00"},
	})

	out := buf.String()
	for _, want := range []string{"web", "web[a]", "connected", "10:05:00"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestToolsTable(t *testing.T) {
	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	p.Tools("web", []ToolSummary{{Name: "search", Description: "full text search"}})
	if !strings.Contains(buf.String(), "search") {
		t.Errorf("output = %q", buf.String())
	}

	buf.Reset()
	p.Tools("bare", nil)
	if !strings.Contains(buf.String(), "bare exposes no tools") {
		t.Errorf("output = %q", buf.String())
	}
}
