package mcp

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/toolgate/toolgate/pkg/jsonrpc"
)

func TestPendingCallsDispatch(t *testing.T) {
	p := newPendingCalls()
	ch := p.add(7)

	idBytes := json.RawMessage(`7`)
	resp := jsonrpc.Response{JSONRPC: "2.0", ID: &idBytes, Result: json.RawMessage(`{"ok":true}`)}
	p.dispatch(&resp)

	select {
	case got := <-ch:
		if got.Result == nil {
			t.Error("expected result on dispatched response")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestPendingCallsDropsUnknownID(t *testing.T) {
	p := newPendingCalls()
	ch := p.add(1)

	idBytes := json.RawMessage(`99`)
	p.dispatch(&jsonrpc.Response{JSONRPC: "2.0", ID: &idBytes})

	select {
	case <-ch:
		t.Error("response with unknown id should not be delivered")
	default:
	}
}

func TestPendingCallsFailAll(t *testing.T) {
	p := newPendingCalls()
	ch1 := p.add(1)
	ch2 := p.add(2)

	p.failAll("transport died")

	for i, ch := range []chan *jsonrpc.Response{ch1, ch2} {
		select {
		case resp := <-ch:
			if resp.Error == nil {
				t.Errorf("waiter %d: expected error response", i+1)
			}
		case <-time.After(time.Second):
			t.Fatalf("waiter %d: not unblocked", i+1)
		}
	}
}

func TestDecodeResultRPCError(t *testing.T) {
	resp := &jsonrpc.Response{
		JSONRPC: "2.0",
		Error:   &jsonrpc.Error{Code: jsonrpc.MethodNotFound, Message: "no such method"},
	}
	err := decodeResult(resp, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *jsonrpc.Error, got %T", err)
	}
	if rpcErr.Code != jsonrpc.MethodNotFound {
		t.Errorf("code = %d, want %d", rpcErr.Code, jsonrpc.MethodNotFound)
	}
}

func TestStderrBufferCap(t *testing.T) {
	b := newStderrBuffer(3)
	for _, line := range []string{"a", "b", "c", "d", "e"} {
		b.append(line)
	}

	got := b.snapshot()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0] != "c" || got[2] != "e" {
		t.Errorf("unexpected lines: %v", got)
	}

	b.clear()
	if b.snapshot() != nil {
		t.Error("expected nil after clear")
	}
}

func TestUnwrapResult(t *testing.T) {
	jsonResult := &ToolCallResult{Content: []Content{NewTextContent(`{"count":3}`)}}
	v := UnwrapResult(jsonResult)
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", v)
	}
	if m["count"] != float64(3) {
		t.Errorf("count = %v", m["count"])
	}

	plain := &ToolCallResult{Content: []Content{NewTextContent("hello")}}
	if got := UnwrapResult(plain); got != "hello" {
		t.Errorf("plain text = %v, want hello", got)
	}

	multi := &ToolCallResult{Content: []Content{NewTextContent("a"), NewTextContent("b")}}
	if got := UnwrapResult(multi); got != "a\nb" {
		t.Errorf("multi = %v", got)
	}

	if UnwrapResult(nil) != nil {
		t.Error("nil result should unwrap to nil")
	}
	if UnwrapResult(&ToolCallResult{}) != nil {
		t.Error("empty content should unwrap to nil")
	}
}
