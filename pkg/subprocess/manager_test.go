package subprocess

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func TestEnvSlice(t *testing.T) {
	got := envSlice(map[string]string{"API_KEY": "secret"})
	if len(got) != 1 || got[0] != "API_KEY=secret" {
		t.Fatalf("envSlice = %v, want [API_KEY=secret]", got)
	}
	if envSlice(nil) != nil {
		t.Fatal("expected nil env slice for empty map")
	}
}

func TestParseToolResultSingleText(t *testing.T) {
	resp := &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "hello"}},
	}
	got := parseToolResult(resp)
	if got["result"] != "hello" {
		t.Fatalf("parseToolResult = %v, want result=hello", got)
	}
}

func TestParseToolResultMultipleText(t *testing.T) {
	resp := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: "a"},
			mcp.TextContent{Type: "text", Text: "b"},
		},
	}
	got := parseToolResult(resp)
	results, ok := got["results"].([]string)
	if !ok || len(results) != 2 {
		t.Fatalf("parseToolResult = %v, want results=[a b]", got)
	}
}

func TestParseToolResultError(t *testing.T) {
	resp := &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "boom"}},
	}
	got := parseToolResult(resp)
	if got["error"] != "boom" {
		t.Fatalf("parseToolResult = %v, want error=boom", got)
	}
}

// Manager's spawn/call/idle-timeout lifecycle requires a real MCP-speaking
// subprocess to exercise end to end; the teacher's own mcptoolset package
// has no stdio-transport test for the same reason. Only the pure helpers
// above are tested here; pkg/runtime's tests reach a real Manager only for
// the spawn failure of a nonexistent binary.
