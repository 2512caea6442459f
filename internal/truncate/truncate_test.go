package truncate

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallBudgets() Budgets {
	b := DefaultBudgets()
	b.Categories = map[Category]int{
		CategorySearch:      100,
		CategoryRead:        100,
		CategoryDiagnostics: 100,
		CategoryGeneric:     100,
	}
	b.MaxFindings = 10
	return b
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens("", 4))
	assert.Equal(t, 1, EstimateTokens("abc", 4))
	assert.Equal(t, 1, EstimateTokens("abcd", 4))
	assert.Equal(t, 2, EstimateTokens("abcde", 4))
	assert.Equal(t, 2, EstimateTokens("abcde", 0), "falls back to default ratio")
}

func TestTruncateBelowBudgetIsUnchanged(t *testing.T) {
	tr := New(smallBudgets())
	for _, tool := range []string{"search_files", "read_file", "get_diagnostics", "run_command", "unknown"} {
		t.Run(tool, func(t *testing.T) {
			in := "line one\nline two"
			res := tr.Truncate(tool, in)
			assert.False(t, res.WasTruncated)
			assert.Equal(t, in, res.Content)
			assert.Equal(t, res.OriginalSize, res.TruncatedSize)
			assert.Empty(t, res.Summary)
		})
	}
}

func TestTruncateExemptTools(t *testing.T) {
	tr := New(smallBudgets())
	big := strings.Repeat("x", 10000)
	for _, tool := range []string{"update_task_list", "knowledge_store", "write_file", "web_search"} {
		res := tr.Truncate(tool, big)
		assert.False(t, res.WasTruncated, tool)
		assert.Equal(t, big, res.Content, tool)
	}
}

func TestTruncateSearchKeepsHeadAndTailLines(t *testing.T) {
	tr := New(smallBudgets())
	var lines []string
	for i := 0; i < 500; i++ {
		lines = append(lines, fmt.Sprintf("src/file_%03d.go:%d: match", i, i))
	}
	in := strings.Join(lines, "\n")

	res := tr.Truncate("search_files", in)
	require.True(t, res.WasTruncated)
	assert.True(t, strings.HasPrefix(res.Content, "src/file_000.go:0: match"))
	assert.True(t, strings.HasSuffix(res.Content, "src/file_499.go:499: match"))
	assert.Contains(t, res.Content, "lines omitted]")
	assert.LessOrEqual(t, res.TruncatedSize, 100*4)
	assert.Contains(t, res.Summary, "search_files")
}

func TestTruncateReadKeepsHeadAndTailChars(t *testing.T) {
	tr := New(smallBudgets())
	in := "HEAD" + strings.Repeat("a\n", 2000) + "TAIL"

	res := tr.Truncate("read_file", in)
	require.True(t, res.WasTruncated)
	assert.True(t, strings.HasPrefix(res.Content, "HEAD"))
	assert.True(t, strings.HasSuffix(res.Content, "TAIL"))
	assert.Contains(t, res.Content, "original 2001 lines, 4008 chars")
}

func TestTruncateDiagnosticsCapsFindings(t *testing.T) {
	tr := New(smallBudgets())
	var findings []any
	for i := 0; i < 200; i++ {
		findings = append(findings, map[string]any{"file": "main.go", "line": i, "message": "unused variable"})
	}
	in := map[string]any{"tool": "get_diagnostics", "findings": findings, "errors": 200}

	res := tr.Truncate("get_diagnostics", in)
	require.True(t, res.WasTruncated)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out), "findings output must stay valid JSON")
	assert.Equal(t, true, out["truncated"])
	assert.Equal(t, float64(200), out["total_findings"])
	assert.Equal(t, float64(200), out["errors"])
	assert.Equal(t, "get_diagnostics", out["tool"])
	shown := out["findings"].([]any)
	assert.Equal(t, float64(len(shown)), out["shown_findings"])
	assert.Less(t, len(shown), 200)
}

func TestTruncateDiagnosticsFromJSONString(t *testing.T) {
	tr := New(smallBudgets())
	var findings []map[string]any
	for i := 0; i < 100; i++ {
		findings = append(findings, map[string]any{"line": i, "message": strings.Repeat("m", 20)})
	}
	data, _ := json.Marshal(map[string]any{"findings": findings})

	res := tr.Truncate("get_diagnostics", string(data))
	require.True(t, res.WasTruncated)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out))
	assert.Equal(t, true, out["truncated"])
}

func TestTruncateDiagnosticsTinyBudgetStaysObject(t *testing.T) {
	b := smallBudgets()
	b.CharsPerToken = 1
	b.Categories = map[Category]int{CategoryDiagnostics: 64}
	tr := New(b)
	in := map[string]any{
		"findings": []any{"a", "b", "c"},
		"summary":  strings.Repeat("s", 2000),
	}

	res := tr.Truncate("get_diagnostics", in)
	require.True(t, res.WasTruncated)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out), "findings output must stay valid JSON")
	assert.Equal(t, float64(3), out["total_findings"])
	assert.Equal(t, float64(0), out["shown_findings"])
	assert.Equal(t, true, out["truncated"])
	assert.LessOrEqual(t, res.TruncatedSize, res.OriginalSize)
}

func TestMarkerReserveScalesWithBudget(t *testing.T) {
	assert.Equal(t, placeholderReserve, markerReserve(4000))
	assert.Equal(t, 16, markerReserve(64))
}

func TestTruncateGenericAppendsMarker(t *testing.T) {
	tr := New(smallBudgets())
	res := tr.Truncate("run_command", strings.Repeat("z", 5000))
	require.True(t, res.WasTruncated)
	assert.Contains(t, res.Content, "[output truncated: showing")
	assert.LessOrEqual(t, res.TruncatedSize, 400)
}

func TestTruncateNeverGrows(t *testing.T) {
	tr := New(smallBudgets())
	inputs := []any{
		strings.Repeat("one very long line without breaks ", 300),
		strings.Repeat("short\n", 3000),
		map[string]any{"findings": []any{strings.Repeat("f", 5000)}},
		[]string{strings.Repeat("y", 3000)},
		"",
	}
	for _, tool := range []string{"search_files", "read_file", "get_diagnostics", "run_command"} {
		for i, in := range inputs {
			res := tr.Truncate(tool, in)
			assert.LessOrEqual(t, res.TruncatedSize, res.OriginalSize, "%s input %d", tool, i)
		}
	}
}

func TestTruncateIsDeterministic(t *testing.T) {
	tr := New(smallBudgets())
	in := map[string]any{"findings": []any{1, 2, 3}, "b": strings.Repeat("q", 2000), "a": 1}
	first := tr.Truncate("get_diagnostics", in)
	second := tr.Truncate("get_diagnostics", in)
	assert.Equal(t, first, second)
}

func TestPerToolOverrideAndHotSwap(t *testing.T) {
	tr := New(smallBudgets())
	in := strings.Repeat("w", 1000)
	assert.True(t, tr.Truncate("run_command", in).WasTruncated)

	b := smallBudgets()
	b.Tools = map[string]int{"run_command": 1000}
	tr.SetBudgets(b)
	assert.False(t, tr.Truncate("run_command", in).WasTruncated)
	assert.Equal(t, 1000, tr.Budgets().TokensFor("run_command"))
}

func TestNormalizeClampsTinyBudgets(t *testing.T) {
	b := Budgets{Categories: map[Category]int{CategoryRead: 1}}.Normalize()
	assert.Equal(t, minBudgetTokens, b.Categories[CategoryRead])
	assert.Equal(t, defaultCharsPerToken, b.CharsPerToken)
	assert.True(t, b.IsExempt("write_file"))
}
