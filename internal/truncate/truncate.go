package truncate

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

// placeholderReserve is the room kept free for the omission marker. Small
// budgets give it at most a quarter of their characters.
const placeholderReserve = 160

func markerReserve(maxChars int) int {
	return min(placeholderReserve, maxChars/4)
}

// Result is the outcome of truncating one tool result.
type Result struct {
	Content         string `json:"content"`
	WasTruncated    bool   `json:"was_truncated"`
	OriginalSize    int    `json:"original_size"`
	TruncatedSize   int    `json:"truncated_size"`
	OriginalTokens  int    `json:"original_tokens"`
	TruncatedTokens int    `json:"truncated_tokens"`
	Summary         string `json:"summary,omitempty"`
}

// Truncator applies per-category budgets. It is safe for concurrent use and
// its budgets can be swapped at runtime.
type Truncator struct {
	mu      sync.RWMutex
	budgets Budgets
}

// New creates a truncator with the given budgets.
func New(b Budgets) *Truncator {
	return &Truncator{budgets: b.Normalize()}
}

// SetBudgets replaces the active budgets.
func (t *Truncator) SetBudgets(b Budgets) {
	t.mu.Lock()
	t.budgets = b.Normalize()
	t.mu.Unlock()
}

// Budgets returns a copy of the active budgets.
func (t *Truncator) Budgets() Budgets {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.budgets.Normalize()
}

// EstimateTokens returns ceil(chars / charsPerToken).
func EstimateTokens(s string, charsPerToken int) int {
	if charsPerToken <= 0 {
		charsPerToken = defaultCharsPerToken
	}
	n := utf8.RuneCountInString(s)
	return (n + charsPerToken - 1) / charsPerToken
}

// Truncate bounds result for toolName. Strings are measured as-is; any other
// value is measured in its JSON form.
func (t *Truncator) Truncate(toolName string, result any) Result {
	t.mu.RLock()
	b := t.budgets
	t.mu.RUnlock()

	content, structured := serialize(result)
	originalSize := utf8.RuneCountInString(content)
	res := Result{
		Content:         content,
		OriginalSize:    originalSize,
		TruncatedSize:   originalSize,
		OriginalTokens:  EstimateTokens(content, b.CharsPerToken),
		TruncatedTokens: EstimateTokens(content, b.CharsPerToken),
	}

	if b.IsExempt(toolName) {
		return res
	}
	budget := b.TokensFor(toolName)
	if res.OriginalTokens <= budget {
		return res
	}
	maxChars := budget * b.CharsPerToken

	var out, summary string
	switch b.CategoryFor(toolName) {
	case CategorySearch:
		out, summary = truncateLines(content, maxChars)
	case CategoryRead:
		out, summary = truncateHeadTail(content, maxChars)
	case CategoryDiagnostics:
		obj := structured
		if obj == nil {
			obj = parseObject(content)
		}
		if findings, ok := obj["findings"].([]any); ok {
			out, summary = truncateFindings(obj, findings, maxChars, b.MaxFindings)
		} else {
			out, summary = truncateHeadTail(content, maxChars)
		}
	default:
		out, summary = truncateGeneric(content, maxChars)
	}

	// A strategy that could not shrink the payload falls back to a plain cut.
	if utf8.RuneCountInString(out) >= originalSize {
		out, summary = truncateGeneric(content, maxChars)
	}

	res.Content = out
	res.WasTruncated = true
	res.TruncatedSize = utf8.RuneCountInString(out)
	res.TruncatedTokens = EstimateTokens(out, b.CharsPerToken)
	res.Summary = fmt.Sprintf("%s output truncated from %d to %d chars (%s)", toolName, originalSize, res.TruncatedSize, summary)
	return res
}

func serialize(result any) (string, map[string]any) {
	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v), nil
		}
		return string(data), v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v), nil
		}
		return string(data), nil
	}
}

func parseObject(content string) map[string]any {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil
	}
	return obj
}

// truncateLines keeps a head and tail window of whole lines.
func truncateLines(content string, maxChars int) (string, string) {
	lines := strings.Split(content, "\n")
	allowed := maxChars - markerReserve(maxChars)
	headBudget := allowed / 2
	tailBudget := allowed - headBudget

	head, used := 0, 0
	for head < len(lines) {
		n := utf8.RuneCountInString(lines[head]) + 1
		if used+n > headBudget {
			break
		}
		used += n
		head++
	}

	tail, used := 0, 0
	for tail < len(lines)-head {
		n := utf8.RuneCountInString(lines[len(lines)-1-tail]) + 1
		if used+n > tailBudget {
			break
		}
		used += n
		tail++
	}

	if head == 0 && tail == 0 {
		return truncateHeadTail(content, maxChars)
	}

	omitted := len(lines) - head - tail
	var b strings.Builder
	b.WriteString(strings.Join(lines[:head], "\n"))
	fmt.Fprintf(&b, "\n... [%d lines omitted] ...\n", omitted)
	b.WriteString(strings.Join(lines[len(lines)-tail:], "\n"))
	return b.String(), fmt.Sprintf("%d of %d lines omitted", omitted, len(lines))
}

// truncateHeadTail keeps roughly equal head and tail character windows.
func truncateHeadTail(content string, maxChars int) (string, string) {
	runes := []rune(content)
	allowed := maxChars - markerReserve(maxChars)
	half := allowed / 2
	if half <= 0 || len(runes) <= 2*half {
		return truncateGeneric(content, maxChars)
	}

	lineCount := strings.Count(content, "\n") + 1
	marker := fmt.Sprintf("\n\n[... truncated: original %d lines, %d chars; showing first %d and last %d chars ...]\n\n",
		lineCount, len(runes), half, half)
	if 2*half+utf8.RuneCountInString(marker) > maxChars {
		return truncateGeneric(content, maxChars)
	}
	return string(runes[:half]) + marker + string(runes[len(runes)-half:]),
		fmt.Sprintf("middle %d chars omitted", len(runes)-2*half)
}

// truncateFindings caps a diagnostics findings array and records the cut in
// explicit metadata fields instead of corrupting the array.
func truncateFindings(obj map[string]any, findings []any, maxChars, maxFindings int) (string, string) {
	total := len(findings)
	shown := min(total, maxFindings)

	capped := make(map[string]any, len(obj)+3)
	for k, v := range obj {
		capped[k] = v
	}
	if _, ok := capped["total_findings"]; !ok {
		capped["total_findings"] = total
	}

	for {
		capped["findings"] = findings[:shown]
		capped["shown_findings"] = shown
		capped["truncated"] = shown < total
		data, err := json.Marshal(capped)
		if err != nil {
			break
		}
		if utf8.RuneCount(data) <= maxChars {
			return string(data), fmt.Sprintf("%d of %d findings shown", shown, total)
		}
		if shown == 0 {
			break
		}
		shown /= 2
	}

	// Nothing else fits: keep only the counts so the output stays an object.
	data, _ := json.Marshal(map[string]any{
		"total_findings": capped["total_findings"],
		"shown_findings": 0,
		"truncated":      true,
	})
	return string(data), fmt.Sprintf("0 of %d findings shown, other fields dropped", total)
}

// truncateGeneric cuts the serialized form and appends a marker.
func truncateGeneric(content string, maxChars int) (string, string) {
	runes := []rune(content)
	marker := fmt.Sprintf("\n[output truncated: showing %d of %d chars]", 0, len(runes))
	keep := maxChars - len(marker) - 8
	if keep < 0 {
		keep = 0
	}
	if keep > len(runes) {
		keep = len(runes)
	}
	marker = fmt.Sprintf("\n[output truncated: showing %d of %d chars]", keep, len(runes))
	return string(runes[:keep]) + marker, fmt.Sprintf("%d chars cut", len(runes)-keep)
}
