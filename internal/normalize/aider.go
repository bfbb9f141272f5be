package normalize

import (
	"regexp"
	"strings"
)

// aiderNoise matches Aider CLI chrome that carries no conversational
// content — progress bars, repo-scan banners, echoed prompts — mirrored
// from the upstream CLI's own output-filtering rules.
var aiderNoise = regexp.MustCompile(`^(\s*$|Warning: Input is not a terminal|─{5,}|\s*\d+%\||Added .* to|You can skip|System:|Aider:|Git repo:.*|Repo-map:|>|▶|\[SYSTEM\]|Scanning repo:|Tokens:|Using .+ model with API key from environment|Restored previous conversation history\.)`)

// aiderScanProgress matches the repo-scan progress bar, simplified to a
// single "Scanning repo" line rather than filtered out entirely.
var aiderScanProgress = regexp.MustCompile(`^Scanning repo:\s+\d+%\|.*\|\s*\d+/\d+\s+\[.*\]`)

// FilterAiderLines drops Aider CLI chrome from buffered plain-text lines
// and collapses repeated scan-progress lines to one, so the entries built
// from the remaining lines carry only user-relevant content.
func FilterAiderLines(lines []string) []string {
	out := lines[:0]
	sawScanProgress := false
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if aiderScanProgress.MatchString(trimmed) {
			if sawScanProgress {
				continue
			}
			sawScanProgress = true
			out = append(out, "Scanning repo")
			continue
		}
		if aiderNoise.MatchString(trimmed) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// NewAiderStreamNormalizer builds a StreamNormalizer for Aider's
// line-buffered plain-text stdout/stderr (spec §4.4 "(b)"), filtering CLI
// chrome the way the upstream CLI's own line filter does.
func NewAiderStreamNormalizer(index *EntryIndexProvider, sink Sink) StreamNormalizer {
	cfg := PlainTextConfig{
		NormalizedEntryProducer: func(content string) NormalizedEntry {
			return NormalizedEntry{EntryType: EntryAssistantMessage, Content: content}
		},
		TransformLines: FilterAiderLines,
	}
	return &plainTextBoth{proc: NewPlainTextProcessor(cfg, index, sink)}
}
