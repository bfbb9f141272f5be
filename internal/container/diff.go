package container

import (
	"strconv"
	"strings"
	"unicode/utf8"

	gitignore "github.com/sabhiram/go-gitignore"
)

// ChangeKind classifies one DiffEntry (spec §4.5 get_diff).
type ChangeKind string

const (
	ChangeAdded          ChangeKind = "added"
	ChangeModified       ChangeKind = "modified"
	ChangeDeleted        ChangeKind = "deleted"
	ChangeRenamed        ChangeKind = "renamed"
	ChangePermissionOnly ChangeKind = "permission_change"
)

// DiffEntry is one structured diff record between an attempt's branch and
// its base branch.
type DiffEntry struct {
	Path        string
	OldPath     string // non-empty only for Renamed
	Kind        ChangeKind
	Binary      bool
	Content     string // omitted (empty) for binary files
	Additions   int
	Deletions   int
}

// parseNameStatus turns `git diff --name-status -M` output into DiffEntry
// values with Kind/Path/OldPath populated (Binary/Content/Additions/
// Deletions are filled in separately from numstat + content lookups).
func parseNameStatus(output string) []DiffEntry {
	var entries []DiffEntry
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		code := fields[0]

		switch {
		case code == "A":
			entries = append(entries, DiffEntry{Path: fields[1], Kind: ChangeAdded})
		case code == "D":
			entries = append(entries, DiffEntry{Path: fields[1], Kind: ChangeDeleted})
		case code == "M":
			entries = append(entries, DiffEntry{Path: fields[1], Kind: ChangeModified})
		case strings.HasPrefix(code, "R"):
			if len(fields) >= 3 {
				entries = append(entries, DiffEntry{Path: fields[2], OldPath: fields[1], Kind: ChangeRenamed})
			}
		default:
			// Copy (C###) and other statuses are treated as modifications
			// to the destination path — the pipeline has no distinct
			// "copied" entry kind.
			if len(fields) >= 2 {
				entries = append(entries, DiffEntry{Path: fields[len(fields)-1], Kind: ChangeModified})
			}
		}
	}
	return entries
}

// applyNumstat overlays line-count and binary-detection info (git reports
// "-\t-\tpath" for binary files under --numstat) onto matching entries.
func applyNumstat(entries []DiffEntry, numstat string) {
	byPath := make(map[string]int, len(entries))
	for i, e := range entries {
		byPath[e.Path] = i
	}
	for _, line := range strings.Split(numstat, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 3 {
			continue
		}
		path := fields[2]
		if arrow := strings.Index(path, " => "); arrow >= 0 {
			// `git ... -M --numstat` reports renames as "old => new" or
			// "{old => new}/rest"; the name-status pass already resolved
			// the destination path, so rebuild that path from the side after
			// the arrow (plus any prefix/suffix around the braces).
			open := strings.LastIndex(path[:arrow], "{")
			end := strings.Index(path[arrow:], "}")
			if open >= 0 && end >= 0 {
				path = path[:open] + path[arrow+4:arrow+end] + path[arrow+end+1:]
				path = strings.ReplaceAll(path, "//", "/")
			} else {
				path = strings.TrimSpace(path[arrow+4:])
			}
		}
		idx, ok := byPath[path]
		if !ok {
			continue
		}
		if fields[0] == "-" && fields[1] == "-" {
			entries[idx].Binary = true
			continue
		}
		entries[idx].Additions, _ = strconv.Atoi(fields[0])
		entries[idx].Deletions, _ = strconv.Atoi(fields[1])
	}
}

// filterIgnored drops entries whose path matches the project's
// .gitignore, using the same matcher a normal `git status` would apply —
// relevant because the temporary-index diff stages untracked files
// directly and so bypasses the index-level ignore check git normally
// performs (spec DOMAIN STACK: go-gitignore wired into get_diff).
func filterIgnored(entries []DiffEntry, matcher *gitignore.GitIgnore) []DiffEntry {
	if matcher == nil {
		return entries
	}
	out := entries[:0]
	for _, e := range entries {
		if matcher.MatchesPath(e.Path) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// isBinaryContent is a best-effort fallback binary check for callers that
// did not go through applyNumstat (e.g. single-file content lookups):
// invalid UTF-8 or an embedded NUL byte is treated as binary.
func isBinaryContent(content string) bool {
	if strings.ContainsRune(content, 0) {
		return true
	}
	return !utf8.ValidString(content)
}
