package executor

import (
	"path"
	"regexp"
	"strings"
)

// Model-generated scripts routinely try to manage their own session
// directories, which nests output paths and strands artifacts. These
// patterns are stripped before execution; the working directory is
// pinned by the executor instead.
var sessionDirPatterns = []*regexp.Regexp{
	// session directory variable assignments
	regexp.MustCompile(`(?m)^\s*session_dir\s*<-\s*["'][^"']*["'].*\n?`),
	// setwd() calls
	regexp.MustCompile(`(?m)^\s*setwd\s*\([^)]*\).*\n?`),
	// guarded dir.create blocks for session directories
	regexp.MustCompile(`(?s)if\s*\(\s*!dir\.exists\s*\([^)]*session_dir[^)]*\)\s*\)\s*\{[^}]*dir\.create[^}]*\}`),
	// dir.create() for output/session paths
	regexp.MustCompile(`(?m)^\s*dir\.create\s*\(\s*["'][^"']*(?:output|session|execution)[^"']*["'][^)]*\).*\n?`),
}

var blankRuns = regexp.MustCompile(`\n\s*\n\s*\n`)

// stripSessionDirPatterns removes directory management boilerplate from R
// code. The rest of the script is left untouched.
func stripSessionDirPatterns(code string) string {
	cleaned := code
	for _, p := range sessionDirPatterns {
		cleaned = p.ReplaceAllString(cleaned, "")
	}
	return blankRuns.ReplaceAllString(cleaned, "\n\n")
}

// quotedPath matches single- or double-quoted strings containing a path
// separator.
var quotedPath = regexp.MustCompile(`(["'])([^"']*[/\\][^"']*)(["'])`)

// rewriteDataPaths rewrites quoted relative dataset references ("data/..."
// and "../data/...") to absolute paths under dataRoot, so scripts keep
// working no matter which directory they run in. Other paths pass through
// with separators normalized.
func rewriteDataPaths(code, dataRoot string) string {
	if dataRoot == "" {
		return code
	}
	root := rPath(dataRoot)

	return quotedPath.ReplaceAllStringFunc(code, func(match string) string {
		groups := quotedPath.FindStringSubmatch(match)
		quote, p := groups[1], groups[2]
		p = strings.ReplaceAll(p, `\`, "/")

		switch {
		case strings.HasPrefix(p, "data/"):
			return quote + path.Join(root, strings.TrimPrefix(p, "data/")) + quote
		case strings.HasPrefix(p, "../") && strings.Contains(p, "data/"):
			rest := p[strings.Index(p, "data/")+len("data/"):]
			return quote + path.Join(root, rest) + quote
		default:
			return quote + p + quote
		}
	})
}
