package llmpipeline

import (
	"regexp"
	"strings"
)

const (
	maxEmittedLinks      = 10
	maxEmittedCodeBlocks = 3
	maxCodeBlockChars    = 2800
)

var (
	urlRe       = regexp.MustCompile(`https?://[^\s<>()\[\]"']+`)
	codeBlockRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\n(.*?)```")
)

// ExtractLinks returns up to 10 distinct URLs found in markdown, in order
// of first appearance, so links stay copyable after the reply is rendered
// to an image.
func ExtractLinks(markdown string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range urlRe.FindAllString(markdown, -1) {
		m = strings.TrimRight(m, ".,;:!?")
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
		if len(out) >= maxEmittedLinks {
			break
		}
	}
	return out
}

// ExtractCodeBlocks returns up to 3 fenced code blocks from markdown, each
// truncated to 2800 characters by codepoints.
func ExtractCodeBlocks(markdown string) []string {
	var out []string
	for _, m := range codeBlockRe.FindAllStringSubmatch(markdown, -1) {
		code := strings.TrimRight(m[1], "\n")
		if code == "" {
			continue
		}
		code, _ = truncateCodepoints(code, maxCodeBlockChars)
		out = append(out, code)
		if len(out) >= maxEmittedCodeBlocks {
			break
		}
	}
	return out
}
