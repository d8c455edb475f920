// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package render

import (
	"html"
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/aihub/internal/util"
)

// strict allows no elements at all. Policies are safe for concurrent use
// once built.
var strict = bluemonday.StrictPolicy()

var fenceRegex = regexp.MustCompile("(?s)```([A-Za-z0-9_+#.-]*)[^\\n]*\\n(.*?)```")

// tagRegex matches a complete tag at the start of its input. Attributes
// must contain an assignment, so comparisons such as "a<b and c>d" read
// as text.
var tagRegex = regexp.MustCompile(`^(?:</?[A-Za-z][A-Za-z0-9-]*(?:\s+[^<>]*=[^<>]*)?\s*/?>|<!)`)

// Block is a fenced code block.
type Block struct {
	Language string
	Code     string
}

// ExtractCode returns the fenced code blocks in markdown, in order.
func ExtractCode(markdown string) []Block {
	matches := fenceRegex.FindAllStringSubmatch(markdown, -1)
	blocks := make([]Block, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, Block{
			Language: strings.ToLower(m[1]),
			Code:     strings.TrimSuffix(m[2], "\n"),
		})
	}
	return blocks
}

// Sanitize makes a model reply safe to display. Prose loses all markup,
// is NFKC-normalized and has control characters removed. Fenced code keeps
// its markup and only loses control characters.
func Sanitize(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	last := 0
	for _, loc := range fenceRegex.FindAllStringIndex(s, -1) {
		sb.WriteString(sanitizeProse(s[last:loc[0]]))
		sb.WriteString(StripControl(s[loc[0]:loc[1]]))
		last = loc[1]
	}
	sb.WriteString(sanitizeProse(s[last:]))
	return sb.String()
}

func sanitizeProse(s string) string {
	if s == "" {
		return ""
	}
	s = escapeStrayLT(norm.NFKC.String(StripControl(s)))
	// The policy escapes text for HTML; the terminal wants it raw. Entities
	// can decode to control characters, so strip again afterwards.
	s = html.UnescapeString(strict.Sanitize(s))
	return StripControl(s)
}

// escapeStrayLT replaces every '<' that does not open a tag with "&lt;".
func escapeStrayLT(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s) + 8)
	for {
		i := strings.IndexByte(s, '<')
		if i < 0 {
			sb.WriteString(s)
			return sb.String()
		}
		sb.WriteString(s[:i])
		if tagRegex.MatchString(s[i:]) {
			sb.WriteByte('<')
		} else {
			sb.WriteString("&lt;")
		}
		s = s[i+1:]
	}
}

// StripControl removes control characters other than newline and tab.
func StripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// Preview is a single-line, width-bounded rendition of s for listings.
func Preview(s string, width int) string {
	return util.TruncateWidth(util.OneLine(StripControl(s)), width)
}
