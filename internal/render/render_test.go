// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package render

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/muesli/termenv"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Hello, world", "Hello, world"},
		{"tags stripped", "<b>bold</b> text", "bold text"},
		{"script dropped", "<script>alert(1)</script>hello", "hello"},
		{"event handler", `<img src=x onerror="alert(1)">hi`, "hi"},
		{"comparison kept", "a < b && c > d", "a < b && c > d"},
		{"tight comparison kept", "if a<b and c>d then", "if a<b and c>d then"},
		{"shift kept", "x <<= 2; y<3", "x <<= 2; y<3"},
		{"unclosed bracket kept", "use <T any", "use <T any"},
		{"attribute tag stripped", `<a href="https://x.test">link</a> and <br/>`, "link and "},
		{"ansi escape", "ok\x1b[31mred\x07", "ok[31mred"},
		{"nfkc", "ﬁle", "file"},
		{"newlines kept", "one\ntwo\tthree\r", "one\ntwo\tthree"},
		{"entity control", "bell&#7;", "bell"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitize_CodeFenceVerbatim(t *testing.T) {
	in := "Here:\n```html\n<div class=\"x\">ﬁ</div>\n```\n<i>done</i>"
	want := "Here:\n```html\n<div class=\"x\">ﬁ</div>\n```\ndone"
	if got := Sanitize(in); got != want {
		t.Errorf("Sanitize = %q, want %q", got, want)
	}

	in = "```sh\necho \x1b]0;pwned\x07\n```"
	if got := Sanitize(in); strings.ContainsAny(got, "\x1b\x07") {
		t.Errorf("control characters survived in code: %q", got)
	}
}

func TestExtractCode(t *testing.T) {
	in := "Intro\n```Go\npackage main\n```\ntext\n```\nplain\nlines\n```\n```python title=x\nprint(1)\n```"
	want := []Block{
		{Language: "go", Code: "package main"},
		{Language: "", Code: "plain\nlines"},
		{Language: "python", Code: "print(1)"},
	}
	if diff := cmp.Diff(want, ExtractCode(in)); diff != "" {
		t.Errorf("ExtractCode mismatch (-want +got):\n%s", diff)
	}

	if got := ExtractCode("no code here"); len(got) != 0 {
		t.Errorf("ExtractCode = %v, want none", got)
	}
}

func TestHighlight(t *testing.T) {
	code := "func main() {}"

	if got := Highlight(code, "go", termenv.Ascii); got != code {
		t.Errorf("Ascii profile should leave code unchanged, got %q", got)
	}

	got := Highlight(code, "go", termenv.TrueColor)
	if !strings.Contains(got, "\x1b[") {
		t.Errorf("TrueColor output has no escapes: %q", got)
	}
	if !strings.Contains(got, "func") || !strings.Contains(got, "main") {
		t.Errorf("highlighted output lost tokens: %q", got)
	}

	if got := Highlight("whatever", "no-such-language", termenv.ANSI256); !strings.Contains(got, "whatever") {
		t.Errorf("unknown language output = %q", got)
	}
}

func TestRenderer_AsciiPassThrough(t *testing.T) {
	r := NewRenderer(termenv.Ascii, 0)
	if r.Profile() != termenv.Ascii {
		t.Errorf("Profile = %v", r.Profile())
	}

	got := r.Render("# Title\n<script>x</script>body")
	if got != "# Title\nbody" {
		t.Errorf("Render = %q", got)
	}

	b := Block{Language: "go", Code: "x := 1\x1b[2J"}
	if got := r.Code(b); got != "x := 1[2J" {
		t.Errorf("Code = %q", got)
	}
}

func TestRenderer_Markdown(t *testing.T) {
	r := NewRenderer(termenv.ANSI256, 60)

	got := r.Render("# Title\n\nSome **bold** text.")
	if !strings.Contains(got, "Title") || !strings.Contains(got, "bold") {
		t.Errorf("rendered markdown lost content: %q", got)
	}
	if strings.Contains(got, "<") {
		t.Errorf("unexpected markup: %q", got)
	}
}

func TestPreview(t *testing.T) {
	got := Preview("line one\nline two\x1b and more text here", 20)
	if got != "line one line two..." {
		t.Errorf("Preview = %q", got)
	}
}
