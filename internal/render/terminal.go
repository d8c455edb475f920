// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package render

import (
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/glamour"
	"github.com/muesli/termenv"
)

// DefaultWidth is the default word-wrap width.
const DefaultWidth = 80

// DetectProfile returns the color profile for stdout, honoring NO_COLOR
// and CLICOLOR_FORCE.
func DetectProfile() termenv.Profile {
	return termenv.EnvColorProfile()
}

// =============================================================================
// SYNTAX HIGHLIGHTING
// =============================================================================

// Highlight colors code for the terminal. With the Ascii profile the code
// is returned unchanged.
func Highlight(code, language string, profile termenv.Profile) string {
	name := formatterFor(profile)
	if name == "" {
		return code
	}

	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := chromaStyles.Get("monokai")
	if style == nil {
		style = chromaStyles.Fallback
	}
	formatter := formatters.Get(name)
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return code
	}
	return buf.String()
}

// DetectLanguage guesses the language of code, or returns "".
func DetectLanguage(code string) string {
	if lexer := lexers.Analyse(code); lexer != nil {
		return strings.ToLower(lexer.Config().Name)
	}
	return ""
}

func formatterFor(profile termenv.Profile) string {
	switch profile {
	case termenv.TrueColor:
		return "terminal16m"
	case termenv.ANSI256:
		return "terminal256"
	case termenv.ANSI:
		return "terminal"
	default:
		return ""
	}
}

// =============================================================================
// MARKDOWN
// =============================================================================

// Renderer formats sanitized replies for the terminal.
type Renderer struct {
	profile termenv.Profile
	md      *glamour.TermRenderer
}

// NewRenderer builds a renderer wrapping at width columns. With the Ascii
// profile markdown is passed through as plain text.
func NewRenderer(profile termenv.Profile, width int) *Renderer {
	if width <= 0 {
		width = DefaultWidth
	}
	r := &Renderer{profile: profile}
	if profile == termenv.Ascii {
		return r
	}
	md, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithColorProfile(profile),
		glamour.WithWordWrap(width),
	)
	if err == nil {
		r.md = md
	}
	return r
}

// Profile returns the renderer's color profile.
func (r *Renderer) Profile() termenv.Profile {
	return r.profile
}

// Render sanitizes reply and formats it. Rendering failures fall back to
// the sanitized text.
func (r *Renderer) Render(reply string) string {
	clean := Sanitize(reply)
	if r.md == nil {
		return clean
	}
	out, err := r.md.Render(clean)
	if err != nil {
		return clean
	}
	return out
}

// Code sanitizes and highlights a code block.
func (r *Renderer) Code(b Block) string {
	return Highlight(StripControl(b.Code), b.Language, r.profile)
}
