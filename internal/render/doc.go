// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package render turns model output into something safe to print.
//
// Model replies are untrusted. Sanitize drops HTML with an allow-list
// policy that permits nothing, normalizes prose to NFKC and strips control
// characters so a reply cannot drive the terminal. Fenced code blocks keep
// their text verbatim apart from control characters.
//
// Renderer then formats sanitized markdown for the terminal with glamour,
// and Highlight colors code with chroma at the detected color profile.
package render
