// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrixfmt

import (
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-googlechat/pkg/gchat"
)

func TestParseNilContent(t *testing.T) {
	t.Parallel()
	text, anns := Parse(nil, nil)
	if text != "" || len(anns) != 0 {
		t.Errorf("nil content: got %q with %d annotations, want empty", text, len(anns))
	}
}

func TestParsePlainText(t *testing.T) {
	t.Parallel()
	content := &event.MessageEventContent{Body: "hello world"}
	text, anns := Parse(content, nil)
	if text != "hello world" {
		t.Errorf("plain text: got %q, want %q", text, "hello world")
	}
	if len(anns) != 0 {
		t.Errorf("plain text should have no annotations, got %d", len(anns))
	}
}

func TestParseIgnoresFormattedBodyWithoutFormat(t *testing.T) {
	t.Parallel()
	content := &event.MessageEventContent{
		Body:          "plain",
		FormattedBody: "<b>ignored</b>",
	}
	text, _ := Parse(content, nil)
	if text != "plain" {
		t.Errorf("no format: got %q, want %q", text, "plain")
	}
}

func TestParseBold(t *testing.T) {
	t.Parallel()
	content := &event.MessageEventContent{
		Body:          "bold text",
		Format:        event.FormatHTML,
		FormattedBody: "<strong>bold text</strong>",
	}
	text, anns := Parse(content, nil)
	if text != "bold text" {
		t.Errorf("bold: got text %q, want %q", text, "bold text")
	}
	if len(anns) != 1 {
		t.Fatalf("bold: got %d annotations, want 1", len(anns))
	}
	ann := anns[0]
	if ann.Type != gchat.AnnotationFormat || ann.Format != gchat.FormatBold {
		t.Errorf("bold: wrong annotation type/format: %+v", ann)
	}
	if ann.Start != 0 || ann.Length != len("bold text") {
		t.Errorf("bold: wrong range [%d, %d)", ann.Start, ann.Start+ann.Length)
	}
}

func TestParseNestedFormatting(t *testing.T) {
	t.Parallel()
	content := &event.MessageEventContent{
		Body:          "a bc d",
		Format:        event.FormatHTML,
		FormattedBody: "a <strong>b<em>c</em></strong> d",
	}
	text, anns := Parse(content, nil)
	if text != "a bc d" {
		t.Errorf("nested: got text %q, want %q", text, "a bc d")
	}
	if len(anns) != 2 {
		t.Fatalf("nested: got %d annotations, want 2", len(anns))
	}
	var bold, italic *gchat.Annotation
	for i := range anns {
		switch anns[i].Format {
		case gchat.FormatBold:
			bold = &anns[i]
		case gchat.FormatItalic:
			italic = &anns[i]
		}
	}
	if bold == nil || italic == nil {
		t.Fatalf("nested: missing bold or italic annotation: %+v", anns)
	}
	if bold.Start != 2 || bold.Length != 2 {
		t.Errorf("nested: bold range [%d, %d), want [2, 4)", bold.Start, bold.Start+bold.Length)
	}
	if italic.Start != 3 || italic.Length != 1 {
		t.Errorf("nested: italic range [%d, %d), want [3, 4)", italic.Start, italic.Start+italic.Length)
	}
}

func TestParseLineBreaks(t *testing.T) {
	t.Parallel()
	content := &event.MessageEventContent{
		Body:          "one\ntwo",
		Format:        event.FormatHTML,
		FormattedBody: "one<br/>two",
	}
	text, _ := Parse(content, nil)
	if text != "one\ntwo" {
		t.Errorf("br: got %q, want %q", text, "one\ntwo")
	}
}

func TestParseUnknownTagStripped(t *testing.T) {
	t.Parallel()
	content := &event.MessageEventContent{
		Body:          "spoiler",
		Format:        event.FormatHTML,
		FormattedBody: `<span data-mx-spoiler="">spoiler</span>`,
	}
	text, anns := Parse(content, nil)
	if text != "spoiler" {
		t.Errorf("unknown tag: got %q, want %q", text, "spoiler")
	}
	if len(anns) != 0 {
		t.Errorf("unknown tag should produce no annotations, got %d", len(anns))
	}
}

func TestParseMentionResolved(t *testing.T) {
	t.Parallel()
	content := &event.MessageEventContent{
		Body:          "hi Alice!",
		Format:        event.FormatHTML,
		FormattedBody: `hi <a href="https://matrix.to/#/@googlechat_123:example.com">Alice</a>!`,
	}
	resolve := func(mxid id.UserID) gchat.UserID {
		if mxid == "@googlechat_123:example.com" {
			return "123"
		}
		return ""
	}
	text, anns := Parse(content, resolve)
	if text != "hi Alice!" {
		t.Errorf("mention: got text %q, want %q", text, "hi Alice!")
	}
	if len(anns) != 1 {
		t.Fatalf("mention: got %d annotations, want 1", len(anns))
	}
	ann := anns[0]
	if ann.Type != gchat.AnnotationUserMention || ann.UserID != "123" {
		t.Errorf("mention: wrong annotation: %+v", ann)
	}
	if ann.Start != 3 || ann.Length != len("Alice") {
		t.Errorf("mention: wrong range [%d, %d)", ann.Start, ann.Start+ann.Length)
	}
}

func TestParseMentionUnresolvedKeptAsText(t *testing.T) {
	t.Parallel()
	content := &event.MessageEventContent{
		Body:          "hi Bob!",
		Format:        event.FormatHTML,
		FormattedBody: `hi <a href="https://matrix.to/#/@bob:example.com">Bob</a>!`,
	}
	text, anns := Parse(content, func(id.UserID) gchat.UserID { return "" })
	if text != "hi Bob!" {
		t.Errorf("unresolved mention: got %q, want %q", text, "hi Bob!")
	}
	if len(anns) != 0 {
		t.Errorf("unresolved mention should have no annotations, got %d", len(anns))
	}
}

func TestParsePlainLink(t *testing.T) {
	t.Parallel()
	content := &event.MessageEventContent{
		Body:          "see docs",
		Format:        event.FormatHTML,
		FormattedBody: `see <a href="https://example.com/docs">docs</a>`,
	}
	text, anns := Parse(content, nil)
	if text != "see docs" {
		t.Errorf("link: got text %q, want %q", text, "see docs")
	}
	if len(anns) != 1 {
		t.Fatalf("link: got %d annotations, want 1", len(anns))
	}
	if anns[0].Type != gchat.AnnotationURL || anns[0].URL != "https://example.com/docs" {
		t.Errorf("link: wrong annotation: %+v", anns[0])
	}
}

func TestParseEntityUnescaping(t *testing.T) {
	t.Parallel()
	content := &event.MessageEventContent{
		Body:          "a < b && c",
		Format:        event.FormatHTML,
		FormattedBody: "a &lt; b &amp;&amp; c",
	}
	text, _ := Parse(content, nil)
	if text != "a < b && c" {
		t.Errorf("entities: got %q, want %q", text, "a < b && c")
	}
}

func TestParseUnbalancedCloseIgnored(t *testing.T) {
	t.Parallel()
	content := &event.MessageEventContent{
		Body:          "text",
		Format:        event.FormatHTML,
		FormattedBody: "text</strong>",
	}
	text, anns := Parse(content, nil)
	if text != "text" {
		t.Errorf("unbalanced: got %q, want %q", text, "text")
	}
	if len(anns) != 0 {
		t.Errorf("unbalanced close should produce no annotations, got %d", len(anns))
	}
}

func TestParseTrailingNewlineTrimmed(t *testing.T) {
	t.Parallel()
	content := &event.MessageEventContent{
		Body:          "para",
		Format:        event.FormatHTML,
		FormattedBody: "<p>para</p>",
	}
	text, _ := Parse(content, nil)
	if text != "para" {
		t.Errorf("paragraph: got %q, want %q", text, "para")
	}
}

func TestParseCodeBlock(t *testing.T) {
	t.Parallel()
	content := &event.MessageEventContent{
		Body:          "x := 1",
		Format:        event.FormatHTML,
		FormattedBody: "<pre><code>x := 1</code></pre>",
	}
	text, anns := Parse(content, nil)
	if text != "x := 1" {
		t.Errorf("code block: got text %q, want %q", text, "x := 1")
	}
	// Both pre and code map to monospace annotations covering the range.
	if len(anns) == 0 {
		t.Fatal("code block: expected at least one annotation")
	}
	foundBlock := false
	for _, ann := range anns {
		if ann.Format == gchat.FormatMonospaceBlock {
			foundBlock = true
		}
	}
	if !foundBlock {
		t.Errorf("code block: no monospace block annotation in %+v", anns)
	}
}
