// Copyright 2024-2026 Aiku AI

package gchatfmt

import (
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-googlechat/pkg/gchat"
)

func TestParsePlainText(t *testing.T) {
	t.Parallel()
	content := Parse("hello world", nil, nil)
	if content.Body != "hello world" {
		t.Errorf("plain: got body %q, want %q", content.Body, "hello world")
	}
	if content.FormattedBody != "" {
		t.Errorf("plain text should have no formatted body, got %q", content.FormattedBody)
	}
	if content.MsgType != event.MsgText {
		t.Errorf("plain: got msgtype %q, want %q", content.MsgType, event.MsgText)
	}
}

func TestParseBold(t *testing.T) {
	t.Parallel()
	anns := []gchat.Annotation{{
		Type:   gchat.AnnotationFormat,
		Format: gchat.FormatBold,
		Start:  5,
		Length: 4,
	}}
	content := Parse("some bold text", anns, nil)
	if content.Body != "some bold text" {
		t.Errorf("bold: body changed to %q", content.Body)
	}
	want := "some <strong>bold</strong> text"
	if content.FormattedBody != want {
		t.Errorf("bold: got %q, want %q", content.FormattedBody, want)
	}
	if content.Format != event.FormatHTML {
		t.Errorf("bold: format not set to HTML")
	}
}

func TestParseNestedFormats(t *testing.T) {
	t.Parallel()
	anns := []gchat.Annotation{
		{Type: gchat.AnnotationFormat, Format: gchat.FormatBold, Start: 0, Length: 4},
		{Type: gchat.AnnotationFormat, Format: gchat.FormatItalic, Start: 0, Length: 4},
	}
	content := Parse("text", anns, nil)
	want := "<strong><em>text</em></strong>"
	if content.FormattedBody != want {
		t.Errorf("nested: got %q, want %q", content.FormattedBody, want)
	}
}

func TestParseMention(t *testing.T) {
	t.Parallel()
	anns := []gchat.Annotation{{
		Type:   gchat.AnnotationUserMention,
		Start:  3,
		Length: 6,
		UserID: "123",
	}}
	resolve := func(gcid gchat.UserID) (id.UserID, string) {
		if gcid == "123" {
			return "@googlechat_123:example.com", "Alice"
		}
		return "", ""
	}
	content := Parse("hi @alice!", anns, resolve)
	want := `hi <a href="https://matrix.to/#/@googlechat_123:example.com">Alice</a>!`
	if content.FormattedBody != want {
		t.Errorf("mention: got %q, want %q", content.FormattedBody, want)
	}
}

func TestParseMentionUnresolved(t *testing.T) {
	t.Parallel()
	anns := []gchat.Annotation{{
		Type:   gchat.AnnotationUserMention,
		Start:  3,
		Length: 6,
		UserID: "999",
	}}
	content := Parse("hi @ghost", anns, func(gchat.UserID) (id.UserID, string) { return "", "" })
	if content.FormattedBody != "" {
		t.Errorf("unresolved mention should render plain, got %q", content.FormattedBody)
	}
}

func TestParseLink(t *testing.T) {
	t.Parallel()
	anns := []gchat.Annotation{{
		Type:   gchat.AnnotationURL,
		Start:  4,
		Length: 4,
		URL:    "https://example.com/docs",
	}}
	content := Parse("see docs", anns, nil)
	want := `see <a href="https://example.com/docs">docs</a>`
	if content.FormattedBody != want {
		t.Errorf("link: got %q, want %q", content.FormattedBody, want)
	}
}

func TestParseMatrixToLinkKeepsText(t *testing.T) {
	t.Parallel()
	text := "see https://matrix.to/#/@bob:x then bold tail"
	anns := []gchat.Annotation{
		{Type: gchat.AnnotationURL, Start: 4, Length: 26, URL: "https://matrix.to/#/@bob:x"},
		{Type: gchat.AnnotationFormat, Format: gchat.FormatBold, Start: 36, Length: 4},
	}
	content := Parse(text, anns, nil)
	want := `see <a href="https://matrix.to/#/@bob:x">https://matrix.to/#/@bob:x</a> then <strong>bold</strong> tail`
	if content.FormattedBody != want {
		t.Errorf("matrix.to link: got %q, want %q", content.FormattedBody, want)
	}
}

func TestParseEscapesHTML(t *testing.T) {
	t.Parallel()
	anns := []gchat.Annotation{{
		Type:   gchat.AnnotationFormat,
		Format: gchat.FormatBold,
		Start:  0,
		Length: 5,
	}}
	content := Parse("a < b & c", anns, nil)
	want := "<strong>a &lt; b</strong> &amp; c"
	if content.FormattedBody != want {
		t.Errorf("escaping: got %q, want %q", content.FormattedBody, want)
	}
}

func TestParseNewlinesBecomeBreaks(t *testing.T) {
	t.Parallel()
	anns := []gchat.Annotation{{
		Type:   gchat.AnnotationFormat,
		Format: gchat.FormatItalic,
		Start:  0,
		Length: 3,
	}}
	content := Parse("one\ntwo", anns, nil)
	want := "<em>one</em><br/>two"
	if content.FormattedBody != want {
		t.Errorf("newlines: got %q, want %q", content.FormattedBody, want)
	}
}

func TestParseOutOfRangeAnnotationIgnored(t *testing.T) {
	t.Parallel()
	anns := []gchat.Annotation{{
		Type:   gchat.AnnotationFormat,
		Format: gchat.FormatBold,
		Start:  2,
		Length: 100,
	}}
	content := Parse("short", anns, nil)
	if content.FormattedBody != "" {
		t.Errorf("out of range annotation should be ignored, got %q", content.FormattedBody)
	}
	if content.Body != "short" {
		t.Errorf("out of range: body changed to %q", content.Body)
	}
}

func TestParseMonospaceBlock(t *testing.T) {
	t.Parallel()
	anns := []gchat.Annotation{{
		Type:   gchat.AnnotationFormat,
		Format: gchat.FormatMonospaceBlock,
		Start:  0,
		Length: 6,
	}}
	content := Parse("x := 1", anns, nil)
	want := "<pre><code>x := 1</code></pre>"
	if content.FormattedBody != want {
		t.Errorf("monospace block: got %q, want %q", content.FormattedBody, want)
	}
}
