// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix message content to Google Chat
// text with offset-based formatting annotations.
package matrixfmt

import (
	"html"
	"regexp"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-googlechat/pkg/gchat"
)

// MentionResolver maps a Matrix user ID found in a mention link to the
// Google Chat participant it puppets. Empty means not a bridge user.
type MentionResolver func(id.UserID) gchat.UserID

var (
	tagRe      = regexp.MustCompile(`<(/?)([a-zA-Z][a-zA-Z0-9]*)((?:\s+[^<>]*?)?)(/?)>`)
	hrefAttrRe = regexp.MustCompile(`href="([^"]*)"`)
	mxidLinkRe = regexp.MustCompile(`^https://matrix\.to/#/(@[^/?]+)`)
)

type openTag struct {
	name string
	// start is the byte offset in the output text where the tag opened.
	start int
	// href is set for <a> tags.
	href string
}

// Parse converts Matrix content to Google Chat text and annotations.
// Plain-text messages pass through untouched. Unknown tags are
// stripped; their inner text is kept.
func Parse(content *event.MessageEventContent, resolve MentionResolver) (string, []gchat.Annotation) {
	if content == nil {
		return "", nil
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body, nil
	}
	return parseHTML(content.FormattedBody, resolve)
}

func parseHTML(input string, resolve MentionResolver) (string, []gchat.Annotation) {
	var sb strings.Builder
	var stack []openTag
	var anns []gchat.Annotation

	flushText := func(s string) {
		sb.WriteString(html.UnescapeString(s))
	}

	pos := 0
	for {
		loc := tagRe.FindStringSubmatchIndex(input[pos:])
		if loc == nil {
			flushText(input[pos:])
			break
		}
		flushText(input[pos : pos+loc[0]])

		closing := input[pos+loc[2]:pos+loc[3]] == "/"
		name := strings.ToLower(input[pos+loc[4] : pos+loc[5]])
		attrs := input[pos+loc[6] : pos+loc[7]]
		selfClosing := input[pos+loc[8]:pos+loc[9]] == "/"
		pos += loc[1]

		switch {
		case name == "br":
			sb.WriteString("\n")
		case name == "p" && closing, name == "blockquote" && closing, name == "li" && closing:
			sb.WriteString("\n")
		case selfClosing:
			// Ignore other void tags.
		case !closing:
			tag := openTag{name: name, start: sb.Len()}
			if name == "a" {
				if m := hrefAttrRe.FindStringSubmatch(attrs); m != nil {
					tag.href = html.UnescapeString(m[1])
				}
			}
			stack = append(stack, tag)
		default:
			// Pop to the matching open tag; unbalanced closes are
			// dropped silently.
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i].name != name {
					continue
				}
				tag := stack[i]
				stack = append(stack[:i], stack[i+1:]...)
				if ann, ok := annotationFor(tag, sb.Len(), resolve); ok {
					anns = append(anns, ann)
				}
				break
			}
		}
	}

	text := strings.TrimRight(sb.String(), "\n")
	kept := anns[:0]
	for _, ann := range anns {
		if ann.Start+ann.Length > len(text) {
			ann.Length = len(text) - ann.Start
		}
		if ann.Length > 0 {
			kept = append(kept, ann)
		}
	}
	return text, kept
}

func annotationFor(tag openTag, end int, resolve MentionResolver) (gchat.Annotation, bool) {
	ann := gchat.Annotation{Start: tag.start, Length: end - tag.start}
	if ann.Length <= 0 {
		return ann, false
	}
	switch tag.name {
	case "strong", "b":
		ann.Type = gchat.AnnotationFormat
		ann.Format = gchat.FormatBold
	case "em", "i":
		ann.Type = gchat.AnnotationFormat
		ann.Format = gchat.FormatItalic
	case "del", "s", "strike":
		ann.Type = gchat.AnnotationFormat
		ann.Format = gchat.FormatStrikethrough
	case "u":
		ann.Type = gchat.AnnotationFormat
		ann.Format = gchat.FormatUnderline
	case "code":
		ann.Type = gchat.AnnotationFormat
		ann.Format = gchat.FormatMonospace
	case "pre":
		ann.Type = gchat.AnnotationFormat
		ann.Format = gchat.FormatMonospaceBlock
	case "a":
		if m := mxidLinkRe.FindStringSubmatch(tag.href); m != nil {
			var gcid gchat.UserID
			if resolve != nil {
				gcid = resolve(id.UserID(m[1]))
			}
			if gcid == "" {
				return ann, false
			}
			ann.Type = gchat.AnnotationUserMention
			ann.UserID = gcid
			return ann, true
		}
		if tag.href == "" {
			return ann, false
		}
		ann.Type = gchat.AnnotationURL
		ann.URL = tag.href
	default:
		return ann, false
	}
	return ann, true
}
