// Copyright 2024-2026 Aiku AI

// Package gchatfmt converts Google Chat message text with formatting
// annotations to Matrix event content.
package gchatfmt

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-googlechat/pkg/gchat"
)

// MentionResolver maps a Google Chat user ID to the Matrix user that
// should be linked for a mention, plus a display name for the fallback
// body. A zero mxid means the mention is rendered as plain text.
type MentionResolver func(gchat.UserID) (id.UserID, string)

type tagPair struct {
	open  string
	close string
}

func formatTags(format gchat.FormatType) (tagPair, bool) {
	switch format {
	case gchat.FormatBold:
		return tagPair{"<strong>", "</strong>"}, true
	case gchat.FormatItalic:
		return tagPair{"<em>", "</em>"}, true
	case gchat.FormatStrikethrough:
		return tagPair{"<del>", "</del>"}, true
	case gchat.FormatUnderline:
		return tagPair{"<u>", "</u>"}, true
	case gchat.FormatMonospace:
		return tagPair{"<code>", "</code>"}, true
	case gchat.FormatMonospaceBlock:
		return tagPair{"<pre><code>", "</code></pre>"}, true
	default:
		return tagPair{}, false
	}
}

type insertion struct {
	offset int
	// closing insertions sort before opening ones at the same offset.
	closing bool
	// order preserves nesting for annotations sharing an offset.
	order int
	text  string
	// mention marks the pair around a user mention, whose covered text
	// is replaced by the resolved display name.
	mention bool
}

// Parse converts annotated Google Chat text to Matrix message content.
// When no annotation affects rendering, only the plain body is set.
func Parse(text string, annotations []gchat.Annotation, resolve MentionResolver) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}

	var inserts []insertion
	for i, ann := range annotations {
		if ann.Start < 0 || ann.Length <= 0 || ann.Start+ann.Length > len(text) {
			continue
		}
		switch ann.Type {
		case gchat.AnnotationFormat:
			tags, ok := formatTags(ann.Format)
			if !ok {
				if ann.Format == gchat.FormatHidden {
					// Hidden ranges stay in the plain body but are not
					// rendered in HTML; treat as unformatted.
					continue
				}
				continue
			}
			inserts = append(inserts,
				insertion{offset: ann.Start, order: i, text: tags.open},
				insertion{offset: ann.Start + ann.Length, closing: true, order: -i, text: tags.close})
		case gchat.AnnotationUserMention:
			mxid, name := "", ""
			if resolve != nil {
				resolved, resolvedName := resolve(ann.UserID)
				mxid, name = string(resolved), resolvedName
			}
			if mxid == "" {
				continue
			}
			if name == "" {
				name = text[ann.Start : ann.Start+ann.Length]
			}
			link := fmt.Sprintf(`<a href="https://matrix.to/#/%s">%s</a>`, mxid, html.EscapeString(name))
			inserts = append(inserts,
				insertion{offset: ann.Start, order: i, text: link, mention: true},
				insertion{offset: ann.Start + ann.Length, closing: true, order: -i, mention: true})
		case gchat.AnnotationURL:
			if ann.URL == "" {
				continue
			}
			inserts = append(inserts,
				insertion{offset: ann.Start, order: i, text: fmt.Sprintf(`<a href="%s">`, html.EscapeString(ann.URL))},
				insertion{offset: ann.Start + ann.Length, closing: true, order: -i, text: "</a>"})
		}
	}
	if len(inserts) == 0 {
		return content
	}

	sort.SliceStable(inserts, func(i, j int) bool {
		if inserts[i].offset != inserts[j].offset {
			return inserts[i].offset < inserts[j].offset
		}
		if inserts[i].closing != inserts[j].closing {
			return inserts[i].closing
		}
		return inserts[i].order < inserts[j].order
	})

	var sb strings.Builder
	pos := 0
	dropping := false
	for _, ins := range inserts {
		if ins.offset > pos {
			if !dropping {
				sb.WriteString(escapeSegment(text[pos:ins.offset]))
			}
			pos = ins.offset
		}
		if ins.mention {
			if ins.closing {
				dropping = false
			} else {
				// The mention link replaces the covered range; the
				// display name comes from the puppet, not the raw text.
				sb.WriteString(ins.text)
				dropping = true
			}
			continue
		}
		sb.WriteString(ins.text)
	}
	if pos < len(text) {
		sb.WriteString(escapeSegment(text[pos:]))
	}

	content.Format = event.FormatHTML
	content.FormattedBody = sb.String()
	return content
}

func escapeSegment(s string) string {
	return strings.ReplaceAll(html.EscapeString(s), "\n", "<br/>")
}
