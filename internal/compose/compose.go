// Package compose builds a single renderable HTML document from the three
// buffers a user edits (markup, style, script) plus an instrumentation script.
//
// Composition is text splicing, not parsing: malformed input is passed
// through untouched and nothing here ever returns an error. Output depends
// only on the inputs.
package compose

import (
	"strings"
)

// Mode is the composition strategy chosen for a bundle.
type Mode int

const (
	// ModeFragment wraps bare snippets in a generated skeleton document.
	ModeFragment Mode = iota
	// ModeDocument splices into a document the caller already wrote.
	ModeDocument
)

func (m Mode) String() string {
	if m == ModeDocument {
		return "document"
	}
	return "fragment"
}

// StylePrefixLen is how many leading characters of the style buffer are
// searched for in a full document to decide it already carries the style.
const StylePrefixLen = 50

// SourceBundle is the set of buffers a user edits. Any field may be empty.
type SourceBundle struct {
	Markup string `json:"markup"`
	Style  string `json:"style"`
	Script string `json:"script"`
}

// IsEmpty reports whether all three buffers are empty.
func (b SourceBundle) IsEmpty() bool {
	return b.Markup == "" && b.Style == "" && b.Script == ""
}

// DetectMode reports ModeDocument when markup carries a doctype declaration
// or an <html> root tag (case-insensitive), ModeFragment otherwise.
func DetectMode(markup string) Mode {
	if indexFold(markup, "<!doctype") != -1 {
		return ModeDocument
	}
	if indexTag(markup, "<html") != -1 {
		return ModeDocument
	}
	return ModeFragment
}

// Compose returns the document for bundle with instrumentation embedded
// ahead of any user script.
func Compose(bundle SourceBundle, instrumentation string) string {
	if DetectMode(bundle.Markup) == ModeDocument {
		return composeDocument(bundle, instrumentation)
	}
	return composeFragment(bundle, instrumentation)
}

func composeFragment(bundle SourceBundle, instrumentation string) string {
	var b strings.Builder
	b.Grow(len(bundle.Markup) + len(bundle.Style) + len(bundle.Script) + len(instrumentation) + 256)

	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	b.WriteString(`<meta charset="utf-8">` + "\n")
	b.WriteString(`<meta name="viewport" content="width=device-width, initial-scale=1">` + "\n")
	b.WriteString(scriptElement(instrumentation))
	b.WriteString(styleElement(bundle.Style))
	b.WriteString("</head>\n<body>\n")
	b.WriteString(bundle.Markup)
	if bundle.Markup != "" && !strings.HasSuffix(bundle.Markup, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(scriptElement(bundle.Script))
	b.WriteString("</body>\n</html>\n")
	return b.String()
}

func composeDocument(bundle SourceBundle, instrumentation string) string {
	doc := bundle.Markup

	var head strings.Builder
	head.WriteString(scriptElement(instrumentation))
	styleInjected := false
	if bundle.Style != "" && !strings.Contains(doc, stylePrefix(bundle.Style)) {
		head.WriteString(styleElement(bundle.Style))
		styleInjected = true
	}

	headIdx := indexFold(doc, "</head>")
	if headIdx == -1 {
		headIdx = indexTag(doc, "<body")
	}

	if headIdx != -1 {
		doc = doc[:headIdx] + head.String() + doc[headIdx:]
		return insertBodyScript(doc, bundle.Script)
	}

	// Neither </head> nor <body: the style gets a generated head in front,
	// instrumentation and script go after everything else.
	var b strings.Builder
	if styleInjected {
		b.WriteString("<head>\n")
		b.WriteString(styleElement(bundle.Style))
		b.WriteString("</head>\n")
	}
	b.WriteString(doc)
	b.WriteString(scriptElement(instrumentation))
	b.WriteString(scriptElement(bundle.Script))
	return b.String()
}

func insertBodyScript(doc, script string) string {
	el := scriptElement(script)
	if el == "" {
		return doc
	}
	if idx := indexFold(doc, "</body>"); idx != -1 {
		return doc[:idx] + el + doc[idx:]
	}
	return doc + el
}

// stylePrefix returns the first StylePrefixLen characters of style.
func stylePrefix(style string) string {
	n := 0
	for i := range style {
		if n == StylePrefixLen {
			return style[:i]
		}
		n++
	}
	return style
}

func scriptElement(body string) string {
	if body == "" {
		return ""
	}
	return "<script>\n" + body + "\n</script>\n"
}

func styleElement(body string) string {
	if body == "" {
		return ""
	}
	return "<style>\n" + body + "\n</style>\n"
}
