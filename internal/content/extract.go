// Package content extracts plain text from the document formats records
// can be created from: PDF, HTML, and raw text.
package content

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// maxWalkDepth bounds DOM recursion on adversarial inputs.
const maxWalkDepth = 50

// ErrEmpty reports a document that parsed but yielded no usable text.
var ErrEmpty = errors.New("document contains no extractable text")

// Kind identifies a source document format.
type Kind string

const (
	KindText Kind = "text"
	KindHTML Kind = "html"
	KindPDF  Kind = "pdf"
)

// Document is the extracted text plus whatever title the source declared.
type Document struct {
	Title string
	Text  string
}

// Detect sniffs the format from the leading bytes, falling back to the
// declared content type. Anything unrecognized is treated as plain text.
func Detect(data []byte, contentType string) Kind {
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return KindPDF
	}

	head := data
	if len(head) > 256 {
		head = head[:256]
	}
	lead := strings.ToLower(string(bytes.TrimLeft(head, " \t\r\n")))
	if strings.HasPrefix(lead, "<!doctype html") || strings.HasPrefix(lead, "<html") {
		return KindHTML
	}

	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "application/pdf"):
		return KindPDF
	case strings.Contains(ct, "text/html"), strings.Contains(ct, "application/xhtml"):
		return KindHTML
	}
	return KindText
}

// Extract pulls plain text out of raw document bytes.
func Extract(data []byte, contentType string) (Document, error) {
	var (
		doc Document
		err error
	)
	switch Detect(data, contentType) {
	case KindPDF:
		doc.Text, err = fromPDF(data)
	case KindHTML:
		doc, err = fromHTML(data)
	default:
		doc.Text = normalizeWhitespace(string(data))
	}
	if err != nil {
		return Document{}, err
	}
	if strings.TrimSpace(doc.Text) == "" {
		return Document{}, ErrEmpty
	}
	return doc, nil
}

func fromHTML(data []byte) (Document, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return Document{}, fmt.Errorf("parsing html: %w", err)
	}

	var doc Document
	var b strings.Builder
	walk(root, &b, &doc.Title, 0)
	doc.Text = normalizeWhitespace(b.String())
	doc.Title = strings.TrimSpace(doc.Title)
	return doc, nil
}

// walk collects text nodes, skipping page chrome and capturing the first
// <title>.
func walk(n *html.Node, b *strings.Builder, title *string, depth int) {
	if depth > maxWalkDepth {
		return
	}

	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			b.WriteString(text)
			b.WriteByte(' ')
		}
		return
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "nav", "footer", "header":
			return
		case "title":
			if *title == "" {
				*title = textContent(n)
			}
			return
		case "p", "div", "section", "article", "li", "tr",
			"h1", "h2", "h3", "h4", "h5", "h6", "blockquote", "pre", "br":
			b.WriteByte('\n')
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, b, title, depth+1)
	}
}

func textContent(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

// fromPDF extracts the text of every page. The underlying parser panics on
// some malformed files, so the whole read runs behind a recover.
func fromPDF(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parsing pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parsing pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	return normalizeWhitespace(buf.String()), nil
}

// normalizeWhitespace collapses runs of spaces and blank lines so extracted
// text stores compactly.
func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			blank = true
			continue
		}
		if blank && len(out) > 0 {
			out = append(out, "")
		}
		blank = false
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
