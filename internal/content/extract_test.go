package content

import (
	"errors"
	"strings"
	"testing"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		name        string
		data        string
		contentType string
		want        Kind
	}{
		{"pdf magic", "%PDF-1.7 rest", "", KindPDF},
		{"doctype", "  <!DOCTYPE html><html></html>", "", KindHTML},
		{"bare html tag", "<HTML><body></body></HTML>", "", KindHTML},
		{"pdf content type", "binary stuff", "application/pdf", KindPDF},
		{"html content type", "fragment without wrapper", "text/html; charset=utf-8", KindHTML},
		{"plain default", "just some notes", "", KindText},
		{"empty", "", "", KindText},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Detect([]byte(tc.data), tc.contentType); got != tc.want {
				t.Fatalf("Detect = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExtractHTML(t *testing.T) {
	page := `<!DOCTYPE html>
<html>
<head>
  <title>Release Notes</title>
  <style>body { color: red }</style>
  <script>console.log("hidden")</script>
</head>
<body>
  <nav>Home | About</nav>
  <h1>Version 2.0</h1>
  <p>The connection pool grew to five.</p>
  <p>Vector search ships <strong>enabled</strong> by default.</p>
  <footer>copyright</footer>
</body>
</html>`

	doc, err := Extract([]byte(page), "text/html")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if doc.Title != "Release Notes" {
		t.Fatalf("title = %q, want Release Notes", doc.Title)
	}
	for _, want := range []string{"Version 2.0", "The connection pool grew to five.", "Vector search ships enabled by default."} {
		if !strings.Contains(doc.Text, want) {
			t.Fatalf("text %q missing %q", doc.Text, want)
		}
	}
	for _, banned := range []string{"console.log", "color: red", "Home | About", "copyright"} {
		if strings.Contains(doc.Text, banned) {
			t.Fatalf("text %q leaked %q", doc.Text, banned)
		}
	}
}

func TestExtractPlainText(t *testing.T) {
	doc, err := Extract([]byte("  two   spaced   words \n\n\n\nnext paragraph  "), "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := "two spaced words\n\nnext paragraph"
	if doc.Text != want {
		t.Fatalf("text = %q, want %q", doc.Text, want)
	}
	if doc.Title != "" {
		t.Fatalf("plain text produced title %q", doc.Title)
	}
}

func TestExtractEmptyDocument(t *testing.T) {
	for _, data := range []string{"", "   \n\t  ", "<html><head><script>x()</script></head><body></body></html>"} {
		if _, err := Extract([]byte(data), ""); !errors.Is(err, ErrEmpty) {
			t.Fatalf("Extract(%q) = %v, want ErrEmpty", data, err)
		}
	}
}

// TestExtractMalformedPDF verifies broken PDF input comes back as an error
// rather than a panic.
func TestExtractMalformedPDF(t *testing.T) {
	_, err := Extract([]byte("%PDF-1.4 this is not a real document"), "application/pdf")
	if err == nil {
		t.Fatal("expected an error for malformed pdf input")
	}
}

func TestNormalizeWhitespace(t *testing.T) {
	got := normalizeWhitespace("  a \t b \n\n\n c\nd  ")
	want := "a b\n\nc\nd"
	if got != want {
		t.Fatalf("normalized = %q, want %q", got, want)
	}
}
