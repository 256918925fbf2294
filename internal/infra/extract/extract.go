// Package extract turns raw content bytes into analyzable text. Media types
// with no text representation report non-extractable rather than erroring,
// because binary attachments are a normal part of any content space.
package extract

import (
	"context"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/piisweep/piisweep/internal/domain/scan"
)

var _ scan.Extractor = (*TextExtractor)(nil)

// TextExtractor handles text-bearing media types: HTML and XML are stripped
// to their text content, other text/* and structured-text types pass through
// verbatim.
type TextExtractor struct{}

// NewTextExtractor creates a TextExtractor.
func NewTextExtractor() *TextExtractor { return &TextExtractor{} }

// Extract converts a sub-item's bytes to text. The boolean is false when the
// media type has no text representation or the payload is not valid UTF-8.
func (e *TextExtractor) Extract(_ context.Context, sub scan.SubItem, data []byte) (string, bool, error) {
	if len(data) == 0 {
		return "", false, nil
	}

	mediaType := normalizeMediaType(sub.MediaType)
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return HTMLToText(string(data)), true, nil

	case strings.HasPrefix(mediaType, "text/"),
		mediaType == "application/json",
		mediaType == "application/xml",
		mediaType == "application/x-yaml":
		if !utf8.Valid(data) {
			return "", false, nil
		}
		return string(data), true, nil

	default:
		return "", false, nil
	}
}

func normalizeMediaType(mt string) string {
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// HTMLToText strips markup from an HTML or storage-format fragment,
// collapsing the text nodes into whitespace-separated plain text. Script and
// style contents are dropped.
func HTMLToText(fragment string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(fragment))

	var (
		sb       strings.Builder
		skipping string
	)
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(sb.String()), " ")

		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); tag == "script" || tag == "style" {
				skipping = tag
			}

		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if string(name) == skipping {
				skipping = ""
			}

		case html.TextToken:
			if skipping == "" {
				sb.Write(tokenizer.Text())
				sb.WriteByte(' ')
			}
		}
	}
}
