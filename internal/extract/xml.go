package extract

import (
	"context"
	"encoding/xml"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/contentforge/extractd/constants"
	"github.com/contentforge/extractd/internal/common"
)

const xmlExtractorVersion = "xml/1"

// maxXMLDepth bounds element nesting so hostile documents cannot blow the
// path stack.
const maxXMLDepth = 64

// XMLExtractor walks the token stream and flattens character data into one
// element segment per element that carries direct text, in document order.
type XMLExtractor struct {
	logger *slog.Logger
}

func NewXMLExtractor(logger *slog.Logger) *XMLExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &XMLExtractor{logger: logger}
}

func (e *XMLExtractor) Version() string { return xmlExtractorVersion }

func (e *XMLExtractor) Extract(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, common.E(common.KindStorageError, "open xml artifact", err)
	}
	defer f.Close()

	res := &Result{
		Format:           constants.XML,
		ExtractorVersion: xmlExtractorVersion,
		Metadata:         map[string]string{},
		Segments:         []Segment{},
	}

	dec := xml.NewDecoder(f)
	var stack []string
	var text strings.Builder
	elements := 0

	flush := func() {
		txt := Normalize(text.String())
		text.Reset()
		if txt == "" {
			return
		}
		res.Segments = append(res.Segments, Segment{
			Type:  SegmentElement,
			Index: len(res.Segments),
			Path:  "/" + strings.Join(stack, "/"),
			Text:  txt,
		})
	}

	for i := 0; ; i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, common.E(common.KindUnsupportedFormat, "xml parse failed", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			flush()
			if len(stack) >= maxXMLDepth {
				return res, common.E(common.KindUnsupportedFormat, "xml nesting too deep", nil)
			}
			if len(stack) == 0 && res.Metadata["root"] == "" {
				res.Metadata["root"] = t.Name.Local
			}
			stack = append(stack, t.Name.Local)
			elements++
		case xml.EndElement:
			flush()
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			text.Write(t)
		}
	}

	res.Metadata["element_count"] = strconv.Itoa(elements)
	return res, nil
}
