package classify

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/contentforge/extractd/constants"
)

// SniffLen is how many leading bytes the classifier needs. Matches the
// default read limit of the underlying sniffer.
const SniffLen = 3072

// Classifier tags a byte prefix with a media format. Magic bytes win over
// the filename hint: the extension is consulted only when sniffing lands on
// a generic textual type that several formats share.
type Classifier struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{logger: logger}
}

// Classify returns the format tag for the given byte prefix. filenameHint
// may be empty. Unrecognized binary content is UNKNOWN regardless of the
// hint; random bytes named *.pdf do not classify as PDF.
func (c *Classifier) Classify(prefix []byte, filenameHint string) constants.Format {
	mt := mimetype.Detect(prefix)

	switch {
	case mt.Is("application/pdf"):
		return constants.PDF
	case strings.HasPrefix(mt.String(), "image/"):
		return constants.IMAGE
	case strings.HasPrefix(mt.String(), "audio/"):
		return constants.AUDIO
	case strings.HasPrefix(mt.String(), "video/"):
		return constants.VIDEO
	case mt.Is("text/xml") || mt.Is("application/xml") || mt.Is("image/svg+xml"):
		return constants.XML
	}

	// Sniffing was conclusive for a type we do not handle.
	if !inconclusive(mt) {
		c.logger.Debug("conclusive but unsupported content type", "mime", mt.String(), "hint", filenameHint)
		return constants.UNKNOWN
	}

	// Generic text: the hint may disambiguate, but only toward textual
	// formats. A binary format claimed by the extension contradicts the
	// bytes we just read, and unrecognized binary stays UNKNOWN.
	if mt.Is("text/plain") && filenameHint != "" {
		f := constants.MapExtToFormat(filepath.Ext(filenameHint))
		if f == constants.XML {
			return f
		}
	}
	return constants.UNKNOWN
}

func inconclusive(mt *mimetype.MIME) bool {
	return mt.Is("text/plain") || mt.Is("application/octet-stream")
}
