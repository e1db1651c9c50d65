package constants

import "strings"

// Format is the closed set of media kinds the pipeline can dispatch on.
type Format string

// Stable values (stored in the job index).
const (
	PDF     Format = "PDF"
	IMAGE   Format = "IMAGE"
	AUDIO   Format = "AUDIO"
	VIDEO   Format = "VIDEO"
	XML     Format = "XML"
	UNKNOWN Format = "UNKNOWN"
)

// extToFormat maps normalized extensions to a format. Used only as a
// fallback hint when byte sniffing is inconclusive.
var extToFormat = map[string]Format{
	"pdf":  PDF,
	"jpg":  IMAGE,
	"jpeg": IMAGE,
	"png":  IMAGE,
	"gif":  IMAGE,
	"wav":  AUDIO,
	"mp3":  AUDIO,
	"flac": AUDIO,
	"ogg":  AUDIO,
	"mp4":  VIDEO,
	"mkv":  VIDEO,
	"webm": VIDEO,
	"mov":  VIDEO,
	"xml":  XML,
	"svg":  XML,
	"xsl":  XML,
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// MapExtToFormat returns the format for a normalized extension, or UNKNOWN.
func MapExtToFormat(ext string) Format {
	if f, ok := extToFormat[NormalizeExt(ext)]; ok {
		return f
	}
	return UNKNOWN
}
