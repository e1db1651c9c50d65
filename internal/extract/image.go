package extract

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"strconv"

	"github.com/contentforge/extractd/constants"
	"github.com/contentforge/extractd/internal/common"
)

const imageExtractorVersion = "image/1"

// ImageExtractor reads image metadata and, when the OCR hook is enabled,
// runs tesseract over the pixels to produce a text segment.
type ImageExtractor struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func NewImageExtractor(cfg Config, runner Runner, logger *slog.Logger) *ImageExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageExtractor{cfg: cfg.withDefaults(), runner: runner, logger: logger}
}

func (e *ImageExtractor) Version() string { return imageExtractorVersion }

func (e *ImageExtractor) Extract(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, common.E(common.KindStorageError, "open image artifact", err)
	}
	cfg, formatName, err := image.DecodeConfig(f)
	_ = f.Close()
	if err != nil {
		return nil, common.E(common.KindUnsupportedFormat, "image header decode failed", err)
	}

	res := &Result{
		Format:           constants.IMAGE,
		ExtractorVersion: imageExtractorVersion,
		Metadata: map[string]string{
			"codec":  formatName,
			"width":  strconv.Itoa(cfg.Width),
			"height": strconv.Itoa(cfg.Height),
		},
		Segments: []Segment{
			{
				Type: SegmentImage,
				Meta: map[string]string{
					"width":  strconv.Itoa(cfg.Width),
					"height": strconv.Itoa(cfg.Height),
				},
			},
		},
	}

	if e.cfg.EnableOCR {
		txt, err := e.tesseractOCR(ctx, path)
		if err != nil {
			// OCR is a best-effort hook; record the miss, keep the metadata.
			e.logger.Warn("image ocr failed", "path", path, "error", err)
			res.Metadata["ocr_warning"] = "ocr failed"
		} else if txt != "" {
			res.Segments = append(res.Segments, Segment{
				Type:  SegmentText,
				Index: len(res.Segments),
				Text:  txt,
			})
		}
	}

	return res, nil
}

func (e *ImageExtractor) tesseractOCR(ctx context.Context, path string) (string, error) {
	out, errb, err := e.runner.Run(ctx, e.cfg.Tesseract, path, "stdout", "-l", e.cfg.TesseractLang)
	if err != nil {
		return "", fmt.Errorf("tesseract: %w (stderr: %s)", err, truncate(string(errb), 2<<10))
	}
	return Normalize(string(out)), nil
}
