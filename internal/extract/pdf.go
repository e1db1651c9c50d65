package extract

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/contentforge/extractd/constants"
	"github.com/contentforge/extractd/internal/common"
)

const pdfExtractorVersion = "pdf/1"

// PDFExtractor produces page-ordered text segments plus an inventory of
// embedded images. Text comes from pdftotext (form feeds delimit pages);
// structure and embedded images go through pdfcpu.
type PDFExtractor struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func NewPDFExtractor(cfg Config, runner Runner, logger *slog.Logger) *PDFExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PDFExtractor{cfg: cfg.withDefaults(), runner: runner, logger: logger}
}

func (e *PDFExtractor) Version() string { return pdfExtractorVersion }

func (e *PDFExtractor) Extract(ctx context.Context, path string) (*Result, error) {
	pageCount, err := api.PageCountFile(path)
	if err != nil {
		return nil, common.E(common.KindUnsupportedFormat, "pdf structure parse failed", err)
	}

	pages := pageCount
	if e.cfg.MaxPages > 0 && pages > e.cfg.MaxPages {
		pages = e.cfg.MaxPages
	}

	res := &Result{
		Format:           constants.PDF,
		ExtractorVersion: pdfExtractorVersion,
		Metadata: map[string]string{
			"page_count": strconv.Itoa(pageCount),
		},
		Segments: []Segment{},
	}

	texts, err := e.pdfToText(ctx, path)
	if err != nil {
		// Partial: structure parsed but text decode failed. Attach what we
		// have as diagnostic context; the caller must not treat it as success.
		return res, common.E(common.KindUnsupportedFormat, "pdf text extraction failed", err)
	}
	if len(texts) > pages {
		texts = texts[:pages]
	}

	for i, txt := range texts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Segments = append(res.Segments, Segment{
			Type:  SegmentText,
			Index: len(res.Segments),
			Page:  i + 1,
			Text:  Normalize(txt),
		})
	}

	images, err := e.embeddedImages(ctx, path)
	if err != nil {
		e.logger.Warn("embedded image extraction failed", "path", path, "error", err)
		res.Metadata["image_warning"] = "embedded image extraction failed"
	} else {
		for _, img := range images {
			img.Index = len(res.Segments)
			res.Segments = append(res.Segments, img)
		}
	}

	return res, nil
}

// pdfToText runs pdftotext and splits the output on form feeds, one chunk
// per page.
func (e *PDFExtractor) pdfToText(ctx context.Context, path string) ([]string, error) {
	out, errb, err := e.runner.Run(ctx, e.cfg.Pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return nil, fmt.Errorf("pdftotext: %w (stderr: %s)", err, truncate(string(errb), 2<<10))
	}
	text := strings.TrimSuffix(string(out), "\f")
	return strings.Split(text, "\f"), nil
}

// embeddedImages extracts images to a scratch dir and inventories them as
// image segments with bounding metadata. The scratch copies are discarded;
// only the inventory is kept.
func (e *PDFExtractor) embeddedImages(ctx context.Context, path string) ([]Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tmpDir, err := os.MkdirTemp("", "extractd-pdfimg-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			e.logger.Warn("failed to remove scratch dir", "dir", tmpDir, "error", err)
		}
	}()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.ExtractImagesFile(path, tmpDir, nil, conf); err != nil {
		return nil, fmt.Errorf("pdfcpu extract images: %w", err)
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		if !ent.IsDir() {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)

	segs := make([]Segment, 0, len(names))
	for _, name := range names {
		meta := map[string]string{"name": name}
		if w, h, ok := imageDims(filepath.Join(tmpDir, name)); ok {
			meta["width"] = strconv.Itoa(w)
			meta["height"] = strconv.Itoa(h)
		}
		segs = append(segs, Segment{
			Type: SegmentImage,
			Page: pageFromImageName(name),
			Meta: meta,
		})
	}
	return segs, nil
}

// pageFromImageName parses the page number out of pdfcpu's
// <base>_<page>_<id>.<ext> naming. 0 when unparsable.
func pageFromImageName(name string) int {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(base, "_")
	if len(parts) < 3 {
		return 0
	}
	page, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return 0
	}
	return page
}

func imageDims(path string) (w, h int, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}
