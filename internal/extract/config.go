package extract

import "time"

// Config holds decoder binaries and tuning shared by the extractors.
// Binary fields may be bare names (resolved via PATH) or absolute paths.
type Config struct {
	Pdftotext string // if empty -> "pdftotext"
	Tesseract string // if empty -> "tesseract"
	FFprobe   string // if empty -> "ffprobe"
	FFmpeg    string // if empty -> "ffmpeg"

	TesseractLang string // default "eng"
	EnableOCR     bool   // image OCR hook
	MaxPages      int    // 0 = no limit

	AudioWindow   time.Duration // waveform summary window, default 1s
	FrameInterval time.Duration // video frame sampling interval, default 5s
}

func (c Config) withDefaults() Config {
	if c.Pdftotext == "" {
		c.Pdftotext = "pdftotext"
	}
	if c.Tesseract == "" {
		c.Tesseract = "tesseract"
	}
	if c.FFprobe == "" {
		c.FFprobe = "ffprobe"
	}
	if c.FFmpeg == "" {
		c.FFmpeg = "ffmpeg"
	}
	if c.TesseractLang == "" {
		c.TesseractLang = "eng"
	}
	if c.AudioWindow <= 0 {
		c.AudioWindow = time.Second
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = 5 * time.Second
	}
	return c
}
