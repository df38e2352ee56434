// Package export renders a procedure as HTML, PDF or DOCX.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
	FormatHTML Format = "html"
)

// ParseFormat accepts the format names the API exposes.
func ParseFormat(raw string) (Format, bool) {
	switch Format(raw) {
	case FormatPDF, FormatDOCX, FormatHTML:
		return Format(raw), true
	case "":
		return FormatPDF, true
	default:
		return "", false
	}
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// Options configures the external renderers. Zero values are usable.
type Options struct {
	// Timeout bounds one PDF or DOCX render. Defaults to 30 seconds.
	Timeout time.Duration
	// ReferenceDOCX is a pandoc reference document supplying the firm's
	// Word styles.
	ReferenceDOCX string
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return 30 * time.Second
	}
	return o.Timeout
}

// workpaper is what a renderer turns into a file.
type workpaper struct {
	HTML   string
	Title  string
	Footer string
}

var (
	// ErrUnsupportedFormat is returned for formats Export cannot produce.
	ErrUnsupportedFormat = errors.New("export format unsupported")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
