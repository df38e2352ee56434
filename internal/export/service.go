package export

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"auditdesk/api/internal/procedure"
)

type renderFunc func(ctx context.Context, in workpaper) (*Result, error)

// Service renders procedures. PDF needs a Chrome binary, DOCX needs pandoc.
type Service struct {
	pdf    renderFunc
	docx   renderFunc
	now    func() time.Time
	logger zerolog.Logger
}

func NewService(logger zerolog.Logger, opts Options) *Service {
	return &Service{
		pdf:    func(ctx context.Context, in workpaper) (*Result, error) { return renderPDF(ctx, in, opts) },
		docx:   func(ctx context.Context, in workpaper) (*Result, error) { return renderDOCX(ctx, in, opts) },
		now:    time.Now,
		logger: logger.With().Str("component", "export").Logger(),
	}
}

// footer identifies the printed workpaper on every page.
func footer(doc procedure.Document) string {
	return fmt.Sprintf("%s | %s | review v%d", doc.EngagementID, doc.Title, doc.Review.Version)
}

// Export renders doc in the requested format.
func (s *Service) Export(ctx context.Context, doc procedure.Document, format Format) (*Result, error) {
	html, err := RenderProcedureHTML(BuildTemplateData(doc, s.now()))
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	in := workpaper{HTML: html, Title: doc.Title, Footer: footer(doc)}

	started := s.now()
	var result *Result
	switch format {
	case FormatHTML:
		result = &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(doc.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}
	case FormatPDF:
		result, err = s.pdf(ctx, in)
	case FormatDOCX:
		result, err = s.docx(ctx, in)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("procedure_id", doc.ID).Str("format", string(format)).Msg("export failed")
		return nil, err
	}
	s.logger.Debug().
		Str("procedure_id", doc.ID).
		Str("format", string(format)).
		Int("bytes", len(result.Data)).
		Dur("elapsed", s.now().Sub(started)).
		Msg("export rendered")
	return result, nil
}
