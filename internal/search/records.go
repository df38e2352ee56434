package search

import (
	"strings"

	"auditdesk/api/internal/form"
	"auditdesk/api/internal/procedure"
)

// RecordsFor flattens a document into its index records. The body holds
// every displayable question with its rendered answer, hidden ones included,
// so a later answer change that reveals them is already searchable.
func RecordsFor(doc procedure.Document) (ProcedureRecord, []RecommendationRecord) {
	titles := make([]string, 0, len(doc.Sections))
	var body strings.Builder
	for _, section := range doc.Sections {
		titles = append(titles, section.Title)
		writeFields(&body, section.Fields)
	}

	record := ProcedureRecord{
		ID:            doc.ID,
		Title:         doc.Title,
		EngagementID:  doc.EngagementID,
		ProcedureType: string(doc.Type),
		Status:        string(doc.Status),
		Sections:      strings.Join(titles, " | "),
		Body:          strings.TrimSpace(body.String()),
	}

	recs := make([]RecommendationRecord, 0, len(doc.Recommendations))
	for _, item := range doc.Recommendations {
		recs = append(recs, RecommendationRecord{
			ID:            recommendationDocID(doc.ID, item.ID),
			ProcedureID:   doc.ID,
			EngagementID:  doc.EngagementID,
			ProcedureType: string(doc.Type),
			Section:       item.Section,
			Text:          item.Text,
			Checked:       item.Checked,
		})
	}
	return record, recs
}

func writeFields(b *strings.Builder, fields []form.Field) {
	for _, f := range fields {
		if !f.Displayable() {
			continue
		}
		b.WriteString(f.DisplayLabel())
		if answer := form.RenderableAnswer(f); answer != "" {
			b.WriteString(": ")
			b.WriteString(answer)
		}
		b.WriteString("\n")
		if len(f.Fields) > 0 && f.Type != form.TypeGroup {
			writeFields(b, f.Fields)
		}
	}
}

// recommendationDocID builds an index-wide unique id. Meilisearch ids only
// allow alphanumerics, '-' and '_'.
func recommendationDocID(procedureID, itemID string) string {
	return sanitizeID(procedureID) + "__" + sanitizeID(itemID)
}

func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, id)
}
