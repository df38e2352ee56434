package export

import (
	"bytes"
	"embed"
	"html/template"
	"strconv"
	"strings"
	"time"

	"auditdesk/api/internal/form"
	"auditdesk/api/internal/procedure"
)

//go:embed templates/*.html
var templateFS embed.FS

var procedureTemplate = template.Must(template.New("procedure.html").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		if t.IsZero() {
			return ""
		}
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/procedure.html"))

// TemplateData holds data for procedure template rendering
type TemplateData struct {
	Title         string
	EngagementID  string
	ProcedureType string
	Status        string
	Materiality   string
	Sections      []TemplateSection
	Groups        []TemplateGroup
	Review        TemplateReview
	GeneratedAt   time.Time
}

type TemplateSection struct {
	Title     string
	Standards []string
	Currency  string
	Footer    string
	Rows      []form.ExportRow
}

type TemplateGroup struct {
	Tag   string
	Items []TemplateItem
}

type TemplateItem struct {
	Text    string
	Checked bool
}

type TemplateReview struct {
	Status      string
	ApprovedBy  string
	SignedOffBy string
	SignedOffAt time.Time
	Version     int
}

// BuildTemplateData collects what the template prints. Only fields visible
// under the section's answers make it in.
func BuildTemplateData(doc procedure.Document, now time.Time) TemplateData {
	data := TemplateData{
		Title:         doc.Title,
		EngagementID:  doc.EngagementID,
		ProcedureType: string(doc.Type),
		Status:        string(doc.Status),
		GeneratedAt:   now,
		Review: TemplateReview{
			Status:      doc.Review.ReviewStatus,
			ApprovedBy:  doc.Review.ApprovedBy,
			SignedOffBy: doc.Review.SignedOffBy,
			Version:     doc.Review.Version,
		},
	}
	if doc.Review.SignedOffAt != nil {
		data.Review.SignedOffAt = *doc.Review.SignedOffAt
	}
	if doc.Materiality != nil {
		data.Materiality = strconv.FormatFloat(*doc.Materiality, 'f', -1, 64)
	}
	for _, section := range doc.Sections {
		data.Sections = append(data.Sections, TemplateSection{
			Title:     section.Title,
			Standards: section.Standards,
			Currency:  section.Currency,
			Footer:    section.Footer,
			Rows:      form.ExportRows(section.Title, section.Fields, doc.SectionAnswers(section.ID)),
		})
	}
	for _, group := range doc.RecommendationGroups() {
		tg := TemplateGroup{Tag: group.Tag}
		for _, item := range group.Items {
			tg.Items = append(tg.Items, TemplateItem{Text: item.Text, Checked: item.Checked})
		}
		data.Groups = append(data.Groups, tg)
	}
	return data
}

// RenderProcedureHTML renders the procedure template with provided data
func RenderProcedureHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := procedureTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
