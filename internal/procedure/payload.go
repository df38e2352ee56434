package procedure

import (
	"encoding/json"
	"fmt"
	"time"

	"auditdesk/api/internal/form"
	"auditdesk/api/internal/recommend"
)

// Payload is the shape handed to persistence and version history. It never
// carries field uids.
type Payload struct {
	ID              string           `json:"id"`
	EngagementID    string           `json:"engagementId"`
	Title           string           `json:"title"`
	ProcedureType   Type             `json:"procedureType"`
	Mode            Mode             `json:"mode"`
	Status          Status           `json:"status"`
	Sections        []Section        `json:"sections"`
	Recommendations []recommend.Item `json:"recommendations"`
	Materiality     *float64         `json:"materiality,omitempty"`
	Classifications []string         `json:"selectedClassifications,omitempty"`
	Review          Review           `json:"review"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// UnmarshalJSON accepts every recommendations shape older rows were stored
// with: structured items, a JSON-encoded string, plain text or a mapping keyed
// by section name. Untagged items are left for FromPayload to tag.
func (p *Payload) UnmarshalJSON(data []byte) error {
	type plain Payload
	var raw struct {
		plain
		Recommendations json.RawMessage `json:"recommendations"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Payload(raw.plain)
	p.Recommendations = recommend.Normalize(raw.Recommendations, "")
	return nil
}

// ToPersistablePayload strips field uids and pending marks.
func (d Document) ToPersistablePayload() Payload {
	c := d.clone()
	for i := range c.Sections {
		c.Sections[i].Fields = form.StripUIDs(c.Sections[i].Fields)
	}
	if c.Sections == nil {
		c.Sections = []Section{}
	}
	if c.Recommendations == nil {
		c.Recommendations = []recommend.Item{}
	}
	return Payload{
		ID:              c.ID,
		EngagementID:    c.EngagementID,
		Title:           c.Title,
		ProcedureType:   c.Type,
		Mode:            c.Mode,
		Status:          c.Status,
		Sections:        c.Sections,
		Recommendations: c.Recommendations,
		Materiality:     c.Materiality,
		Classifications: c.Classifications,
		Review:          c.Review,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

// FromPayload rebuilds a document from persisted data. Field uids are
// reassigned because persisted data has none, legacy type aliases are
// normalized and untagged recommendations get the default tag.
func FromPayload(p Payload, ids *form.Issuer) Document {
	d := Document{
		ID:              p.ID,
		EngagementID:    p.EngagementID,
		Title:           p.Title,
		Type:            p.ProcedureType,
		Mode:            p.Mode,
		Status:          p.Status,
		Materiality:     p.Materiality,
		Classifications: p.Classifications,
		Review:          p.Review,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
		ids:             orNewIssuer(ids),
	}
	if d.Status == "" {
		d.Status = StatusDraft
	}
	d.Sections = make([]Section, len(p.Sections))
	for i, section := range p.Sections {
		section = section.clone()
		section.Fields = form.WithStableUIDs(normalizeTypes(section.Fields), d.issuer())
		for j, field := range section.Fields {
			if field.Answer == nil {
				section.Fields[j].Answer = form.DefaultAnswer(field.Type, field.Columns)
			}
		}
		if section.Fields == nil {
			section.Fields = []form.Field{}
		}
		d.Sections[i] = section
	}
	d.Recommendations = recommend.EnsureTags(p.Recommendations, d.DefaultTag())
	d = d.clone()
	return d
}

func normalizeTypes(fields []form.Field) []form.Field {
	for i := range fields {
		fields[i].Type = form.NormalizeType(string(fields[i].Type))
		if fields[i].Type == "" {
			fields[i].Type = form.TypeText
		}
		if len(fields[i].Fields) > 0 {
			fields[i].Fields = normalizeTypes(fields[i].Fields)
		}
	}
	return fields
}

// DecodePayload parses a stored payload.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("decode procedure payload: %w", err)
	}
	return p, nil
}
