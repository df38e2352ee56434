// Package procedure is the aggregate root of an audit workpaper: sections of
// typed fields, recommendations and review metadata.
//
// Document is a value. Every mutation returns a new Document and leaves the
// receiver untouched, so a caller can keep the previous snapshot for retry or
// comparison.
package procedure

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"auditdesk/api/internal/form"
	"auditdesk/api/internal/recommend"
)

type Type string

const (
	TypePlanning   Type = "planning"
	TypeFieldwork  Type = "fieldwork"
	TypeCompletion Type = "completion"
)

type Mode string

const (
	ModeManual Mode = "manual"
	ModeAI     Mode = "ai"
	ModeHybrid Mode = "hybrid"
)

type Status string

const (
	StatusDraft      Status = "draft"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

var ErrSectionNotFound = errors.New("section not found")

// ErrFieldNotFound is returned when no field carries the requested uid.
var ErrFieldNotFound = errors.New("field not found")

const (
	newFieldKey   = "new_question"
	newFieldLabel = "New question"
)

// ParseType reports whether raw names a procedure type.
func ParseType(raw string) (Type, bool) {
	switch t := Type(strings.ToLower(strings.TrimSpace(raw))); t {
	case TypePlanning, TypeFieldwork, TypeCompletion:
		return t, true
	default:
		return "", false
	}
}

// ParseMode reports whether raw names a generation mode.
func ParseMode(raw string) (Mode, bool) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeManual, ModeAI, ModeHybrid:
		return m, true
	default:
		return "", false
	}
}

// ParseStatus reports whether raw names a document status.
func ParseStatus(raw string) (Status, bool) {
	switch st := Status(strings.ToLower(strings.TrimSpace(raw))); st {
	case StatusDraft, StatusInProgress, StatusCompleted:
		return st, true
	default:
		return "", false
	}
}

type Section struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Standards []string     `json:"standards,omitempty"`
	Currency  string       `json:"currency,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Fields    []form.Field `json:"fields"`
}

func (s Section) clone() Section {
	out := s
	if s.Standards != nil {
		out.Standards = append([]string(nil), s.Standards...)
	}
	if s.Fields != nil {
		out.Fields = make([]form.Field, len(s.Fields))
		for i, field := range s.Fields {
			out.Fields[i] = field.Clone()
		}
	}
	return out
}

// scope is the tag given to fields added by hand: the scope already used by
// the section's fields, else the section id.
func (s Section) scope() string {
	for i := len(s.Fields) - 1; i >= 0; i-- {
		if s.Fields[i].Scope != "" {
			return s.Fields[i].Scope
		}
	}
	return s.ID
}

type Document struct {
	ID              string           `json:"id"`
	EngagementID    string           `json:"engagementId"`
	Title           string           `json:"title"`
	Type            Type             `json:"procedureType"`
	Mode            Mode             `json:"mode"`
	Status          Status           `json:"status"`
	Sections        []Section        `json:"sections"`
	Recommendations []recommend.Item `json:"recommendations"`
	Materiality     *float64         `json:"materiality,omitempty"`
	Classifications []string         `json:"selectedClassifications,omitempty"`
	Review          Review           `json:"review"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`

	pending map[string]struct{}
	ids     *form.Issuer
}

// New returns an empty draft document whose field uids come from ids.
func New(id, engagementID, title string, typ Type, mode Mode, ids *form.Issuer) Document {
	return Document{
		ID:              id,
		EngagementID:    engagementID,
		Title:           title,
		Type:            typ,
		Mode:            mode,
		Status:          StatusDraft,
		Sections:        []Section{},
		Recommendations: []recommend.Item{},
		ids:             orNewIssuer(ids),
	}
}

func orNewIssuer(ids *form.Issuer) *form.Issuer {
	if ids == nil {
		return form.NewIssuer("")
	}
	return ids
}

func (d Document) clone() Document {
	out := d
	if d.Sections != nil {
		out.Sections = make([]Section, len(d.Sections))
		for i, section := range d.Sections {
			out.Sections[i] = section.clone()
		}
	}
	if d.Recommendations != nil {
		out.Recommendations = append([]recommend.Item(nil), d.Recommendations...)
	}
	if d.Classifications != nil {
		out.Classifications = append([]string(nil), d.Classifications...)
	}
	if d.Materiality != nil {
		materiality := *d.Materiality
		out.Materiality = &materiality
	}
	out.Review = d.Review.clone()
	out.ids = orNewIssuer(out.ids)
	out.pending = make(map[string]struct{}, len(d.pending))
	for uid := range d.pending {
		out.pending[uid] = struct{}{}
	}
	return out
}

// issuer is only called on clones, which always carry one.
func (d Document) issuer() *form.Issuer {
	return d.ids
}

func (d Document) sectionIndex(sectionID string) int {
	for i, section := range d.Sections {
		if section.ID == sectionID {
			return i
		}
	}
	return -1
}

// locate finds the top-level field with uid.
func (d Document) locate(uid string) (int, int, bool) {
	if uid == "" {
		return 0, 0, false
	}
	for si, section := range d.Sections {
		for fi, field := range section.Fields {
			if field.UID == uid {
				return si, fi, true
			}
		}
	}
	return 0, 0, false
}

// Field returns the field with uid.
func (d Document) Field(uid string) (form.Field, bool) {
	si, fi, ok := d.locate(uid)
	if !ok {
		return form.Field{}, false
	}
	return d.Sections[si].Fields[fi].Clone(), true
}

// Section returns the section with id.
func (d Document) Section(sectionID string) (Section, bool) {
	i := d.sectionIndex(sectionID)
	if i < 0 {
		return Section{}, false
	}
	return d.Sections[i].clone(), true
}

// WithSection appends a section, or replaces the metadata of an existing one
// while keeping its fields.
func (d Document) WithSection(section Section) Document {
	out := d.clone()
	if i := out.sectionIndex(section.ID); i >= 0 {
		fields := out.Sections[i].Fields
		out.Sections[i] = section.clone()
		out.Sections[i].Fields = fields
		return out
	}
	section = section.clone()
	section.Fields = form.WithStableUIDs(section.Fields, out.issuer())
	if section.Fields == nil {
		section.Fields = []form.Field{}
	}
	out.Sections = append(out.Sections, section)
	return out
}

// AddField appends a new pending field of type t to a section and returns its uid.
func (d Document) AddField(sectionID string, t form.Type) (Document, string, error) {
	si := d.sectionIndex(sectionID)
	if si < 0 {
		return d, "", ErrSectionNotFound
	}
	if t == "" {
		t = form.TypeText
	}
	t = form.NormalizeType(string(t))

	out := d.clone()
	section := &out.Sections[si]
	taken := make(map[string]struct{}, len(section.Fields))
	for _, field := range section.Fields {
		taken[form.NormalizeKey(field.Key)] = struct{}{}
	}
	field := form.Field{
		UID:      out.issuer().Next(),
		Key:      form.UniqueKey(newFieldKey, taken),
		Type:     t,
		Label:    newFieldLabel,
		Required: false,
		Answer:   form.DefaultAnswer(t, nil),
		Scope:    section.scope(),
	}
	section.Fields = append(section.Fields, field)
	out.pending[field.UID] = struct{}{}
	return out, field.UID, nil
}

// Pending reports whether uid was added and not yet confirmed.
func (d Document) Pending(uid string) bool {
	_, ok := d.pending[uid]
	return ok
}

// PendingUIDs lists unconfirmed field uids in document order.
func (d Document) PendingUIDs() []string {
	var uids []string
	for _, section := range d.Sections {
		for _, field := range section.Fields {
			if d.Pending(field.UID) {
				uids = append(uids, field.UID)
			}
		}
	}
	return uids
}

// ConfirmField keeps a pending field.
func (d Document) ConfirmField(uid string) (Document, bool) {
	if !d.Pending(uid) {
		return d, false
	}
	out := d.clone()
	delete(out.pending, uid)
	return out, true
}

// CancelField removes a pending field. Confirmed fields are left alone.
func (d Document) CancelField(uid string) (Document, bool) {
	if !d.Pending(uid) {
		return d, false
	}
	return d.RemoveField(uid)
}

// SetFieldAnswer replaces the answer of the field with uid after coercing it
// to the field's type. A value of the wrong shape wraps form.ErrInvalidAnswer.
func (d Document) SetFieldAnswer(uid string, value any) (Document, error) {
	si, fi, ok := d.locate(uid)
	if !ok {
		return d, ErrFieldNotFound
	}
	field := d.Sections[si].Fields[fi]
	answer, err := form.CoerceAnswer(field.Type, field.Columns, value)
	if err != nil {
		return d, fmt.Errorf("field %s: %w", field.Key, err)
	}
	out := d.clone()
	out.Sections[si].Fields[fi].Answer = answer
	return out, nil
}

// PatchField applies display and shape attributes to the field with uid. Key
// changes go through RenameFieldKey; uid and scope cannot be patched. A type
// change without an explicit answer resets the answer to the new type's default.
func (d Document) PatchField(uid string, attrs map[string]any) (Document, bool) {
	si, fi, ok := d.locate(uid)
	if !ok {
		return d, false
	}
	allowed := make(map[string]any, len(attrs))
	for name, value := range attrs {
		switch name {
		case "key", "uid", "scope":
			continue
		}
		allowed[name] = value
	}

	out := d.clone()
	before := out.Sections[si].Fields[fi]
	patched := form.Overlay(before, allowed)
	if _, hasAnswer := allowed["answer"]; !hasAnswer && patched.Type != before.Type {
		patched.Answer = form.DefaultAnswer(patched.Type, patched.Columns)
	}
	patched.Fields = form.WithStableUIDs(patched.Fields, out.issuer())
	out.Sections[si].Fields[fi] = patched
	return out, true
}

// CleanKey trims a proposed key and collapses inner whitespace runs to "_".
func CleanKey(raw string) string {
	return strings.Join(strings.Fields(raw), "_")
}

// RenameFieldKey changes the key of the field with uid. It is rejected, leaving
// the document unchanged, when the cleaned key is empty or is already used by a
// sibling in the same section.
func (d Document) RenameFieldKey(uid, raw string) (Document, bool) {
	si, fi, ok := d.locate(uid)
	if !ok {
		return d, false
	}
	key := CleanKey(raw)
	if key == "" {
		return d, false
	}
	normalized := form.NormalizeKey(key)
	for i, sibling := range d.Sections[si].Fields {
		if i != fi && form.NormalizeKey(sibling.Key) == normalized {
			return d, false
		}
	}
	out := d.clone()
	out.Sections[si].Fields[fi].Key = key
	return out, true
}

// RemoveField deletes the field with uid.
func (d Document) RemoveField(uid string) (Document, bool) {
	si, fi, ok := d.locate(uid)
	if !ok {
		return d, false
	}
	out := d.clone()
	fields := out.Sections[si].Fields
	out.Sections[si].Fields = append(fields[:fi:fi], fields[fi+1:]...)
	delete(out.pending, uid)
	return out, true
}

// MergeGenerated folds a generated question batch into one scope of a section,
// creating the section when it does not exist yet.
func (d Document) MergeGenerated(sectionID, scope string, batch any) Document {
	out := d.clone()
	si := out.sectionIndex(sectionID)
	if si < 0 {
		out.Sections = append(out.Sections, Section{ID: sectionID, Title: scope, Fields: []form.Field{}})
		si = len(out.Sections) - 1
	}
	merged := form.MergeBatch(out.Sections[si].Fields, batch, scope, out.issuer())
	kept := make(map[string]struct{}, len(merged))
	for _, field := range merged {
		kept[field.UID] = struct{}{}
	}
	for uid := range out.pending {
		if _, ok := kept[uid]; !ok && out.sectionHolds(si, uid) {
			delete(out.pending, uid)
		}
	}
	out.Sections[si].Fields = merged
	return out
}

func (d Document) sectionHolds(si int, uid string) bool {
	for _, field := range d.Sections[si].Fields {
		if field.UID == uid {
			return true
		}
	}
	return false
}

// ReplaceRecommendations swaps the recommendations of one scope for a freshly
// generated or imported raw payload.
func (d Document) ReplaceRecommendations(scope string, raw any) Document {
	out := d.clone()
	items := recommend.Normalize(raw, scope)
	out.Recommendations = recommend.ReplaceScope(out.Recommendations, items, scope)
	return out
}

// ImportFreeTextRecommendations replaces all recommendations with items
// recovered from legacy free text.
func (d Document) ImportFreeTextRecommendations(text string) Document {
	out := d.clone()
	out.Recommendations = recommend.FromFreeText(text, d.Classifications, d.DefaultTag())
	return out
}

// SetRecommendationChecked toggles a recommendation's completion flag.
func (d Document) SetRecommendationChecked(id string, checked bool) (Document, bool) {
	items, ok := recommend.SetChecked(d.Recommendations, id, checked)
	if !ok {
		return d, false
	}
	out := d.clone()
	out.Recommendations = items
	return out, true
}

func (d Document) Rename(title string) Document {
	out := d.clone()
	out.Title = title
	return out
}

// SetMode changes which generator serves the document from now on. Existing
// fields are kept.
func (d Document) SetMode(mode Mode) Document {
	out := d.clone()
	out.Mode = mode
	return out
}

// SetClassifications replaces the selected classifications.
func (d Document) SetClassifications(classifications []string) Document {
	out := d.clone()
	out.Classifications = append([]string(nil), classifications...)
	return out
}

// SetMateriality sets or clears the materiality figure.
func (d Document) SetMateriality(materiality *float64) Document {
	out := d.clone()
	out.Materiality = nil
	if materiality != nil {
		value := *materiality
		out.Materiality = &value
	}
	return out
}

// DefaultTag is the tag given to untagged recommendations: the first selected
// classification, else the first section id.
func (d Document) DefaultTag() string {
	for _, classification := range d.Classifications {
		if strings.TrimSpace(classification) != "" {
			return classification
		}
	}
	if len(d.Sections) > 0 {
		return d.Sections[0].ID
	}
	return ""
}

// Answers maps every field key in the document to its answer. Later sections
// win on key collisions.
func (d Document) Answers() map[string]any {
	answers := make(map[string]any)
	for _, section := range d.Sections {
		for _, field := range section.Fields {
			answers[field.Key] = field.Answer
		}
	}
	return answers
}

// SectionAnswers is Answers with the section's own keys taking precedence, the
// lookup used for visibility inside that section.
func (d Document) SectionAnswers(sectionID string) map[string]any {
	answers := d.Answers()
	if i := d.sectionIndex(sectionID); i >= 0 {
		for _, field := range d.Sections[i].Fields {
			answers[field.Key] = field.Answer
		}
	}
	return answers
}

// VisibleFields returns the displayable fields of a section whose visibility
// rules hold against the current answers.
func (d Document) VisibleFields(sectionID string) []form.Field {
	i := d.sectionIndex(sectionID)
	if i < 0 {
		return nil
	}
	answers := d.SectionAnswers(sectionID)
	var visible []form.Field
	for _, field := range d.Sections[i].Fields {
		if field.Displayable() && form.IsVisible(field, answers) {
			visible = append(visible, field.Clone())
		}
	}
	return visible
}

// RecommendationGroups partitions recommendations by tag, untagged items
// falling under DefaultTag.
func (d Document) RecommendationGroups() []recommend.Group[recommend.Item] {
	items := recommend.EnsureTags(d.Recommendations, d.DefaultTag())
	return recommend.GroupByTag(items, recommend.BySection)
}

// ExportRows flattens every section for an export renderer.
func (d Document) ExportRows() []form.ExportRow {
	var rows []form.ExportRow
	for _, section := range d.Sections {
		rows = append(rows, form.ExportRows(section.Title, section.Fields, d.SectionAnswers(section.ID))...)
	}
	return rows
}

// SetStatus accepts any status; transitions are not policed.
func (d Document) SetStatus(status Status) Document {
	out := d.clone()
	out.Status = status
	return out
}

func (d Document) MarkCompleted() Document { return d.SetStatus(StatusCompleted) }

func (d Document) MarkInProgress() Document { return d.SetStatus(StatusInProgress) }

// Touch stamps UpdatedAt (and CreatedAt on first save).
func (d Document) Touch(at time.Time) Document {
	out := d.clone()
	if out.CreatedAt.IsZero() {
		out.CreatedAt = at
	}
	out.UpdatedAt = at
	return out
}
