package gitrepo

import (
	"auditdesk/api/internal/form"
	"auditdesk/api/internal/procedure"
)

const (
	ChangeAdded    = "added"
	ChangeRemoved  = "removed"
	ChangeModified = "modified"
)

type FieldChange struct {
	Key    string `json:"key"`
	Label  string `json:"label"`
	Change string `json:"change"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

type SectionChange struct {
	SectionID string        `json:"sectionId"`
	Title     string        `json:"title"`
	Change    string        `json:"change"`
	Fields    []FieldChange `json:"fields,omitempty"`
}

type Diff struct {
	Sections               []SectionChange `json:"sections"`
	RecommendationsAdded   []string        `json:"recommendationsAdded,omitempty"`
	RecommendationsRemoved []string        `json:"recommendationsRemoved,omitempty"`
	StatusBefore           string          `json:"statusBefore,omitempty"`
	StatusAfter            string          `json:"statusAfter,omitempty"`
}

// Empty reports whether the two versions differ in anything Diff tracks.
func (d Diff) Empty() bool {
	return len(d.Sections) == 0 && len(d.RecommendationsAdded) == 0 &&
		len(d.RecommendationsRemoved) == 0 && d.StatusBefore == d.StatusAfter
}

// DiffPayloads compares two versions section by section. Sections match by
// id and fields by key, since persisted versions carry no field uids.
// Answers are compared in their rendered form.
func DiffPayloads(from, to procedure.Payload) Diff {
	diff := Diff{Sections: []SectionChange{}}
	if from.Status != to.Status {
		diff.StatusBefore = string(from.Status)
		diff.StatusAfter = string(to.Status)
	}

	before := make(map[string]procedure.Section, len(from.Sections))
	for _, s := range from.Sections {
		before[s.ID] = s
	}
	seen := make(map[string]struct{}, len(to.Sections))
	for _, s := range to.Sections {
		seen[s.ID] = struct{}{}
		old, ok := before[s.ID]
		if !ok {
			diff.Sections = append(diff.Sections, SectionChange{
				SectionID: s.ID,
				Title:     s.Title,
				Change:    ChangeAdded,
				Fields:    diffFields(nil, s.Fields),
			})
			continue
		}
		fields := diffFields(old.Fields, s.Fields)
		if len(fields) > 0 || old.Title != s.Title {
			diff.Sections = append(diff.Sections, SectionChange{
				SectionID: s.ID,
				Title:     s.Title,
				Change:    ChangeModified,
				Fields:    fields,
			})
		}
	}
	for _, s := range from.Sections {
		if _, ok := seen[s.ID]; ok {
			continue
		}
		diff.Sections = append(diff.Sections, SectionChange{SectionID: s.ID, Title: s.Title, Change: ChangeRemoved})
	}

	oldTexts := make(map[string]struct{}, len(from.Recommendations))
	for _, item := range from.Recommendations {
		oldTexts[item.Text] = struct{}{}
	}
	newTexts := make(map[string]struct{}, len(to.Recommendations))
	for _, item := range to.Recommendations {
		newTexts[item.Text] = struct{}{}
		if _, ok := oldTexts[item.Text]; !ok {
			diff.RecommendationsAdded = append(diff.RecommendationsAdded, item.Text)
		}
	}
	for _, item := range from.Recommendations {
		if _, ok := newTexts[item.Text]; !ok {
			diff.RecommendationsRemoved = append(diff.RecommendationsRemoved, item.Text)
		}
	}
	return diff
}

func diffFields(from, to []form.Field) []FieldChange {
	before := make(map[string]form.Field, len(from))
	for _, f := range from {
		before[form.NormalizeKey(f.Key)] = f
	}
	var out []FieldChange
	seen := make(map[string]struct{}, len(to))
	for _, f := range to {
		key := form.NormalizeKey(f.Key)
		seen[key] = struct{}{}
		old, ok := before[key]
		if !ok {
			out = append(out, FieldChange{Key: f.Key, Label: f.DisplayLabel(), Change: ChangeAdded, After: form.RenderableAnswer(f)})
			continue
		}
		oldAnswer, newAnswer := form.RenderableAnswer(old), form.RenderableAnswer(f)
		if oldAnswer != newAnswer || old.DisplayLabel() != f.DisplayLabel() || old.Type != f.Type {
			out = append(out, FieldChange{Key: f.Key, Label: f.DisplayLabel(), Change: ChangeModified, Before: oldAnswer, After: newAnswer})
		}
	}
	for _, f := range from {
		if _, ok := seen[form.NormalizeKey(f.Key)]; ok {
			continue
		}
		out = append(out, FieldChange{Key: f.Key, Label: f.DisplayLabel(), Change: ChangeRemoved, Before: form.RenderableAnswer(f)})
	}
	return out
}
