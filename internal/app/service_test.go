package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"auditdesk/api/internal/archive"
	"auditdesk/api/internal/auth"
	"auditdesk/api/internal/export"
	"auditdesk/api/internal/form"
	"auditdesk/api/internal/generate"
	"auditdesk/api/internal/genlock"
	"auditdesk/api/internal/gitrepo"
	"auditdesk/api/internal/procedure"
	"auditdesk/api/internal/store"
)

var (
	preparer = auth.Actor{ID: "u_ana", Name: "Ana", Role: "preparer"}
	partner  = auth.Actor{ID: "u_ben", Name: "Ben", Role: "partner"}
)

type fakeGenerator struct {
	name string
	fn   func(context.Context, generate.Request) (generate.Result, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, req generate.Request) (generate.Result, error) {
	return f.fn(ctx, req)
}

func (f *fakeGenerator) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

type fakeExporter struct {
	fn func(context.Context, procedure.Document, export.Format) (*export.Result, error)
}

func (f *fakeExporter) Export(ctx context.Context, doc procedure.Document, format export.Format) (*export.Result, error) {
	if f.fn != nil {
		return f.fn(ctx, doc, format)
	}
	return &export.Result{
		Data:     []byte("<html>" + doc.Title + "</html>"),
		Filename: "procedure." + string(format),
		MimeType: "text/html",
	}, nil
}

type fakeArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
	removed []string
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{objects: make(map[string][]byte)}
}

func (f *fakeArchive) Put(_ context.Context, procedureID string, reviewVersion int, filename, contentType string, data []byte) (archive.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := archive.ObjectKey(procedureID, reviewVersion, filename)
	f.objects[key] = append([]byte(nil), data...)
	return archive.Object{Key: key, Size: int64(len(data)), ContentType: contentType, URL: "https://archive.test/" + key}, nil
}

func (f *fakeArchive) Link(_ context.Context, key, _ string) (archive.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return archive.Object{}, fmt.Errorf("no object %q", key)
	}
	return archive.Object{Key: key, Size: int64(len(data)), URL: "https://archive.test/" + key, ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func (f *fakeArchive) RemoveProcedure(_ context.Context, procedureID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, procedureID)
	n := 0
	for key := range f.objects {
		if strings.HasPrefix(key, "procedures/"+procedureID+"/") {
			delete(f.objects, key)
			n++
		}
	}
	return n, nil
}

// flakyStore fails updates while failUpdates is set.
type flakyStore struct {
	*store.MemoryStore
	mu          sync.Mutex
	failUpdates bool
}

func (f *flakyStore) UpdateProcedure(ctx context.Context, item store.Procedure) error {
	f.mu.Lock()
	fail := f.failUpdates
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.MemoryStore.UpdateProcedure(ctx, item)
}

func (f *flakyStore) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failUpdates = fail
}

type testEnv struct {
	svc     *Service
	store   *flakyStore
	git     *gitrepo.Service
	archive *fakeArchive
	locks   genlock.Locker
}

func newTestEnv(t *testing.T, mutate ...func(*Deps)) testEnv {
	t.Helper()
	library, err := generate.LoadLibrary("")
	if err != nil {
		t.Fatalf("load library: %v", err)
	}
	env := testEnv{
		store:   &flakyStore{MemoryStore: store.NewMemoryStore()},
		git:     gitrepo.New(t.TempDir()),
		archive: newFakeArchive(),
		locks:   genlock.NewMemory(time.Minute),
	}
	deps := Deps{
		Store:    env.store,
		Git:      env.git,
		Exporter: &fakeExporter{},
		Archive:  env.archive,
		Library:  library,
		Locks:    env.locks,
		Logger:   zerolog.Nop(),
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	env.svc = New(deps)
	return env
}

func (e testEnv) create(t *testing.T, typ, mode string) ProcedureView {
	t.Helper()
	view, err := e.svc.CreateProcedure(context.Background(), preparer, CreateProcedureInput{
		EngagementID:  "eng_1",
		Title:         "FY26 " + typ,
		ProcedureType: typ,
		Mode:          mode,
	})
	if err != nil {
		t.Fatalf("create procedure: %v", err)
	}
	return view
}

func requireCode(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	_, code, _, _ := mapError(err)
	if code != want {
		t.Fatalf("expected code %s, got %s (%v)", want, code, err)
	}
}

func fieldByKey(doc procedure.Document, sectionID, key string) (form.Field, bool) {
	section, ok := doc.Section(sectionID)
	if !ok {
		return form.Field{}, false
	}
	for _, field := range section.Fields {
		if field.Key == key {
			return field, true
		}
	}
	return form.Field{}, false
}

func storedPayload(t *testing.T, e testEnv, id string) procedure.Payload {
	t.Helper()
	row, err := e.store.GetProcedure(context.Background(), id)
	if err != nil {
		t.Fatalf("get stored procedure: %v", err)
	}
	payload, err := procedure.DecodePayload(row.Payload)
	if err != nil {
		t.Fatalf("decode stored payload: %v", err)
	}
	return payload
}

func TestCreateProcedureSeedsSectionsAndHistory(t *testing.T) {
	env := newTestEnv(t)
	view := env.create(t, "planning", "")

	if view.Mode != procedure.ModeManual || view.Status != procedure.StatusDraft {
		t.Fatalf("unexpected defaults: mode=%s status=%s", view.Mode, view.Status)
	}
	if len(view.Sections) == 0 || view.Sections[0].ID != "engagement_acceptance" {
		t.Fatalf("expected library sections, got %+v", view.Sections)
	}
	if _, ok := view.Section("understanding_entity"); !ok {
		t.Fatal("expected understanding_entity section")
	}

	commits, err := env.svc.History(context.Background(), view.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(commits) != 1 || commits[0].Author != "Ana" {
		t.Fatalf("expected one commit by Ana, got %+v", commits)
	}

	items, err := env.svc.ListProcedures(context.Background(), store.ProcedureFilter{EngagementID: "eng_1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != view.ID || items[0].UpdatedBy != "Ana" {
		t.Fatalf("unexpected list %+v", items)
	}
}

func TestCreateProcedureValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name  string
		input CreateProcedureInput
	}{
		{"missing engagement", CreateProcedureInput{ProcedureType: "planning"}},
		{"unknown type", CreateProcedureInput{EngagementID: "e", ProcedureType: "interim"}},
		{"unknown mode", CreateProcedureInput{EngagementID: "e", ProcedureType: "planning", Mode: "magic"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreateProcedure(context.Background(), preparer, tt.input)
			requireCode(t, err, "VALIDATION_ERROR")
		})
	}
}

func TestGetMissingProcedure(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.GetProcedure(context.Background(), "proc_missing")
	requireCode(t, err, "PROCEDURE_NOT_FOUND")
}

func TestAddedFieldStaysOutOfStorageUntilConfirmed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	view := env.create(t, "completion", "")
	sectionID := view.Sections[0].ID

	view, uid, err := env.svc.AddField(ctx, preparer, view.ID, sectionID, "textarea")
	if err != nil {
		t.Fatal(err)
	}
	if len(view.PendingFields) != 1 || view.PendingFields[0] != uid {
		t.Fatalf("expected %s pending, got %v", uid, view.PendingFields)
	}
	if got := storedPayload(t, env, view.ID); len(got.Sections[0].Fields) != 0 {
		t.Fatalf("pending field reached storage: %+v", got.Sections[0].Fields)
	}

	// Saving something else must still leave the pending field out.
	other, err := env.svc.UpdateProcedure(ctx, preparer, view.ID, UpdateProcedureInput{Title: ptr("Renamed")})
	if err != nil {
		t.Fatal(err)
	}
	if len(other.PendingFields) != 1 {
		t.Fatalf("pending field lost on unrelated save: %v", other.PendingFields)
	}
	if got := storedPayload(t, env, view.ID); len(got.Sections[0].Fields) != 0 || got.Title != "Renamed" {
		t.Fatalf("unexpected stored payload %+v", got)
	}

	view, err = env.svc.ConfirmField(ctx, preparer, view.ID, uid)
	if err != nil {
		t.Fatal(err)
	}
	if len(view.PendingFields) != 0 {
		t.Fatalf("expected nothing pending, got %v", view.PendingFields)
	}
	if got := storedPayload(t, env, view.ID); len(got.Sections[0].Fields) != 1 {
		t.Fatalf("confirmed field not stored: %+v", got.Sections[0].Fields)
	}

	_, err = env.svc.CancelField(ctx, preparer, view.ID, uid)
	requireCode(t, err, "FIELD_NOT_PENDING")
	_, _, err = env.svc.AddField(ctx, preparer, view.ID, "nope", "text")
	requireCode(t, err, "SECTION_NOT_FOUND")
}

func TestCancelFieldDropsIt(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	view := env.create(t, "completion", "")

	view, uid, err := env.svc.AddField(ctx, preparer, view.ID, view.Sections[0].ID, "")
	if err != nil {
		t.Fatal(err)
	}
	view, err = env.svc.CancelField(ctx, preparer, view.ID, uid)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := view.Field(uid); ok || len(view.PendingFields) != 0 {
		t.Fatalf("expected field gone, got pending=%v", view.PendingFields)
	}
}

func TestGenerateKeepsUIDsAndAnswers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	view := env.create(t, "planning", "manual")

	view, err := env.svc.Generate(ctx, preparer, view.ID, GenerateInput{SectionID: "engagement_acceptance"})
	if err != nil {
		t.Fatal(err)
	}
	field, ok := fieldByKey(view.Document, "engagement_acceptance", "independence_confirmed")
	if !ok {
		t.Fatalf("expected generated field, got %+v", view.Sections[0].Fields)
	}
	if len(view.Recommendations) == 0 {
		t.Fatal("expected generated recommendations")
	}

	if _, err := env.svc.SetAnswer(ctx, preparer, view.ID, field.UID, true); err != nil {
		t.Fatal(err)
	}
	view, err = env.svc.Generate(ctx, preparer, view.ID, GenerateInput{SectionID: "engagement_acceptance"})
	if err != nil {
		t.Fatal(err)
	}
	again, _ := fieldByKey(view.Document, "engagement_acceptance", "independence_confirmed")
	if again.UID != field.UID || again.Answer != true {
		t.Fatalf("expected uid %s with answer kept, got %s %v", field.UID, again.UID, again.Answer)
	}

	visible, err := env.svc.VisibleFields(ctx, view.ID, "engagement_acceptance")
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range visible {
		if f.Key == "independence_threats" {
			t.Fatal("independence_threats should be hidden once independence is confirmed")
		}
	}
}

func TestGenerateFieldworkUsesClassificationSection(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	view := env.create(t, "fieldwork", "")
	cash := "Assets > Current > Cash"

	view, err := env.svc.Generate(ctx, preparer, view.ID, GenerateInput{Classification: cash})
	if err != nil {
		t.Fatal(err)
	}
	section, ok := view.Section(cash)
	if !ok || len(section.Fields) == 0 {
		t.Fatalf("expected section %q with fields, got %+v", cash, view.Sections)
	}
	for _, field := range section.Fields {
		if field.Scope != cash {
			t.Fatalf("field %s has scope %q", field.Key, field.Scope)
		}
	}
}

func TestGenerateEmptyResultChangesNothing(t *testing.T) {
	ctx := context.Background()
	ai := &fakeGenerator{fn: func(context.Context, generate.Request) (generate.Result, error) {
		return generate.Result{Questions: []any{}}, nil
	}}
	env := newTestEnv(t, func(d *Deps) { d.AI = ai })
	view := env.create(t, "planning", "ai")

	_, err := env.svc.Generate(ctx, preparer, view.ID, GenerateInput{SectionID: "engagement_acceptance"})
	requireCode(t, err, "GENERATION_EMPTY")

	commits, _ := env.svc.History(ctx, view.ID, 10)
	if len(commits) != 1 {
		t.Fatalf("expected no new commit, got %d", len(commits))
	}
}

func TestSetAnswerRejectsValueOfWrongType(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	view := env.create(t, "planning", "manual")

	view, err := env.svc.Generate(ctx, preparer, view.ID, GenerateInput{SectionID: "engagement_acceptance"})
	if err != nil {
		t.Fatal(err)
	}
	field, ok := fieldByKey(view.Document, "engagement_acceptance", "independence_confirmed")
	if !ok {
		t.Fatal("expected generated checkbox")
	}

	_, err = env.svc.SetAnswer(ctx, preparer, view.ID, field.UID, map[string]any{"nonsense": 1.0})
	requireCode(t, err, "VALIDATION_ERROR")

	reloaded, err := env.svc.GetProcedure(ctx, view.ID)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := fieldByKey(reloaded.Document, "engagement_acceptance", "independence_confirmed")
	if again.Answer != false {
		t.Fatalf("answer = %#v, want untouched false", again.Answer)
	}

	_, err = env.svc.SetAnswer(ctx, preparer, view.ID, "missing", true)
	requireCode(t, err, "FIELD_NOT_FOUND")
}

func TestGenerateWithoutQuestionListKeepsFields(t *testing.T) {
	ctx := context.Background()
	replies := []generate.Result{
		{Questions: []any{map[string]any{"key": "q1", "type": "checkbox", "question": "Confirmed?"}}},
		{Recommendations: []any{"Document the engagement letter"}},
		{Questions: map[string]any{"key": "q2"}},
		{Questions: "rewrite everything"},
	}
	var calls int
	ai := &fakeGenerator{fn: func(context.Context, generate.Request) (generate.Result, error) {
		reply := replies[calls]
		calls++
		return reply, nil
	}}
	env := newTestEnv(t, func(d *Deps) { d.AI = ai })
	view := env.create(t, "planning", "ai")
	const section = "engagement_acceptance"

	view, err := env.svc.Generate(ctx, preparer, view.ID, GenerateInput{SectionID: section})
	if err != nil {
		t.Fatal(err)
	}
	field, ok := fieldByKey(view.Document, section, "q1")
	if !ok {
		t.Fatal("expected q1 after the first generation")
	}
	if _, err := env.svc.SetAnswer(ctx, preparer, view.ID, field.UID, true); err != nil {
		t.Fatal(err)
	}

	view, err = env.svc.Generate(ctx, preparer, view.ID, GenerateInput{SectionID: section})
	if err != nil {
		t.Fatalf("recommendations-only reply: %v", err)
	}
	kept, ok := fieldByKey(view.Document, section, "q1")
	if !ok || kept.UID != field.UID || kept.Answer != true {
		t.Fatalf("recommendations-only reply touched fields: %+v", kept)
	}
	if len(view.Recommendations) != 1 || view.Recommendations[0].Text != "Document the engagement letter" {
		t.Fatalf("unexpected recommendations %+v", view.Recommendations)
	}

	for _, name := range []string{"map questions", "string questions"} {
		_, err = env.svc.Generate(ctx, preparer, view.ID, GenerateInput{SectionID: section})
		requireCode(t, err, "GENERATION_EMPTY")
		current, _ := env.svc.GetProcedure(ctx, view.ID)
		if got, ok := fieldByKey(current.Document, section, "q1"); !ok || got.Answer != true {
			t.Fatalf("%s: field lost: %+v", name, got)
		}
	}
}

func TestGenerateFailures(t *testing.T) {
	ctx := context.Background()
	ai := &fakeGenerator{fn: func(context.Context, generate.Request) (generate.Result, error) {
		return generate.Result{}, errors.New("quota exceeded")
	}}
	env := newTestEnv(t, func(d *Deps) { d.AI = ai })
	view := env.create(t, "planning", "ai")

	_, err := env.svc.Generate(ctx, preparer, view.ID, GenerateInput{SectionID: "engagement_acceptance"})
	requireCode(t, err, "GENERATION_FAILED")

	_, err = env.svc.Generate(ctx, preparer, view.ID, GenerateInput{})
	requireCode(t, err, "VALIDATION_ERROR")

	manual := env.create(t, "planning", "manual")
	_, err = env.svc.Generate(ctx, preparer, manual.ID, GenerateInput{SectionID: "no_such_section"})
	requireCode(t, err, "TEMPLATE_NOT_FOUND")
}

func TestGenerateRejectsBusyScope(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	view := env.create(t, "planning", "")

	release, err := env.locks.Acquire(ctx, view.ID, "engagement_acceptance")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.svc.Generate(ctx, preparer, view.ID, GenerateInput{SectionID: "engagement_acceptance"})
	requireCode(t, err, "GENERATION_IN_PROGRESS")

	release()
	if _, err := env.svc.Generate(ctx, preparer, view.ID, GenerateInput{SectionID: "engagement_acceptance"}); err != nil {
		t.Fatalf("expected generation after release, got %v", err)
	}
}

func TestGenerateAllReportsFailedScopes(t *testing.T) {
	ctx := context.Background()
	ai := &fakeGenerator{fn: func(_ context.Context, req generate.Request) (generate.Result, error) {
		if req.SectionID == "risk_assessment" {
			return generate.Result{}, errors.New("model overloaded")
		}
		return generate.Result{Questions: []any{
			map[string]any{"key": "q_" + req.SectionID, "type": "text", "question": "Question for " + req.SectionID},
		}}, nil
	}}
	env := newTestEnv(t, func(d *Deps) { d.AI = ai })
	view := env.create(t, "planning", "ai")

	result, err := env.svc.GenerateAll(ctx, preparer, view.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Failed) != 1 || result.Failed[0].Scope != "risk_assessment" || result.Failed[0].Code != "GENERATION_FAILED" {
		t.Fatalf("unexpected failures %+v", result.Failed)
	}
	if len(result.Generated) != len(view.Sections)-1 {
		t.Fatalf("expected %d generated scopes, got %v", len(view.Sections)-1, result.Generated)
	}
	for _, section := range result.Procedure.Sections {
		_, ok := fieldByKey(result.Procedure.Document, section.ID, "q_"+section.ID)
		if section.ID == "risk_assessment" && ok {
			t.Fatal("failed scope should be left untouched")
		}
		if section.ID != "risk_assessment" && !ok {
			t.Fatalf("section %s missing generated field", section.ID)
		}
	}
}

func TestGenerateAllFieldworkNeedsClassifications(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	view := env.create(t, "fieldwork", "")

	_, err := env.svc.GenerateAll(ctx, preparer, view.ID)
	requireCode(t, err, "VALIDATION_ERROR")

	classes := []string{"Assets > Current > Cash", "Income > Revenue"}
	if _, err := env.svc.UpdateProcedure(ctx, preparer, view.ID, UpdateProcedureInput{Classifications: &classes}); err != nil {
		t.Fatal(err)
	}
	result, err := env.svc.GenerateAll(ctx, preparer, view.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Failed) != 0 || len(result.Generated) != 2 {
		t.Fatalf("unexpected result generated=%v failed=%+v", result.Generated, result.Failed)
	}
	if result.Generated[0] != classes[0] || result.Generated[1] != classes[1] {
		t.Fatalf("expected scopes in classification order, got %v", result.Generated)
	}
}

func TestFailedSaveKeepsWorkingCopy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	view := env.create(t, "planning", "")
	view, err := env.svc.Generate(ctx, preparer, view.ID, GenerateInput{SectionID: "understanding_entity"})
	if err != nil {
		t.Fatal(err)
	}
	field, _ := fieldByKey(view.Document, "understanding_entity", "industry")

	env.store.setFail(true)
	if _, err := env.svc.SetAnswer(ctx, preparer, view.ID, field.UID, "Retail"); err == nil {
		t.Fatal("expected save failure")
	}
	env.store.setFail(false)

	current, err := env.svc.GetProcedure(ctx, view.ID)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := current.Field(field.UID)
	if got.Answer != field.Answer {
		t.Fatalf("working copy changed by failed save: %v", got.Answer)
	}

	current, err = env.svc.SetAnswer(ctx, preparer, view.ID, field.UID, "Retail")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := current.Field(field.UID); got.Answer != "Retail" {
		t.Fatalf("retry did not apply: %v", got.Answer)
	}
}

func TestEditTableRows(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	view := env.create(t, "planning", "")
	view, err := env.svc.Generate(ctx, preparer, view.ID, GenerateInput{SectionID: "understanding_entity"})
	if err != nil {
		t.Fatal(err)
	}
	table, ok := fieldByKey(view.Document, "understanding_entity", "related_party_list")
	if !ok {
		t.Fatal("expected related party table")
	}

	view, err = env.svc.EditTable(ctx, preparer, view.ID, table.UID, TableEdit{Op: "add"})
	if err != nil {
		t.Fatal(err)
	}
	view, err = env.svc.EditTable(ctx, preparer, view.ID, table.UID, TableEdit{Op: "update", Index: 0, Column: "Party", Value: "Holdco Ltd"})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := view.Field(table.UID)
	rows, _ := form.RowsOf(got.Answer)
	if len(rows) != 1 || rows[0]["Party"] != "Holdco Ltd" {
		t.Fatalf("unexpected rows %+v", rows)
	}

	_, err = env.svc.EditTable(ctx, preparer, view.ID, table.UID, TableEdit{Op: "remove", Index: 5})
	requireCode(t, err, "VALIDATION_ERROR")
	industry, _ := fieldByKey(view.Document, "understanding_entity", "industry")
	_, err = env.svc.EditTable(ctx, preparer, view.ID, industry.UID, TableEdit{Op: "add"})
	requireCode(t, err, "VALIDATION_ERROR")
}

func TestRenameFieldRejectsDuplicateKey(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	view := env.create(t, "planning", "")
	view, err := env.svc.Generate(ctx, preparer, view.ID, GenerateInput{SectionID: "understanding_entity"})
	if err != nil {
		t.Fatal(err)
	}
	industry, _ := fieldByKey(view.Document, "understanding_entity", "industry")

	_, err = env.svc.RenameField(ctx, preparer, view.ID, industry.UID, "has_related_parties")
	requireCode(t, err, "DUPLICATE_KEY")
	_, err = env.svc.RenameField(ctx, preparer, view.ID, industry.UID, "   ")
	requireCode(t, err, "VALIDATION_ERROR")

	view, err = env.svc.RenameField(ctx, preparer, view.ID, industry.UID, "sector")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := view.Field(industry.UID); got.Key != "sector" {
		t.Fatalf("key = %q", got.Key)
	}
}

func TestLockedProcedureRejectsEdits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	view := env.create(t, "planning", "")

	if _, err := env.svc.Review(ctx, partner, view.ID, ReviewInput{Action: "lock"}); err != nil {
		t.Fatal(err)
	}
	_, err := env.svc.UpdateProcedure(ctx, preparer, view.ID, UpdateProcedureInput{Title: ptr("x")})
	requireCode(t, err, "PROCEDURE_LOCKED")
	_, err = env.svc.Generate(ctx, preparer, view.ID, GenerateInput{SectionID: "engagement_acceptance"})
	requireCode(t, err, "PROCEDURE_LOCKED")
	_, err = env.svc.Review(ctx, partner, view.ID, ReviewInput{Action: "approve"})
	requireCode(t, err, "PROCEDURE_LOCKED")

	view, err = env.svc.Review(ctx, partner, view.ID, ReviewInput{Action: "unlock"})
	if err != nil {
		t.Fatal(err)
	}
	if view.Review.Locked {
		t.Fatal("expected unlocked")
	}
	if _, err := env.svc.UpdateProcedure(ctx, preparer, view.ID, UpdateProcedureInput{Title: ptr("x")}); err != nil {
		t.Fatalf("expected edit after unlock, got %v", err)
	}
}

func TestSignOffTagsCommitAndRecordsEvent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	view := env.create(t, "completion", "")

	if _, err := env.svc.Review(ctx, partner, view.ID, ReviewInput{Action: "assign"}); err != nil {
		t.Fatal(err)
	}
	view, err := env.svc.Review(ctx, partner, view.ID, ReviewInput{Action: "signoff"})
	if err != nil {
		t.Fatal(err)
	}
	if !view.Review.SignedOff || view.Review.Version != 2 || view.Review.ReviewerID != partner.ID {
		t.Fatalf("unexpected review %+v", view.Review)
	}

	tags, err := env.svc.Tags(ctx, view.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 1 || tags[0].Name != gitrepo.SignoffTagName(2) {
		t.Fatalf("expected sign-off tag, got %+v", tags)
	}

	events, err := env.svc.ReviewEvents(ctx, view.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Action != "signoff" || events[0].ActorName != "Ben" || events[0].CommitHash == "" {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].CommitHash != tags[0].Hash {
		t.Fatalf("event commit %s does not match tag %s", events[0].CommitHash, tags[0].Hash)
	}

	version, err := env.svc.Version(ctx, view.ID, tags[0].Name)
	if err != nil {
		t.Fatal(err)
	}
	if !version.Procedure.Review.SignedOff {
		t.Fatal("tagged version should be signed off")
	}

	_, err = env.svc.Review(ctx, partner, view.ID, ReviewInput{Action: "merge"})
	requireCode(t, err, "VALIDATION_ERROR")
}

func TestDiffBetweenVersions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	view := env.create(t, "planning", "")
	commits, _ := env.svc.History(ctx, view.ID, 1)
	first := commits[0].Hash

	if _, err := env.svc.Generate(ctx, preparer, view.ID, GenerateInput{SectionID: "engagement_acceptance"}); err != nil {
		t.Fatal(err)
	}
	diff, err := env.svc.Diff(ctx, view.ID, first, "")
	if err != nil {
		t.Fatal(err)
	}
	if diff.Diff.Empty() || diff.From.Hash != first {
		t.Fatalf("expected changes since %s, got %+v", first, diff)
	}

	_, err = env.svc.Diff(ctx, view.ID, "", "")
	requireCode(t, err, "VALIDATION_ERROR")
	_, err = env.svc.Version(ctx, view.ID, "deadbeef")
	requireCode(t, err, "VERSION_NOT_FOUND")
}

func TestRecommendations(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	view := env.create(t, "planning", "")

	view, err := env.svc.ReplaceRecommendations(ctx, preparer, view.ID, "risk_assessment", []any{"Document fraud risk responses.", "Brief the team on fraud risk."})
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Recommendations) != 2 {
		t.Fatalf("expected 2 recommendations, got %+v", view.Recommendations)
	}
	id := view.Recommendations[0].ID
	view, err = env.svc.SetRecommendationChecked(ctx, preparer, view.ID, id, true)
	if err != nil {
		t.Fatal(err)
	}
	if !view.Recommendations[0].Checked {
		t.Fatal("expected recommendation checked")
	}
	_, err = env.svc.SetRecommendationChecked(ctx, preparer, view.ID, "missing", true)
	requireCode(t, err, "RECOMMENDATION_NOT_FOUND")

	groups, err := env.svc.RecommendationGroups(ctx, view.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].Tag != "risk_assessment" || len(groups[0].Items) != 2 {
		t.Fatalf("unexpected groups %+v", groups)
	}

	view, err = env.svc.ImportRecommendations(ctx, preparer, view.ID, "*Cash*\n- Obtain bank confirmations\n- Review subsequent receipts")
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Recommendations) != 2 || view.Recommendations[0].Checked {
		t.Fatalf("expected imported items, got %+v", view.Recommendations)
	}
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	view := env.create(t, "planning", "")

	view, err := env.svc.SetStatus(ctx, preparer, view.ID, "completed")
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != procedure.StatusCompleted {
		t.Fatalf("status = %s", view.Status)
	}
	_, err = env.svc.SetStatus(ctx, preparer, view.ID, "archived")
	requireCode(t, err, "VALIDATION_ERROR")
}

func TestExportArchivesAndLists(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	view := env.create(t, "planning", "")

	out, err := env.svc.Export(ctx, preparer, view.ID, "html", false)
	if err != nil {
		t.Fatal(err)
	}
	if out.Archive != nil || !strings.Contains(string(out.Result.Data), "FY26 planning") {
		t.Fatalf("unexpected plain export %+v", out)
	}

	out, err = env.svc.Export(ctx, preparer, view.ID, "HTML", true)
	if err != nil {
		t.Fatal(err)
	}
	if out.Archive == nil || out.Archive.Key != archive.ObjectKey(view.ID, 0, "procedure.html") {
		t.Fatalf("unexpected archive %+v", out.Archive)
	}

	items, err := env.svc.Archives(ctx, view.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Format != "html" || items[0].URL == "" || items[0].CreatedBy != "Ana" {
		t.Fatalf("unexpected archives %+v", items)
	}

	_, err = env.svc.Export(ctx, preparer, view.ID, "xlsx", false)
	requireCode(t, err, "VALIDATION_ERROR")
}

func TestExportWithoutArchive(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Archive = nil })
	view := env.create(t, "planning", "")
	_, err := env.svc.Export(context.Background(), preparer, view.ID, "pdf", true)
	requireCode(t, err, "ARCHIVE_DISABLED")
}

func TestDeleteProcedureCleansUp(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	view := env.create(t, "planning", "")
	if _, err := env.svc.Export(ctx, preparer, view.ID, "html", true); err != nil {
		t.Fatal(err)
	}

	if err := env.svc.DeleteProcedure(ctx, view.ID); err != nil {
		t.Fatal(err)
	}
	_, err := env.svc.GetProcedure(ctx, view.ID)
	requireCode(t, err, "PROCEDURE_NOT_FOUND")
	if _, err := env.git.History(view.ID, 1); !errors.Is(err, gitrepo.ErrNoHistory) {
		t.Fatalf("expected history removed, got %v", err)
	}
	if len(env.archive.removed) != 1 || len(env.archive.objects) != 0 {
		t.Fatalf("expected archive cleared, got removed=%v objects=%d", env.archive.removed, len(env.archive.objects))
	}

	err = env.svc.DeleteProcedure(ctx, view.ID)
	requireCode(t, err, "PROCEDURE_NOT_FOUND")
}

func TestWorkingCopySurvivesReload(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	view := env.create(t, "planning", "")
	if _, err := env.svc.Generate(ctx, preparer, view.ID, GenerateInput{SectionID: "engagement_acceptance"}); err != nil {
		t.Fatal(err)
	}

	// A second service over the same storage sees the saved document with
	// fresh uids.
	restarted := New(Deps{Store: env.store, Git: env.git, Exporter: &fakeExporter{}, Logger: zerolog.Nop()})
	reloaded, err := restarted.GetProcedure(ctx, view.ID)
	if err != nil {
		t.Fatal(err)
	}
	field, ok := fieldByKey(reloaded.Document, "engagement_acceptance", "independence_confirmed")
	if !ok || field.UID == "" {
		t.Fatalf("expected reloaded field with uid, got %+v", field)
	}
	again, _ := restarted.GetProcedure(ctx, view.ID)
	if got, _ := fieldByKey(again.Document, "engagement_acceptance", "independence_confirmed"); got.UID != field.UID {
		t.Fatalf("uid changed between reads: %s vs %s", field.UID, got.UID)
	}
}

func TestStaleWorkingCopyIsRefused(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	view := env.create(t, "planning", "")

	// Two replicas over one database, both holding the same revision.
	other := New(Deps{Store: env.store, Git: env.git, Exporter: &fakeExporter{}, Logger: zerolog.Nop()})
	if _, err := other.GetProcedure(ctx, view.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := env.svc.UpdateProcedure(ctx, preparer, view.ID, UpdateProcedureInput{Title: ptr("Saved first")}); err != nil {
		t.Fatal(err)
	}
	_, err := other.UpdateProcedure(ctx, preparer, view.ID, UpdateProcedureInput{Title: ptr("Saved second")})
	requireCode(t, err, "PROCEDURE_CONFLICT")

	stored, err := env.store.GetProcedure(ctx, view.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Title != "Saved first" {
		t.Fatalf("stale save overwrote the row: title %q", stored.Title)
	}

	// The refused replica reloads and can save on top of the winner.
	reloaded, err := other.GetProcedure(ctx, view.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Title != "Saved first" {
		t.Fatalf("reloaded title = %q, want the winning save", reloaded.Title)
	}
	if _, err := other.UpdateProcedure(ctx, preparer, view.ID, UpdateProcedureInput{Title: ptr("Saved second")}); err != nil {
		t.Fatalf("save after reload: %v", err)
	}
}

func TestIdleWorkingCopiesAreDropped(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(d *Deps) { d.IdleTimeout = 10 * time.Minute })
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env.svc.now = func() time.Time { return clock }

	idle := env.create(t, "planning", "")
	busy := env.create(t, "fieldwork", "")

	clock = clock.Add(8 * time.Minute)
	if _, err := env.svc.GetProcedure(ctx, busy.ID); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(5 * time.Minute)
	if _, err := env.svc.GetProcedure(ctx, busy.ID); err != nil {
		t.Fatal(err)
	}

	env.svc.mu.Lock()
	_, idleKept := env.svc.working[idle.ID]
	_, busyKept := env.svc.working[busy.ID]
	env.svc.mu.Unlock()
	if idleKept {
		t.Fatal("expected idle working copy to be dropped")
	}
	if !busyKept {
		t.Fatal("expected recently used working copy to stay")
	}

	// A dropped copy reloads from the store on the next read.
	again, err := env.svc.GetProcedure(ctx, idle.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != idle.ID || len(again.Sections) == 0 {
		t.Fatalf("unexpected reload: %+v", again.Document)
	}
}

func ptr[T any](v T) *T { return &v }
