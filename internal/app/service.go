package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
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
	"auditdesk/api/internal/recommend"
	"auditdesk/api/internal/search"
	"auditdesk/api/internal/store"
	"auditdesk/api/internal/util"
)

// Store is the persistence the service needs; PostgresStore and MemoryStore both satisfy it.
type Store interface {
	ListProcedures(context.Context, store.ProcedureFilter) ([]store.ProcedureSummary, error)
	GetProcedure(context.Context, string) (store.Procedure, error)
	InsertProcedure(context.Context, store.Procedure) error
	UpdateProcedure(context.Context, store.Procedure) error
	DeleteProcedure(context.Context, string) error
	InsertReviewEvent(context.Context, store.ReviewEvent) error
	ListReviewEvents(context.Context, string, int) ([]store.ReviewEvent, error)
	InsertExportArchive(context.Context, store.ExportArchive) error
	ListExportArchives(context.Context, string) ([]store.ExportArchive, error)
	Ping(ctx context.Context) error
}

type gitService interface {
	Commit(string, procedure.Payload, string, string) (gitrepo.CommitInfo, bool, error)
	Snapshot(string, string) (procedure.Payload, gitrepo.CommitInfo, error)
	History(string, int) ([]gitrepo.CommitInfo, error)
	Tag(string, string, string, string) error
	Tags(string) ([]gitrepo.TagInfo, error)
	Remove(string) error
}

type searchService interface {
	Search(context.Context, search.Query) search.Response
	Index(search.ProcedureRecord, []search.RecommendationRecord)
	Delete(string)
}

type exportService interface {
	Export(context.Context, procedure.Document, export.Format) (*export.Result, error)
}

type archiveService interface {
	Put(ctx context.Context, procedureID string, reviewVersion int, filename, contentType string, data []byte) (archive.Object, error)
	Link(ctx context.Context, key, filename string) (archive.Object, error)
	RemoveProcedure(ctx context.Context, procedureID string) (int, error)
}

type templateLibrary interface {
	generate.Generator
	Sections(procedure.Type) []procedure.Section
	Classifications(procedure.Type) []string
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires a Service. Search, Archive and AI are optional.
type Deps struct {
	Store       Store
	Git         gitService
	Search      searchService
	Exporter    exportService
	Archive     archiveService
	Library     templateLibrary
	AI          generate.Generator
	Locks       genlock.Locker
	Concurrency int
	// IdleTimeout drops working copies nobody touched for that long. Zero
	// uses the default; pending fields of a dropped copy are discarded.
	IdleTimeout time.Duration
	Logger      zerolog.Logger
}

const (
	defaultIdleTimeout = 30 * time.Minute
	sweepInterval      = time.Minute
)

// Service owns the working set: every document loaded in this process, each
// behind its own mutex, so field uids stay stable while the process lives.
type Service struct {
	store       Store
	git         gitService
	search      searchService
	exporter    exportService
	archive     archiveService
	library     templateLibrary
	ai          generate.Generator
	locks       genlock.Locker
	concurrency int
	idle        time.Duration
	logger      zerolog.Logger
	ids         *form.Issuer
	now         func() time.Time

	mu        sync.Mutex
	working   map[string]*workingCopy
	lastSweep time.Time
}

// workingCopy is one loaded document. revision is the store revision doc was
// read at; lastUsed is guarded by Service.mu, everything else by mu.
type workingCopy struct {
	mu       sync.Mutex
	doc      procedure.Document
	loaded   bool
	revision int64
	lastUsed time.Time
}

func New(deps Deps) *Service {
	s := &Service{
		store:       deps.Store,
		git:         deps.Git,
		search:      deps.Search,
		exporter:    deps.Exporter,
		archive:     deps.Archive,
		library:     deps.Library,
		ai:          deps.AI,
		locks:       deps.Locks,
		concurrency: deps.Concurrency,
		idle:        deps.IdleTimeout,
		logger:      deps.Logger.With().Str("component", "procedures").Logger(),
		ids:         form.NewIssuer("f"),
		now:         time.Now,
		working:     make(map[string]*workingCopy),
	}
	if s.locks == nil {
		s.locks = genlock.NewMemory(genlock.DefaultTTL)
	}
	if s.concurrency <= 0 {
		s.concurrency = 4
	}
	if s.idle <= 0 {
		s.idle = defaultIdleTimeout
	}
	return s
}

type ProcedureView struct {
	procedure.Document
	PendingFields []string `json:"pendingFields"`
}

func viewOf(doc procedure.Document) ProcedureView {
	pending := doc.PendingUIDs()
	if pending == nil {
		pending = []string{}
	}
	return ProcedureView{Document: doc, PendingFields: pending}
}

type ProcedureSummary struct {
	ID            string    `json:"id"`
	EngagementID  string    `json:"engagementId"`
	Title         string    `json:"title"`
	ProcedureType string    `json:"procedureType"`
	Mode          string    `json:"mode"`
	Status        string    `json:"status"`
	ReviewVersion int       `json:"reviewVersion"`
	IsLocked      bool      `json:"isLocked"`
	UpdatedBy     string    `json:"updatedBy"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type CreateProcedureInput struct {
	EngagementID    string   `json:"engagementId"`
	Title           string   `json:"title"`
	ProcedureType   string   `json:"procedureType"`
	Mode            string   `json:"mode"`
	Materiality     *float64 `json:"materiality"`
	Classifications []string `json:"selectedClassifications"`
}

type UpdateProcedureInput struct {
	Title            *string   `json:"title"`
	Mode             *string   `json:"mode"`
	Materiality      *float64  `json:"materiality"`
	ClearMateriality bool      `json:"clearMateriality"`
	Classifications  *[]string `json:"selectedClassifications"`
}

type GenerateInput struct {
	SectionID      string `json:"sectionId"`
	Classification string `json:"classification"`
}

type ScopeFailure struct {
	Scope string `json:"scope"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type GenerateAllResult struct {
	Procedure ProcedureView  `json:"procedure"`
	Generated []string       `json:"generated"`
	Failed    []ScopeFailure `json:"failed"`
}

// TableEdit is one row operation on a table answer: "add", "remove" or "update".
type TableEdit struct {
	Op     string `json:"op"`
	Index  int    `json:"index"`
	Column string `json:"column"`
	Value  string `json:"value"`
}

type ReviewInput struct {
	Action string `json:"action"`
	Value  string `json:"value"`
}

type ReviewEvent struct {
	ID            int64     `json:"id"`
	Action        string    `json:"action"`
	ActorID       string    `json:"actorId"`
	ActorName     string    `json:"actorName"`
	Value         string    `json:"value,omitempty"`
	ReviewVersion int       `json:"reviewVersion"`
	CommitHash    string    `json:"commitHash,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type ArchivedExport struct {
	ID            int64     `json:"id"`
	ReviewVersion int       `json:"reviewVersion"`
	Format        string    `json:"format"`
	Key           string    `json:"key"`
	Size          int64     `json:"size"`
	CreatedBy     string    `json:"createdBy"`
	CreatedAt     time.Time `json:"createdAt"`
	URL           string    `json:"url,omitempty"`
	ExpiresAt     time.Time `json:"expiresAt,omitempty"`
}

type ExportOutput struct {
	Result  *export.Result
	Archive *archive.Object
}

type VersionView struct {
	Commit    gitrepo.CommitInfo `json:"commit"`
	Procedure procedure.Payload  `json:"procedure"`
}

type DiffView struct {
	From gitrepo.CommitInfo `json:"from"`
	To   gitrepo.CommitInfo `json:"to"`
	Diff gitrepo.Diff       `json:"diff"`
}

func (s *Service) ListProcedures(ctx context.Context, filter store.ProcedureFilter) ([]ProcedureSummary, error) {
	rows, err := s.store.ListProcedures(ctx, filter)
	if err != nil {
		return nil, err
	}
	items := make([]ProcedureSummary, 0, len(rows))
	for _, row := range rows {
		items = append(items, ProcedureSummary{
			ID:            row.ID,
			EngagementID:  row.EngagementID,
			Title:         row.Title,
			ProcedureType: row.ProcedureType,
			Mode:          row.Mode,
			Status:        row.Status,
			ReviewVersion: row.ReviewVersion,
			IsLocked:      row.IsLocked,
			UpdatedBy:     row.UpdatedBy,
			UpdatedAt:     row.UpdatedAt,
		})
	}
	return items, nil
}

// CreateProcedure starts an empty draft with the section skeletons of its
// procedure type.
func (s *Service) CreateProcedure(ctx context.Context, actor auth.Actor, input CreateProcedureInput) (ProcedureView, error) {
	engagementID := strings.TrimSpace(input.EngagementID)
	if engagementID == "" {
		return ProcedureView{}, validationError("engagementId is required")
	}
	typ, ok := procedure.ParseType(input.ProcedureType)
	if !ok {
		return ProcedureView{}, validationError("procedureType must be 'planning', 'fieldwork' or 'completion'")
	}
	mode := procedure.ModeManual
	if strings.TrimSpace(input.Mode) != "" {
		if mode, ok = procedure.ParseMode(input.Mode); !ok {
			return ProcedureView{}, validationError("mode must be 'manual', 'ai' or 'hybrid'")
		}
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = defaultTitle(typ)
	}

	doc := procedure.New(util.NewID("proc"), engagementID, title, typ, mode, s.ids)
	if s.library != nil {
		for _, section := range s.library.Sections(typ) {
			doc = doc.WithSection(section)
		}
	}
	doc = doc.SetMateriality(input.Materiality)
	if len(input.Classifications) > 0 {
		doc = doc.SetClassifications(input.Classifications)
	}
	doc = doc.Touch(s.now())

	wc := s.workingCopy(doc.ID)
	wc.mu.Lock()
	defer wc.mu.Unlock()
	_, revision, err := s.persist(ctx, actor, doc, "Create procedure", 0)
	if err != nil {
		s.forget(doc.ID, wc)
		return ProcedureView{}, err
	}
	wc.doc, wc.loaded, wc.revision = doc, true, revision
	return viewOf(doc), nil
}

func defaultTitle(typ procedure.Type) string {
	switch typ {
	case procedure.TypeFieldwork:
		return "Fieldwork procedure"
	case procedure.TypeCompletion:
		return "Completion procedure"
	default:
		return "Planning procedure"
	}
}

func (s *Service) GetProcedure(ctx context.Context, procedureID string) (ProcedureView, error) {
	doc, err := s.read(ctx, procedureID)
	if err != nil {
		return ProcedureView{}, err
	}
	return viewOf(doc), nil
}

func (s *Service) UpdateProcedure(ctx context.Context, actor auth.Actor, procedureID string, input UpdateProcedureInput) (ProcedureView, error) {
	var mode procedure.Mode
	if input.Mode != nil {
		parsed, ok := procedure.ParseMode(*input.Mode)
		if !ok {
			return ProcedureView{}, validationError("mode must be 'manual', 'ai' or 'hybrid'")
		}
		mode = parsed
	}
	if input.Title != nil && strings.TrimSpace(*input.Title) == "" {
		return ProcedureView{}, validationError("title must not be empty")
	}
	doc, err := s.apply(ctx, actor, procedureID, applyOptions{message: "Update procedure details"}, func(doc procedure.Document) (procedure.Document, error) {
		if input.Title != nil {
			doc = doc.Rename(strings.TrimSpace(*input.Title))
		}
		if mode != "" {
			doc = doc.SetMode(mode)
		}
		if input.ClearMateriality {
			doc = doc.SetMateriality(nil)
		} else if input.Materiality != nil {
			doc = doc.SetMateriality(input.Materiality)
		}
		if input.Classifications != nil {
			doc = doc.SetClassifications(*input.Classifications)
		}
		return doc, nil
	})
	if err != nil {
		return ProcedureView{}, err
	}
	return viewOf(doc), nil
}

// DeleteProcedure removes the row, its history, its index entries and its
// archived exports. Only the row delete can fail the call.
func (s *Service) DeleteProcedure(ctx context.Context, procedureID string) error {
	wc := s.workingCopy(procedureID)
	wc.mu.Lock()
	defer wc.mu.Unlock()
	defer s.forget(procedureID, wc)

	if err := s.store.DeleteProcedure(ctx, procedureID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return procedureNotFound(procedureID)
		}
		return err
	}
	wc.doc, wc.loaded = procedure.Document{}, false

	logger := s.logger.With().Str("procedure_id", procedureID).Logger()
	if s.git != nil {
		if err := s.git.Remove(procedureID); err != nil {
			logger.Warn().Err(err).Msg("remove procedure history")
		}
	}
	if s.search != nil {
		s.search.Delete(procedureID)
	}
	if s.archive != nil {
		if _, err := s.archive.RemoveProcedure(ctx, procedureID); err != nil {
			logger.Warn().Err(err).Msg("remove archived exports")
		}
	}
	return nil
}

func (s *Service) VisibleFields(ctx context.Context, procedureID, sectionID string) ([]form.Field, error) {
	doc, err := s.read(ctx, procedureID)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.Section(sectionID); !ok {
		return nil, sectionNotFound(sectionID)
	}
	fields := doc.VisibleFields(sectionID)
	if fields == nil {
		fields = []form.Field{}
	}
	return fields, nil
}

func sectionNotFound(sectionID string) *DomainError {
	return domainError(http.StatusNotFound, "SECTION_NOT_FOUND", "Section not found", map[string]any{"sectionId": sectionID})
}

// AddField adds a pending field to the working copy. It is saved once confirmed.
func (s *Service) AddField(ctx context.Context, actor auth.Actor, procedureID, sectionID, fieldType string) (ProcedureView, string, error) {
	var uid string
	doc, err := s.apply(ctx, actor, procedureID, applyOptions{workingOnly: true}, func(doc procedure.Document) (procedure.Document, error) {
		next, added, err := doc.AddField(sectionID, form.NormalizeType(fieldType))
		if errors.Is(err, procedure.ErrSectionNotFound) {
			return doc, sectionNotFound(sectionID)
		}
		uid = added
		return next, err
	})
	if err != nil {
		return ProcedureView{}, "", err
	}
	return viewOf(doc), uid, nil
}

func (s *Service) ConfirmField(ctx context.Context, actor auth.Actor, procedureID, uid string) (ProcedureView, error) {
	return s.fieldChange(ctx, actor, procedureID, "Add field", func(doc procedure.Document) (procedure.Document, error) {
		if _, ok := doc.Field(uid); !ok {
			return doc, fieldNotFound(uid)
		}
		next, ok := doc.ConfirmField(uid)
		if !ok {
			return doc, domainError(http.StatusConflict, "FIELD_NOT_PENDING", "Field is not pending", map[string]any{"uid": uid})
		}
		return next, nil
	})
}

func (s *Service) CancelField(ctx context.Context, actor auth.Actor, procedureID, uid string) (ProcedureView, error) {
	doc, err := s.apply(ctx, actor, procedureID, applyOptions{workingOnly: true}, func(doc procedure.Document) (procedure.Document, error) {
		if _, ok := doc.Field(uid); !ok {
			return doc, fieldNotFound(uid)
		}
		next, ok := doc.CancelField(uid)
		if !ok {
			return doc, domainError(http.StatusConflict, "FIELD_NOT_PENDING", "Field is not pending", map[string]any{"uid": uid})
		}
		return next, nil
	})
	if err != nil {
		return ProcedureView{}, err
	}
	return viewOf(doc), nil
}

func (s *Service) PatchField(ctx context.Context, actor auth.Actor, procedureID, uid string, attrs map[string]any) (ProcedureView, error) {
	if len(attrs) == 0 {
		return ProcedureView{}, validationError("no attributes to patch")
	}
	return s.fieldChange(ctx, actor, procedureID, "Edit field", func(doc procedure.Document) (procedure.Document, error) {
		next, ok := doc.PatchField(uid, attrs)
		if !ok {
			return doc, fieldNotFound(uid)
		}
		return next, nil
	})
}

func (s *Service) SetAnswer(ctx context.Context, actor auth.Actor, procedureID, uid string, value any) (ProcedureView, error) {
	return s.fieldChange(ctx, actor, procedureID, "Answer field", func(doc procedure.Document) (procedure.Document, error) {
		next, err := doc.SetFieldAnswer(uid, value)
		switch {
		case errors.Is(err, procedure.ErrFieldNotFound):
			return doc, fieldNotFound(uid)
		case errors.Is(err, form.ErrInvalidAnswer):
			return doc, invalidAnswer(uid, err)
		case err != nil:
			return doc, err
		}
		return next, nil
	})
}

// EditTable applies one row operation to a table field's answer.
func (s *Service) EditTable(ctx context.Context, actor auth.Actor, procedureID, uid string, edit TableEdit) (ProcedureView, error) {
	return s.fieldChange(ctx, actor, procedureID, "Edit table", func(doc procedure.Document) (procedure.Document, error) {
		field, ok := doc.Field(uid)
		if !ok {
			return doc, fieldNotFound(uid)
		}
		if field.Type != form.TypeTable {
			return doc, validationError("field is not a table")
		}
		rows, _ := form.RowsOf(field.Answer)
		switch strings.ToLower(strings.TrimSpace(edit.Op)) {
		case "add":
			rows = form.AddRow(rows, field.Columns)
		case "remove":
			if edit.Index < 0 || edit.Index >= len(rows) {
				return doc, validationError("row index out of range")
			}
			rows = form.RemoveRow(rows, edit.Index)
		case "update":
			if edit.Index < 0 || edit.Index >= len(rows) {
				return doc, validationError("row index out of range")
			}
			if strings.TrimSpace(edit.Column) == "" {
				return doc, validationError("column is required")
			}
			rows = form.UpdateCell(rows, edit.Index, edit.Column, edit.Value)
		default:
			return doc, validationError("op must be 'add', 'remove' or 'update'")
		}
		return doc.SetFieldAnswer(uid, rows)
	})
}

func (s *Service) RenameField(ctx context.Context, actor auth.Actor, procedureID, uid, key string) (ProcedureView, error) {
	if procedure.CleanKey(key) == "" {
		return ProcedureView{}, validationError("key must not be empty")
	}
	return s.fieldChange(ctx, actor, procedureID, "Rename field", func(doc procedure.Document) (procedure.Document, error) {
		if _, ok := doc.Field(uid); !ok {
			return doc, fieldNotFound(uid)
		}
		next, ok := doc.RenameFieldKey(uid, key)
		if !ok {
			return doc, domainError(http.StatusConflict, "DUPLICATE_KEY", "Another field in this section already uses that key",
				map[string]any{"uid": uid, "key": procedure.CleanKey(key)})
		}
		return next, nil
	})
}

func (s *Service) RemoveField(ctx context.Context, actor auth.Actor, procedureID, uid string) (ProcedureView, error) {
	return s.fieldChange(ctx, actor, procedureID, "Remove field", func(doc procedure.Document) (procedure.Document, error) {
		next, ok := doc.RemoveField(uid)
		if !ok {
			return doc, fieldNotFound(uid)
		}
		return next, nil
	})
}

func (s *Service) fieldChange(ctx context.Context, actor auth.Actor, procedureID, message string, fn func(procedure.Document) (procedure.Document, error)) (ProcedureView, error) {
	doc, err := s.apply(ctx, actor, procedureID, applyOptions{message: message}, fn)
	if err != nil {
		return ProcedureView{}, err
	}
	return viewOf(doc), nil
}

// Generate runs the document's generator for one scope and merges the batch.
// The document is not held while the generator runs; the merge only touches
// the generated scope, so edits made meanwhile elsewhere survive.
func (s *Service) Generate(ctx context.Context, actor auth.Actor, procedureID string, input GenerateInput) (ProcedureView, error) {
	doc, err := s.read(ctx, procedureID)
	if err != nil {
		return ProcedureView{}, err
	}
	if doc.Review.Locked {
		return ProcedureView{}, procedureLocked(procedureID)
	}
	req, sectionID, err := requestFor(doc, input)
	if err != nil {
		return ProcedureView{}, err
	}

	release, err := s.locks.Acquire(ctx, procedureID, req.Scope())
	if err != nil {
		return ProcedureView{}, lockError(req.Scope(), err)
	}
	defer release()

	gen, err := s.generator(doc.Mode)
	if err != nil {
		return ProcedureView{}, err
	}
	result, err := gen.Generate(ctx, req)
	if err != nil {
		return ProcedureView{}, generationError(req.Scope(), err)
	}
	if result.Empty() {
		return ProcedureView{}, emptyGeneration(req.Scope())
	}

	updated, err := s.apply(ctx, actor, procedureID, applyOptions{message: "Generate " + req.Scope()}, func(doc procedure.Document) (procedure.Document, error) {
		return mergeResult(doc, sectionID, req.Scope(), result), nil
	})
	if err != nil {
		return ProcedureView{}, err
	}
	s.logger.Info().
		Str("procedure_id", procedureID).
		Str("scope", req.Scope()).
		Str("generator", gen.Name()).
		Msg("generated scope")
	return viewOf(updated), nil
}

// GenerateAll fans out over every section (planning, completion) or every
// selected classification (fieldwork). Batches are merged in scope order
// whatever order they finish in; failed scopes are reported and left as they were.
func (s *Service) GenerateAll(ctx context.Context, actor auth.Actor, procedureID string) (GenerateAllResult, error) {
	doc, err := s.read(ctx, procedureID)
	if err != nil {
		return GenerateAllResult{}, err
	}
	if doc.Review.Locked {
		return GenerateAllResult{}, procedureLocked(procedureID)
	}
	inputs := scopesOf(doc)
	if len(inputs) == 0 {
		return GenerateAllResult{}, validationError("procedure has no sections or classifications to generate")
	}

	gen, err := s.generator(doc.Mode)
	if err != nil {
		return GenerateAllResult{}, err
	}

	failed := make([]ScopeFailure, 0)
	var (
		reqs       []generate.Request
		sectionIDs []string
		releases   []func()
	)
	defer func() {
		for _, release := range releases {
			release()
		}
	}()
	for _, input := range inputs {
		req, sectionID, err := requestFor(doc, input)
		if err != nil {
			continue
		}
		release, err := s.locks.Acquire(ctx, procedureID, req.Scope())
		if err != nil {
			failed = append(failed, scopeFailure(req.Scope(), lockError(req.Scope(), err)))
			continue
		}
		releases = append(releases, release)
		reqs = append(reqs, req)
		sectionIDs = append(sectionIDs, sectionID)
	}

	outcomes := generate.FanOut(ctx, gen, reqs, s.concurrency)

	generated := make([]string, 0, len(outcomes))
	for _, outcome := range outcomes {
		scope := outcome.Request.Scope()
		switch {
		case outcome.Err != nil:
			failed = append(failed, scopeFailure(scope, generationError(scope, outcome.Err)))
		case outcome.Result.Empty():
			failed = append(failed, scopeFailure(scope, emptyGeneration(scope)))
		default:
			generated = append(generated, scope)
		}
	}
	if len(generated) == 0 {
		current, err := s.read(ctx, procedureID)
		if err != nil {
			return GenerateAllResult{}, err
		}
		return GenerateAllResult{Procedure: viewOf(current), Generated: generated, Failed: failed}, nil
	}

	updated, err := s.apply(ctx, actor, procedureID, applyOptions{message: "Generate all scopes"}, func(doc procedure.Document) (procedure.Document, error) {
		for i, outcome := range outcomes {
			if outcome.Err != nil || outcome.Result.Empty() {
				continue
			}
			doc = mergeResult(doc, sectionIDs[i], outcome.Request.Scope(), outcome.Result)
		}
		return doc, nil
	})
	if err != nil {
		return GenerateAllResult{}, err
	}
	s.logger.Info().
		Str("procedure_id", procedureID).
		Int("generated", len(generated)).
		Int("failed", len(failed)).
		Msg("generated all scopes")
	return GenerateAllResult{Procedure: viewOf(updated), Generated: generated, Failed: failed}, nil
}

func (s *Service) generator(mode procedure.Mode) (generate.Generator, error) {
	var library generate.Generator
	if s.library != nil {
		library = s.library
	}
	gen := generate.ForMode(mode, library, s.ai)
	if gen == nil {
		return nil, domainError(http.StatusNotImplemented, "GENERATION_UNAVAILABLE", "No generator is configured", nil)
	}
	return gen, nil
}

func scopesOf(doc procedure.Document) []GenerateInput {
	var inputs []GenerateInput
	if doc.Type == procedure.TypeFieldwork {
		for _, classification := range doc.Classifications {
			if strings.TrimSpace(classification) != "" {
				inputs = append(inputs, GenerateInput{Classification: classification})
			}
		}
		return inputs
	}
	for _, section := range doc.Sections {
		inputs = append(inputs, GenerateInput{SectionID: section.ID})
	}
	return inputs
}

// requestFor builds the generation request for one scope. Classification
// batches land in the section named after the classification.
func requestFor(doc procedure.Document, input GenerateInput) (generate.Request, string, error) {
	classification := strings.TrimSpace(input.Classification)
	sectionID := strings.TrimSpace(input.SectionID)
	if classification == "" && sectionID == "" {
		return generate.Request{}, "", validationError("sectionId or classification is required")
	}
	if sectionID == "" {
		sectionID = classification
	}
	return generate.Request{
		ProcedureType:  doc.Type,
		SectionID:      sectionID,
		Classification: classification,
		Materiality:    doc.Materiality,
		Answers:        doc.Answers(),
	}, sectionID, nil
}

// mergeResult replaces the scope's questions only when the result carries a
// real batch; a recommendations-only reply leaves fields and answers alone.
func mergeResult(doc procedure.Document, sectionID, scope string, result generate.Result) procedure.Document {
	if result.HasQuestions() {
		doc = doc.MergeGenerated(sectionID, scope, result.Questions)
	}
	if result.HasRecommendations() {
		doc = doc.ReplaceRecommendations(scope, result.Recommendations)
	}
	return doc
}

func lockError(scope string, err error) error {
	if errors.Is(err, genlock.ErrBusy) {
		return domainError(http.StatusConflict, "GENERATION_IN_PROGRESS", "Generation already in progress for this scope", map[string]any{"scope": scope})
	}
	return fmt.Errorf("acquire generation lock: %w", err)
}

func generationError(scope string, err error) error {
	if errors.Is(err, generate.ErrNoTemplate) {
		return domainError(http.StatusNotFound, "TEMPLATE_NOT_FOUND", "No template for this scope", map[string]any{"scope": scope})
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domainError(http.StatusBadGateway, "GENERATION_FAILED", "Generation failed", map[string]any{"scope": scope, "reason": err.Error()})
}

func emptyGeneration(scope string) *DomainError {
	return domainError(http.StatusBadGateway, "GENERATION_EMPTY", "Generator returned nothing for this scope", map[string]any{"scope": scope})
}

func scopeFailure(scope string, err error) ScopeFailure {
	_, code, message, _ := mapError(err)
	if code == "SERVER_ERROR" {
		message = err.Error()
	}
	return ScopeFailure{Scope: scope, Code: code, Error: message}
}

func (s *Service) ReplaceRecommendations(ctx context.Context, actor auth.Actor, procedureID, scope string, raw any) (ProcedureView, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return ProcedureView{}, validationError("scope is required")
	}
	return s.fieldChange(ctx, actor, procedureID, "Replace recommendations for "+scope, func(doc procedure.Document) (procedure.Document, error) {
		return doc.ReplaceRecommendations(scope, raw), nil
	})
}

func (s *Service) SetRecommendationChecked(ctx context.Context, actor auth.Actor, procedureID, recommendationID string, checked bool) (ProcedureView, error) {
	return s.fieldChange(ctx, actor, procedureID, "Update recommendation", func(doc procedure.Document) (procedure.Document, error) {
		next, ok := doc.SetRecommendationChecked(recommendationID, checked)
		if !ok {
			return doc, domainError(http.StatusNotFound, "RECOMMENDATION_NOT_FOUND", "Recommendation not found", map[string]any{"id": recommendationID})
		}
		return next, nil
	})
}

// ImportRecommendations replaces every recommendation with items recovered
// from legacy free text.
func (s *Service) ImportRecommendations(ctx context.Context, actor auth.Actor, procedureID, text string) (ProcedureView, error) {
	if strings.TrimSpace(text) == "" {
		return ProcedureView{}, validationError("text is required")
	}
	return s.fieldChange(ctx, actor, procedureID, "Import recommendations", func(doc procedure.Document) (procedure.Document, error) {
		return doc.ImportFreeTextRecommendations(text), nil
	})
}

func (s *Service) RecommendationGroups(ctx context.Context, procedureID string) ([]recommend.Group[recommend.Item], error) {
	doc, err := s.read(ctx, procedureID)
	if err != nil {
		return nil, err
	}
	groups := doc.RecommendationGroups()
	if groups == nil {
		groups = []recommend.Group[recommend.Item]{}
	}
	return groups, nil
}

func (s *Service) SetStatus(ctx context.Context, actor auth.Actor, procedureID, raw string) (ProcedureView, error) {
	status, ok := procedure.ParseStatus(raw)
	if !ok {
		return ProcedureView{}, validationError("status must be 'draft', 'in-progress' or 'completed'")
	}
	return s.fieldChange(ctx, actor, procedureID, "Set status "+string(status), func(doc procedure.Document) (procedure.Document, error) {
		return doc.SetStatus(status), nil
	})
}

// Review applies a review action, records it in the review trail and tags
// the commit on sign-off. Unlock and reopen are the only actions allowed on
// a locked procedure.
func (s *Service) Review(ctx context.Context, actor auth.Actor, procedureID string, input ReviewInput) (ProcedureView, error) {
	action, ok := procedure.ParseAction(input.Action)
	if !ok {
		return ProcedureView{}, validationError("unknown review action")
	}
	value := strings.TrimSpace(input.Value)
	if action == procedure.ActionAssign && value == "" {
		value = actor.ID
	}
	if action == procedure.ActionStatus && value == "" {
		return ProcedureView{}, validationError("value is required for the status action")
	}
	name := actorName(actor)

	var commit gitrepo.CommitInfo
	opts := applyOptions{
		message:     fmt.Sprintf("Review: %s by %s", action, name),
		allowLocked: action == procedure.ActionUnlock || action == procedure.ActionReopen,
		commit:      &commit,
	}
	doc, err := s.apply(ctx, actor, procedureID, opts, func(doc procedure.Document) (procedure.Document, error) {
		next, _ := doc.ApplyReview(action, name, value, s.now())
		return next, nil
	})
	if err != nil {
		return ProcedureView{}, err
	}

	logger := s.logger.With().Str("procedure_id", procedureID).Str("action", string(action)).Logger()
	if action == procedure.ActionSignOff && s.git != nil && commit.Hash != "" {
		if err := s.git.Tag(procedureID, commit.Hash, gitrepo.SignoffTagName(doc.Review.Version), name); err != nil {
			logger.Error().Err(err).Msg("tag sign-off")
		}
	}
	event := store.ReviewEvent{
		ProcedureID:   procedureID,
		Action:        string(action),
		ActorID:       actor.ID,
		ActorName:     name,
		Value:         value,
		ReviewVersion: doc.Review.Version,
		CommitHash:    commit.Hash,
	}
	if err := s.store.InsertReviewEvent(ctx, event); err != nil {
		logger.Error().Err(err).Msg("record review event")
	}
	return viewOf(doc), nil
}

func actorName(actor auth.Actor) string {
	if strings.TrimSpace(actor.Name) != "" {
		return actor.Name
	}
	return actor.ID
}

func (s *Service) ReviewEvents(ctx context.Context, procedureID string, limit int) ([]ReviewEvent, error) {
	if _, err := s.read(ctx, procedureID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListReviewEvents(ctx, procedureID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]ReviewEvent, 0, len(rows))
	for _, row := range rows {
		items = append(items, ReviewEvent{
			ID:            row.ID,
			Action:        row.Action,
			ActorID:       row.ActorID,
			ActorName:     row.ActorName,
			Value:         row.Value,
			ReviewVersion: row.ReviewVersion,
			CommitHash:    row.CommitHash,
			CreatedAt:     row.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) History(ctx context.Context, procedureID string, limit int) ([]gitrepo.CommitInfo, error) {
	if _, err := s.read(ctx, procedureID); err != nil {
		return nil, err
	}
	if s.git == nil {
		return []gitrepo.CommitInfo{}, nil
	}
	commits, err := s.git.History(procedureID, limit)
	if errors.Is(err, gitrepo.ErrNoHistory) {
		return []gitrepo.CommitInfo{}, nil
	}
	if err != nil {
		return nil, err
	}
	return commits, nil
}

func (s *Service) Tags(ctx context.Context, procedureID string) ([]gitrepo.TagInfo, error) {
	if _, err := s.read(ctx, procedureID); err != nil {
		return nil, err
	}
	if s.git == nil {
		return []gitrepo.TagInfo{}, nil
	}
	tags, err := s.git.Tags(procedureID)
	if errors.Is(err, gitrepo.ErrNoHistory) {
		return []gitrepo.TagInfo{}, nil
	}
	if err != nil {
		return nil, err
	}
	return tags, nil
}

// Version returns the procedure as it was at rev: a commit hash, an
// abbreviated hash or a tag name.
func (s *Service) Version(ctx context.Context, procedureID, rev string) (VersionView, error) {
	if _, err := s.read(ctx, procedureID); err != nil {
		return VersionView{}, err
	}
	payload, commit, err := s.snapshot(procedureID, rev)
	if err != nil {
		return VersionView{}, err
	}
	return VersionView{Commit: commit, Procedure: payload}, nil
}

// Diff compares two versions; to defaults to the latest commit.
func (s *Service) Diff(ctx context.Context, procedureID, from, to string) (DiffView, error) {
	if strings.TrimSpace(from) == "" {
		return DiffView{}, validationError("from is required")
	}
	if strings.TrimSpace(to) == "" {
		to = "HEAD"
	}
	if _, err := s.read(ctx, procedureID); err != nil {
		return DiffView{}, err
	}
	before, fromCommit, err := s.snapshot(procedureID, from)
	if err != nil {
		return DiffView{}, err
	}
	after, toCommit, err := s.snapshot(procedureID, to)
	if err != nil {
		return DiffView{}, err
	}
	return DiffView{From: fromCommit, To: toCommit, Diff: gitrepo.DiffPayloads(before, after)}, nil
}

func (s *Service) snapshot(procedureID, rev string) (procedure.Payload, gitrepo.CommitInfo, error) {
	if s.git == nil {
		return procedure.Payload{}, gitrepo.CommitInfo{}, domainError(http.StatusNotFound, "NO_HISTORY", "Procedure has no history", nil)
	}
	payload, commit, err := s.git.Snapshot(procedureID, rev)
	if errors.Is(err, gitrepo.ErrNoHistory) {
		return procedure.Payload{}, gitrepo.CommitInfo{}, domainError(http.StatusNotFound, "NO_HISTORY", "Procedure has no history", nil)
	}
	if err != nil {
		return procedure.Payload{}, gitrepo.CommitInfo{}, domainError(http.StatusNotFound, "VERSION_NOT_FOUND", "Version not found", map[string]any{"rev": rev})
	}
	return payload, commit, nil
}

// Export renders the working copy. With keep set the file is also stored in
// the archive and recorded against the current review version.
func (s *Service) Export(ctx context.Context, actor auth.Actor, procedureID, rawFormat string, keep bool) (ExportOutput, error) {
	format, ok := export.ParseFormat(strings.ToLower(strings.TrimSpace(rawFormat)))
	if !ok {
		return ExportOutput{}, validationError("format must be 'pdf', 'docx' or 'html'")
	}
	if keep && s.archive == nil {
		return ExportOutput{}, domainError(http.StatusNotImplemented, "ARCHIVE_DISABLED", "Export archive is not configured", nil)
	}
	doc, err := s.read(ctx, procedureID)
	if err != nil {
		return ExportOutput{}, err
	}
	result, err := s.exporter.Export(ctx, doc, format)
	if err != nil {
		return ExportOutput{}, err
	}
	out := ExportOutput{Result: result}
	if !keep {
		return out, nil
	}

	object, err := s.archive.Put(ctx, procedureID, doc.Review.Version, result.Filename, result.MimeType, result.Data)
	if err != nil {
		return ExportOutput{}, fmt.Errorf("archive export: %w", err)
	}
	record := store.ExportArchive{
		ProcedureID:   procedureID,
		ReviewVersion: doc.Review.Version,
		Format:        string(format),
		ObjectKey:     object.Key,
		SizeBytes:     object.Size,
		CreatedBy:     actorName(actor),
	}
	if err := s.store.InsertExportArchive(ctx, record); err != nil {
		return ExportOutput{}, err
	}
	out.Archive = &object
	return out, nil
}

// Archives lists stored exports, newest first, each with a fresh download link.
func (s *Service) Archives(ctx context.Context, procedureID string) ([]ArchivedExport, error) {
	if _, err := s.read(ctx, procedureID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListExportArchives(ctx, procedureID)
	if err != nil {
		return nil, err
	}
	items := make([]ArchivedExport, 0, len(rows))
	for _, row := range rows {
		item := ArchivedExport{
			ID:            row.ID,
			ReviewVersion: row.ReviewVersion,
			Format:        row.Format,
			Key:           row.ObjectKey,
			Size:          row.SizeBytes,
			CreatedBy:     row.CreatedBy,
			CreatedAt:     row.CreatedAt,
		}
		if s.archive != nil {
			link, err := s.archive.Link(ctx, row.ObjectKey, "")
			if err != nil {
				s.logger.Warn().Err(err).Str("key", row.ObjectKey).Msg("presign archived export")
			} else {
				item.URL, item.ExpiresAt = link.URL, link.ExpiresAt
			}
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text, Backend: "none"}
	}
	return s.search.Search(ctx, q)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Readiness pings the database and reports the optional collaborators.
// Only the database decides readiness.
func (s *Service) Readiness(ctx context.Context) (bool, map[string]any) {
	checks := map[string]any{}
	ready := true
	if err := s.Ping(ctx); err != nil {
		ready = false
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	} else {
		checks["database"] = map[string]any{"status": "ok"}
	}
	if p, ok := s.locks.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			checks["redis"] = map[string]any{"status": "ok"}
		}
	}
	checks["search"] = map[string]any{"status": enabled(s.search != nil)}
	checks["archive"] = map[string]any{"status": enabled(s.archive != nil)}
	checks["ai"] = map[string]any{"status": enabled(s.ai != nil)}
	return ready, checks
}

func enabled(ok bool) string {
	if ok {
		return "enabled"
	}
	return "disabled"
}

type applyOptions struct {
	message     string
	allowLocked bool
	workingOnly bool
	commit      *gitrepo.CommitInfo
}

// apply runs fn against the working copy and saves the result. On any error
// the working copy is left exactly as it was.
func (s *Service) apply(ctx context.Context, actor auth.Actor, procedureID string, opts applyOptions, fn func(procedure.Document) (procedure.Document, error)) (procedure.Document, error) {
	wc := s.workingCopy(procedureID)
	wc.mu.Lock()
	defer wc.mu.Unlock()

	doc, err := s.load(ctx, procedureID, wc)
	if err != nil {
		return procedure.Document{}, err
	}
	if doc.Review.Locked && !opts.allowLocked {
		return procedure.Document{}, procedureLocked(procedureID)
	}
	next, err := fn(doc)
	if err != nil {
		return procedure.Document{}, err
	}
	if opts.workingOnly {
		wc.doc = next
		return next, nil
	}

	next = next.Touch(s.now())
	commit, revision, err := s.persist(ctx, actor, next, opts.message, wc.revision)
	if err != nil {
		if isConflict(err) {
			// Another replica saved first; reload from the store next time.
			wc.doc, wc.loaded, wc.revision = procedure.Document{}, false, 0
			s.logger.Warn().Str("procedure_id", procedureID).Msg("working copy was stale")
		}
		return procedure.Document{}, err
	}
	if opts.commit != nil {
		*opts.commit = commit
	}
	wc.doc, wc.revision = next, revision
	return next, nil
}

// persist writes doc to the store, then to history and the search index, and
// returns the new store revision. A zero revision inserts a new row; any other
// value must match the stored row or the save is refused as a conflict.
// Pending fields never leave the working copy. History and index failures
// are logged; the store write is what counts.
func (s *Service) persist(ctx context.Context, actor auth.Actor, doc procedure.Document, message string, revision int64) (gitrepo.CommitInfo, int64, error) {
	saved := withoutPending(doc)
	payload := saved.ToPersistablePayload()
	data, err := json.Marshal(payload)
	if err != nil {
		return gitrepo.CommitInfo{}, 0, fmt.Errorf("encode procedure payload: %w", err)
	}
	row := store.Procedure{
		ID:            doc.ID,
		EngagementID:  doc.EngagementID,
		Title:         doc.Title,
		ProcedureType: string(doc.Type),
		Mode:          string(doc.Mode),
		Status:        string(doc.Status),
		ReviewVersion: doc.Review.Version,
		IsLocked:      doc.Review.Locked,
		Payload:       data,
		UpdatedBy:     actorName(actor),
		Revision:      revision,
	}
	if revision == 0 {
		err = s.store.InsertProcedure(ctx, row)
	} else {
		err = s.store.UpdateProcedure(ctx, row)
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return gitrepo.CommitInfo{}, 0, procedureNotFound(doc.ID)
	case errors.Is(err, store.ErrConflict):
		return gitrepo.CommitInfo{}, 0, procedureConflict(doc.ID)
	case err != nil:
		return gitrepo.CommitInfo{}, 0, err
	}

	var commit gitrepo.CommitInfo
	if s.git != nil {
		commit, _, err = s.git.Commit(doc.ID, payload, actorName(actor), message)
		if err != nil {
			s.logger.Error().Err(err).Str("procedure_id", doc.ID).Msg("commit procedure history")
			commit = gitrepo.CommitInfo{}
		}
	}
	if s.search != nil {
		s.search.Index(search.RecordsFor(saved))
	}
	return commit, revision + 1, nil
}

func withoutPending(doc procedure.Document) procedure.Document {
	for _, uid := range doc.PendingUIDs() {
		doc, _ = doc.CancelField(uid)
	}
	return doc
}

func (s *Service) read(ctx context.Context, procedureID string) (procedure.Document, error) {
	wc := s.workingCopy(procedureID)
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return s.load(ctx, procedureID, wc)
}

func (s *Service) workingCopy(procedureID string) *workingCopy {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if now.Sub(s.lastSweep) >= sweepInterval {
		s.sweep(now)
	}
	wc, ok := s.working[procedureID]
	if !ok {
		wc = &workingCopy{}
		s.working[procedureID] = wc
	}
	wc.lastUsed = now
	return wc
}

// sweep drops working copies idle for longer than s.idle. A copy that is
// being used right now is skipped. Must be called with s.mu held.
func (s *Service) sweep(now time.Time) {
	s.lastSweep = now
	for id, wc := range s.working {
		if now.Sub(wc.lastUsed) < s.idle || !wc.mu.TryLock() {
			continue
		}
		if pending := len(wc.doc.PendingUIDs()); pending > 0 {
			s.logger.Debug().Str("procedure_id", id).Int("pending", pending).Msg("dropping idle working copy with pending fields")
		}
		delete(s.working, id)
		wc.mu.Unlock()
	}
}

func (s *Service) forget(procedureID string, wc *workingCopy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.working[procedureID] == wc {
		delete(s.working, procedureID)
	}
}

// load must be called with wc.mu held.
func (s *Service) load(ctx context.Context, procedureID string, wc *workingCopy) (procedure.Document, error) {
	if wc.loaded {
		return wc.doc, nil
	}
	row, err := s.store.GetProcedure(ctx, procedureID)
	if errors.Is(err, store.ErrNotFound) {
		s.forget(procedureID, wc)
		return procedure.Document{}, procedureNotFound(procedureID)
	}
	if err != nil {
		return procedure.Document{}, err
	}
	payload, err := procedure.DecodePayload(row.Payload)
	if err != nil {
		return procedure.Document{}, err
	}
	if payload.ID == "" {
		payload.ID = row.ID
	}
	wc.doc, wc.loaded, wc.revision = procedure.FromPayload(payload, s.ids), true, row.Revision
	return wc.doc, nil
}
