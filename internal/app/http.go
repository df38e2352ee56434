package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"auditdesk/api/internal/auth"
	"auditdesk/api/internal/rbac"
	"auditdesk/api/internal/search"
	"auditdesk/api/internal/store"
)

type HTTPOptions struct {
	CORSOrigins []string
	JWTSecret   []byte
	// DevActor serves requests without an Authorization header. Development only.
	DevActor *auth.Actor
	Logger   zerolog.Logger
}

type HTTPServer struct {
	service *Service
	opts    HTTPOptions
	echo    *echo.Echo
}

func NewHTTPServer(service *Service, opts HTTPOptions) *HTTPServer {
	s := &HTTPServer{service: service, opts: opts}
	s.echo = s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.echo
}

func (s *HTTPServer) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(s.opts.Logger)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(Recovery(s.opts.Logger))
	e.Use(RequestID())
	e.Use(Logger(s.opts.Logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  origins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, RequestIDHeader},
		ExposeHeaders: []string{echo.HeaderContentDisposition, RequestIDHeader},
	}))
	e.Use(echomw.BodyLimit("4M"))

	api := e.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/ready", s.handleReady)

	secured := api.Group("", auth.Middleware(s.opts.JWTSecret, s.opts.DevActor))
	secured.GET("/search", s.handleSearch, can(rbac.ActionRead))
	secured.GET("/procedures", s.handleListProcedures, can(rbac.ActionRead))
	secured.POST("/procedures", s.handleCreateProcedure, can(rbac.ActionEdit))

	p := secured.Group("/procedures/:id")
	p.GET("", s.handleGetProcedure, can(rbac.ActionRead))
	p.PATCH("", s.handleUpdateProcedure, can(rbac.ActionEdit))
	p.DELETE("", s.handleDeleteProcedure, can(rbac.ActionAdmin))

	p.GET("/sections/:sectionId/fields", s.handleVisibleFields, can(rbac.ActionRead))
	p.POST("/sections/:sectionId/fields", s.handleAddField, can(rbac.ActionEdit))
	p.PATCH("/fields/:uid", s.handlePatchField, can(rbac.ActionEdit))
	p.DELETE("/fields/:uid", s.handleRemoveField, can(rbac.ActionEdit))
	p.PUT("/fields/:uid/answer", s.handleSetAnswer, can(rbac.ActionEdit))
	p.POST("/fields/:uid/rows", s.handleEditTable, can(rbac.ActionEdit))
	p.PUT("/fields/:uid/key", s.handleRenameField, can(rbac.ActionEdit))
	p.POST("/fields/:uid/confirm", s.handleConfirmField, can(rbac.ActionEdit))
	p.POST("/fields/:uid/cancel", s.handleCancelField, can(rbac.ActionEdit))

	p.POST("/generate", s.handleGenerate, can(rbac.ActionGenerate))
	p.POST("/generate-all", s.handleGenerateAll, can(rbac.ActionGenerate))

	p.GET("/recommendations", s.handleRecommendations, can(rbac.ActionRead))
	p.PUT("/recommendations", s.handleReplaceRecommendations, can(rbac.ActionEdit))
	p.POST("/recommendations/import", s.handleImportRecommendations, can(rbac.ActionEdit))
	p.PATCH("/recommendations/:recId", s.handleCheckRecommendation, can(rbac.ActionEdit))

	p.PUT("/status", s.handleSetStatus, can(rbac.ActionEdit))
	p.POST("/review", s.handleReview)
	p.GET("/review-events", s.handleReviewEvents, can(rbac.ActionRead))

	p.GET("/history", s.handleHistory, can(rbac.ActionRead))
	p.GET("/versions/:rev", s.handleVersion, can(rbac.ActionRead))
	p.GET("/diff", s.handleDiff, can(rbac.ActionRead))
	p.GET("/tags", s.handleTags, can(rbac.ActionRead))

	p.POST("/export", s.handleExport, can(rbac.ActionRead))
	p.GET("/archives", s.handleArchives, can(rbac.ActionRead))
	return e
}

// can rejects actors whose role does not grant action.
func can(action rbac.Action) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := authorize(c, action); err != nil {
				return err
			}
			return next(c)
		}
	}
}

func authorize(c echo.Context, action rbac.Action) error {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	if !rbac.Can(rbac.Normalize(actor.Role), action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"action": string(action)})
	}
	return nil
}

func actorOf(c echo.Context) auth.Actor {
	actor, _ := auth.ActorFrom(c)
	return actor
}

func (s *HTTPServer) handleHealth(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-store")
	ready, checks := s.service.Readiness(c.Request().Context())
	if !ready {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"ok": false, "status": "not_ready", "checks": checks})
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "status": "ready", "checks": checks})
}

func (s *HTTPServer) handleSearch(c echo.Context) error {
	q := search.Query{
		Text:                strings.TrimSpace(c.QueryParam("q")),
		FilterType:          search.ResultType(c.QueryParam("type")),
		FilterEngagementID:  c.QueryParam("engagementId"),
		FilterProcedureType: c.QueryParam("procedureType"),
		Limit:               queryInt(c, "limit", 20),
		Offset:              queryInt(c, "offset", 0),
	}
	if q.Text == "" {
		return validationError("q is required")
	}
	switch q.FilterType {
	case "", search.ResultProcedure, search.ResultRecommendation:
	default:
		return validationError("type must be 'procedure' or 'recommendation'")
	}
	return c.JSON(http.StatusOK, s.service.Search(c.Request().Context(), q))
}

func (s *HTTPServer) handleListProcedures(c echo.Context) error {
	items, err := s.service.ListProcedures(c.Request().Context(), store.ProcedureFilter{
		EngagementID:  c.QueryParam("engagementId"),
		ProcedureType: c.QueryParam("procedureType"),
		Status:        c.QueryParam("status"),
		Limit:         queryInt(c, "limit", 0),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"procedures": items})
}

func (s *HTTPServer) handleCreateProcedure(c echo.Context) error {
	var body CreateProcedureInput
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	view, err := s.service.CreateProcedure(c.Request().Context(), actorOf(c), body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, view)
}

func (s *HTTPServer) handleGetProcedure(c echo.Context) error {
	view, err := s.service.GetProcedure(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (s *HTTPServer) handleUpdateProcedure(c echo.Context) error {
	var body UpdateProcedureInput
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	return respond(c)(s.service.UpdateProcedure(c.Request().Context(), actorOf(c), c.Param("id"), body))
}

func (s *HTTPServer) handleDeleteProcedure(c echo.Context) error {
	if err := s.service.DeleteProcedure(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) handleVisibleFields(c echo.Context) error {
	fields, err := s.service.VisibleFields(c.Request().Context(), c.Param("id"), c.Param("sectionId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"fields": fields})
}

func (s *HTTPServer) handleAddField(c echo.Context) error {
	var body struct {
		Type string `json:"type"`
	}
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	view, uid, err := s.service.AddField(c.Request().Context(), actorOf(c), c.Param("id"), c.Param("sectionId"), body.Type)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{"uid": uid, "procedure": view})
}

func (s *HTTPServer) handlePatchField(c echo.Context) error {
	var attrs map[string]any
	if err := decodeBody(c, &attrs); err != nil {
		return err
	}
	return respond(c)(s.service.PatchField(c.Request().Context(), actorOf(c), c.Param("id"), c.Param("uid"), attrs))
}

func (s *HTTPServer) handleRemoveField(c echo.Context) error {
	return respond(c)(s.service.RemoveField(c.Request().Context(), actorOf(c), c.Param("id"), c.Param("uid")))
}

func (s *HTTPServer) handleSetAnswer(c echo.Context) error {
	var body struct {
		Value any `json:"value"`
	}
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	return respond(c)(s.service.SetAnswer(c.Request().Context(), actorOf(c), c.Param("id"), c.Param("uid"), body.Value))
}

func (s *HTTPServer) handleEditTable(c echo.Context) error {
	var body TableEdit
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	return respond(c)(s.service.EditTable(c.Request().Context(), actorOf(c), c.Param("id"), c.Param("uid"), body))
}

func (s *HTTPServer) handleRenameField(c echo.Context) error {
	var body struct {
		Key string `json:"key"`
	}
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	return respond(c)(s.service.RenameField(c.Request().Context(), actorOf(c), c.Param("id"), c.Param("uid"), body.Key))
}

func (s *HTTPServer) handleConfirmField(c echo.Context) error {
	return respond(c)(s.service.ConfirmField(c.Request().Context(), actorOf(c), c.Param("id"), c.Param("uid")))
}

func (s *HTTPServer) handleCancelField(c echo.Context) error {
	return respond(c)(s.service.CancelField(c.Request().Context(), actorOf(c), c.Param("id"), c.Param("uid")))
}

func (s *HTTPServer) handleGenerate(c echo.Context) error {
	var body GenerateInput
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	return respond(c)(s.service.Generate(c.Request().Context(), actorOf(c), c.Param("id"), body))
}

func (s *HTTPServer) handleGenerateAll(c echo.Context) error {
	result, err := s.service.GenerateAll(c.Request().Context(), actorOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *HTTPServer) handleRecommendations(c echo.Context) error {
	groups, err := s.service.RecommendationGroups(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"groups": groups})
}

func (s *HTTPServer) handleReplaceRecommendations(c echo.Context) error {
	var body struct {
		Scope           string `json:"scope"`
		Recommendations any    `json:"recommendations"`
	}
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	return respond(c)(s.service.ReplaceRecommendations(c.Request().Context(), actorOf(c), c.Param("id"), body.Scope, body.Recommendations))
}

func (s *HTTPServer) handleImportRecommendations(c echo.Context) error {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	return respond(c)(s.service.ImportRecommendations(c.Request().Context(), actorOf(c), c.Param("id"), body.Text))
}

func (s *HTTPServer) handleCheckRecommendation(c echo.Context) error {
	var body struct {
		Checked *bool `json:"checked"`
	}
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	if body.Checked == nil {
		return validationError("checked is required")
	}
	return respond(c)(s.service.SetRecommendationChecked(c.Request().Context(), actorOf(c), c.Param("id"), c.Param("recId"), *body.Checked))
}

func (s *HTTPServer) handleSetStatus(c echo.Context) error {
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	return respond(c)(s.service.SetStatus(c.Request().Context(), actorOf(c), c.Param("id"), body.Status))
}

// handleReview checks the permission of the specific action, so the route
// carries no fixed one.
func (s *HTTPServer) handleReview(c echo.Context) error {
	var body ReviewInput
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	if err := authorize(c, reviewPermission(body.Action)); err != nil {
		return err
	}
	return respond(c)(s.service.Review(c.Request().Context(), actorOf(c), c.Param("id"), body))
}

func reviewPermission(action string) rbac.Action {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "signoff":
		return rbac.ActionSignOff
	case "lock", "unlock", "reopen":
		return rbac.ActionLock
	default:
		return rbac.ActionReview
	}
}

func (s *HTTPServer) handleReviewEvents(c echo.Context) error {
	events, err := s.service.ReviewEvents(c.Request().Context(), c.Param("id"), queryInt(c, "limit", 50))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

func (s *HTTPServer) handleHistory(c echo.Context) error {
	commits, err := s.service.History(c.Request().Context(), c.Param("id"), queryInt(c, "limit", 50))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"commits": commits})
}

func (s *HTTPServer) handleVersion(c echo.Context) error {
	version, err := s.service.Version(c.Request().Context(), c.Param("id"), c.Param("rev"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, version)
}

func (s *HTTPServer) handleDiff(c echo.Context) error {
	diff, err := s.service.Diff(c.Request().Context(), c.Param("id"), c.QueryParam("from"), c.QueryParam("to"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, diff)
}

func (s *HTTPServer) handleTags(c echo.Context) error {
	tags, err := s.service.Tags(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"tags": tags})
}

// handleExport streams the file, or with archive set stores it and returns
// the archived object with a download link.
func (s *HTTPServer) handleExport(c echo.Context) error {
	var body struct {
		Format  string `json:"format"`
		Archive bool   `json:"archive"`
	}
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	if body.Format == "" {
		body.Format = c.QueryParam("format")
	}
	out, err := s.service.Export(c.Request().Context(), actorOf(c), c.Param("id"), body.Format, body.Archive)
	if err != nil {
		return err
	}
	if out.Archive != nil {
		return c.JSON(http.StatusCreated, map[string]any{
			"filename": out.Result.Filename,
			"mimeType": out.Result.MimeType,
			"archive":  out.Archive,
		})
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", out.Result.Filename))
	return c.Blob(http.StatusOK, out.Result.MimeType, out.Result.Data)
}

func (s *HTTPServer) handleArchives(c echo.Context) error {
	items, err := s.service.Archives(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"archives": items})
}

// respond renders a procedure returned by a mutating call.
func respond(c echo.Context) func(ProcedureView, error) error {
	return func(view ProcedureView, err error) error {
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, view)
	}
}

// decodeBody reads a JSON body into target. An empty body leaves target as is.
func decodeBody(c echo.Context, target any) error {
	body := c.Request().Body
	if body == nil {
		return nil
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return httpErr
		}
		return domainError(http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
	}
	return nil
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
