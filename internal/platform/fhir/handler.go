package fhir

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhird/fhird/pkg/pagination"
)

// Handler exposes the storage and search engine over the FHIR REST
// surface. Transport stays thin: parse, call the core, encode.
type Handler struct {
	store     Store
	processor *BundleProcessor
	version   string
	log       zerolog.Logger
}

func NewHandler(store Store, processor *BundleProcessor, version string, log zerolog.Logger) *Handler {
	return &Handler{store: store, processor: processor, version: version, log: log}
}

// Register wires the REST routes onto the group (mounted at /R4).
func (h *Handler) Register(g *echo.Group) {
	g.GET("/metadata", h.Metadata)
	g.POST("", h.ProcessBundle)
	g.POST("/", h.ProcessBundle)
	g.GET("/_history", h.HistorySystem)

	g.POST("/:type", h.Create)
	g.GET("/:type", h.Search)
	g.GET("/:type/_history", h.HistoryType)
	g.GET("/:type/:id", h.Read)
	g.PUT("/:type/:id", h.Update)
	g.DELETE("/:type/:id", h.Delete)
	g.GET("/:type/:id/_history", h.HistoryInstance)
	g.GET("/:type/:id/_history/:vid", h.VRead)
}

func (h *Handler) baseURL(c echo.Context) string {
	scheme := c.Scheme()
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + c.Request().Host + "/R4"
}

func (h *Handler) Metadata(c echo.Context) error {
	return c.JSON(http.StatusOK, NewCapabilityStatement(h.baseURL(c), h.version))
}

func (h *Handler) Create(c echo.Context) error {
	resourceType := c.Param("type")
	var res map[string]interface{}
	if err := c.Bind(&res); err != nil {
		return c.JSON(http.StatusBadRequest, InvalidOutcome("invalid JSON body"))
	}

	result, err := h.store.Create(c.Request().Context(), resourceType, res, c.Request().Header.Get("If-None-Exist"))
	if err != nil {
		return h.writeError(c, err)
	}

	location := fmt.Sprintf("%s/%s/%s/_history/%d", h.baseURL(c), resourceType, result.ID, result.VersionID)
	c.Response().Header().Set("Location", location)
	c.Response().Header().Set("ETag", fmt.Sprintf(`W/"%d"`, result.VersionID))

	status := http.StatusCreated
	if result.Existing {
		status = http.StatusOK
	}
	stored, err := h.store.Read(c.Request().Context(), resourceType, result.ID, 0)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(status, stored)
}

func (h *Handler) Read(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	res, err := h.store.Read(c.Request().Context(), resourceType, id, 0)
	if err != nil {
		return h.writeError(c, err)
	}
	if meta := mapValue(res, "meta"); meta != nil {
		if v := stringValue(meta, "versionId"); v != "" {
			c.Response().Header().Set("ETag", `W/"`+v+`"`)
		}
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) VRead(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	vid, err := strconv.Atoi(c.Param("vid"))
	if err != nil || vid < 1 {
		return c.JSON(http.StatusBadRequest, InvalidOutcome("invalid version id"))
	}
	res, err := h.store.Read(c.Request().Context(), resourceType, id, vid)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Update(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	var res map[string]interface{}
	if err := c.Bind(&res); err != nil {
		return c.JSON(http.StatusBadRequest, InvalidOutcome("invalid JSON body"))
	}

	result, err := h.store.Update(c.Request().Context(), resourceType, id, res, c.Request().Header.Get("If-Match"))
	if err != nil {
		return h.writeError(c, err)
	}

	c.Response().Header().Set("ETag", fmt.Sprintf(`W/"%d"`, result.VersionID))
	c.Response().Header().Set("Location",
		fmt.Sprintf("%s/%s/%s/_history/%d", h.baseURL(c), resourceType, id, result.VersionID))
	stored, err := h.store.Read(c.Request().Context(), resourceType, id, 0)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, stored)
}

func (h *Handler) Delete(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	deleted, err := h.store.Delete(c.Request().Context(), resourceType, id)
	if err != nil {
		return h.writeError(c, err)
	}
	if !deleted {
		return c.JSON(http.StatusNotFound, NotFoundOutcome(resourceType, id))
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Search(c echo.Context) error {
	resourceType := c.Param("type")
	ctx := c.Request().Context()
	query := c.QueryParams()

	preds, rp := ParseQuery(resourceType, query, h.log)
	if rp.Count == 0 || rp.Offset == 0 {
		page := pagination.FromContext(c)
		if rp.Count == 0 {
			rp.Count = page.Limit
		}
		if rp.Offset == 0 {
			rp.Offset = page.Offset
		}
	}

	result, err := h.store.Search(ctx, resourceType, preds, rp)
	if err != nil {
		return h.writeError(c, err)
	}

	var includes []BundleEntry
	if len(rp.Includes) > 0 {
		includes = append(includes, ExpandIncludes(ctx, h.store, resourceType, result.Resources, rp.Includes, h.log)...)
	}
	if len(rp.RevIncludes) > 0 {
		includes = append(includes, ExpandRevIncludes(ctx, h.store, resourceType, result.Resources, rp.RevIncludes, h.log)...)
	}

	bundle := NewSearchSetBundle(h.baseURL(c), resourceType, query, result.Resources, includes, result.Total, rp)
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) ProcessBundle(c echo.Context) error {
	var bundle map[string]interface{}
	if err := c.Bind(&bundle); err != nil {
		return c.JSON(http.StatusBadRequest, InvalidOutcome("invalid JSON body"))
	}
	response, err := h.processor.Process(c.Request().Context(), bundle)
	if err != nil {
		var validation *ValidationError
		if errors.As(err, &validation) {
			return c.JSON(http.StatusBadRequest, OutcomeAt("fatal", "invalid", validation.Diagnostics, validation.Expression...))
		}
		var precondition *PreconditionError
		if errors.As(err, &precondition) {
			return c.JSON(http.StatusPreconditionFailed, NewOperationOutcome("fatal", "conflict", precondition.Diagnostics))
		}
		h.log.Error().Err(err).Msg("bundle processing failed")
		return c.JSON(http.StatusInternalServerError, NewOperationOutcome("fatal", "exception", "bundle processing failed"))
	}
	return c.JSON(http.StatusOK, response)
}

func (h *Handler) HistorySystem(c echo.Context) error {
	return h.history(c, "", "")
}

func (h *Handler) HistoryType(c echo.Context) error {
	return h.history(c, c.Param("type"), "")
}

func (h *Handler) HistoryInstance(c echo.Context) error {
	return h.history(c, c.Param("type"), c.Param("id"))
}

func (h *Handler) history(c echo.Context, resourceType, id string) error {
	page := pagination.FromContext(c)
	hq := HistoryQuery{
		ResourceType: resourceType,
		ID:           id,
		Count:        page.Limit,
		Offset:       page.Offset,
	}
	if since := c.QueryParam("_since"); since != "" {
		if t, _, err := ParseFHIRDate(since); err == nil {
			hq.Since = &t
		}
	}
	if at := c.QueryParam("_at"); at != "" {
		if t, prec, err := ParseFHIRDate(at); err == nil {
			_, end := dateRange(t, prec)
			hq.At = &end
		}
	}

	entries, err := h.store.History(c.Request().Context(), hq)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, NewHistoryBundle(h.baseURL(c), entries))
}

// writeError maps the core error taxonomy to HTTP statuses with
// OperationOutcome bodies. Diagnostics stay stable and free of internal
// paths.
func (h *Handler) writeError(c echo.Context, err error) error {
	var precondition *PreconditionError
	var validation *ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, NewOperationOutcome("error", "not-found", "resource not found"))
	case errors.As(err, &precondition):
		return c.JSON(http.StatusPreconditionFailed, ConflictOutcome(precondition.Diagnostics))
	case errors.As(err, &validation):
		return c.JSON(http.StatusBadRequest, OutcomeAt("error", "invalid", validation.Diagnostics, validation.Expression...))
	default:
		h.log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
		return c.JSON(http.StatusInternalServerError, NewOperationOutcome("error", "exception", "internal server error"))
	}
}
