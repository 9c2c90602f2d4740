package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/medrecords/prontuario/internal/platform/apperror"
	"github.com/medrecords/prontuario/internal/platform/auth"
	"github.com/medrecords/prontuario/internal/platform/middleware"
	"github.com/medrecords/prontuario/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	v := h.svc.Variant()
	g := api.Group(v.Route)
	g.POST("/upload/:patientId/:fieldName", h.Upload, middleware.BodyLimitBytes(v.UploadLimit()))
	g.POST("/upload-base64/:patientId/:fieldName", h.UploadBase64, middleware.BodyLimitBytes(v.Base64Limit()))
	g.GET("/file/:patientId/:fieldName/:fileName", h.GetFile)
	g.DELETE("/file/:patientId/:fieldName/:fileName", h.DeleteFile)
	g.PATCH("/file/:patientId/:fileName", h.RenameFile)
	g.GET("/paciente/:patientId", h.GetByPatient)

	g.GET("", h.List)
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
	g.PATCH("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
}

// UploadResult is returned by the upload routes.
type UploadResult struct {
	Document *Document    `json:"document"`
	Files    []FileRecord `json:"files"`
}

func (h *Handler) key(c echo.Context, patientID string) (Key, error) {
	return h.svc.ResolveKey(c.Request().Context(), patientID, c.QueryParam("evolution_id"))
}

// bodyError keeps the 413 raised by the body limit and turns anything else
// into a 400.
func bodyError(err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return apperror.HTTP(apperror.Validation("invalid request body: %v", err))
}

func setETag(c echo.Context, d *Document) {
	c.Response().Header().Set("ETag", fmt.Sprintf(`W/"%d"`, d.Version))
}

func (h *Handler) Upload(c echo.Context) error {
	ctx := c.Request().Context()
	key, err := h.key(c, c.Param("patientId"))
	if err != nil {
		return apperror.HTTP(err)
	}
	form, err := c.MultipartForm()
	if err != nil {
		return bodyError(err)
	}
	defer form.RemoveAll()

	parts := append(form.File["files"], form.File["file"]...)
	if len(parts) == 0 {
		return apperror.HTTP(apperror.Validation("no file provided"))
	}
	if len(parts) > MaxUploadParts {
		return apperror.HTTP(apperror.Validation("%d files sent, at most %d per request", len(parts), MaxUploadParts))
	}

	field := c.Param("fieldName")
	uploads := make([]Upload, 0, len(parts))
	for _, fh := range parts {
		up, err := h.readPart(fh)
		if err != nil {
			return apperror.HTTP(err)
		}
		up.UploadedBy = auth.UserIDFromContext(ctx)
		if err := h.svc.CheckUpload(field, up); err != nil {
			return apperror.HTTP(err)
		}
		uploads = append(uploads, up)
	}

	res := UploadResult{Files: make([]FileRecord, 0, len(uploads))}
	for _, up := range uploads {
		doc, rec, err := h.svc.AddFile(ctx, key, field, up)
		if err != nil {
			return apperror.HTTP(err)
		}
		res.Document = doc
		res.Files = append(res.Files, rec)
	}
	setETag(c, res.Document)
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) readPart(fh *multipart.FileHeader) (Upload, error) {
	max := h.svc.Variant().MaxFileSize
	if fh.Size > max {
		return Upload{}, fmt.Errorf("%w: %s has %d bytes, limit %d", apperror.ErrFileTooLarge, fh.Filename, fh.Size, max)
	}
	f, err := fh.Open()
	if err != nil {
		return Upload{}, apperror.Storage("open upload part", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, max+1))
	if err != nil {
		return Upload{}, apperror.Storage("read upload part", err)
	}
	return Upload{
		OriginalName: fh.Filename,
		MimeType:     fh.Header.Get(echo.HeaderContentType),
		Data:         data,
	}, nil
}

func (h *Handler) UploadBase64(c echo.Context) error {
	ctx := c.Request().Context()
	key, err := h.key(c, c.Param("patientId"))
	if err != nil {
		return apperror.HTTP(err)
	}
	var in Base64Upload
	if err := json.NewDecoder(c.Request().Body).Decode(&in); err != nil {
		return bodyError(err)
	}
	data, dataURLType, err := DecodePayload(in.Payload)
	if err != nil {
		return apperror.HTTP(err)
	}
	mt := in.MimeType
	if mt == "" {
		mt = dataURLType
	}

	doc, rec, err := h.svc.AddFile(ctx, key, c.Param("fieldName"), Upload{
		OriginalName: in.OriginalName,
		MimeType:     mt,
		Data:         data,
		UploadedBy:   auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return apperror.HTTP(err)
	}
	setETag(c, doc)
	return c.JSON(http.StatusCreated, UploadResult{Document: doc, Files: []FileRecord{rec}})
}

func (h *Handler) GetFile(c echo.Context) error {
	ctx := c.Request().Context()
	key, err := h.key(c, c.Param("patientId"))
	if err != nil {
		return apperror.HTTP(err)
	}
	rec, rc, err := h.svc.OpenFile(ctx, key, c.Param("fieldName"), c.Param("fileName"))
	if err != nil {
		return apperror.HTTP(err)
	}
	defer rc.Close()

	if strings.EqualFold(c.QueryParam("encoding"), "base64") {
		data, err := io.ReadAll(rc)
		if err != nil {
			return apperror.HTTP(apperror.Storage("read blob", err))
		}
		return c.JSON(http.StatusOK, Base64File{FileRecord: rec, Payload: EncodePayload(data)})
	}

	hdr := c.Response().Header()
	hdr.Set(echo.HeaderContentDisposition, mime.FormatMediaType("inline", map[string]string{"filename": rec.OriginalName}))
	hdr.Set(echo.HeaderContentLength, strconv.FormatInt(rec.SizeBytes, 10))
	hdr.Set("Cache-Control", "private, no-store")
	return c.Stream(http.StatusOK, rec.MimeType, rc)
}

func (h *Handler) DeleteFile(c echo.Context) error {
	ctx := c.Request().Context()
	key, err := h.key(c, c.Param("patientId"))
	if err != nil {
		return apperror.HTTP(err)
	}
	doc, err := h.svc.RemoveFile(ctx, key, c.Param("fieldName"), c.Param("fileName"))
	if err != nil {
		return apperror.HTTP(err)
	}
	setETag(c, doc)
	return c.JSON(http.StatusOK, doc)
}

type renameRequest struct {
	OriginalName string `json:"original_name"`
}

func (h *Handler) RenameFile(c echo.Context) error {
	ctx := c.Request().Context()
	if !h.svc.Variant().CanRename {
		return apperror.HTTP(apperror.Validation("%s files cannot be renamed", h.svc.Variant().Collection))
	}
	key, err := h.key(c, c.Param("patientId"))
	if err != nil {
		return apperror.HTTP(err)
	}
	var in renameRequest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	doc, err := h.svc.RenameFile(ctx, key, c.Param("fileName"), in.OriginalName)
	if err != nil {
		return apperror.HTTP(err)
	}
	setETag(c, doc)
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) GetByPatient(c echo.Context) error {
	ctx := c.Request().Context()
	key, err := h.key(c, c.Param("patientId"))
	if err != nil {
		return apperror.HTTP(err)
	}
	doc, err := h.svc.GetByKey(ctx, key)
	if err != nil {
		return apperror.HTTP(err)
	}
	setETag(c, doc)
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	docs, total, err := h.svc.List(c.Request().Context(), c.QueryParam("patient_id"), pg.Limit, pg.Offset)
	if err != nil {
		return apperror.HTTP(err)
	}
	if docs == nil {
		docs = []*Document{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(docs, total, pg.Limit, pg.Offset))
}

type createRequest struct {
	PatientID   string `json:"patient_id"`
	EvolutionID string `json:"evolution_id"`
}

func (h *Handler) Create(c echo.Context) error {
	var in createRequest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if in.EvolutionID == "" {
		in.EvolutionID = c.QueryParam("evolution_id")
	}
	ctx := c.Request().Context()
	key, err := h.svc.ResolveKey(ctx, in.PatientID, in.EvolutionID)
	if err != nil {
		return apperror.HTTP(err)
	}
	doc, created, err := h.svc.Create(ctx, key)
	if err != nil {
		return apperror.HTTP(err)
	}
	setETag(c, doc)
	if created {
		return c.JSON(http.StatusCreated, doc)
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) Get(c echo.Context) error {
	doc, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperror.HTTP(err)
	}
	setETag(c, doc)
	return c.JSON(http.StatusOK, doc)
}

// parseIfMatch reads W/"3", "3" or 3. An absent header yields 0.
func parseIfMatch(h string) (int64, error) {
	h = strings.TrimSpace(h)
	if h == "" || h == "*" {
		return 0, nil
	}
	h = strings.Trim(strings.TrimPrefix(h, "W/"), `"`)
	v, err := strconv.ParseInt(h, 10, 64)
	if err != nil || v <= 0 {
		return 0, apperror.Validation("invalid If-Match header")
	}
	return v, nil
}

func (h *Handler) Update(c echo.Context) error {
	expected, err := parseIfMatch(c.Request().Header.Get("If-Match"))
	if err != nil {
		return apperror.HTTP(err)
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return bodyError(err)
	}
	patch, err := DecodePatch(h.svc.Variant(), body)
	if err != nil {
		return apperror.HTTP(err)
	}
	doc, err := h.svc.Update(c.Request().Context(), c.Param("id"), patch, expected)
	if err != nil {
		return apperror.HTTP(err)
	}
	setETag(c, doc)
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return apperror.HTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}
