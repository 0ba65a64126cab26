package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jinford/meeting-snapshot/internal/core/snapshot"
	"github.com/jinford/meeting-snapshot/internal/core/transcript"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SubmitRequest はジョブ投入のリクエストボディ
type SubmitRequest struct {
	// TranscriptRef は "zoom:<meetingID>" や "file:<path>" 形式の参照
	TranscriptRef string `json:"transcriptRef"`

	// Transcript は VTT 形式の文字起こし本文（TranscriptRef の代わりに直接渡す場合）
	Transcript  string   `json:"transcript"`
	RecordingID string   `json:"recordingId"`
	Sections    []string `json:"sections"`
	Format      string   `json:"format"`
	Context     string   `json:"additionalContext"`
}

// ResumeRequest は入力待ちジョブへの入力
type ResumeRequest struct {
	Values map[string]string `json:"values"`
}

// Handler はスナップショットサービスを HTTP に公開する
type Handler struct {
	service *snapshot.SnapshotService
	fields  *snapshot.StaticFieldRegistry
}

// NewHandler は新しい Handler を作成する
func NewHandler(service *snapshot.SnapshotService, fields *snapshot.StaticFieldRegistry) *Handler {
	return &Handler{service: service, fields: fields}
}

// RegisterRoutes はルートを登録する
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/jobs", h.submit)
	rg.GET("/jobs", h.listJobs)
	rg.GET("/jobs/:id", h.getStatus)
	rg.GET("/jobs/:id/result", h.getResult)
	rg.GET("/jobs/:id/sections/:slug", h.getSection)
	rg.POST("/jobs/:id/input", h.resume)
	rg.POST("/jobs/:id/cancel", h.cancel)

	rg.GET("/fields", h.listFields)
	rg.GET("/fields/:name", h.getField)
	rg.GET("/sections", h.listSections)
}

func (h *Handler) submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "invalid request body", err.Error())
		return
	}

	params := snapshot.SubmitParams{
		TranscriptRef:     strings.TrimSpace(req.TranscriptRef),
		Sections:          req.Sections,
		Format:            req.Format,
		AdditionalContext: req.Context,
	}

	if req.Transcript != "" {
		if params.TranscriptRef != "" {
			respondError(c, http.StatusBadRequest, "validation_error", "specify either transcriptRef or transcript, not both", nil)
			return
		}
		recordingID := req.RecordingID
		if recordingID == "" {
			recordingID = "inline-" + uuid.NewString()
		}
		tr, err := transcript.ParseVTTString(req.Transcript, recordingID)
		if err != nil {
			respondError(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
			return
		}
		tr.Source = "inline"
		params.Transcript = tr
	}

	job, err := h.service.Submit(c.Request.Context(), params)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

func (h *Handler) listJobs(c *gin.Context) {
	limit := queryInt(c, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	jobs, err := h.service.ListArchived(c.Request.Context(), limit, offset)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if jobs == nil {
		jobs = []snapshot.Job{}
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   jobs,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *Handler) getStatus(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	job, err := h.service.GetStatus(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) getResult(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	job, err := h.service.GetStatus(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	format := job.Format
	if raw := c.Query("format"); raw != "" {
		parsed, ok := snapshot.ParseOutputFormat(raw)
		if !ok {
			respondError(c, http.StatusBadRequest, "validation_error", "unsupported format: "+raw, nil)
			return
		}
		format = parsed
	}

	doc, err := h.service.GetResult(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	if format == snapshot.FormatMarkdown {
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(snapshot.RenderMarkdown(doc)))
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *Handler) getSection(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	section, err := h.service.GetSection(c.Request.Context(), id, c.Param("slug"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, section)
}

func (h *Handler) resume(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	var req ResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "invalid request body", err.Error())
		return
	}

	job, err := h.service.ResumeWithInput(c.Request.Context(), id, req.Values)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

func (h *Handler) cancel(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	if err := h.service.Cancel(id); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": id, "canceled": true})
}

func (h *Handler) listFields(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"fields": h.fields.Fields()})
}

func (h *Handler) getField(c *gin.Context) {
	name := c.Param("name")
	def, ok := h.fields.Definition(name)
	if !ok {
		respondError(c, http.StatusNotFound, "not_found", "unknown field: "+name, nil)
		return
	}
	c.JSON(http.StatusOK, def)
}

type sectionInfo struct {
	Name     snapshot.SectionName `json:"name"`
	Slug     string               `json:"slug"`
	Critical bool                 `json:"critical"`
	Required []string             `json:"required"`
	Valuable []string             `json:"valuable"`
}

func (h *Handler) listSections(c *gin.Context) {
	sections := make([]sectionInfo, 0, len(snapshot.CanonicalSections()))
	for _, name := range snapshot.CanonicalSections() {
		info := sectionInfo{Name: name, Slug: name.Slug(), Required: []string{}, Valuable: []string{}}
		if fields, ok := h.fields.Section(name); ok {
			info.Critical = fields.Critical
			if fields.Required != nil {
				info.Required = fields.Required
			}
			if fields.Valuable != nil {
				info.Valuable = fields.Valuable
			}
		}
		sections = append(sections, info)
	}
	c.JSON(http.StatusOK, gin.H{"sections": sections})
}

func jobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "invalid job id", nil)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
