package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shamexln/hl7parse/internal/codesystem"
	"github.com/shamexln/hl7parse/internal/metrics"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// CodeSystemRegistry 字典管理所需的注册表操作
type CodeSystemRegistry interface {
	ListMappingNames() ([]string, error)
	LoadedNames() []string
	GetMapping(name string) codesystem.Result
	CreateMapping(ctx context.Context, name string, tags []codesystem.Tag) codesystem.Result
	CloneMapping(ctx context.Context, source, target string) codesystem.Result
	UpdateMapping(ctx context.Context, name string, tags []codesystem.Tag) codesystem.Result
	DeleteMapping(ctx context.Context, name string) codesystem.Result
}

// CodeSystemHandler 编码字典管理接口
type CodeSystemHandler struct {
	registry CodeSystemRegistry
	logger   *zap.Logger
}

func NewCodeSystemHandler(registry CodeSystemRegistry, logger *zap.Logger) *CodeSystemHandler {
	return &CodeSystemHandler{registry: registry, logger: logger}
}

type createMappingRequest struct {
	Name string          `json:"name"`
	Tags json.RawMessage `json:"tags"`
}

type updateMappingRequest struct {
	Tags json.RawMessage `json:"tags"`
}

type cloneMappingRequest struct {
	TargetName string `json:"targetName"`
}

// ListFiles GET /api/codesystems
func (h *CodeSystemHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	names, err := h.registry.ListMappingNames()
	if err != nil {
		h.logger.Error("Failed to list code system files", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("Failed to list code systems"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(names))
}

// ListLoaded GET /api/codesystems/loaded
func (h *CodeSystemHandler) ListLoaded(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(h.registry.LoadedNames()))
}

// Get GET /api/codesystems/{name}
func (h *CodeSystemHandler) Get(w http.ResponseWriter, r *http.Request) {
	res := h.registry.GetMapping(chi.URLParam(r, "name"))
	if !res.Success {
		writeJSON(w, http.StatusNotFound, Fail(res.Message))
		return
	}
	writeJSON(w, http.StatusOK, Ok(res.Mapping))
}

// Create POST /api/codesystems
func (h *CodeSystemHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createMappingRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("Invalid request body"))
		return
	}
	tags, ok := h.decodeTags(w, req.Tags)
	if !ok {
		return
	}
	if tags == nil && strings.TrimSpace(req.Name) != "" {
		metrics.RecordCodeSystemMutation("create", false)
		writeJSON(w, http.StatusBadRequest, Fail(codesystem.MsgTagsMustBeArray))
		return
	}
	h.reply(w, "create", http.StatusCreated, h.registry.CreateMapping(r.Context(), req.Name, tags))
}

// Clone POST /api/codesystems/{name}/clone
func (h *CodeSystemHandler) Clone(w http.ResponseWriter, r *http.Request) {
	var req cloneMappingRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("Invalid request body"))
		return
	}
	res := h.registry.CloneMapping(r.Context(), chi.URLParam(r, "name"), req.TargetName)
	h.reply(w, "clone", http.StatusCreated, res)
}

// Update PUT /api/codesystems/{name}
func (h *CodeSystemHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateMappingRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("Invalid request body"))
		return
	}
	tags, ok := h.decodeTags(w, req.Tags)
	if !ok {
		return
	}
	// tags 为 nil 时由注册表给出原因（未知字典优先报 404）
	h.reply(w, "update", http.StatusOK, h.registry.UpdateMapping(r.Context(), chi.URLParam(r, "name"), tags))
}

// Delete DELETE /api/codesystems/{name}
func (h *CodeSystemHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.reply(w, "delete", http.StatusOK, h.registry.DeleteMapping(r.Context(), chi.URLParam(r, "name")))
}

// decodeTags 非数组返回 nil；数组元素不合法时直接回 400
func (h *CodeSystemHandler) decodeTags(w http.ResponseWriter, raw json.RawMessage) ([]codesystem.Tag, bool) {
	if !isJSONArray(raw) {
		return nil, true
	}
	tags := []codesystem.Tag{}
	if err := json.Unmarshal(raw, &tags); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("Invalid tag: "+err.Error()))
		return nil, false
	}
	return tags, true
}

func (h *CodeSystemHandler) reply(w http.ResponseWriter, op string, okStatus int, res codesystem.Result) {
	metrics.RecordCodeSystemMutation(op, res.Success)
	if res.Success {
		writeJSON(w, okStatus, OkWithMessage(res.Message, res.Mapping))
		return
	}
	h.logger.Warn("Code system mutation rejected", zap.String("op", op), zap.String("reason", res.Message))
	writeJSON(w, failureStatus(op, res.Message), Fail(res.Message))
}

func failureStatus(op, message string) int {
	switch {
	case strings.HasPrefix(message, codesystem.MsgPersistFailedPrefix):
		return http.StatusInternalServerError
	case message == codesystem.MsgMappingNotFound && (op == "update" || op == "delete"):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}
