package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/api"
	"github.com/BaSui01/sessionflow/internal/audit"
	"github.com/BaSui01/sessionflow/llm"
	"github.com/BaSui01/sessionflow/types"
)

// =============================================================================
// 🎨 图像生成 Handler
// =============================================================================

// ImageService is the slice of the router the image surface consumes.
type ImageService interface {
	GenerateImage(ctx context.Context, req *llm.ImageRequest) (*llm.ImageResponse, error)
}

// ImagesHandler 图像生成处理器
type ImagesHandler struct {
	service ImageService
	logger  *zap.Logger
	auditor Auditor
}

// NewImagesHandler 创建图像生成处理器
func NewImagesHandler(service ImageService, logger *zap.Logger) *ImagesHandler {
	return &ImagesHandler{
		service: service,
		logger:  logger,
	}
}

// WithAuditor 挂接审计写入器，返回处理器自身以便链式装配。
func (h *ImagesHandler) WithAuditor(a Auditor) *ImagesHandler {
	h.auditor = a
	return h
}

func (h *ImagesHandler) audit(rec audit.RequestLog) {
	if h.auditor != nil {
		h.auditor.Record(rec)
	}
}

// HandleGenerate 处理 /v1/images/generations 请求
// @Summary 图像生成
// @Description 路由到 -Image 后缀模型的图像生成端点
// @Tags 图像
// @Accept json
// @Produce json
// @Param request body api.ImageGenerationRequest true "图像生成请求"
// @Success 200 {object} api.ImageGenerationResponse "生成结果"
// @Failure 400 {object} api.ErrorEnvelope "无效请求"
// @Router /v1/images/generations [post]
func (h *ImagesHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req api.ImageGenerationRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if req.Model == "" {
		WriteError(w, types.NewError(types.ErrBadRequest, "model is required"), h.logger)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		WriteError(w, types.NewError(types.ErrBadRequest, "prompt is required"), h.logger)
		return
	}

	start := time.Now()
	rec := auditBase(r, req.Model, false)

	resp, err := h.service.GenerateImage(r.Context(), &llm.ImageRequest{
		RequestID: RequestID(r),
		Model:     req.Model,
		Prompt:    req.Prompt,
		N:         req.N,
		Size:      req.Size,
	})
	if err != nil {
		auditFailure(&rec, err)
		rec.DurationMs = time.Since(start).Milliseconds()
		h.audit(rec)
		WriteErrorFrom(w, err, h.logger)
		return
	}

	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	data := make([]api.Image, len(resp.Data))
	for i, d := range resp.Data {
		data[i] = api.Image{URL: d.URL, RevisedPrompt: d.RevisedPrompt}
	}

	h.logger.Info("image generation",
		zap.String("request_id", RequestID(r)),
		zap.String("model", req.Model),
		zap.String("size", req.Size),
		zap.Int("images", len(data)),
		zap.Duration("duration", time.Since(start)),
	)

	rec.Provider = resp.Provider
	rec.CredentialID = resp.CredentialID
	rec.StatusCode = http.StatusOK
	rec.DurationMs = time.Since(start).Milliseconds()
	h.audit(rec)

	WriteJSON(w, http.StatusOK, api.ImageGenerationResponse{
		Created: created,
		Data:    data,
	})
}
