package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/api"
	"github.com/BaSui01/sessionflow/llm"
)

// =============================================================================
// 📚 模型列表 Handler
// =============================================================================

// ModelCatalog lists the models the gateway serves.
type ModelCatalog interface {
	ListModels() []llm.ModelDescriptor
}

// ModelsHandler 模型列表处理器
type ModelsHandler struct {
	catalog ModelCatalog
	logger  *zap.Logger
	// 描述符没带创建时间时统一回落到进程启动时刻，避免每次列表都变。
	fallbackCreated int64
}

// NewModelsHandler 创建模型列表处理器
func NewModelsHandler(catalog ModelCatalog, logger *zap.Logger) *ModelsHandler {
	return &ModelsHandler{
		catalog:         catalog,
		logger:          logger,
		fallbackCreated: time.Now().Unix(),
	}
}

// HandleList 处理 /v1/models 请求
// @Summary 模型列表
// @Description 返回所有已注册 provider 的模型并集（OpenAI 形状）
// @Tags 模型
// @Produce json
// @Success 200 {object} api.ModelList "模型列表"
// @Router /v1/models [get]
func (h *ModelsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	descs := h.catalog.ListModels()

	data := make([]api.Model, len(descs))
	for i, d := range descs {
		created := d.Created
		if created == 0 {
			created = h.fallbackCreated
		}
		data[i] = api.Model{
			ID:      d.Name,
			Object:  api.ObjectModel,
			Created: created,
			OwnedBy: d.OwnedBy,
		}
	}

	WriteJSON(w, http.StatusOK, api.ModelList{
		Object: api.ObjectList,
		Data:   data,
	})
}
