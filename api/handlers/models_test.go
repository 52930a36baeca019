package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/api"
	"github.com/BaSui01/sessionflow/llm"
)

type staticCatalog []llm.ModelDescriptor

func (c staticCatalog) ListModels() []llm.ModelDescriptor { return c }

func TestModelsHandlerList(t *testing.T) {
	catalog := staticCatalog{
		{Name: "GLM-4.5", Provider: "glm", OwnedBy: "zhipu", Created: 1721088000},
		{Name: "qwen3-max", Provider: "qwen", OwnedBy: "alibaba"},
		{Name: "kimi-k2", Provider: "kimi", OwnedBy: "moonshot", Created: 1718000000},
	}
	h := NewModelsHandler(catalog, zap.NewNop())

	rec := httptest.NewRecorder()
	h.HandleList(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var list api.ModelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, api.ObjectList, list.Object)
	require.Len(t, list.Data, 3)

	assert.Equal(t, "GLM-4.5", list.Data[0].ID)
	assert.Equal(t, api.ObjectModel, list.Data[0].Object)
	assert.Equal(t, "zhipu", list.Data[0].OwnedBy)
	assert.EqualValues(t, 1721088000, list.Data[0].Created)

	// 没带创建时间的条目回落到进程启动时刻而不是 0。
	assert.NotZero(t, list.Data[1].Created)
}

func TestModelsHandlerEmptyCatalog(t *testing.T) {
	h := NewModelsHandler(staticCatalog{}, zap.NewNop())

	rec := httptest.NewRecorder()
	h.HandleList(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var list api.ModelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.NotNil(t, list.Data)
	assert.Empty(t, list.Data)
}
