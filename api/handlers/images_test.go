package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/api"
	"github.com/BaSui01/sessionflow/llm"
	"github.com/BaSui01/sessionflow/types"
)

type mockImageService struct {
	generateFunc func(ctx context.Context, req *llm.ImageRequest) (*llm.ImageResponse, error)
}

func (m *mockImageService) GenerateImage(ctx context.Context, req *llm.ImageRequest) (*llm.ImageResponse, error) {
	return m.generateFunc(ctx, req)
}

func postImages(t *testing.T, h *ImagesHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/images/generations", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.HandleGenerate(rec, req)
	return rec
}

func TestImagesHandlerGenerate(t *testing.T) {
	var captured *llm.ImageRequest
	svc := &mockImageService{
		generateFunc: func(ctx context.Context, req *llm.ImageRequest) (*llm.ImageResponse, error) {
			captured = req
			return &llm.ImageResponse{
				Created: 1700000001,
				Data: []llm.ImageDatum{
					{URL: "https://cdn.example.com/img1.png", RevisedPrompt: "a red fox"},
				},
			}, nil
		},
	}
	h := NewImagesHandler(svc, zap.NewNop())

	rec := postImages(t, h, `{"model":"GLM-4.5-Image","prompt":"a fox","size":"1920x1080","n":1}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, captured)
	assert.Equal(t, "GLM-4.5-Image", captured.Model)
	assert.Equal(t, "a fox", captured.Prompt)
	assert.Equal(t, "1920x1080", captured.Size)

	var resp api.ImageGenerationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 1700000001, resp.Created)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "https://cdn.example.com/img1.png", resp.Data[0].URL)
	assert.Equal(t, "a red fox", resp.Data[0].RevisedPrompt)
}

func TestImagesHandlerValidation(t *testing.T) {
	h := NewImagesHandler(&mockImageService{
		generateFunc: func(ctx context.Context, req *llm.ImageRequest) (*llm.ImageResponse, error) {
			t.Fatal("service must not be reached on invalid input")
			return nil, nil
		},
	}, zap.NewNop())

	tests := []struct {
		name string
		body string
	}{
		{"missing model", `{"prompt":"a fox"}`},
		{"missing prompt", `{"model":"GLM-4.5-Image"}`},
		{"blank prompt", `{"model":"GLM-4.5-Image","prompt":"   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postImages(t, h, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var env api.ErrorEnvelope
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			assert.Equal(t, "invalid_request_error", env.Error.Type)
		})
	}
}

func TestImagesHandlerUpstreamError(t *testing.T) {
	h := NewImagesHandler(&mockImageService{
		generateFunc: func(ctx context.Context, req *llm.ImageRequest) (*llm.ImageResponse, error) {
			return nil, types.NewError(types.ErrBadRequest, "model GLM-4.5 does not support image generation")
		},
	}, zap.NewNop())

	rec := postImages(t, h, `{"model":"GLM-4.5","prompt":"a fox"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var env api.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Contains(t, env.Error.Message, "does not support image generation")
}
