package providers

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/sessionflow/types"
)

func TestAspectRatio(t *testing.T) {
	tests := []struct {
		size string
		want string
	}{
		{"1920x1080", "16:9"},
		{"1080x1920", "9:16"},
		{"1024x1024", "1:1"},
		{"1280x720", "16:9"},
		{"800x600", "4:3"},
		{"640x480", "4:3"},
		{"1x1", "1:1"},
		{"1920X1080", "16:9"},
		{" 1920x1080 ", "16:9"},
		{"997x499", "997:499"},
	}
	for _, tt := range tests {
		t.Run(tt.size, func(t *testing.T) {
			got, err := AspectRatio(tt.size)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAspectRatio_Invalid(t *testing.T) {
	for _, size := range []string{"", "1920", "1920x", "x1080", "0x100", "-10x20", "axb", "10x20x30"} {
		t.Run(strconv.Quote(size), func(t *testing.T) {
			_, err := AspectRatio(size)
			require.Error(t, err)
			assert.Equal(t, types.ErrBadRequest, types.GetErrorCode(err))
		})
	}
}

// 约分后的比例再约分必须是恒等变换。
func TestAspectRatio_ReductionIsIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		w := rapid.IntRange(1, 8192).Draw(t, "w")
		h := rapid.IntRange(1, 8192).Draw(t, "h")

		first, err := AspectRatio(fmt.Sprintf("%dx%d", w, h))
		if err != nil {
			t.Fatalf("reduce %dx%d: %v", w, h, err)
		}
		parts := strings.SplitN(first, ":", 2)
		again, err := AspectRatio(parts[0] + "x" + parts[1])
		if err != nil {
			t.Fatalf("reduce %q: %v", first, err)
		}
		if again != first {
			t.Fatalf("reduction not idempotent: %q -> %q", first, again)
		}

		// 比例保持：w*b == h*a
		a, _ := strconv.Atoi(parts[0])
		b, _ := strconv.Atoi(parts[1])
		if w*b != h*a {
			t.Fatalf("ratio changed: %dx%d -> %s", w, h, first)
		}
	})
}

func TestValidateParts(t *testing.T) {
	msgs := []types.Message{
		types.NewUserMessage("plain text"),
		{Role: types.RoleUser, Parts: []types.ContentPart{
			{Type: types.PartText, Text: "look at this"},
			{Type: types.PartImageURL, ImageURL: &types.ImageRef{URL: "https://example.com/a.png"}},
		}},
	}

	require.NoError(t, ValidateParts("glm", msgs, types.PartText, types.PartImageURL))

	err := ValidateParts("kimi", msgs, types.PartText)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnsupportedContentPart, types.GetErrorCode(err))
	assert.Contains(t, err.Error(), "image_url")

	withFile := append(msgs, types.Message{Role: types.RoleUser, Parts: []types.ContentPart{
		{Type: types.PartFile, File: &types.FileRef{FileID: "f-1"}},
	}})
	err = ValidateParts("qwen", withFile, types.PartText, types.PartImageURL)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnsupportedContentPart, types.GetErrorCode(err))
}

func TestSynthesizeUsage(t *testing.T) {
	msgs := []types.Message{
		types.NewSystemMessage("you are terse"),
		types.NewUserMessage("explain goroutines in one sentence"),
	}
	usage := SynthesizeUsage("GLM-4.5", msgs, "Goroutines are lightweight threads managed by the Go runtime.")

	assert.Positive(t, usage.PromptTokens)
	assert.Positive(t, usage.CompletionTokens)
	assert.Equal(t, usage.PromptTokens+usage.CompletionTokens, usage.TotalTokens)

	// 空补全不产生 completion tokens。
	empty := SynthesizeUsage("GLM-4.5", msgs, "")
	assert.Zero(t, empty.CompletionTokens)
}
