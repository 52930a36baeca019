package providers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/BaSui01/sessionflow/llm"
	"github.com/BaSui01/sessionflow/llm/tokenizer"
	"github.com/BaSui01/sessionflow/types"
)

// Finish reasons emitted on the OpenAI surface.
const (
	FinishStop   = "stop"
	FinishLength = "length"
)

// AspectRatio reduces a "WxH" size string to its lowest-terms "W:H" form,
// so "1920x1080" becomes "16:9". Upstream image endpoints want the ratio
// alongside the literal size.
func AspectRatio(size string) (string, error) {
	w, h, err := ParseSize(size)
	if err != nil {
		return "", err
	}
	g := gcd(w, h)
	return fmt.Sprintf("%d:%d", w/g, h/g), nil
}

// ParseSize splits a "WxH" string into positive pixel dimensions.
func ParseSize(size string) (int, int, error) {
	s := strings.ToLower(strings.TrimSpace(size))
	ws, hs, ok := strings.Cut(s, "x")
	if !ok {
		return 0, 0, badSize(size)
	}
	w, err := strconv.Atoi(strings.TrimSpace(ws))
	if err != nil {
		return 0, 0, badSize(size)
	}
	h, err := strconv.Atoi(strings.TrimSpace(hs))
	if err != nil {
		return 0, 0, badSize(size)
	}
	if w <= 0 || h <= 0 {
		return 0, 0, badSize(size)
	}
	return w, h, nil
}

func badSize(size string) *types.Error {
	return types.NewError(types.ErrBadRequest, fmt.Sprintf("invalid size %q, want \"WxH\"", size)).
		WithHTTPStatus(http.StatusBadRequest)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// ValidateParts rejects message parts the target family cannot carry.
// 必须在发起任何上游调用之前执行，不允许静默丢弃部件。
func ValidateParts(provider string, msgs []types.Message, supported ...string) error {
	for _, m := range msgs {
		for _, p := range m.Parts {
			ok := false
			for _, s := range supported {
				if p.Type == s {
					ok = true
					break
				}
			}
			if !ok {
				return types.NewError(types.ErrUnsupportedContentPart,
					fmt.Sprintf("content part type %q is not supported by provider %s", p.Type, provider)).
					WithProvider(provider).WithHTTPStatus(http.StatusBadRequest)
			}
		}
	}
	return nil
}

// SynthesizeUsage estimates token usage locally. Consumer endpoints rarely
// report usage, but the OpenAI surface always carries it; completion text
// should include reasoning content when present.
func SynthesizeUsage(model string, messages []types.Message, completion string) llm.ChatUsage {
	tok := tokenizer.GetTokenizerOrEstimator(model)
	prompt := make([]tokenizer.Message, 0, len(messages))
	for _, m := range messages {
		prompt = append(prompt, tokenizer.Message{Role: string(m.Role), Content: m.PlainText()})
	}
	promptTokens, _ := tok.CountMessages(prompt)
	completionTokens, _ := tok.CountTokens(completion)
	return llm.ChatUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}
