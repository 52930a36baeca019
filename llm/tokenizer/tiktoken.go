package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenTokenizer 用 tiktoken 的 BPE 词表做计数。
// 上游家族没有公开词表，cl100k_base 对混合中英文文本是可用的近似，
// 比纯字符估算更接近计费口径。
type TiktokenTokenizer struct {
	model     string
	encoding  string
	maxTokens int
	enc       *tiktoken.Tiktoken
	once      sync.Once
	initErr   error
}

// modelEncodings 将网关的公开基础模型映射到编码和上下文窗口。
// 名称必须与各适配器 Models() 表保持一致。
var modelEncodings = map[string]struct {
	encoding  string
	maxTokens int
}{
	"GLM-4.5":         {encoding: "cl100k_base", maxTokens: 131072},
	"GLM-4.5V":        {encoding: "cl100k_base", maxTokens: 65536},
	"GLM-4.6":         {encoding: "cl100k_base", maxTokens: 204800},
	"qwen3-max":       {encoding: "cl100k_base", maxTokens: 262144},
	"qwen3-235b-a22b": {encoding: "cl100k_base", maxTokens: 131072},
	"qwen3-coder":     {encoding: "cl100k_base", maxTokens: 262144},
	"kimi-k2":         {encoding: "cl100k_base", maxTokens: 131072},
	"kimi-k2-turbo":   {encoding: "cl100k_base", maxTokens: 131072},
}

// NewTiktokenTokenizer 为给定模型创建基于 tiktoken 的分词器。
func NewTiktokenTokenizer(model string) (*TiktokenTokenizer, error) {
	info, ok := modelEncodings[model]
	if !ok {
		// 尝试前缀匹配 。
		for prefix, i := range modelEncodings {
			if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
				info = i
				ok = true
				break
			}
		}
	}

	if !ok {
		// 默认 cl100k_base 。
		info = struct {
			encoding  string
			maxTokens int
		}{encoding: "cl100k_base", maxTokens: 131072}
	}

	return &TiktokenTokenizer{
		model:     model,
		encoding:  info.encoding,
		maxTokens: info.maxTokens,
	}, nil
}

// init lazily 初始化 tiktoken 编码(可能在第一次使用时下载数据).
func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenTokenizer) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	tokens := t.enc.Encode(text, nil, nil)
	return len(tokens), nil
}

func (t *TiktokenTokenizer) CountMessages(messages []Message) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}

	total := 0
	for _, msg := range messages {
		// 每条消息的开销: <|start|>role\n content<|end|>\n
		total += 4
		tokens := t.enc.Encode(msg.Content, nil, nil)
		total += len(tokens)
		roleTokens := t.enc.Encode(msg.Role, nil, nil)
		total += len(roleTokens)
	}
	total += 3 // conversation-end overhead
	return total, nil
}

func (t *TiktokenTokenizer) Encode(text string) ([]int, error) {
	if err := t.init(); err != nil {
		return nil, err
	}
	return t.enc.Encode(text, nil, nil), nil
}

func (t *TiktokenTokenizer) Decode(tokens []int) (string, error) {
	if err := t.init(); err != nil {
		return "", err
	}
	return t.enc.Decode(tokens), nil
}

func (t *TiktokenTokenizer) MaxTokens() int {
	return t.maxTokens
}

func (t *TiktokenTokenizer) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}

// RegisterGatewayTokenizers 为网关服务的全部基础模型注册分词器。
// 在进程启动时调用一次；未注册的名字会走估算器。
func RegisterGatewayTokenizers() {
	for model := range modelEncodings {
		t, err := NewTiktokenTokenizer(model)
		if err != nil {
			continue
		}
		RegisterTokenizer(model, t)
	}
}
