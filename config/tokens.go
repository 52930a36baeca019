// 静态 token 文件解析。
//
// <token_dir>/<provider>.tokens 是运维直接编辑的纯文本供给线：
// 每行一个 token，同一行内也接受逗号分隔。空行与 # 开头的行跳过。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TokenFilePath 返回某 provider 的 token 文件路径。
func TokenFilePath(dir, providerID string) string {
	return filepath.Join(dir, providerID+".tokens")
}

// ReadTokenFile 解析一个 token 文件并返回按出现顺序去重后的 token 列表。
// 文件不存在时原样返回 os.IsNotExist 错误，调用方据此区分
// "尚未供给" 与真正的读取故障。
func ReadTokenFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var (
		tokens []string
		seen   = make(map[string]struct{})
	)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, part := range strings.Split(line, ",") {
			tok := strings.TrimSpace(part)
			if tok == "" {
				continue
			}
			if _, dup := seen[tok]; dup {
				continue
			}
			seen[tok] = struct{}{}
			tokens = append(tokens, tok)
		}
	}
	return tokens, nil
}

// ReadProviderTokens 读取 dir 下某 provider 的 token 文件。目录或文件
// 缺失视为空供给而非错误。
func ReadProviderTokens(dir, providerID string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	tokens, err := ReadTokenFile(TokenFilePath(dir, providerID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read token file for %s: %w", providerID, err)
	}
	return tokens, nil
}
