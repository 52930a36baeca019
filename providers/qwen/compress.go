package qwen

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// Bundle extra keys the acquirer fills and this adapter consumes.
const (
	ExtraRawToken    = "raw_token"
	ExtraCookieValue = "cookie_value"
)

// CompressCredential encodes the Qwen wire credential: raw token and
// cookie value joined by a literal '|', gzip-compressed, then
// base64-encoded. 压缩发生在发送时；缓存的 bundle 始终存原始件。
func CompressCredential(rawToken, cookieValue string) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(rawToken + "|" + cookieValue)); err != nil {
		zw.Close()
		return "", fmt.Errorf("compress credential: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress credential: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecompressCredential reverses CompressCredential. Diagnostics and tests
// use it; the send path never does.
func DecompressCredential(encoded string) (rawToken, cookieValue string, err error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", fmt.Errorf("decode credential: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", "", fmt.Errorf("decompress credential: %w", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return "", "", fmt.Errorf("decompress credential: %w", err)
	}
	token, cookie, ok := strings.Cut(string(data), "|")
	if !ok {
		return "", "", fmt.Errorf("credential payload has no separator")
	}
	return token, cookie, nil
}
