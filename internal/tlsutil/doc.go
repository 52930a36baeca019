// Package tlsutil 提供集中式 TLS 配置，
// 为上游 provider 客户端与打码服务客户端提供安全加固的 TLS 设置（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
