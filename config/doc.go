// Package config 提供 sessionflow 网关的配置管理功能。
//
// 包含配置加载与凭据文件监听。配置从默认值、YAML 文件和
// SESSIONFLOW_ 前缀的环境变量三层合并（后者覆盖前者），
// token 文件监听器让运维在运行期追加凭据而无需重启。
package config
