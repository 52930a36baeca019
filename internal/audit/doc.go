// 版权所有 2024 SessionFlow Authors。保留所有权利。
// 此源代码的使用受 MIT 许可证约束，
// 该许可证可在 LICENSE 文件中找到。

/*
包 audit 提供请求审计的异步落库能力。每条经网关的补全/图像请求
在处理结束时生成一条 RequestLog，由 Recorder 缓冲、攒批后写入
request_logs 表，用于离线对账令牌用量与排查故障。

# 设计要点

  - 非阻塞：Record 只投递到内存缓冲，缓冲满或数据库故障时丢弃并
    计数，审计从不反压请求路径。
  - 攒批写入：按 BatchSize 或 FlushInterval 先到者落库一批，
    SQLite 上单连接串行化写入。
  - 指标桥接：每批写入上报 db_query_duration_seconds，连接池
    状态定期上报 db_connections_open/idle。
  - Schema 外置：表结构由 internal/migration 的内嵌 SQL 管理，
    本包的 gorm 模型只做读写映射，不做 AutoMigrate。

# 审计记录不含敏感信息

RequestLog 只落请求元数据与令牌统计。消息正文、会话 Cookie 与
鉴权令牌一律不落库。
*/
package audit
