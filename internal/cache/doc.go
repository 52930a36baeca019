// 版权所有 2024 SessionFlow Authors。保留所有权利。
// 此源代码的使用受 MIT 许可规范，该许可可以
// 在 LICENSE 文件中找到。

/*
包 cache 提供基于 Redis 的缓存管理与会话镜像能力。

# 概述

本包封装 go-redis 客户端。Manager 负责连接生命周期管理，包括
初始化、健康检查与优雅关闭；SessionMirror 在其上实现会话存储的
共享镜像，让多个网关副本复用同一次浏览器登录产出的会话包，
避免重复触发上游登录与验证码。

# 核心类型

  - Manager：缓存管理器，持有 Redis 客户端与连接池配置，
    提供 Get/Set/Delete/Exists/Expire 等基础操作，
    以及 GetBytes/SetBytes 二进制路径与 GetJSON/SetJSON 序列化方法。
  - SessionMirror：session.Mirror 的 Redis 实现。键空间为
    sessionflow:session:<provider>，载荷是密封后的二进制会话包，
    Redis 侧不持有明文 cookie；TTL 跟随会话包的剩余寿命。
  - Config：缓存配置，包含地址、密码、连接池大小、默认 TTL
    与健康检查间隔等参数。
  - Stats：本进程的命中/未命中计数与键数量。

# 主要能力

  - 键值读写：字符串、二进制与 JSON 三种模式的缓存存取。
  - 连接池管理：通过 PoolSize 与 MinIdleConns 控制连接复用。
  - 健康检查：后台定时 Ping 检测，异常时通过 zap 日志告警。
  - 优雅关闭：Close 方法安全释放底层 Redis 连接。
  - 错误语义：ErrCacheMiss 哨兵错误；镜像未命中翻译为
    session.ErrMirrorMiss，存储层据此回落到浏览器登录。
*/
package cache
