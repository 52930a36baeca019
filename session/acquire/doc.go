// 版权所有 2024 SessionFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 acquire 通过自动化浏览器走各 Provider 的登录界面，产出可缓存的
SessionBundle。这里刻意不用 HTTP 客户端：这些站点的登录端点只接受真实
浏览器能通过的挑战。

# 流程

	launch → navigate → fill → detect challenge → (slider drag | 外部打码) →
	submit → await → harvest cookies + localStorage → 家族后处理 → bundle

家族后处理差异：

  - GLM 系：localStorage 里的 JWT 重试三次提取，失败则退化为仅 Cookie 的
    bundle（对普通对话调用足够）；JWT 的 exp 声明决定 bundle 过期时间。
  - Qwen 系：bundle extra 必须带 raw_token 与 cookie_value 两个原始件，
    发送时才做 gzip+base64 压缩，缓存始终可解。
  - K2 系：登录可选，游客会话（仅 Cookie、无 token）是合法 bundle。

静态 token 凭据不经过浏览器，直接合成 bundle。

失败一律映射为五种带类型的错误之一：CredentialsRejected、
ChallengeUnsolved、BrowserLaunchFailed、NavigationTimeout、HarvestFailed，
池子和路由层据此区别对待。日志里不出现任何 Cookie 或 token 明文。
*/
package acquire
