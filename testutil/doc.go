// 版权所有 2024 SessionFlow Authors。
// 基于 MIT 许可证发布。

/*
Package testutil 提供适配器测试共用的上游伪装与流收集工具。

# 概述

三家上游适配器的测试需要同样的基础设施：一个能按路径登记 JSON 或
SSE 应答、并把收到的每个请求记录下来的假上游，以及把流式响应收集成
切片、对挂死流有超时兜底的收集器。testutil 把这些收敛到一处，
适配器测试只描述各自的方言差异。

# 核心能力

  - Upstream: httptest 假上游，HandleJSON / HandleSSE / HandleFunc
    按路径登记应答；未登记路径的来访直接判测试失败
  - CapturedRequest: 记录的来访（方法、路径、查询、头、整段请求体），
    DecodeJSON 直接反序列化请求体供断言
  - WriteSSE: 逐帧写事件并以 [DONE] 收尾的流应答
  - DrainStream / StreamText / StreamReasoning / StreamErr:
    流式块收集与拼接，单块超时即失败
  - TestContext: 带超时与自动清理的测试上下文

# 使用示例

	up := testutil.NewUpstream(t)
	up.HandleJSON("/api/chat", http.StatusOK, map[string]string{"id": "c-1"})
	up.HandleSSE("/api/chat/c-1/completion/stream",
		`{"event":"cmpl","text":"hello"}`,
		`{"event":"all_done"}`)

	p := NewKimiProvider(providers.KimiConfig{BaseURL: up.URL()}, zap.NewNop())
	ch, err := p.Stream(testutil.TestContext(t), auth, req)
	chunks := testutil.DrainStream(t, ch, 5*time.Second)
*/
package testutil
