// 版权所有 2024 SessionFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 streaming 把适配器产出的增量 chunk 以 SSE 帧送到 HTTP 客户端。

# 契约

  - 帧格式：每个事件 `data: <json>\n\n`，流结束写 `data: [DONE]\n\n`。
  - 背压：每写出一个事件立即 Flush 再读下一个 chunk，管道内任何时刻
    最多只有一个未送出的 chunk；慢客户端的压力沿通道一路传导到上游
    SSE 读取循环。
  - 取消：客户端断开时 Relay 立即返回 ctx.Err()，上游读取靠同一个
    context 停止。断开不算失败，凭据按成功归还。

# 用法

	pipe, err := streaming.NewPipe(w, logger)
	if err != nil { ... }
	err = pipe.Relay(r.Context(), chunks, frameFn, failFn)
*/
package streaming
