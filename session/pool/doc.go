// Package pool 管理各 Provider 的凭据健康状态与选择策略。
//
// 每个凭据在 active、cooldown、disabled 三态间流转：连续失败达到阈值或单次
// 鉴权失败即进入冷却，冷却超时后自动恢复。选择策略是确定性的，便于排障：
// 优先级高者先行，优先级相同时偏向最近成功的凭据。当某 Provider 没有任何
// 可用凭据且配置允许匿名访问时，池会合成一个临时 guest 凭据交给会话获取
// 器，guest 凭据鉴权失败时直接丢弃，不参与冷却。
package pool
