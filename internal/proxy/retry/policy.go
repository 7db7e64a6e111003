package retry

import (
	"fmt"
	"log/slog"

	"rpc-forwarder/internal/transport"
)

// RetryPolicy 定义重试策略接口
// 负责根据重试上下文做出重试决策
type RetryPolicy interface {
	Decide(ctx RetryContext) RetryDecision
}

// DefaultRetryPolicy retries server errors and timeouts on the same endpoint
// until its attempts run out, and moves on immediately for everything else.
// Retries are issued back to back.
type DefaultRetryPolicy struct{}

// NewDefaultRetryPolicy 创建默认重试策略
func NewDefaultRetryPolicy() *DefaultRetryPolicy {
	return &DefaultRetryPolicy{}
}

// Decide 实现重试决策逻辑
func (p *DefaultRetryPolicy) Decide(ctx RetryContext) RetryDecision {
	if ctx.Err == nil {
		return RetryDecision{
			FinalStatus: StatusCompleted,
			Reason:      "请求成功完成",
		}
	}

	kind, ok := transport.KindOf(ctx.Err)
	if !ok {
		kind = transport.RequestFailed
	}

	switch kind {
	case transport.ServerError, transport.Timeout:
		if ctx.Attempt < ctx.MaxAttempts {
			return RetryDecision{
				RetrySameEndpoint: true,
				Reason:            fmt.Sprintf("%s错误可重试 (%d/%d)", kindLabel(kind), ctx.Attempt, ctx.MaxAttempts),
			}
		}
		return RetryDecision{
			FinalStatus: StatusFailed,
			Reason:      fmt.Sprintf("%s错误，已达到最大尝试次数 %d", kindLabel(kind), ctx.MaxAttempts),
		}
	default:
		return RetryDecision{
			SwitchEndpoint: true,
			FinalStatus:    StatusSkipped,
			Reason:         fmt.Sprintf("%s错误不可重试", kindLabel(kind)),
		}
	}
}

func kindLabel(kind transport.ErrorKind) string {
	switch kind {
	case transport.ServerError:
		return "服务器"
	case transport.Timeout:
		return "超时"
	case transport.ClientError:
		return "客户端"
	case transport.ParseError:
		return "解析"
	default:
		return "网络"
	}
}

// LogDecision 记录重试决策日志
func LogDecision(logger *slog.Logger, ctx RetryContext, decision RetryDecision) {
	if logger == nil {
		logger = slog.Default()
	}

	switch {
	case decision.RetrySameEndpoint:
		logger.Info("🔄 [重试决策] 在同一端点重试",
			"request_id", ctx.RequestID,
			"endpoint", ctx.EndpointName,
			"attempt", ctx.Attempt,
			"max_attempts", ctx.MaxAttempts,
			"reason", decision.Reason)
	case decision.SwitchEndpoint:
		logger.Info("🔀 [重试决策] 切换到下一端点",
			"request_id", ctx.RequestID,
			"current_endpoint", ctx.EndpointName,
			"attempt", ctx.Attempt,
			"error", ctx.Err,
			"reason", decision.Reason)
	case decision.FinalStatus == StatusCompleted:
		logger.Debug("✅ [重试决策] 请求成功完成",
			"request_id", ctx.RequestID,
			"endpoint", ctx.EndpointName,
			"attempt", ctx.Attempt)
	default:
		logger.Warn("❌ [重试决策] 终止重试",
			"request_id", ctx.RequestID,
			"endpoint", ctx.EndpointName,
			"attempt", ctx.Attempt,
			"final_status", decision.FinalStatus,
			"error", ctx.Err,
			"reason", decision.Reason)
	}
}
