package retry

// RetryDecision 重试决策结果
type RetryDecision struct {
	RetrySameEndpoint bool   // 是否继续在当前端点重试
	SwitchEndpoint    bool   // 是否静默切换到下一端点
	FinalStatus       string // 若终止，应记录的最终状态
	Reason            string // 决策原因（用于日志）
}

// Final statuses recorded when a decision ends the endpoint's attempts.
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// Fails reports whether the endpoint gives up with its last error.
func (d RetryDecision) Fails() bool {
	return !d.RetrySameEndpoint && !d.SwitchEndpoint && d.FinalStatus == StatusFailed
}
