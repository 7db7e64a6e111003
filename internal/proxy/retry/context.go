package retry

// RetryContext 重试上下文信息
type RetryContext struct {
	RequestID    string // 请求ID
	EndpointName string // 当前端点
	Attempt      int    // 当前端点尝试次数（从1开始）
	MaxAttempts  int    // 当前端点允许的尝试次数
	Err          error  // 本次尝试的错误，成功时为nil
}
