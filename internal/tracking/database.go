package tracking

import (
	"context"
	"fmt"
	"time"
)

const insertRecordSQL = `INSERT INTO request_logs (
	request_id, method, rpc_id, route_index, endpoint_name, outcome,
	error_code, error_message, attempts, endpoints_tried, duration_ms, client_ip, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// processRecords 异步记录处理循环
func (rt *RequestTracker) processRecords() {
	defer rt.wg.Done()

	ticker := time.NewTicker(rt.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]RequestRecord, 0, rt.config.BatchSize)

	drain := func() {
		for {
			select {
			case rec := <-rt.records:
				batch = append(batch, rec)
				if len(batch) >= rt.config.BatchSize {
					rt.flushBatch(batch)
					batch = batch[:0]
				}
			default:
				if len(batch) > 0 {
					rt.flushBatch(batch)
					batch = batch[:0]
				}
				return
			}
		}
	}

	for {
		select {
		case rec := <-rt.records:
			batch = append(batch, rec)
			if len(batch) >= rt.config.BatchSize {
				rt.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				rt.flushBatch(batch)
				batch = batch[:0]
			}

		case done := <-rt.flushCh:
			drain()
			close(done)

		case <-rt.ctx.Done():
			rt.logger.Debug("关闭前处理剩余记录", "pending", len(batch)+len(rt.records))
			drain()
			return
		}
	}
}

// flushBatch 批量写入，失败时按次数退避重试
func (rt *RequestTracker) flushBatch(records []RequestRecord) {
	if len(records) == 0 {
		return
	}

	for attempt := 1; attempt <= rt.config.MaxRetry; attempt++ {
		err := rt.insertBatch(records)
		if err == nil {
			rt.written.Add(int64(len(records)))
			if attempt > 1 {
				rt.logger.Info("批量写入在重试后成功", "attempt", attempt, "batch_size", len(records))
			}
			return
		}

		rt.logger.Warn("⚠️ 批量写入失败",
			"error", err,
			"attempt", attempt,
			"max_retry", rt.config.MaxRetry,
			"batch_size", len(records))

		if attempt < rt.config.MaxRetry {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
	}

	rt.logger.Error("❌ 批量写入最终失败，记录被丢弃",
		"batch_size", len(records),
		"max_retry", rt.config.MaxRetry)
}

func (rt *RequestTracker) insertBatch(records []RequestRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := rt.adapter.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertRecordSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.RequestID,
			rec.Method,
			rec.RPCID,
			rec.RouteIndex,
			rec.Endpoint,
			rec.Outcome,
			rec.ErrorCode,
			rec.ErrorMessage,
			rec.Attempts,
			rec.EndpointsTried,
			rec.Duration.Milliseconds(),
			rec.ClientIP,
			rec.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert record %s: %w", rec.RequestID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// periodicCleanup 定期清理过期记录
func (rt *RequestTracker) periodicCleanup() {
	defer rt.wg.Done()

	ticker := time.NewTicker(rt.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := rt.CleanupOldRecords(rt.ctx, time.Now()); err != nil {
				rt.logger.Error("清理过期记录失败", "error", err)
			}
		case <-rt.ctx.Done():
			return
		}
	}
}

// CleanupOldRecords 删除早于保留期的记录，RetentionDays<=0 表示永久保留
func (rt *RequestTracker) CleanupOldRecords(ctx context.Context, now time.Time) (int64, error) {
	if !rt.Enabled() || rt.config.RetentionDays <= 0 {
		return 0, nil
	}

	cutoff := now.AddDate(0, 0, -rt.config.RetentionDays)
	result, err := rt.adapter.GetDB().ExecContext(ctx,
		"DELETE FROM request_logs WHERE created_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old request logs: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		rt.logger.Info("🧹 已清理过期请求记录",
			"deleted_count", deleted,
			"cutoff_date", cutoff.Format("2006-01-02"),
			"retention_days", rt.config.RetentionDays)

		if rt.adapter.GetDatabaseType() == "sqlite" {
			if _, err := rt.adapter.GetDB().ExecContext(ctx, "VACUUM"); err != nil {
				rt.logger.Warn("清理后VACUUM失败", "error", err)
			}
		}
	}
	return deleted, nil
}
