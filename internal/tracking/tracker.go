package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"near-forwarder/config"
)

// 交易记录状态
const (
	StatusSubmitted      = "submitted"
	StatusExecuted       = "executed"
	StatusFailed         = "failed"
	StatusPollTimeout    = "poll_timeout"
	StatusBroadcastError = "broadcast_error"
)

const timeLayout = "2006-01-02 15:04:05.000000"

// txEvent 是进入缓冲通道的一次状态变更
type txEvent struct {
	submissionID string
	txHash       string
	signerID     string
	status       string
	polls        int
	errorMessage string
	timestamp    time.Time
}

// Tracker 异步持久化交易提交记录。写入走缓冲通道批量落库，
// 提交路径上的调用永不阻塞；缓冲满时丢弃并告警。
type Tracker struct {
	config   *config.TrackingConfig
	adapter  DatabaseAdapter
	db       *sql.DB
	logger   *slog.Logger
	location *time.Location

	eventChan chan txEvent
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewTracker 创建交易跟踪器。关闭状态下返回惰性实例，所有记录方法为空操作。
func NewTracker(cfg *config.TrackingConfig, globalTimezone string) (*Tracker, error) {
	if cfg == nil || !cfg.Enabled {
		return &Tracker{config: cfg, logger: slog.Default()}, nil
	}

	dbCfg := config.DatabaseConfig{Type: "sqlite"}
	if cfg.Database != nil {
		dbCfg = *cfg.Database
	}
	if dbCfg.Timezone == "" {
		dbCfg.Timezone = globalTimezone
	}

	adapter, err := NewDatabaseAdapter(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create database adapter: %w", err)
	}
	if err := adapter.Open(); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := adapter.InitSchema(); err != nil {
		adapter.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	timezone := dbCfg.Timezone
	if timezone == "" {
		timezone = "Asia/Shanghai"
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		slog.Warn(fmt.Sprintf("⚠️ [交易记录] 加载时区 %s 失败，使用系统本地时区", timezone))
		location = time.Local
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		config:    cfg,
		adapter:   adapter,
		db:        adapter.GetDB(),
		logger:    slog.Default(),
		location:  location,
		eventChan: make(chan txEvent, cfg.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	t.wg.Add(1)
	go t.processEvents()

	if cfg.RetentionDays > 0 {
		t.wg.Add(1)
		go t.periodicCleanup()
	}

	t.logger.Info(fmt.Sprintf("✅ [交易记录] 跟踪器初始化完成 (数据库: %s, 缓冲: %d, 批量: %d)",
		adapter.GetDatabaseType(), cfg.BufferSize, cfg.BatchSize))
	return t, nil
}

// Enabled 报告跟踪器是否真正落库
func (t *Tracker) Enabled() bool {
	return t != nil && t.adapter != nil
}

// Stop 排空缓冲并关闭数据库连接
func (t *Tracker) Stop() {
	if !t.Enabled() {
		return
	}
	t.cancel()
	t.wg.Wait()
	if err := t.adapter.Close(); err != nil {
		t.logger.Warn(fmt.Sprintf("⚠️ [交易记录] 关闭数据库失败: %v", err))
	}
}

// HealthCheck 检查数据库连通性
func (t *Tracker) HealthCheck(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}
	return t.adapter.Ping(ctx)
}

// ConnectionStats 返回底层连接池统计，用于管理接口
func (t *Tracker) ConnectionStats() ConnectionStats {
	if !t.Enabled() {
		return ConnectionStats{}
	}
	return t.adapter.GetConnectionStats()
}

func (t *Tracker) now() time.Time {
	if t.location == nil {
		return time.Now()
	}
	return time.Now().In(t.location)
}

// RecordSubmission 记录一笔新提交的交易
func (t *Tracker) RecordSubmission(submissionID, txHash, signerID string) {
	if !t.Enabled() {
		return
	}
	t.enqueue(txEvent{
		submissionID: submissionID,
		txHash:       txHash,
		signerID:     signerID,
		status:       StatusSubmitted,
		timestamp:    t.now(),
	})
}

// RecordOutcome 记录交易的终态（或广播失败）
func (t *Tracker) RecordOutcome(submissionID, status string, polls int, errorMessage string) {
	if !t.Enabled() {
		return
	}
	t.enqueue(txEvent{
		submissionID: submissionID,
		status:       status,
		polls:        polls,
		errorMessage: errorMessage,
		timestamp:    t.now(),
	})
}

func (t *Tracker) enqueue(event txEvent) {
	select {
	case t.eventChan <- event:
	default:
		t.logger.Warn(fmt.Sprintf("⚠️ [交易记录] 事件缓冲已满，丢弃记录: %s", event.submissionID))
	}
}

// processEvents 批量消费事件：达到批量大小或到达刷新周期时落库
func (t *Tracker) processEvents() {
	defer t.wg.Done()

	batch := make([]txEvent, 0, t.config.BatchSize)
	ticker := time.NewTicker(t.config.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := t.flushBatch(batch); err != nil {
			t.logger.Error(fmt.Sprintf("❌ [交易记录] 批量写入失败 (%d 条): %v", len(batch), err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-t.ctx.Done():
			// 退出前排空通道
			for {
				select {
				case event := <-t.eventChan:
					batch = append(batch, event)
					if len(batch) >= t.config.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case event := <-t.eventChan:
			batch = append(batch, event)
			if len(batch) >= t.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (t *Tracker) flushBatch(batch []txEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := t.adapter.BuildUpsertQuery("transactions", "submission_id",
		[]string{"submission_id", "tx_hash", "signer_id", "status", "polls", "error_message", "created_at", "updated_at"})

	for _, event := range batch {
		ts := event.timestamp.Format(timeLayout)
		if event.status == StatusSubmitted {
			_, err = tx.ExecContext(ctx, upsert,
				event.submissionID, event.txHash, event.signerID, event.status,
				event.polls, event.errorMessage, ts, ts)
		} else {
			// 终态更新：提交记录可能因缓冲丢弃而缺失，此时静默跳过
			_, err = tx.ExecContext(ctx,
				"UPDATE transactions SET status = ?, polls = ?, error_message = ?, updated_at = ? WHERE submission_id = ?",
				event.status, event.polls, event.errorMessage, ts, event.submissionID)
		}
		if err != nil {
			return fmt.Errorf("failed to write event %s: %w", event.submissionID, err)
		}
	}
	return tx.Commit()
}

// periodicCleanup 定期删除超过保留期的记录
func (t *Tracker) periodicCleanup() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if err := t.cleanupExpired(); err != nil {
				t.logger.Error(fmt.Sprintf("❌ [交易记录] 清理过期数据失败: %v", err))
			}
		}
	}
}

func (t *Tracker) cleanupExpired() error {
	ctx, cancel := context.WithTimeout(t.ctx, 5*time.Minute)
	defer cancel()

	cutoff := t.now().AddDate(0, 0, -t.config.RetentionDays).Format(timeLayout)
	result, err := t.db.ExecContext(ctx, "DELETE FROM transactions WHERE created_at < ?", cutoff)
	if err != nil {
		return err
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		t.logger.Info(fmt.Sprintf("🧹 [交易记录] 已清理 %d 条过期记录", deleted))
		if err := t.adapter.VacuumDatabase(ctx); err != nil {
			t.logger.Warn(fmt.Sprintf("⚠️ [交易记录] 数据库整理失败: %v", err))
		}
	}
	return nil
}
