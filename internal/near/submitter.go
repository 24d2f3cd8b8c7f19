package near

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"near-forwarder/config"
	"near-forwarder/internal/events"
	"near-forwarder/internal/metrics"
	"near-forwarder/internal/tracking"
)

// 广播后的前几次查询查不到交易属于正常传播延迟，超过之后才值得告警
const graceUnknownPolls = 3

// ExecutionError 链上执行失败。与轮询超时严格区分：这笔交易已经被
// 链上明确拒绝，重新提交同一笔交易不会有不同结果。
type ExecutionError struct {
	Hash    string
	Failure json.RawMessage
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("transaction %s failed on chain: %s", e.Hash, string(e.Failure))
}

// PollingTimeoutError 轮询预算耗尽仍未观测到终态。交易可能仍在链上
// 执行中，调用方不应盲目重新提交。
type PollingTimeoutError struct {
	Hash  string
	Polls int
}

func (e *PollingTimeoutError) Error() string {
	return fmt.Sprintf("transaction %s not finalized after %d polls", e.Hash, e.Polls)
}

// SubmitResult 一次成功提交的最终结果
type SubmitResult struct {
	SubmissionID string
	Hash         string
	Outcome      *TxExecutionOutcome
	Polls        int
}

// Submitter 负责交易的广播与客户端侧的状态轮询。
//
// 广播使用 broadcast_tx_async，节点只确认收到而不等待执行，随后由
// Submitter 以固定间隔轮询交易状态直到终态或预算耗尽。
type Submitter struct {
	client  *Client
	tracker *tracking.Tracker
	bus     events.Bus
	logger  *slog.Logger

	interval time.Duration
	maxPolls int

	// 测试中替换为空实现以避免真实等待
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSubmitter creates a submitter with the configured poll schedule.
func NewSubmitter(cfg *config.Config, client *Client, logger *slog.Logger) *Submitter {
	return &Submitter{
		client:   client,
		logger:   logger,
		interval: cfg.Poll.Interval,
		maxPolls: cfg.Poll.MaxPolls,
		sleep:    sleepContext,
	}
}

// SetTracker enables persistent submission records. Optional.
func (s *Submitter) SetTracker(tracker *tracking.Tracker) {
	s.tracker = tracker
}

// SetEventBus enables submission lifecycle events. Optional.
func (s *Submitter) SetEventBus(bus events.Bus) {
	s.bus = bus
}

// SubmitAndWait broadcasts a signed transaction and polls until it reaches a
// terminal state. Returns *ExecutionError when the chain rejected the
// transaction and *PollingTimeoutError when the poll budget ran out first.
func (s *Submitter) SubmitAndWait(ctx context.Context, signedTxBase64, signerID string) (*SubmitResult, error) {
	submissionID := uuid.NewString()

	hash, err := s.client.BroadcastTxAsync(ctx, signedTxBase64)
	if err != nil {
		s.recordOutcome(submissionID, "", signerID, tracking.StatusBroadcastError, 0, err.Error())
		metrics.TxSubmissionsTotal.WithLabelValues("broadcast_error").Inc()
		s.logger.Error(fmt.Sprintf("❌ [交易提交] 广播失败 (signer: %s): %v", signerID, err))
		return nil, fmt.Errorf("failed to broadcast transaction: %w", err)
	}

	if s.tracker != nil {
		s.tracker.RecordSubmission(submissionID, hash, signerID)
	}
	s.publish(events.EventTxSubmitted, events.PriorityNormal, map[string]interface{}{
		"submission_id": submissionID,
		"tx_hash":       hash,
		"signer_id":     signerID,
	})
	s.logger.Info(fmt.Sprintf("📤 [交易提交] 已广播交易 %s (signer: %s)，开始轮询状态", hash, signerID))

	for poll := 1; poll <= s.maxPolls; poll++ {
		if err := s.sleep(ctx, s.interval); err != nil {
			return nil, err
		}
		metrics.TxPollIterationsTotal.Inc()

		outcome, err := s.client.TxStatus(ctx, hash, signerID)
		if err != nil {
			if errors.Is(err, ErrTxNotFound) {
				if poll <= graceUnknownPolls {
					s.logger.Debug(fmt.Sprintf("⏳ [交易提交] 交易 %s 尚未被节点观测到 (%d/%d)", hash, poll, s.maxPolls))
				} else {
					s.logger.Warn(fmt.Sprintf("⚠️ [交易提交] 交易 %s 第 %d 次轮询仍未被观测到", hash, poll))
				}
				continue
			}
			// 传输层错误在 RPC 客户端内部已经重试过，这里只消耗一次轮询
			s.logger.Warn(fmt.Sprintf("⚠️ [交易提交] 交易 %s 状态查询失败 (%d/%d): %v", hash, poll, s.maxPolls, err))
			continue
		}

		switch outcome.State() {
		case TxStateFailed:
			s.recordOutcome(submissionID, hash, signerID, tracking.StatusFailed, poll, string(outcome.Status.Failure))
			metrics.TxSubmissionsTotal.WithLabelValues("failed").Inc()
			s.publishCompleted(submissionID, hash, "failed", poll)
			s.logger.Error(fmt.Sprintf("❌ [交易提交] 交易 %s 链上执行失败 (轮询 %d 次)", hash, poll))
			return nil, &ExecutionError{Hash: hash, Failure: outcome.Status.Failure}

		case TxStateExecuted:
			s.recordOutcome(submissionID, hash, signerID, tracking.StatusExecuted, poll, "")
			metrics.TxSubmissionsTotal.WithLabelValues("executed").Inc()
			s.publishCompleted(submissionID, hash, "executed", poll)
			s.logger.Info(fmt.Sprintf("✅ [交易提交] 交易 %s 执行成功 (轮询 %d 次)", hash, poll))
			return &SubmitResult{
				SubmissionID: submissionID,
				Hash:         hash,
				Outcome:      outcome,
				Polls:        poll,
			}, nil

		default:
			s.logger.Debug(fmt.Sprintf("⏳ [交易提交] 交易 %s 状态 %s (%d/%d)", hash, outcome.State(), poll, s.maxPolls))
		}
	}

	s.recordOutcome(submissionID, hash, signerID, tracking.StatusPollTimeout, s.maxPolls, "")
	metrics.TxSubmissionsTotal.WithLabelValues("poll_timeout").Inc()
	s.publishCompleted(submissionID, hash, "poll_timeout", s.maxPolls)
	s.logger.Warn(fmt.Sprintf("⚠️ [交易提交] 交易 %s 轮询 %d 次后仍未终态", hash, s.maxPolls))
	return nil, &PollingTimeoutError{Hash: hash, Polls: s.maxPolls}
}

func (s *Submitter) recordOutcome(submissionID, hash, signerID, status string, polls int, errMsg string) {
	if s.tracker == nil {
		return
	}
	if status == tracking.StatusBroadcastError {
		// 广播失败时还没有提交记录，先补一条
		s.tracker.RecordSubmission(submissionID, hash, signerID)
	}
	s.tracker.RecordOutcome(submissionID, status, polls, errMsg)
}

func (s *Submitter) publish(eventType events.EventType, priority events.EventPriority, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:     eventType,
		Source:   "tx_submitter",
		Priority: priority,
		Data:     data,
	})
}

func (s *Submitter) publishCompleted(submissionID, hash, status string, polls int) {
	s.publish(events.EventTxCompleted, events.PriorityNormal, map[string]interface{}{
		"submission_id": submissionID,
		"tx_hash":       hash,
		"status":        status,
		"polls":         polls,
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
