package near

import "encoding/json"

// 主网/测试网公共网关
const (
	MainnetRPCURL = "https://rpc.mainnet.near.org"
	TestnetRPCURL = "https://rpc.testnet.near.org"
)

// BlockHeaderView 区块头（只保留调用方需要的字段）
type BlockHeaderView struct {
	Height    uint64 `json:"height"`
	Hash      string `json:"hash"`
	PrevHash  string `json:"prev_hash"`
	Timestamp uint64 `json:"timestamp"`
	EpochID   string `json:"epoch_id"`
	GasPrice  string `json:"gas_price"`
}

// BlockView 区块查询结果
type BlockView struct {
	Author string          `json:"author"`
	Header BlockHeaderView `json:"header"`
}

// GasPriceView gas_price 查询结果
type GasPriceView struct {
	GasPrice string `json:"gas_price"`
}

// AccountView view_account 查询结果
type AccountView struct {
	Amount        string `json:"amount"`
	Locked        string `json:"locked"`
	CodeHash      string `json:"code_hash"`
	StorageUsage  uint64 `json:"storage_usage"`
	StoragePaidAt uint64 `json:"storage_paid_at"`
	BlockHeight   uint64 `json:"block_height"`
	BlockHash     string `json:"block_hash"`
}

// AccessKeyView view_access_key 查询结果
type AccessKeyView struct {
	Nonce       uint64          `json:"nonce"`
	Permission  json.RawMessage `json:"permission"`
	BlockHeight uint64          `json:"block_height"`
	BlockHash   string          `json:"block_hash"`
}

// CallResult 合约视图函数调用结果
type CallResult struct {
	Result      []byte   `json:"result"`
	Logs        []string `json:"logs"`
	BlockHeight uint64   `json:"block_height"`
	BlockHash   string   `json:"block_hash"`
}

// ExecutionStatus 单个 outcome 的执行状态，三个字段互斥
type ExecutionStatus struct {
	SuccessValue     *string         `json:"SuccessValue,omitempty"`
	SuccessReceiptID *string         `json:"SuccessReceiptId,omitempty"`
	Failure          json.RawMessage `json:"Failure,omitempty"`
}

// ExecutionOutcomeView 单个收据或交易的执行结果
type ExecutionOutcomeView struct {
	Logs        []string        `json:"logs"`
	ReceiptIDs  []string        `json:"receipt_ids"`
	GasBurnt    uint64          `json:"gas_burnt"`
	TokensBurnt string          `json:"tokens_burnt"`
	ExecutorID  string          `json:"executor_id"`
	Status      ExecutionStatus `json:"status"`
}

// OutcomeWithID 带收据/交易哈希的执行结果
type OutcomeWithID struct {
	ID      string               `json:"id"`
	Outcome ExecutionOutcomeView `json:"outcome"`
}

// TxExecutionOutcome 交易状态查询（tx 方法）的完整结果
type TxExecutionOutcome struct {
	FinalExecutionStatus string          `json:"final_execution_status"`
	Status               ExecutionStatus `json:"status"`
	TransactionOutcome   OutcomeWithID   `json:"transaction_outcome"`
	ReceiptsOutcome      []OutcomeWithID `json:"receipts_outcome"`
}

// TxState 从节点视角归一化的交易状态
type TxState int

const (
	// TxStateUnknown 节点尚未观测到这笔交易
	TxStateUnknown TxState = iota
	// TxStatePending 已进入区块但尚未执行完成
	TxStatePending
	// TxStateExecuted 执行成功（乐观确认或已终局）
	TxStateExecuted
	// TxStateFailed 执行失败，链上已拒绝
	TxStateFailed
)

func (s TxState) String() string {
	switch s {
	case TxStateUnknown:
		return "unknown"
	case TxStatePending:
		return "pending"
	case TxStateExecuted:
		return "executed"
	case TxStateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// State 将节点返回的组合字段归一化为单一状态。
// 失败优先于一切：只要 Failure 非空，无论终局程度都按失败处理。
func (o *TxExecutionOutcome) State() TxState {
	if len(o.Status.Failure) > 0 {
		return TxStateFailed
	}
	switch o.FinalExecutionStatus {
	case "EXECUTED", "EXECUTED_OPTIMISTIC", "FINAL":
		return TxStateExecuted
	case "INCLUDED", "INCLUDED_FINAL":
		return TxStatePending
	default:
		// "NONE" 或缺失：已广播但尚未进入区块
		return TxStateUnknown
	}
}
