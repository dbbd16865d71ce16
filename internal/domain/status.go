package domain

// TxStatus is the lifecycle status of a Transaction. Transitions are
// applied with a compare-and-swap on (id, expected status); see
// store.TransactionRepository.Transition.
type TxStatus string

const (
	TxPending                 TxStatus = "pending"
	TxChatStarted             TxStatus = "chat_started"
	TxWaitingPayment          TxStatus = "waiting_payment"
	TxPaymentReceived         TxStatus = "payment_received"
	TxCheckReceived           TxStatus = "check_received"
	TxCompleted               TxStatus = "completed"
	TxCancelledByCounterparty TxStatus = "cancelled_by_counterparty"
	TxFailed                  TxStatus = "failed"
	// TxStupid marks a counterparty that failed the scripted checks
	// (answered "no" to the physical-person question, named the wrong
	// bank). No further automation runs for these.
	TxStupid TxStatus = "stupid"
)

// IsTerminal reports whether s admits no further transitions.
func (s TxStatus) IsTerminal() bool {
	switch s {
	case TxCompleted, TxCancelledByCounterparty, TxFailed, TxStupid:
		return true
	}
	return false
}

// allowedTransitions lists the forward edges of the state machine.
// Terminal statuses have no outgoing edges; the cancellation and
// failure edges from every non-terminal state are handled in
// CanTransition rather than enumerated here.
var allowedTransitions = map[TxStatus][]TxStatus{
	TxPending:         {TxChatStarted, TxWaitingPayment},
	TxChatStarted:     {TxWaitingPayment, TxPaymentReceived},
	TxWaitingPayment:  {TxPaymentReceived, TxCheckReceived},
	TxPaymentReceived: {TxCheckReceived},
	TxCheckReceived:   {TxCompleted},
}

// CanTransition reports whether from → to is a legal edge. Any
// non-terminal status may move to cancelled_by_counterparty, failed or
// stupid. An admin-forced release bypasses this check at the store
// layer.
func CanTransition(from, to TxStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case TxCancelledByCounterparty, TxFailed, TxStupid:
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AdStatus is the lifecycle status of an Advertisement on the exchange.
type AdStatus string

const (
	AdOnline  AdStatus = "ONLINE"
	AdOffline AdStatus = "OFFLINE"
	AdDeleted AdStatus = "DELETED"
)

// PayoutDecision records the operator (or auto-approver) decision for a
// pending payout.
type PayoutDecision string

const (
	DecisionPending  PayoutDecision = "pending"
	DecisionAccepted PayoutDecision = "accepted"
	DecisionRejected PayoutDecision = "rejected"
)

// AccountStatus tracks the health of a platform account session.
type AccountStatus string

const (
	AccountActive       AccountStatus = "active"
	AccountInitializing AccountStatus = "initializing"
	AccountError        AccountStatus = "error"
	AccountDisabled     AccountStatus = "disabled"
)

// Sender classifies who produced a chat message.
type Sender string

const (
	SenderUs     Sender = "us"
	SenderThem   Sender = "them"
	SenderSystem Sender = "system"
)

// Bybit P2P order status integers as returned by the exchange.
const (
	OrderStatusPaying    = 10 // payment in processing
	OrderStatusWaiting   = 20 // waiting coin transfer
	OrderStatusCompleted = 30
	OrderStatusCancelled = 40
	OrderStatusDispute   = 50
)
