package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/avdm/gop2pd/internal/domain"
	"github.com/avdm/gop2pd/internal/events"
	"github.com/avdm/gop2pd/internal/store"
)

// Chat script step indexes. The step pointer on the transaction only
// moves forward; each outgoing send records its step so a restart
// never repeats one.
const (
	stepGreeting     = 0 // greeting + physical-person question
	stepBankConfirm  = 1 // ask which bank the buyer pays from
	stepInstructions = 2 // wallet, amount, deadline; await "paid"
	stepAwaitReceipt = 3 // wait for the PDF, matched out-of-band
	stepThanks       = 4 // entered on receipt match; successer sends it
)

// verdict is the outcome of classifying a buyer reply.
type verdict int

const (
	verdictWait   verdict = iota // nothing actionable yet
	verdictNext                  // advance to the next step
	verdictStupid                // counterparty failed the check
)

// chatStep is one entry of the declarative script: the prompt we send
// on entering the step and the classifier for the buyer's reply.
type chatStep struct {
	prompt   func(p *domain.Payout) string
	classify func(body string, p *domain.Payout) verdict
}

var chatScript = map[int]chatStep{
	stepGreeting: {
		prompt: func(*domain.Payout) string {
			return "Здравствуйте! Перед переводом подтвердите, пожалуйста: вы физическое лицо и переводите собственные средства? (да/нет)"
		},
		classify: classifyYesNo,
	},
	stepBankConfirm: {
		prompt: func(*domain.Payout) string {
			return "Спасибо! Из какого банка будет перевод?"
		},
		classify: classifyBank,
	},
	stepInstructions: {
		prompt: func(p *domain.Payout) string {
			return fmt.Sprintf(
				"Реквизиты для перевода: %s, банк %s, сумма %s ₽. Переведите точную сумму в течение 15 минут и напишите «оплатил». После перевода пришлите, пожалуйста, чек в PDF.",
				p.Wallet, p.Bank, fiatDecimal(p.Amount))
		},
		classify: classifyPaid,
	},
	stepAwaitReceipt: {
		// No prompt: the instructions already asked for the receipt. The
		// receipt processor moves the transaction forward.
	},
}

func classifyYesNo(body string, _ *domain.Payout) verdict {
	b := normalizeReply(body)
	switch {
	case containsAny(b, "да", "yes", "ага", "конечно"):
		return verdictNext
	case containsAny(b, "нет", "no"):
		return verdictStupid
	}
	return verdictWait
}

func classifyBank(body string, p *domain.Payout) verdict {
	b := normalizeReply(body)
	if b == "" {
		return verdictWait
	}
	if domain.NormalizeBank(b) == domain.NormalizeBank(p.Bank) {
		return verdictNext
	}
	return verdictStupid
}

func classifyPaid(body string, _ *domain.Payout) verdict {
	b := normalizeReply(body)
	if containsAny(b, "оплатил", "оплачено", "перевел", "перевёл", "paid") {
		return verdictNext
	}
	return verdictWait
}

func normalizeReply(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ProcessChats is the chat_processor task: for every transaction in a
// chat-active status, make sure the current step's prompt went out and
// classify the latest unprocessed buyer reply.
func (e *Engine) ProcessChats(ctx context.Context) error {
	txs, err := e.store.Transactions().ListByStatus(ctx, domain.TxChatStarted, domain.TxWaitingPayment)
	if err != nil {
		return err
	}
	var firstErr error
	for _, tx := range txs {
		if tx.OrderID == "" {
			continue
		}
		if err := e.processChat(ctx, tx); err != nil {
			e.logger.Error("chat processing failed", "transaction", tx.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) processChat(ctx context.Context, tx *domain.Transaction) error {
	client, ok := e.registry.Bybit(tx.AccountID)
	if !ok {
		return fmt.Errorf("engine: no client for account %q", tx.AccountID)
	}
	var payout *domain.Payout
	if tx.PayoutID != "" {
		var err error
		payout, err = e.store.Payouts().Get(ctx, tx.PayoutID)
		if err != nil {
			return err
		}
	} else {
		// Placeholder transactions stay silent; an operator owns them.
		return nil
	}

	step, ok := chatScript[tx.ChatStep]
	if !ok {
		return nil
	}

	if step.prompt != nil {
		if err := e.sendStepMessage(ctx, client, tx, tx.ChatStep, step.prompt(payout)); err != nil {
			return err
		}
	}
	if step.classify == nil {
		return nil
	}

	msg, err := e.store.Chat().LatestUnprocessedFrom(ctx, tx.ID, domain.SenderThem)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	switch step.classify(msg.Body, payout) {
	case verdictNext:
		if err := e.store.Chat().MarkProcessed(ctx, msg.ID); err != nil {
			return err
		}
		return e.advanceChatStep(ctx, tx)
	case verdictStupid:
		if err := e.store.Chat().MarkProcessed(ctx, msg.ID); err != nil {
			return err
		}
		return e.reissue(ctx, tx, domain.TxStupid,
			fmt.Sprintf("failed scripted check at step %d: %q", tx.ChatStep, msg.Body))
	default:
		// Not actionable; leave unprocessed and re-classify when the
		// buyer says something new.
		return nil
	}
}

// sendStepMessage sends a step's prompt exactly once per transaction:
// the recorded step on the outgoing row is the restart-safe guard.
func (e *Engine) sendStepMessage(ctx context.Context, client bybitClient, tx *domain.Transaction, step int, text string) error {
	sent, err := e.store.Chat().HasOutgoingForStep(ctx, tx.ID, step)
	if err != nil || sent {
		return err
	}
	if !e.chatLimiter(tx.OrderID).Allow() {
		return nil
	}
	externalID, err := client.SendChatMessage(ctx, tx.OrderID, text)
	if err != nil {
		return err
	}
	_, err = e.store.Chat().Upsert(ctx, &domain.ChatMessage{
		TransactionID: tx.ID,
		ExternalID:    externalID,
		Sender:        domain.SenderUs,
		Body:          text,
		ContentType:   "text",
		Step:          step,
		Processed:     true,
	})
	if err != nil {
		return err
	}
	e.logger.Debug("chat prompt sent", "transaction", tx.ID, "step", step)
	return nil
}

// advanceChatStep moves the script pointer and applies the status edge
// tied to the step boundary.
func (e *Engine) advanceChatStep(ctx context.Context, tx *domain.Transaction) error {
	next := tx.ChatStep + 1
	if err := e.store.Transactions().SetChatStep(ctx, tx.ID, next); err != nil {
		return err
	}
	tx.ChatStep = next

	// Bank confirmed means the buyer acknowledged the terms.
	if next == stepInstructions && tx.Status == domain.TxChatStarted {
		err := e.store.Transactions().Transition(ctx, tx.ID, domain.TxChatStarted, domain.TxWaitingPayment)
		if err != nil && !errors.Is(err, store.ErrStaleStatus) {
			return err
		}
		if err == nil {
			tx.Status = domain.TxWaitingPayment
			e.publishTx(events.TransactionUpdated, tx.ID, string(tx.Status))
		}
	}

	// The buyer's "paid" reply; the order status catches up later.
	if next == stepAwaitReceipt && tx.Status == domain.TxWaitingPayment {
		err := e.store.Transactions().Transition(ctx, tx.ID, domain.TxWaitingPayment, domain.TxPaymentReceived)
		if err != nil && !errors.Is(err, store.ErrStaleStatus) {
			return err
		}
		if err == nil {
			tx.Status = domain.TxPaymentReceived
			e.publishTx(events.TransactionUpdated, tx.ID, string(tx.Status))
		}
	}
	return nil
}
