package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/avdm/gop2pd/internal/domain"
	"github.com/avdm/gop2pd/internal/events"
	"github.com/avdm/gop2pd/internal/mail"
	"github.com/avdm/gop2pd/internal/receipt"
	"github.com/avdm/gop2pd/internal/store"
)

// ProcessReceipts is the receipt_processor task: poll the inbox for
// new mail from trusted senders, download PDF attachments, extract and
// parse them, persist Receipts, and run the matcher.
func (e *Engine) ProcessReceipts(ctx context.Context) error {
	if e.mail == nil {
		return nil
	}
	e.mailMu.Lock()
	sinceID := e.lastEmailID
	e.mailMu.Unlock()

	emails, err := e.mail.ListEmails(ctx, sinceID)
	if err != nil {
		return err
	}
	for i := range emails {
		em := &emails[i]
		if err := e.processEmail(ctx, em); err != nil {
			e.logger.Error("email processing failed", "email", em.ID, "error", err)
			continue
		}
		e.mailMu.Lock()
		e.lastEmailID = em.ID
		e.mailMu.Unlock()
	}
	return e.MatchReceipts(ctx)
}

func (e *Engine) processEmail(ctx context.Context, em *mail.Email) error {
	if !e.mail.TrustedSender(em.From) {
		e.logger.Debug("email from untrusted sender skipped", "email", em.ID, "from", em.From)
		return nil
	}
	full := em
	if len(full.Attachments) == 0 {
		var err error
		full, err = e.mail.FetchEmail(ctx, em.ID)
		if err != nil {
			return err
		}
	}
	for _, att := range full.Attachments {
		if !att.IsPDF() {
			continue
		}
		if err := e.ingestAttachment(ctx, full, att); err != nil {
			e.logger.Error("attachment ingest failed", "email", full.ID, "attachment", att.ID, "error", err)
		}
	}
	return nil
}

// ingestAttachment downloads, stores, and parses one PDF. A receipt
// that previously failed to parse is retried only when the file hash
// changed.
func (e *Engine) ingestAttachment(ctx context.Context, em *mail.Email, att mail.Attachment) error {
	emailKey := em.ID + "/" + att.ID

	data, err := e.mail.DownloadAttachment(ctx, em.ID, att.ID)
	if err != nil {
		return err
	}

	hash, err := e.blobs.Put(ctx, emailKey, data)
	if err != nil {
		return err
	}

	existing, err := e.store.Receipts().GetByEmailID(ctx, emailKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil && existing.FileHash == hash {
		// Same bytes as last time: a parse failure stays failed, a
		// parsed receipt needs no re-work.
		return nil
	}

	rec := &domain.Receipt{
		EmailID:    emailKey,
		BlobKey:    emailKey,
		FileHash:   hash,
		ReceivedAt: em.ReceivedAt,
	}
	if existing != nil {
		rec.ID = existing.ID
		rec.ReceivedAt = existing.ReceivedAt
	}

	parsed, parseErr := e.extractAndParse(ctx, data)
	if parseErr != nil {
		rec.ParseError = parseErr.Error()
		e.alert(events.AlertParseFailure, map[string]interface{}{
			"email_id": emailKey,
			"error":    parseErr.Error(),
		})
		e.logger.Warn("receipt parse failed", "email", emailKey, "error", parseErr)
	} else {
		rec.Parsed = parsed
	}
	return e.store.Receipts().Upsert(ctx, rec)
}

// extractAndParse runs the CPU-bound extraction under the semaphore so
// PDF work cannot starve the I/O tasks.
func (e *Engine) extractAndParse(ctx context.Context, data []byte) (*domain.ParsedReceipt, error) {
	select {
	case e.extractSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.extractSem }()

	text, err := e.extract(data)
	if err != nil {
		return nil, fmt.Errorf("extract text: %w", err)
	}
	return receipt.Parse(text)
}

// MatchReceipts joins unmatched receipts against accepted payouts on
// (amount, bank, recipient wallet, recipient name) with the receipt
// timestamp at or after acceptance. First match wins; a receipt that
// matches before its order exists parks on the payout's pending
// pointer.
func (e *Engine) MatchReceipts(ctx context.Context) error {
	receipts, err := e.store.Receipts().ListUnmatched(ctx)
	if err != nil {
		return err
	}
	if len(receipts) == 0 {
		return nil
	}
	payouts, err := e.store.Payouts().ListAccepted(ctx)
	if err != nil {
		return err
	}

	for _, rec := range receipts {
		for _, p := range payouts {
			if !receiptMatchesPayout(rec.Parsed, p) {
				continue
			}
			matched, err := e.store.Receipts().PayoutMatched(ctx, p.ID)
			if err != nil {
				return err
			}
			if matched {
				continue
			}
			if err := e.applyMatch(ctx, rec, p); err != nil {
				e.logger.Error("receipt match failed", "receipt", rec.ID, "payout", p.ExternalID, "error", err)
			}
			break
		}
	}
	return nil
}

// receiptMatchesPayout implements the join predicate.
func receiptMatchesPayout(parsed *domain.ParsedReceipt, p *domain.Payout) bool {
	if parsed == nil || p.Amount == 0 {
		return false
	}
	if parsed.Amount != p.Amount {
		return false
	}
	if domain.NormalizeBank(parsed.RecipientBank) != domain.NormalizeBank(p.Bank) {
		return false
	}
	if !walletMatches(parsed, p.Wallet) {
		return false
	}
	if !domain.NamesMatch(parsed.RecipientName, p.RecipientName) {
		return false
	}
	if p.AcceptedAt.IsZero() || parsed.Datetime.Before(p.AcceptedAt) {
		return false
	}
	return true
}

// walletMatches compares the payout wallet against the receipt's phone
// or masked card.
func walletMatches(parsed *domain.ParsedReceipt, wallet string) bool {
	if wallet == "" {
		return false
	}
	if domain.NormalizePhone(wallet) == parsed.RecipientPhone {
		return true
	}
	return maskedCardMatches(parsed.RecipientCard, wallet)
}

// maskedCardMatches compares the visible tail digits of a masked card
// ("**** 5678") against a full card number.
func maskedCardMatches(masked, card string) bool {
	tail := digitsOnly(masked)
	full := digitsOnly(card)
	if len(tail) < 4 || len(full) < len(tail) {
		return false
	}
	return bytes.HasSuffix([]byte(full), []byte(tail))
}

func digitsOnly(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// applyMatch links receipt and payout, then moves the transaction (if
// one is far enough along) to check_received.
func (e *Engine) applyMatch(ctx context.Context, rec *domain.Receipt, p *domain.Payout) error {
	tx, err := e.store.Transactions().GetByPayoutID(ctx, p.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	txID := ""
	if tx != nil {
		txID = tx.ID
	}
	if err := e.store.Receipts().Match(ctx, rec.ID, p.ID, txID); err != nil {
		if errors.Is(err, store.ErrReceiptAlreadyMatched) {
			return nil
		}
		return err
	}
	e.logger.Info("receipt matched", "receipt", rec.ID, "payout", p.ExternalID, "transaction", txID)

	if tx == nil || (tx.Status != domain.TxWaitingPayment && tx.Status != domain.TxPaymentReceived) {
		// Receipt before the order (or before payment): park it on the
		// payout; the discovery loop fires the transition when the
		// transaction reaches waiting_payment.
		if err := e.store.Payouts().SetPendingReceipt(ctx, p.ID, rec.ID); err != nil &&
			!errors.Is(err, store.ErrPayoutAlreadyMatched) {
			return err
		}
		return nil
	}

	err = e.store.Transactions().Transition(ctx, tx.ID, tx.Status, domain.TxCheckReceived)
	if err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return nil
		}
		return err
	}
	e.publishTx(events.TransactionUpdated, tx.ID, string(domain.TxCheckReceived))
	return nil
}

// defaultExtractText handles the common vendor cases: receipts that
// arrive as plain text, and uncompressed PDF text objects. Compressed
// streams need a real extractor injected through Deps.Extract.
func defaultExtractText(data []byte) (string, error) {
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		return string(data), nil
	}
	var out bytes.Buffer
	rest := data
	for {
		open := bytes.IndexByte(rest, '(')
		if open < 0 {
			break
		}
		end := bytes.IndexByte(rest[open:], ')')
		if end < 0 {
			break
		}
		out.Write(rest[open+1 : open+end])
		out.WriteByte('\n')
		rest = rest[open+end+1:]
	}
	if out.Len() == 0 {
		return "", errors.New("no extractable text in pdf")
	}
	return out.String(), nil
}
