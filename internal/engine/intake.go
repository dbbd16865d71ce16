package engine

import (
	"context"
	"errors"
	"time"

	"github.com/avdm/gop2pd/internal/domain"
	"github.com/avdm/gop2pd/internal/gate"
	"github.com/avdm/gop2pd/internal/store"
)

// AcceptPayouts is the work_acceptor task: poll every Gate account for
// pending payouts, run them through the approver, accept them on the
// platform (which reveals the hidden amount), and persist the revealed
// payout as accepted.
func (e *Engine) AcceptPayouts(ctx context.Context) error {
	pendingCodes := e.codesFor("pending")
	if len(pendingCodes) == 0 {
		return nil
	}

	var firstErr error
	for _, accountID := range e.registry.GateIDs() {
		client, ok := e.registry.Gate(accountID)
		if !ok {
			continue
		}
		if err := e.acceptAccountPayouts(ctx, accountID, client, pendingCodes); err != nil {
			e.logger.Error("payout intake failed", "account", accountID, "error", err)
			e.noteGateError(accountID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// maxPayoutPages bounds a listing walk.
const maxPayoutPages = 20

// listPayouts follows the listing's pagination until the platform
// reports no next page.
func listPayouts(ctx context.Context, client gateClient, codes []int) ([]gate.Payout, error) {
	var out []gate.Payout
	for page := 1; page <= maxPayoutPages; page++ {
		pg, err := client.Payouts(ctx, page, codes)
		if err != nil {
			return nil, err
		}
		out = append(out, pg.Data...)
		if pg.NextPageURL == "" {
			break
		}
	}
	return out, nil
}

func (e *Engine) acceptAccountPayouts(ctx context.Context, accountID string, client gateClient, pendingCodes []int) error {
	payouts, err := listPayouts(ctx, client, pendingCodes)
	if err != nil {
		return err
	}
	for i := range payouts {
		p := &payouts[i]
		if e.statusAction(p.Status) != "pending" {
			// The filter asked for pending codes, but the platform has
			// been seen returning extras; unknown codes are ignored.
			continue
		}
		if err := e.acceptOne(ctx, accountID, client, p); err != nil {
			e.logger.Error("payout accept failed", "account", accountID, "payout", string(p.ID), "error", err)
			e.noteGateError(accountID, err)
		}
	}
	return nil
}

func (e *Engine) acceptOne(ctx context.Context, accountID string, client gateClient, p *gate.Payout) error {
	externalID := string(p.ID)

	existing, err := e.store.Payouts().GetByExternalID(ctx, externalID, accountID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil && existing.Decision != domain.DecisionPending {
		return nil
	}

	decision, err := e.approver.Approve(ctx, accountID, p)
	if err != nil {
		return err
	}
	if decision != domain.DecisionAccepted {
		// Rejected payouts are final; pending ones are re-asked on the
		// next tick.
		return e.store.Payouts().Upsert(ctx, &domain.Payout{
			ExternalID:    externalID,
			AccountID:     accountID,
			Wallet:        p.Wallet,
			Bank:          p.Bank.Name,
			RecipientName: p.Recipient,
			StatusCode:    p.Status,
			Decision:      decision,
		})
	}

	if err := client.AcceptPayout(ctx, externalID); err != nil {
		return err
	}

	// Accepting reveals the amount; re-read from the accepted-waiting
	// listing to pick it up.
	revealed := e.findRevealed(ctx, client, externalID)
	amount := int64(0)
	wallet, bank, recipient := p.Wallet, p.Bank.Name, p.Recipient
	statusCode := p.Status
	if revealed != nil {
		amount = revealed.AmountMinor()
		if revealed.Wallet != "" {
			wallet = revealed.Wallet
		}
		if revealed.Bank.Name != "" {
			bank = revealed.Bank.Name
		}
		if revealed.Recipient != "" {
			recipient = revealed.Recipient
		}
		statusCode = revealed.Status
	}
	if amount == 0 {
		// No silent substitution: store what the platform gave us and
		// let the operator sort it out.
		e.logger.Warn("accepted payout has zero or hidden amount", "account", accountID, "payout", externalID)
	}

	if err := e.store.Payouts().Upsert(ctx, &domain.Payout{
		ExternalID:    externalID,
		AccountID:     accountID,
		Amount:        amount,
		Wallet:        wallet,
		Bank:          bank,
		RecipientName: recipient,
		StatusCode:    statusCode,
		Decision:      domain.DecisionAccepted,
		AcceptedAt:    time.Now().UTC(),
	}); err != nil {
		return err
	}
	e.logger.Info("payout accepted", "account", accountID, "payout", externalID, "amount", amount)
	return nil
}

// findRevealed looks the payout up in the accepted-waiting listing
// after the accept call.
func (e *Engine) findRevealed(ctx context.Context, client gateClient, externalID string) *gate.Payout {
	waitingCodes := e.codesFor("accepted_waiting")
	if len(waitingCodes) == 0 {
		return nil
	}
	payouts, err := listPayouts(ctx, client, waitingCodes)
	if err != nil {
		e.logger.Warn("re-read after accept failed", "payout", externalID, "error", err)
		return nil
	}
	for i := range payouts {
		if string(payouts[i].ID) == externalID {
			return &payouts[i]
		}
	}
	return nil
}

// SyncAcceptedPayouts is the payouts_sync boot one-shot: pull payouts
// the platform already considers accepted-waiting so a restart does
// not lose the context of in-flight work.
func (e *Engine) SyncAcceptedPayouts(ctx context.Context) error {
	waitingCodes := e.codesFor("accepted_waiting")
	if len(waitingCodes) == 0 {
		return nil
	}

	var firstErr error
	for _, accountID := range e.registry.GateIDs() {
		client, ok := e.registry.Gate(accountID)
		if !ok {
			continue
		}
		payouts, err := listPayouts(ctx, client, waitingCodes)
		if err != nil {
			e.logger.Error("payout sync failed", "account", accountID, "error", err)
			e.noteGateError(accountID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for i := range payouts {
			p := &payouts[i]
			externalID := string(p.ID)
			existing, err := e.store.Payouts().GetByExternalID(ctx, externalID, accountID)
			if err == nil {
				// Known payout: refresh the external status code only.
				if existing.StatusCode != p.Status {
					if err := e.store.Payouts().UpdateStatusCode(ctx, existing.ID, p.Status); err != nil {
						e.logger.Warn("payout status sync failed", "payout", externalID, "error", err)
					}
				}
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err := e.store.Payouts().Upsert(ctx, &domain.Payout{
				ExternalID:    externalID,
				AccountID:     accountID,
				Amount:        p.AmountMinor(),
				Wallet:        p.Wallet,
				Bank:          p.Bank.Name,
				RecipientName: p.Recipient,
				StatusCode:    p.Status,
				Decision:      domain.DecisionAccepted,
				AcceptedAt:    time.Now().UTC(),
			}); err != nil {
				e.logger.Error("payout sync upsert failed", "payout", externalID, "error", err)
			} else {
				e.logger.Info("recovered accepted payout", "account", accountID, "payout", externalID)
			}
		}
	}
	return firstErr
}
