package engine

import (
	"context"

	"github.com/avdm/gop2pd/internal/events"
)

// SetGateBalances re-asserts the configured working balance on every
// payment-platform account. The platform silently drops it on its own
// schedule, hence the periodic task.
func (e *Engine) SetGateBalances(ctx context.Context) error {
	var firstErr error
	for _, accountID := range e.registry.GateIDs() {
		client, ok := e.registry.Gate(accountID)
		if !ok {
			continue
		}
		if err := client.SetBalance(ctx, e.cfg.Gate.DefaultBalance); err != nil {
			e.logger.Error("balance set failed", "account", accountID, "error", err)
			e.noteGateError(accountID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.logger.Debug("balance set", "account", accountID, "amount", e.cfg.Gate.DefaultBalance)
	}
	return firstErr
}

// MonitorInstant forwards the device SMS and push feeds to the event
// bus for operator dashboards.
func (e *Engine) MonitorInstant(ctx context.Context) error {
	if e.bus == nil {
		return nil
	}
	for _, accountID := range e.registry.GateIDs() {
		client, ok := e.registry.Gate(accountID)
		if !ok {
			continue
		}
		if sms, err := client.SMS(ctx); err != nil {
			e.noteGateError(accountID, err)
		} else if len(sms) > 0 {
			e.bus.Publish(events.StatsUpdate, map[string]interface{}{
				"account_id": accountID,
				"feed":       "sms",
				"payload":    sms,
			}, events.AccountRoom(accountID))
		}
		if pushes, err := client.Pushes(ctx); err != nil {
			e.noteGateError(accountID, err)
		} else if len(pushes) > 0 {
			e.bus.Publish(events.StatsUpdate, map[string]interface{}{
				"account_id": accountID,
				"feed":       "push",
				"payload":    pushes,
			}, events.AccountRoom(accountID))
		}
	}
	return nil
}

// ReportStats publishes the status-count snapshot.
func (e *Engine) ReportStats(ctx context.Context) error {
	counts, err := e.store.Transactions().CountByStatus(ctx)
	if err != nil {
		return err
	}
	if e.bus != nil {
		e.bus.Publish(events.StatsUpdate, map[string]interface{}{
			"transactions": counts,
			"subscribers":  e.bus.SubscriberCount(),
		})
	}
	return nil
}
