package engine

import (
	"context"
	"strconv"

	"github.com/avdm/gop2pd/internal/bybit"
	"github.com/avdm/gop2pd/internal/domain"
	"github.com/avdm/gop2pd/internal/events"
)

// CreateAds is the ad_creator task: for every accepted payout without
// a transaction, pick an exchange account with a free ad slot, post a
// sell advertisement sized to the payout, and create the pending
// transaction linking the two.
func (e *Engine) CreateAds(ctx context.Context) error {
	queue, err := e.store.Payouts().ListAcceptedWithoutTransaction(ctx)
	if err != nil {
		return err
	}
	for _, p := range queue {
		if p.Amount == 0 {
			// Warned at intake; an operator has to resolve the amount
			// before an ad can be sized.
			continue
		}
		placed, err := e.placeAd(ctx, p)
		if err != nil {
			e.logger.Error("ad placement failed", "payout", p.ExternalID, "error", err)
			continue
		}
		if !placed {
			// Every account is at capacity; retry next tick.
			return nil
		}
	}
	return nil
}

func (e *Engine) placeAd(ctx context.Context, p *domain.Payout) (bool, error) {
	accountID, client, acct, err := e.pickBybitAccount(ctx)
	if err != nil {
		return false, err
	}
	if client == nil {
		return false, nil
	}

	priceMinor := parsePriceMinor(acct.Price)
	if priceMinor <= 0 {
		e.logger.Error("bybit account has no usable price configured", "account", accountID)
		return false, nil
	}

	req := &bybit.AdRequest{
		TokenID:    acct.TokenID,
		CurrencyID: acct.CurrencyID,
		Side:       "1",
		PriceType:  "0",
		Price:      acct.Price,
		Quantity:   assetQuantity(p.Amount, priceMinor),
		MinAmount:  fiatDecimal(p.Amount),
		MaxAmount:  fiatDecimal(p.Amount),
		PaymentIDs: acct.PaymentIDs,
		Remark:     acct.Remark,
	}
	itemID, err := client.CreateAd(ctx, req)
	if err != nil {
		return false, err
	}

	ad := &domain.Advertisement{
		BybitID:   itemID,
		AccountID: accountID,
		Side:      "SELL",
		Asset:     acct.TokenID,
		Fiat:      acct.CurrencyID,
		Price:     priceMinor,
		Quantity:  p.Amount,
		MinAmount: p.Amount,
		MaxAmount: p.Amount,
		Payments:  acct.PaymentIDs,
		Status:    domain.AdOnline,
	}
	if err := e.store.Ads().Create(ctx, ad); err != nil {
		return false, err
	}
	tx := &domain.Transaction{
		PayoutID:  p.ID,
		AdID:      ad.ID,
		AccountID: accountID,
		Status:    domain.TxPending,
		Amount:    p.Amount,
	}
	if err := e.store.Transactions().Create(ctx, tx); err != nil {
		return false, err
	}

	if e.bus != nil {
		e.bus.Publish(events.AdvertisementCreated, map[string]string{
			"ad_id":    ad.ID,
			"bybit_id": itemID,
			"payout":   p.ExternalID,
		}, events.AccountRoom(accountID))
	}
	e.logger.Info("advertisement created",
		"account", accountID, "item", itemID, "payout", p.ExternalID, "amount", p.Amount)
	return true, nil
}

// pickBybitAccount returns the first configured exchange account with
// a free ad slot, or nils when all are full.
func (e *Engine) pickBybitAccount(ctx context.Context) (string, bybitClient, *bybitAccountCfg, error) {
	for i := range e.cfg.Bybit.Accounts {
		acct := &e.cfg.Bybit.Accounts[i]
		client, ok := e.registry.Bybit(acct.ID)
		if !ok {
			continue
		}
		if st, _, ok := e.registry.Status(acct.ID); ok && st != domain.AccountActive {
			continue
		}
		active, err := e.store.Ads().CountActiveByAccount(ctx, acct.ID)
		if err != nil {
			return "", nil, nil, err
		}
		if active >= acct.MaxActiveAds {
			continue
		}
		return acct.ID, client, acct, nil
	}
	return "", nil, nil, nil
}

// assetQuantity renders the asset amount an ad must offer so that
// quantity × price covers the payout, with four decimal places.
func assetQuantity(amountMinor, priceMinor int64) string {
	// Both are fiat minor units, so the ratio is dimensionless.
	units := amountMinor * 10000 / priceMinor
	whole := units / 10000
	frac := units % 10000
	s := strconv.FormatInt(whole, 10) + "."
	for div := int64(1000); div >= 1; div /= 10 {
		s += strconv.FormatInt(frac/div%10, 10)
	}
	return s
}

// fiatDecimal renders fiat minor units as the decimal string the
// exchange expects.
func fiatDecimal(minor int64) string {
	whole := minor / 100
	frac := minor % 100
	out := strconv.FormatInt(whole, 10) + "."
	if frac < 10 {
		out += "0"
	}
	return out + strconv.FormatInt(frac, 10)
}
