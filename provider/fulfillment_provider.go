package provider

import (
	"context"

	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// JSONPoster is the part of httpclient.Client the provider uses
type JSONPoster interface {
	PostJSON(ctx context.Context, path string, body interface{}, headers map[string]string, dest interface{}) error
}

// DeliveryMarker records that a win reached fulfillment
type DeliveryMarker interface {
	MarkDelivered(ctx context.Context, winID string) (*providers.WinRecord, error)
}

// FulfillmentProvider implements providers.FulfillmentProvider over HTTP
type FulfillmentProvider struct {
	client  JSONPoster
	winners DeliveryMarker
	logger  zerolog.Logger
}

var _ providers.FulfillmentProvider = (*FulfillmentProvider)(nil)

// NewFulfillmentProvider creates a new fulfillment provider. winners may be
// nil, in which case delivery is confirmed out of band.
func NewFulfillmentProvider(client JSONPoster, winners DeliveryMarker, logger zerolog.Logger) *FulfillmentProvider {
	return &FulfillmentProvider{
		client:  client,
		winners: winners,
		logger:  logger.With().Str("component", "fulfillment_provider").Logger(),
	}
}

type fulfillmentRequest struct {
	WinID        string          `json:"win_id"`
	AccountID    string          `json:"account_id"`
	TierID       string          `json:"tier_id"`
	PayoutValue  decimal.Decimal `json:"payout_value"`
	PayoutPoints int64           `json:"payout_points"`
}

type fulfillmentResponse struct {
	Data struct {
		Accepted bool `json:"accepted"`
	} `json:"data"`
}

// NotifyWin hands a win to the fulfillment service. An accepted win is
// marked delivered; the win id makes the request idempotent upstream.
func (p *FulfillmentProvider) NotifyWin(ctx context.Context, win providers.WinRecord) error {
	body := fulfillmentRequest{
		WinID:        win.ID,
		AccountID:    win.AccountID,
		TierID:       win.TierID,
		PayoutValue:  win.PayoutValue,
		PayoutPoints: win.PayoutPoints,
	}
	headers := map[string]string{"Idempotency-Key": win.ID}

	var resp fulfillmentResponse
	if err := p.client.PostJSON(ctx, "/fulfillments", body, headers, &resp); err != nil {
		return err
	}
	if !resp.Data.Accepted {
		p.logger.Info().Str("win_id", win.ID).Msg("Fulfillment queued without acceptance")
		return nil
	}

	if p.winners != nil {
		if _, err := p.winners.MarkDelivered(ctx, win.ID); err != nil {
			return err
		}
	}
	p.logger.Info().Str("win_id", win.ID).Str("tier_id", win.TierID).Msg("Win handed to fulfillment")
	return nil
}
