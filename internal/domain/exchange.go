package domain

import "context"

// ExchangeClient is the REST surface the lifecycle manager and exit handler
// drive. All calls may fail; classification of failures is the caller's job.
type ExchangeClient interface {
	OpenPosition(ctx context.Context, decision TradeDecision, sizing PositionSizing) (*Position, error)
	ClosePosition(ctx context.Context, symbol string) error
	CancelAllConditionalOrders(ctx context.Context, symbol string) error
	UpdateStopLoss(ctx context.Context, symbol string, price float64) error
	SetTrailingStop(ctx context.Context, symbol string, distance float64) error
	UpdateTakeProfitPartial(ctx context.Context, symbol string, price, sizePercent float64) error
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}
