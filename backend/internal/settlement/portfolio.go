package settlement

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/user/spotexchange/backend/internal/apperr"
	"github.com/user/spotexchange/backend/internal/ledger"
	"github.com/user/spotexchange/backend/internal/models"
	"github.com/user/spotexchange/backend/internal/pricing"
	"github.com/user/spotexchange/backend/internal/store"
	"go.uber.org/zap"
)

// Holding is one wallet with its available balance and an estimated USD value.
type Holding struct {
	Asset     string              `json:"asset"`
	Balance   decimal.Decimal     `json:"balance"`
	Locked    decimal.Decimal     `json:"locked_balance"`
	Available decimal.Decimal     `json:"available"`
	ValueUSD  decimal.NullDecimal `json:"value_usd"`
}

// Portfolio lists a user's holdings.
type Portfolio struct {
	Holdings []Holding      `json:"holdings"`
	TotalUSD decimal.Decimal `json:"total_usd"`
}

// Portfolio returns the user's wallets valued in USD. Assets whose price can only be
// guessed are listed without a value and left out of the total.
func (s *Service) Portfolio(ctx context.Context, userID uuid.UUID) (*Portfolio, error) {
	wallets, err := s.store.ListWallets(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}

	symbols := make([]string, 0, len(wallets))
	for _, w := range wallets {
		if !pricing.IsUSDQuote(w.Asset) {
			symbols = append(symbols, w.Asset+"USDT")
		}
	}
	var quotes map[string]pricing.Quote
	if len(symbols) > 0 {
		quotes, err = s.prices.Prices(ctx, symbols)
		if err != nil {
			s.logger.Warn("Portfolio valuation unavailable", zap.Stringer("user_id", userID), zap.Error(err))
			quotes = nil
		}
	}

	p := &Portfolio{Holdings: make([]Holding, 0, len(wallets)), TotalUSD: decimal.Zero}
	for _, w := range wallets {
		h := Holding{
			Asset:     w.Asset,
			Balance:   w.Balance,
			Locked:    w.LockedBalance,
			Available: w.Available(),
		}
		if pricing.IsUSDQuote(w.Asset) {
			h.ValueUSD = decimal.NewNullDecimal(w.Balance)
		} else if q, ok := quotes[w.Asset+"USDT"]; ok && q.Source != pricing.SourceDefault {
			h.ValueUSD = decimal.NewNullDecimal(w.Balance.Mul(q.Price))
		}
		if h.ValueUSD.Valid {
			p.TotalUSD = p.TotalUSD.Add(h.ValueUSD.Decimal)
		}
		p.Holdings = append(p.Holdings, h)
	}
	return p, nil
}

var assetPattern = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

// Deposit credits amount of asset to the user's wallet.
func (s *Service) Deposit(ctx context.Context, userID uuid.UUID, asset string, amount decimal.Decimal) (*models.Wallet, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	var fields []apperr.FieldError
	if !assetPattern.MatchString(asset) {
		fields = append(fields, apperr.FieldError{Field: "asset", Message: "asset must be 2 to 10 letters or digits"})
	}
	switch {
	case !amount.IsPositive():
		fields = append(fields, apperr.FieldError{Field: "amount", Message: "amount must be positive"})
	case !fitsScale(amount):
		fields = append(fields, apperr.FieldError{Field: "amount", Message: fmt.Sprintf("amount allows at most %d decimal places", MaxDecimals)})
	case amount.GreaterThanOrEqual(maxOrderValue):
		fields = append(fields, apperr.FieldError{Field: "amount", Message: "amount is too large"})
	}
	if len(fields) > 0 {
		return nil, apperr.ValidationFields(fields)
	}

	var wallet *models.Wallet
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := ledger.Credit(ctx, tx, userID, asset, amount)
		wallet = w
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Deposit credited",
		zap.Stringer("user_id", userID), zap.String("asset", asset), zap.String("amount", amount.String()))
	return wallet, nil
}
