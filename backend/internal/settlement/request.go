package settlement

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/user/spotexchange/backend/internal/apperr"
	"github.com/user/spotexchange/backend/internal/models"
)

// MaxLeverage is the highest leverage an order may carry.
const MaxLeverage = 125

// MaxDecimals bounds the scale of amounts and prices. Costs are amount*price, so they
// stay within the 18 decimal places the wallet and order columns store.
const MaxDecimals = 8

// fitsScale reports whether v has at most MaxDecimals digits after the point.
func fitsScale(v decimal.Decimal) bool {
	return v.Equal(v.Truncate(MaxDecimals))
}

// PlaceOrderRequest is an order as submitted by a user.
type PlaceOrderRequest struct {
	Pair       string              `json:"pair" validate:"required,max=32"`
	Type       models.OrderType    `json:"type" validate:"required,oneof=MARKET LIMIT STOP_LIMIT"`
	Side       models.OrderSide    `json:"side" validate:"required,oneof=BUY SELL LONG SHORT"`
	Amount     decimal.Decimal     `json:"amount"`
	Price      decimal.NullDecimal `json:"price"`
	StopPrice  decimal.NullDecimal `json:"stop_price"`
	TakeProfit decimal.NullDecimal `json:"take_profit"`
	StopLoss   decimal.NullDecimal `json:"stop_loss"`
	Leverage   int                 `json:"leverage" validate:"omitempty,min=1,max=125"`
}

func (r *PlaceOrderRequest) normalize() {
	r.Pair = strings.ToUpper(strings.TrimSpace(r.Pair))
	r.Type = models.OrderType(strings.ToUpper(strings.TrimSpace(string(r.Type))))
	r.Side = models.OrderSide(strings.ToUpper(strings.TrimSpace(string(r.Side))))
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateOrderPrices, PlaceOrderRequest{})
	return v
}

// validateOrderPrices checks the amount and the price fields whose requirements depend
// on the order type. Decimals are compared exactly, never through float64.
func validateOrderPrices(sl validator.StructLevel) {
	req := sl.Current().Interface().(PlaceOrderRequest)

	switch {
	case !req.Amount.IsPositive():
		sl.ReportError(req.Amount, "amount", "Amount", "gt", "0")
	case !fitsScale(req.Amount):
		sl.ReportError(req.Amount, "amount", "Amount", "decimals", strconv.Itoa(MaxDecimals))
	}

	if req.Type == models.OrderTypeLimit || req.Type == models.OrderTypeStopLimit {
		if !req.Price.Valid {
			sl.ReportError(req.Price, "price", "Price", "required_for_type", string(req.Type))
		}
	}
	if req.Type == models.OrderTypeStopLimit && !req.StopPrice.Valid {
		sl.ReportError(req.StopPrice, "stop_price", "StopPrice", "required_for_type", string(req.Type))
	}

	for _, f := range []struct {
		name, field string
		value       decimal.NullDecimal
	}{
		{"price", "Price", req.Price},
		{"stop_price", "StopPrice", req.StopPrice},
		{"take_profit", "TakeProfit", req.TakeProfit},
		{"stop_loss", "StopLoss", req.StopLoss},
	} {
		switch {
		case !f.value.Valid:
		case !f.value.Decimal.IsPositive():
			sl.ReportError(f.value, f.name, f.field, "gt", "0")
		case !fitsScale(f.value.Decimal):
			sl.ReportError(f.value, f.name, f.field, "decimals", strconv.Itoa(MaxDecimals))
		}
	}
}

// validateRequest turns validator failures into a ValidationError with one entry per field.
func validateRequest(v *validator.Validate, req *PlaceOrderRequest) error {
	err := v.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate order request: %w", err)
	}
	fields := make([]apperr.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, apperr.FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
	}
	return apperr.ValidationFields(fields)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return fmt.Sprintf("%s must be positive", fe.Field())
	case "decimals":
		return fmt.Sprintf("%s allows at most %s decimal places", fe.Field(), fe.Param())
	case "min", "max":
		if fe.Field() == "leverage" {
			return fmt.Sprintf("leverage must be between 1 and %d", MaxLeverage)
		}
		return fmt.Sprintf("%s is out of range", fe.Field())
	case "required_for_type":
		return fmt.Sprintf("%s is required for %s orders", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
