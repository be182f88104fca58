package sources

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CheckPrice rejects zero and negative prices.
func CheckPrice(symbol string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s = %s", ErrInvalidPrice, symbol, price)
	}
	return nil
}

// OK wraps a body in a 200 response.
func OK(body []byte) *Response {
	return &Response{StatusCode: 200, Body: body}
}
