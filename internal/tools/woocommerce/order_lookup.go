package woocommerce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/stimmwerk/voxbroker/internal/tools"
)

// minPhoneDigits is the minimum number of digits a provided phone number
// must carry before it can serve as a verification identifier.
const minPhoneDigits = 10

// OrderLookup fetches an order and discloses its contents only after the
// caller proves ownership: the billing email must match case-insensitively,
// or the last ten digits of the provided phone number must match the billing
// phone. An order that is found but not verified is reported without any
// order contents.
type OrderLookup struct {
	client *Client
}

var _ tools.Integration = (*OrderLookup)(nil)

// NewOrderLookup is the tools.Factory for the order_lookup integration.
func NewOrderLookup(config map[string]any) (tools.Integration, error) {
	client, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	return &OrderLookup{client: client}, nil
}

// Execute looks up args["order_id"] and verifies the caller via
// args["email"] or args["phone"] (falling back to the session's
// "caller_phone").
func (o *OrderLookup) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	orderID := strings.TrimSpace(argString(args, "order_id"))
	if orderID == "" {
		return map[string]any{
			"success": false,
			"error":   "order_id must not be empty",
		}, nil
	}

	email := strings.TrimSpace(argString(args, "email"))
	phone := strings.TrimSpace(argString(args, "phone"))
	if phone == "" {
		phone = strings.TrimSpace(argString(args, "caller_phone"))
	}

	var order wcOrder
	err := o.client.getJSON(ctx, "/orders/"+escapeID(orderID), nil, &order)
	if errors.Is(err, errNotFound) {
		return map[string]any{
			"success": true,
			"found":   false,
			"message": fmt.Sprintf("No order %s was found.", orderID),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("order lookup: %w", err)
	}

	if email == "" && phone == "" {
		// The order exists but the caller offered nothing to verify against.
		// Reporting found-but-unverified lets the model ask for a credential
		// instead of claiming the order does not exist.
		return map[string]any{
			"success":  true,
			"found":    true,
			"verified": false,
			"message":  "The order exists. Ask the caller for the email address or phone number on the order to verify ownership before sharing any details.",
		}, nil
	}

	if !verified(order, email, phone) {
		return map[string]any{
			"success":  true,
			"found":    true,
			"verified": false,
			"message":  "The order exists, but the provided contact details do not match our records. No order details can be shared.",
		}, nil
	}

	items := make([]map[string]any, 0, len(order.LineItems))
	for _, li := range order.LineItems {
		items = append(items, map[string]any{
			"name":     li.Name,
			"quantity": li.Quantity,
			"total":    li.Total,
		})
	}

	return map[string]any{
		"success":  true,
		"found":    true,
		"verified": true,
		"order": map[string]any{
			"number":   order.Number,
			"status":   order.Status,
			"total":    order.Total,
			"currency": order.Currency,
			"created":  order.DateCreated,
			"items":    items,
		},
	}, nil
}

// Close implements tools.Integration.
func (o *OrderLookup) Close() error {
	return nil
}

// verified applies the ownership checks: case-insensitive email equality, or
// last-ten-digit phone equality when the provided phone has at least ten
// digits.
func verified(order wcOrder, email, phone string) bool {
	if email != "" && strings.EqualFold(email, strings.TrimSpace(order.Billing.Email)) {
		return true
	}
	if phone != "" {
		provided := digits(phone)
		billing := digits(order.Billing.Phone)
		if len(provided) >= minPhoneDigits && len(billing) >= minPhoneDigits {
			return lastN(provided, minPhoneDigits) == lastN(billing, minPhoneDigits)
		}
	}
	return false
}

// digits strips everything but decimal digits from s.
func digits(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// escapeID keeps only characters valid in a WooCommerce order ID path
// segment.
func escapeID(id string) string {
	var sb strings.Builder
	for _, r := range id {
		if unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// argString reads a string argument, tolerating absent keys and non-string
// values (LLMs occasionally send numbers for ID fields).
func argString(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%.0f", v), ".")
	default:
		return ""
	}
}
