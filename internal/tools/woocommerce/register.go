package woocommerce

import "github.com/stimmwerk/voxbroker/internal/tools"

// Slugs used in agent_tools bindings.
const (
	IntegrationSlug  = "woocommerce"
	ToolProductStock = "product_stock"
	ToolOrderLookup  = "order_lookup"
)

// Register adds the WooCommerce-backed tool descriptors to the registry.
// Call once during startup.
func Register(r *tools.Registry) error {
	if err := r.Register(tools.Descriptor{
		Slug:        ToolProductStock,
		Name:        "Product stock lookup",
		Description: "Check whether a product is in stock and what it costs. Use when the customer asks about availability or price of a specific product.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The product name the customer asked about, as heard.",
				},
			},
			"required": []string{"query"},
		},
		Integrations: map[string]tools.Factory{
			IntegrationSlug: NewProductStock,
		},
		Catalog: true,
	}); err != nil {
		return err
	}

	return r.Register(tools.Descriptor{
		Slug:        ToolOrderLookup,
		Name:        "Order lookup",
		Description: "Look up the status of an existing order. Requires the order number plus the customer's email address or phone number for verification.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"order_id": map[string]any{
					"type":        "string",
					"description": "The order number.",
				},
				"email": map[string]any{
					"type":        "string",
					"description": "The email address the order was placed with, if the customer provided one.",
				},
				"phone": map[string]any{
					"type":        "string",
					"description": "The phone number the order was placed with, if the customer provided one.",
				},
			},
			"required": []string{"order_id"},
		},
		Integrations: map[string]tools.Factory{
			IntegrationSlug: NewOrderLookup,
		},
	})
}
