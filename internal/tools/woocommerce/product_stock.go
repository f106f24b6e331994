package woocommerce

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stimmwerk/voxbroker/internal/store"
	"github.com/stimmwerk/voxbroker/internal/tools"
)

// lowStockCeiling is the quantity at or below which availability is reported
// as low stock.
const lowStockCeiling = 5

// searchPageSize bounds how many candidates one stock query fetches.
const searchPageSize = 20

// ProductStock answers live availability questions against the store.
// It also serves as the catalog source for product sync.
type ProductStock struct {
	client *Client
}

var (
	_ tools.Integration   = (*ProductStock)(nil)
	_ tools.CatalogSource = (*ProductStock)(nil)
)

// NewProductStock is the tools.Factory for the product_stock integration.
func NewProductStock(config map[string]any) (tools.Integration, error) {
	client, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	return &ProductStock{client: client}, nil
}

// Execute looks up the product best matching args["query"] and reports its
// availability. Domain outcomes (no match) are encoded in the result, not
// returned as errors.
func (p *ProductStock) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return map[string]any{
			"success": false,
			"error":   "query must not be empty",
		}, nil
	}

	q := url.Values{}
	q.Set("search", query)
	q.Set("per_page", strconv.Itoa(searchPageSize))
	q.Set("status", "publish")

	var candidates []wcProduct
	if err := p.client.getJSON(ctx, "/products", q, &candidates); err != nil {
		return nil, fmt.Errorf("product search: %w", err)
	}

	idx := bestMatch(query, candidates)
	if idx < 0 {
		return map[string]any{
			"success": true,
			"found":   false,
			"message": fmt.Sprintf("No product matching %q was found.", query),
		}, nil
	}

	product := candidates[idx]
	return map[string]any{
		"success": true,
		"found":   true,
		"product": map[string]any{
			"name":         product.Name,
			"sku":          product.SKU,
			"price":        product.Price,
			"currency":     p.client.Currency(),
			"availability": availability(product),
			"url":          product.Permalink,
		},
	}, nil
}

// Close implements tools.Integration. The REST client holds no connections.
func (p *ProductStock) Close() error {
	return nil
}

// availability renders the spoken availability string for a product.
func availability(p wcProduct) string {
	if p.StockStatus != "instock" {
		return "Out of stock"
	}
	if p.StockQuantity != nil && *p.StockQuantity > 0 && *p.StockQuantity <= lowStockCeiling {
		return fmt.Sprintf("Low stock (%d left)", *p.StockQuantity)
	}
	return "In stock"
}

// FetchAllProducts implements tools.CatalogSource: a paged export of the
// store's published products for sync and indexing.
func (p *ProductStock) FetchAllProducts(ctx context.Context, modifiedAfter *time.Time, maxProducts int) ([]store.Product, error) {
	const perPage = 100

	var out []store.Product
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("per_page", strconv.Itoa(perPage))
		q.Set("page", strconv.Itoa(page))
		q.Set("status", "publish")
		q.Set("orderby", "id")
		q.Set("order", "asc")
		if modifiedAfter != nil {
			q.Set("modified_after", modifiedAfter.UTC().Format(time.RFC3339))
		}

		var batch []wcProduct
		if err := p.client.getJSON(ctx, "/products", q, &batch); err != nil {
			return nil, fmt.Errorf("fetch products page %d: %w", page, err)
		}

		for _, wp := range batch {
			out = append(out, toStoreProduct(wp, p.client.Currency()))
			if maxProducts > 0 && len(out) >= maxProducts {
				return out, nil
			}
		}
		if len(batch) < perPage {
			return out, nil
		}
	}
}

// toStoreProduct converts a REST product document into a store row with the
// content fields populated.
func toStoreProduct(wp wcProduct, currency string) store.Product {
	quantity := -1
	if wp.StockQuantity != nil {
		quantity = *wp.StockQuantity
	}

	var categories []string
	for _, c := range wp.Categories {
		if c.Name != "" {
			categories = append(categories, c.Name)
		}
	}

	attrs := make([]store.ProductAttribute, 0, len(wp.Attributes))
	for _, a := range wp.Attributes {
		if a.Name == "" {
			continue
		}
		attrs = append(attrs, store.ProductAttribute{Name: a.Name, Options: a.Options})
	}

	return store.Product{
		ExternalID:      strconv.FormatInt(wp.ID, 10),
		Name:            wp.Name,
		Description:     stripHTML(wp.ShortDescription),
		LongDescription: stripHTML(wp.Description),
		Price:           wp.Price,
		RegularPrice:    wp.RegularPrice,
		OnSale:          wp.OnSale,
		Currency:        currency,
		Category:        strings.Join(categories, ", "),
		SKU:             wp.SKU,
		InStock:         wp.StockStatus == "instock",
		StockQuantity:   quantity,
		URL:             wp.Permalink,
		Attributes:      attrs,
	}
}
