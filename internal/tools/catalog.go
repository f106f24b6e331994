package tools

import (
	"context"
	"time"

	"github.com/stimmwerk/voxbroker/internal/store"
)

// CatalogSource is implemented by integrations that can export their product
// catalog for RAG indexing. The sync pipeline type-asserts an [Integration]
// created for a catalog-capable binding to this interface.
type CatalogSource interface {
	// FetchAllProducts returns the backend's products as store rows with the
	// content fields populated (IDs, hashes, and index bookkeeping are left
	// zero). A non-nil modifiedAfter restricts the fetch to products changed
	// since that instant; nil fetches the full catalog. A maxProducts of
	// zero means unlimited.
	FetchAllProducts(ctx context.Context, modifiedAfter *time.Time, maxProducts int) ([]store.Product, error)
}
