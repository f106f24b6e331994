// Package productsync keeps agent product catalogs in sync with their
// commerce backends and mirrors them into the vector store for retrieval.
//
// The pipeline has three stages. Stage A (Syncer) pulls products from the
// backend and reconciles them into the relational store using content
// hashes, so unchanged products cost nothing downstream. Stage B (Indexer)
// embeds and upserts the rows the reconcile marked as pending. Stage C
// (Indexer.CleanupOrphans) removes vector points whose products no longer
// exist. The Service wires the stages together, enforces per-binding
// locking, and runs the periodic sweep.
package productsync

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/stimmwerk/voxbroker/internal/store"
)

// hashSchemaVersion tags the canonical field layout. Bump it when the field
// list changes so every product re-indexes on the next sync.
const hashSchemaVersion = "v1"

// ContentHash computes the change-detection hash for a product: SHA-256 over
// the pipe-joined canonical fields. Two products with equal hashes are
// treated as identical by the reconcile; order and presence of fields must
// therefore stay stable.
func ContentHash(p store.Product) string {
	fields := []string{
		hashSchemaVersion,
		p.Name,
		p.Description,
		p.LongDescription,
		p.Price,
		p.Currency,
		p.Category,
		p.SKU,
		strconv.FormatBool(p.InStock),
		p.URL,
	}
	if p.OnSale {
		fields = append(fields, "on_sale", p.RegularPrice)
	}
	for _, a := range p.Attributes {
		fields = append(fields, a.Name+":"+strings.Join(a.Options, ","))
	}

	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}
