package productsync

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/stimmwerk/voxbroker/internal/store"
)

// Namespace is the vector-store namespace all product points live in.
const Namespace = "products"

// Source returns the point source tag for an agent's product sync, used to
// scope orphan cleanup to one agent's points.
func Source(agentID int64) string {
	return fmt.Sprintf("product_sync_%d", agentID)
}

// PointID derives the stable vector point ID for a product. The same
// (agent, external product) pair always maps to the same UUID, so re-indexed
// products overwrite their point in place.
func PointID(agentID int64, externalID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("product:%d:%s", agentID, externalID)))
}

// RAGText renders the retrieval chunk for a product. The output feeds both
// the embedding and the prompt snippet, so keep it deterministic and
// spoken-answer friendly.
func RAGText(p store.Product) string {
	var lines []string
	lines = append(lines, "Product: "+p.Name)

	if desc := firstNonEmpty(p.Description, p.LongDescription); desc != "" {
		lines = append(lines, "Description: "+desc)
	}
	if p.Price != "" {
		price := "Price: " + p.Price
		if p.Currency != "" {
			price += " " + p.Currency
		}
		if p.OnSale && p.RegularPrice != "" {
			price += fmt.Sprintf(" (on sale, regular price %s)", p.RegularPrice)
		}
		lines = append(lines, price)
	}
	if p.Category != "" {
		lines = append(lines, "Category: "+p.Category)
	}
	if p.InStock {
		lines = append(lines, "Availability: In stock")
	} else {
		lines = append(lines, "Availability: Out of stock")
	}
	for _, a := range p.Attributes {
		if a.Name == "" || len(a.Options) == 0 {
			continue
		}
		lines = append(lines, a.Name+": "+strings.Join(a.Options, ", "))
	}
	return strings.Join(lines, "\n")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
