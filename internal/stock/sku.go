package stock

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"
)

// DefaultSKUPrefix is used when an item is created without a prefix.
const DefaultSKUPrefix = "ITM"

// NextSKU builds the next sequential SKU for the company as
// PREFIX-YEAR-NNNN, continuing from the highest existing suffix for that
// prefix and year rather than a global counter.
func (s *Service) NextSKU(ctx context.Context, companyID int64, prefix string) (string, error) {
	if prefix == "" {
		prefix = DefaultSKUPrefix
	}
	year := time.Now().UTC().Year()
	base := fmt.Sprintf("%s-%d", prefix, year)
	max, err := s.repo.MaxSKUSuffix(ctx, companyID, base)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%04d", base, max+1), nil
}

// DeriveBarcode derives a stable 13-digit numeric identifier from company and
// SKU. The same inputs always yield the same barcode, so regeneration and
// backfill are idempotent.
func DeriveBarcode(companyID int64, sku string) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%s", companyID, sku)
	return fmt.Sprintf("%013d", h.Sum64()%10000000000000)
}
