// Package ndjson streams a line-delimited JSON payload (the storefront
// bulk-export format) and classifies each line as a parent "product" node
// or a child "variant" node. Malformed lines are skipped rather than
// failing the whole run, and a variant is identified either by an
// explicit type field or by a "/ProductVariant/" substring in its id,
// since the bulk-export format carries no consistent "__typename" on
// every line.
package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Variant is one (sku, shopify_variant_id) pair extracted from a
// ProductVariant line, plus any inline price/tags the bulk payload itself
// carries (chunk_enricher.enrich_shopify_snapshot's payload source).
type Variant struct {
	SKU          string
	VariantID    string
	ShopifyPrice string // raw, un-normalized — caller normalizes
	ProductTags  []string
	HasPrice     bool
	HasTags      bool
}

type rawLine struct {
	ID         string          `json:"id"`
	Typename   string          `json:"__typename"`
	SKU        string          `json:"sku"`
	Price      json.RawMessage `json:"price"`
	Tags       []string        `json:"tags"`
	ProductTag []string        `json:"product_tags"`
}

func isVariantNode(r rawLine) bool {
	if r.Typename != "" {
		return r.Typename == "ProductVariant"
	}
	return strings.Contains(r.ID, "/ProductVariant/")
}

// Stats carries line-level parse health for logging — how many lines were
// skipped as malformed, matching the tolerant-parsing behavior the source
// never surfaces as a hard error.
type Stats struct {
	LinesRead     int
	LinesSkipped  int
	VariantsFound int
}

// Scan reads line-delimited JSON from r, invoking onVariant for each
// ProductVariant line with a non-empty sku and id. Malformed lines and
// non-variant (product) lines are skipped without aborting the scan,
// matching the source's tolerant decode-or-skip loop.
func Scan(r io.Reader, onVariant func(Variant)) (Stats, error) {
	var stats Stats
	scanner := bufio.NewScanner(r)
	// Bulk-export lines can carry a full product node with many fields;
	// default bufio.MaxScanTokenSize (64KiB) is too small for some of those.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		stats.LinesRead++

		var raw rawLine
		if err := json.Unmarshal(line, &raw); err != nil {
			stats.LinesSkipped++
			continue
		}
		if !isVariantNode(raw) {
			continue
		}
		sku := strings.TrimSpace(raw.SKU)
		if sku == "" || raw.ID == "" {
			stats.LinesSkipped++
			continue
		}

		v := Variant{SKU: sku, VariantID: raw.ID}
		if len(raw.Price) > 0 && string(raw.Price) != "null" {
			var priceStr string
			if err := json.Unmarshal(raw.Price, &priceStr); err == nil {
				v.ShopifyPrice = priceStr
				v.HasPrice = true
			}
		}
		if raw.ProductTag != nil {
			v.ProductTags = raw.ProductTag
			v.HasTags = true
		} else if raw.Tags != nil {
			v.ProductTags = raw.Tags
			v.HasTags = true
		}

		stats.VariantsFound++
		onVariant(v)
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("ndjson: scan: %w", err)
	}
	return stats, nil
}
