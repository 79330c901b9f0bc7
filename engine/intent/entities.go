package intent

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/LotLogicAI/lotlogic/engine/domain"
)

var (
	yearRe     = regexp.MustCompile(`\b(20\d{2})\b`)
	maxPriceRe = regexp.MustCompile(`under\s+\$?(\d+)(k?)`)
)

// ExtractEntities pulls structured filters out of a natural-language query:
// vehicle make, model year, price ceiling, fuel type, and VIN.
func ExtractEntities(query string) map[string]any {
	entities := make(map[string]any)
	q := strings.ToLower(query)

	for _, token := range strings.Fields(q) {
		if make := domain.CanonicalMake(strings.Trim(token, ".,!?")); make != "" {
			entities["make"] = make
			break
		}
	}

	if m := yearRe.FindStringSubmatch(query); m != nil {
		if year, err := strconv.Atoi(m[1]); err == nil && year >= domain.MinModelYear && year <= domain.MaxModelYear {
			entities["year"] = year
		}
	}

	if m := maxPriceRe.FindStringSubmatch(q); m != nil {
		if price, err := strconv.Atoi(m[1]); err == nil {
			if m[2] == "k" || price < 200 {
				// "under 30k" and bare "under 30" both mean thousands.
				price *= 1000
			}
			entities["max_price"] = price
		}
	}

	for _, fuel := range domain.FuelTypes {
		if strings.Contains(q, fuel) {
			entities["fuel_type"] = fuel
			break
		}
	}

	if vin := domain.ExtractVIN(query); vin != "" {
		entities["vin"] = vin
	}

	return entities
}
