package rag

import (
	"fmt"
	"strings"
	"time"

	"github.com/LotLogicAI/lotlogic/engine/domain"
	"github.com/LotLogicAI/lotlogic/engine/ingest"
)

// vehicleDocuments renders DMS vehicles as synthetic ingestion documents so
// the sync path reuses the ordinary split→embed→index stages.
func vehicleDocuments(vehicles []domain.Vehicle) []ingest.Document {
	now := time.Now().UTC()
	docs := make([]ingest.Document, 0, len(vehicles))
	for _, v := range vehicles {
		var b strings.Builder
		fmt.Fprintf(&b, "%d %s %s", v.Year, v.Make, v.Model)
		if v.Trim != "" {
			fmt.Fprintf(&b, " %s", v.Trim)
		}
		fmt.Fprintf(&b, ". VIN %s. Status: %s. Price: $%.0f.", v.VIN, v.Status, v.Price)
		if v.Color != "" {
			fmt.Fprintf(&b, " Color: %s.", v.Color)
		}
		if v.Mileage > 0 {
			fmt.Fprintf(&b, " Mileage: %d.", v.Mileage)
		}
		if v.FuelType != "" {
			fmt.Fprintf(&b, " Fuel: %s.", v.FuelType)
		}
		if len(v.Features) > 0 {
			fmt.Fprintf(&b, " Features: %s.", strings.Join(v.Features, ", "))
		}

		docs = append(docs, ingest.Document{
			Source:     "dms:" + v.VIN,
			DocType:    "vehicle",
			Content:    b.String(),
			IngestedAt: now,
			Metadata: map[string]any{
				"vin":       v.VIN,
				"make":      v.Make,
				"model":     v.Model,
				"year":      v.Year,
				"price":     v.Price,
				"mileage":   v.Mileage,
				"status":    string(v.Status),
				"dealer_id": v.DealerID,
			},
		})
	}
	return docs
}
