package rag

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/LotLogicAI/lotlogic/engine/domain"
)

// toolResult is serialized into the synthetic DMS context document.
type toolResult struct {
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// callDMS issues the intent-appropriate tool call under its own deadline.
// Failures become a synthetic note document rather than aborting the query;
// a service intent with no VIN in the query skips the call entirely.
func (s *Service) callDMS(ctx context.Context, query string, intent domain.Intent, filters map[string]any) *domain.RetrievedDocument {
	if s.adapter == nil || !intent.Type.NeedsDMS() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, dmsTimeout)
	defer cancel()

	var result toolResult
	switch intent.Type {
	case domain.IntentInventory:
		vehicles, err := s.adapter.GetInventory(ctx, filters, 10, 0)
		if err != nil {
			return s.toolErrorDoc("get_inventory", err)
		}
		result = toolResult{Tool: "get_inventory", Result: vehicles}

	case domain.IntentService:
		vin, _ := intent.Entities["vin"].(string)
		if vin == "" {
			return nil // no VIN to look up; retrieval context carries the query
		}
		records, err := s.adapter.GetServiceHistory(ctx, vin)
		if err != nil {
			return s.toolErrorDoc("get_service_history", err)
		}
		result = toolResult{Tool: "get_service_history", Result: records}

	case domain.IntentSales:
		vehicles, err := s.adapter.GetInventory(ctx, nil, 5, 0)
		if err != nil {
			return s.toolErrorDoc("get_inventory", err)
		}
		result = toolResult{Tool: "get_inventory", Result: vehicles}
	}

	body, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return s.toolErrorDoc(result.Tool, err)
	}
	return &domain.RetrievedDocument{
		Text:    string(body),
		Source:  "DMS",
		DocType: "live_data",
		Metadata: map[string]any{
			"tool":   result.Tool,
			"intent": string(intent.Type),
		},
	}
}

// toolErrorDoc records a failed tool call as context so the model can admit
// the live system was unreachable.
func (s *Service) toolErrorDoc(tool string, err error) *domain.RetrievedDocument {
	s.logger.Warn("dms tool call failed", "tool", tool, "err", err)
	body, _ := json.Marshal(toolResult{
		Tool:  tool,
		Error: fmt.Sprintf("live dealership system unavailable: %v", err),
	})
	return &domain.RetrievedDocument{
		Text:     string(body),
		Source:   "DMS",
		DocType:  "live_data_error",
		Metadata: map[string]any{"tool": tool},
	}
}
