// Package domain defines core domain types, constants, and validation for the
// LotLogic query engine. It acts as the validation gate at pipeline entry points.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DefaultNamespace is used when a request omits the namespace.
const DefaultNamespace = "default"

// MaxChunkBodyRunes is the largest text body accepted before chunking.
const MaxChunkBodyRunes = 32000

// Chunk is a unit of indexed content produced by the splitter.
type Chunk struct {
	ID         string         `json:"id"`
	Text       string         `json:"text"`
	Source     string         `json:"source"`
	DocType    string         `json:"doc_type"`
	ChunkIndex int            `json:"chunk_index"`
	IngestedAt time.Time      `json:"ingested_at"`
	Namespace  string         `json:"namespace"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ChunkID derives the stable identifier for a chunk: the first 32 hex chars
// of SHA-256 over body followed by source. Identical (body, source) pairs
// always map to the same id, which is what makes index upserts idempotent.
func ChunkID(body, source string) string {
	sum := sha256.Sum256([]byte(body + source))
	return hex.EncodeToString(sum[:])[:32]
}

// ContentHash returns the full SHA-256 hex digest of a chunk body, used for
// dedup inside a submission and as the lexical index primary key.
func ContentHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// RetrievedDocument is an in-memory retrieval result. It is never persisted;
// the retriever produces it and the generator consumes it.
type RetrievedDocument struct {
	Text     string         `json:"text"`
	Source   string         `json:"source"`
	DocType  string         `json:"doc_type"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Scores from the branches that ranked this document.
	VectorScore float64 `json:"vector_score,omitempty"`
	BM25Score   float64 `json:"bm25_score,omitempty"`
	RRFScore    float64 `json:"rrf_score,omitempty"`
	RerankScore float64 `json:"rerank_score,omitempty"`

	// Ranks are 1-based; zero means the branch did not rank this document.
	VectorRank     int `json:"vector_rank,omitempty"`
	KeywordRank    int `json:"keyword_rank,omitempty"`
	RerankPosition int `json:"rerank_position,omitempty"`
	FinalRank      int `json:"final_rank"`
}

// ContentHash of the document body; used to deduplicate across branches.
func (d RetrievedDocument) ContentHash() string {
	return ContentHash(d.Text)
}

// IntentType is the coarse query category used for routing.
type IntentType string

const (
	IntentSales      IntentType = "sales"
	IntentService    IntentType = "service"
	IntentInventory  IntentType = "inventory"
	IntentPredictive IntentType = "predictive"
	IntentGeneral    IntentType = "general"
)

// ValidIntents is the set of recognised intent types.
var ValidIntents = map[IntentType]bool{
	IntentSales: true, IntentService: true, IntentInventory: true,
	IntentPredictive: true, IntentGeneral: true,
}

// Namespace returns the retrieval namespace this intent routes to.
func (t IntentType) Namespace() string {
	switch t {
	case IntentSales, IntentService, IntentInventory, IntentPredictive:
		return string(t)
	default:
		return DefaultNamespace
	}
}

// NeedsDMS reports whether queries of this intent consult the dealership
// management system for live data.
func (t IntentType) NeedsDMS() bool {
	return t == IntentSales || t == IntentService || t == IntentInventory
}

// Intent is the classification result for a single query. Ephemeral.
type Intent struct {
	Type       IntentType     `json:"intent"`
	Confidence float64        `json:"confidence"`
	SubIntent  string         `json:"sub_intent,omitempty"`
	Entities   map[string]any `json:"entities,omitempty"`
}

// Turn is a single conversation exchange.
type Turn struct {
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	At        time.Time `json:"at"`
}

// VehicleStatus enumerates DMS vehicle states.
type VehicleStatus string

const (
	StatusAvailable VehicleStatus = "available"
	StatusSold      VehicleStatus = "sold"
	StatusReserved  VehicleStatus = "reserved"
	StatusInTransit VehicleStatus = "in_transit"
	StatusService   VehicleStatus = "service"
)

// Vehicle is the DMS view of a unit of inventory. The engine never owns this
// data; adapters return it and the orchestrator renders it into a transient
// RetrievedDocument.
type Vehicle struct {
	VIN          string        `json:"vin"`
	Make         string        `json:"make"`
	Model        string        `json:"model"`
	Year         int           `json:"year"`
	Trim         string        `json:"trim,omitempty"`
	Color        string        `json:"color,omitempty"`
	Mileage      int           `json:"mileage"`
	Price        float64       `json:"price"`
	Status       VehicleStatus `json:"status"`
	Category     string        `json:"category,omitempty"`
	FuelType     string        `json:"fuel_type,omitempty"`
	Features     []string      `json:"features,omitempty"`
	DealerID     string        `json:"dealer_id,omitempty"`
	LastUpdated  time.Time     `json:"last_updated"`
	Engine       string        `json:"engine,omitempty"`
	Transmission string        `json:"transmission,omitempty"`
	Drivetrain   string        `json:"drivetrain,omitempty"`
	MPGCity      int           `json:"mpg_city,omitempty"`
	MPGHighway   int           `json:"mpg_highway,omitempty"`
}

// ServiceRecord is a single DMS service-history entry.
type ServiceRecord struct {
	ServiceID    string    `json:"service_id"`
	VIN          string    `json:"vin"`
	Date         time.Time `json:"date"`
	Mileage      int       `json:"mileage"`
	Type         string    `json:"type"`
	Description  string    `json:"description"`
	PartsUsed    []string  `json:"parts_used,omitempty"`
	LaborHours   float64   `json:"labor_hours"`
	Cost         float64   `json:"cost"`
	Technician   string    `json:"technician,omitempty"`
	WarrantyWork bool      `json:"warranty_work"`
	DealerID     string    `json:"dealer_id,omitempty"`
}
