package messaging

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// PassEvent reports a pass that completed without a solution
type PassEvent struct {
	Device      string    `json:"device"`
	Backend     string    `json:"backend"`
	Geometry    string    `json:"geometry"`
	PrevBlock   string    `json:"prev_block"`
	Bits        uint32    `json:"bits"`
	Time        uint32    `json:"time"`
	Pass        int       `json:"pass"`
	Hashes      uint64    `json:"hashes"`
	ElapsedMs   float64   `json:"elapsed_ms"`
	Hashrate    float64   `json:"hashrate"`
	Average     float64   `json:"average"`
	Difficulty  float64   `json:"difficulty"`
	CompletedAt time.Time `json:"completed_at"`
}

// SolutionEvent reports a verified solution
type SolutionEvent struct {
	Device    string    `json:"device"`
	Backend   string    `json:"backend"`
	Geometry  string    `json:"geometry"`
	BlockHash string    `json:"block_hash"`
	HeaderHex string    `json:"header_hex"`
	Nonce     uint32    `json:"nonce"`
	Bits      uint32    `json:"bits"`
	Passes    int       `json:"passes"`
	ElapsedMs float64   `json:"elapsed_ms"`
	Average   float64   `json:"average"`
	FoundAt   time.Time `json:"found_at"`
}

// ToProto converts the event to a protobuf Struct
func (e PassEvent) ToProto() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"device":       e.Device,
		"backend":      e.Backend,
		"geometry":     e.Geometry,
		"prev_block":   e.PrevBlock,
		"bits":         fmt.Sprintf("%08x", e.Bits),
		"time":         e.Time,
		"pass":         e.Pass,
		"hashes":       e.Hashes,
		"elapsed_ms":   e.ElapsedMs,
		"hashrate":     e.Hashrate,
		"average":      e.Average,
		"difficulty":   e.Difficulty,
		"completed_at": e.CompletedAt.UTC().Format(time.RFC3339Nano),
	})
}

// ToProto converts the event to a protobuf Struct
func (e SolutionEvent) ToProto() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"device":     e.Device,
		"backend":    e.Backend,
		"geometry":   e.Geometry,
		"block_hash": e.BlockHash,
		"header_hex": e.HeaderHex,
		"nonce":      e.Nonce,
		"bits":       fmt.Sprintf("%08x", e.Bits),
		"passes":     e.Passes,
		"elapsed_ms": e.ElapsedMs,
		"average":    e.Average,
		"found_at":   e.FoundAt.UTC().Format(time.RFC3339Nano),
	})
}
