// Package protocol implements the wire codec for the block-sync sub-protocol.
// The networking core treats it as an opaque collaborator: bytes in,
// structured result or decode failure out.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Direction orders the blocks returned by a request.
type Direction string

const (
	// Ascending returns blocks from the start block onward.
	Ascending Direction = "asc"
	// Descending returns blocks from the start block backward.
	Descending Direction = "desc"
)

// BlocksRequestConfig describes one block-sync request.
type BlocksRequestConfig struct {
	// StartHash is the hash of the first requested block. Exactly one of
	// StartHash and StartNumber must be set.
	StartHash []byte `json:"startHash,omitempty"`
	// StartNumber is the number of the first requested block.
	StartNumber uint64 `json:"startNumber,omitempty"`
	// Desired caps the number of blocks returned.
	Desired uint32 `json:"desired"`
	// Direction orders the returned blocks.
	Direction Direction `json:"direction"`
	// WithHeader, WithBody and WithJustification select the fields the
	// responder should include.
	WithHeader        bool `json:"withHeader"`
	WithBody          bool `json:"withBody"`
	WithJustification bool `json:"withJustification"`
}

// BlockData is one block of a response.
type BlockData struct {
	Hash          []byte   `json:"hash"`
	Header        []byte   `json:"header,omitempty"`
	Body          [][]byte `json:"body,omitempty"`
	Justification []byte   `json:"justification,omitempty"`
}

type blockResponse struct {
	Blocks []BlockData `json:"blocks"`
}

// EncodeBlocksRequest serializes a request into wire bytes.
func EncodeBlocksRequest(cfg BlocksRequestConfig) ([]byte, error) {
	if cfg.Direction != Ascending && cfg.Direction != Descending {
		return nil, fmt.Errorf("protocol: invalid direction %q", cfg.Direction)
	}
	if len(cfg.StartHash) == 0 && cfg.StartNumber == 0 {
		return nil, fmt.Errorf("protocol: request needs a start block")
	}
	return json.Marshal(&cfg)
}

// DecodeBlocksRequest parses wire bytes into a request.
func DecodeBlocksRequest(data []byte) (BlocksRequestConfig, error) {
	var cfg BlocksRequestConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return BlocksRequestConfig{}, fmt.Errorf("protocol: decode blocks request: %w", err)
	}
	if cfg.Direction != Ascending && cfg.Direction != Descending {
		return BlocksRequestConfig{}, fmt.Errorf("protocol: invalid direction %q", cfg.Direction)
	}
	return cfg, nil
}

// EncodeBlockResponse serializes the responder's blocks.
func EncodeBlockResponse(blocks []BlockData) ([]byte, error) {
	return json.Marshal(&blockResponse{Blocks: blocks})
}

// DecodeBlockResponse parses a response. A decode failure is scoped to the
// one request that produced it; callers must not treat it as fatal to the
// connection.
func DecodeBlockResponse(data []byte) ([]BlockData, error) {
	var resp blockResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("protocol: decode block response: %w", err)
	}
	return resp.Blocks, nil
}
