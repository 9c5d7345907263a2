package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlocksRequestRoundTrip(t *testing.T) {
	cfg := BlocksRequestConfig{
		StartNumber: 100,
		Desired:     64,
		Direction:   Ascending,
		WithHeader:  true,
		WithBody:    true,
	}
	data, err := EncodeBlocksRequest(cfg)
	require.NoError(t, err)

	decoded, err := DecodeBlocksRequest(data)
	require.NoError(t, err)
	require.Equal(t, cfg, decoded)
}

func TestBlocksRequestValidation(t *testing.T) {
	_, err := EncodeBlocksRequest(BlocksRequestConfig{StartNumber: 1, Desired: 1, Direction: "sideways"})
	require.Error(t, err, "invalid direction must be rejected")

	_, err = EncodeBlocksRequest(BlocksRequestConfig{Desired: 1, Direction: Ascending})
	require.Error(t, err, "request without a start block must be rejected")

	_, err = DecodeBlocksRequest([]byte(`{"direction":"sideways"}`))
	require.Error(t, err)

	_, err = DecodeBlocksRequest([]byte(`not json`))
	require.Error(t, err)
}

func TestBlockResponseRoundTrip(t *testing.T) {
	blocks := []BlockData{
		{Hash: []byte{0x01}, Header: []byte("h1"), Body: [][]byte{[]byte("tx1"), []byte("tx2")}},
		{Hash: []byte{0x02}, Header: []byte("h2"), Justification: []byte("j2")},
	}
	data, err := EncodeBlockResponse(blocks)
	require.NoError(t, err)

	decoded, err := DecodeBlockResponse(data)
	require.NoError(t, err)
	require.Equal(t, blocks, decoded)
}

func TestBlockResponseEmpty(t *testing.T) {
	data, err := EncodeBlockResponse(nil)
	require.NoError(t, err)
	decoded, err := DecodeBlockResponse(data)
	require.NoError(t, err)
	require.Empty(t, decoded)
}

func TestBlockResponseDecodeFailure(t *testing.T) {
	_, err := DecodeBlockResponse([]byte("certainly not json"))
	require.Error(t, err)
}
