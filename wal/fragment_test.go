package wal

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/walstore/core"
)

func testRecords(start core.LogPosition, n int) []Record {
	records := make([]Record, n)
	for i := range records {
		records[i] = Record{
			Position: start + core.LogPosition(i),
			Data:     []byte(fmt.Sprintf("record-%d", uint64(start)+uint64(i))),
		}
	}
	return records
}

func TestFragmentRoundTrip(t *testing.T) {
	for _, compression := range []Compression{CompressionZstd, CompressionLZ4, CompressionNone} {
		records := testRecords(42, 100)
		blob, sum, err := encodeFragment(records, compression, 3)
		require.NoError(t, err)

		decoded, decodedSum, err := decodeFragment(blob)
		require.NoError(t, err)
		assert.Equal(t, sum, decodedSum)
		require.Len(t, decoded, len(records))
		for i, r := range decoded {
			assert.Equal(t, records[i].Position, r.Position)
			assert.True(t, bytes.Equal(records[i].Data, r.Data))
		}
	}
}

func TestFragmentEmptyPayloads(t *testing.T) {
	records := []Record{{Position: 0}, {Position: 1, Data: []byte("x")}, {Position: 2}}
	blob, _, err := encodeFragment(records, CompressionZstd, 3)
	require.NoError(t, err)

	decoded, _, err := decodeFragment(blob)
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	assert.Empty(t, decoded[0].Data)
	assert.Equal(t, []byte("x"), decoded[1].Data)
	assert.Empty(t, decoded[2].Data)
}

func TestFragmentNoRecords(t *testing.T) {
	_, _, err := encodeFragment(nil, CompressionNone, 0)
	assert.Error(t, err)
}

func TestFragmentIncompressiblePayload(t *testing.T) {
	// A payload too small for lz4 to win falls back to raw storage.
	records := []Record{{Position: 7, Data: []byte{0x01}}}
	blob, _, err := encodeFragment(records, CompressionLZ4, 0)
	require.NoError(t, err)

	decoded, _, err := decodeFragment(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, decoded[0].Data)
}

func TestFragmentDetectsCorruption(t *testing.T) {
	blob, _, err := encodeFragment(testRecords(0, 10), CompressionNone, 0)
	require.NoError(t, err)

	// Every single flipped byte must be caught by some check.
	for off := 0; off < len(blob); off++ {
		tampered := append([]byte(nil), blob...)
		tampered[off] ^= 0xff
		_, _, err := decodeFragment(tampered)
		assert.ErrorIs(t, err, ErrCorruptFragment, "offset %d", off)
	}
}

func TestFragmentTruncated(t *testing.T) {
	blob, _, err := encodeFragment(testRecords(0, 4), CompressionZstd, 3)
	require.NoError(t, err)

	_, _, err = decodeFragment(blob[:len(blob)-1])
	assert.ErrorIs(t, err, ErrCorruptFragment)

	_, _, err = decodeFragment(blob[:10])
	assert.ErrorIs(t, err, ErrCorruptFragment)
}

func TestFragmentPath(t *testing.T) {
	assert.Equal(t, "logs/test/log/fragment-000000000000002a.col", FragmentPath("logs/test", 42))
}
