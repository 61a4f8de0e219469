package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"path"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/walstore/core"
	"github.com/hupe1980/walstore/setsum"
)

// Record is one log entry: its assigned position and its payload bytes.
type Record struct {
	Position core.LogPosition
	Data     []byte
}

var fragmentMagic = [4]byte{'W', 'F', 'R', '1'}

const (
	fragmentVersion   = uint16(1)
	fragmentHeaderLen = 64
	fragmentFooterLen = setsum.DigestSize + 4

	flagZstd = uint16(1 << 0)
	flagLZ4  = uint16(1 << 1)
)

// FragmentPath returns the storage key of the fragment with the given
// sequence number under a log prefix. Keys are zero-padded hex so that
// lexical listing order equals commit order.
func FragmentPath(prefix string, seqNo core.FragmentSeqNo) string {
	return path.Join(prefix, "log", fmt.Sprintf("fragment-%016x.col", uint64(seqNo)))
}

// LogDirPrefix returns the storage prefix holding a log's fragment blobs.
func LogDirPrefix(prefix string) string {
	return path.Join(prefix, "log") + "/"
}

// recordSum folds one record into a setsum. The position participates so
// that identical payloads at different positions remain distinguishable.
func recordSum(sum setsum.Setsum, pos core.LogPosition, data []byte) setsum.Setsum {
	buf := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint64(buf, uint64(pos))
	copy(buf[8:], data)
	return sum.Insert(buf)
}

// encodeFragment serializes records into the columnar fragment container:
// a fixed header, a positions column, a cumulative offsets column, the
// concatenated payload bytes (optionally compressed), and a setsum+CRC
// footer. Returns the encoded blob and the setsum over the records.
func encodeFragment(records []Record, compression Compression, level int) ([]byte, setsum.Setsum, error) {
	if len(records) == 0 {
		return nil, setsum.Setsum{}, fmt.Errorf("wal: fragment must contain at least one record")
	}

	var sum setsum.Setsum
	var raw bytes.Buffer
	offsets := make([]uint64, len(records)+1)
	for i, r := range records {
		offsets[i] = uint64(raw.Len())
		raw.Write(r.Data)
		sum = recordSum(sum, r.Position, r.Data)
	}
	offsets[len(records)] = uint64(raw.Len())

	payload, flags, err := compressPayload(raw.Bytes(), compression, level)
	if err != nil {
		return nil, setsum.Setsum{}, err
	}

	positionsOff := uint64(fragmentHeaderLen)
	offsetsOff := positionsOff + uint64(len(records))*8
	payloadOff := offsetsOff + uint64(len(offsets))*8

	buf := make([]byte, 0, payloadOff+uint64(len(payload))+fragmentFooterLen)
	header := make([]byte, fragmentHeaderLen)
	copy(header[0:4], fragmentMagic[:])
	binary.LittleEndian.PutUint16(header[4:6], fragmentVersion)
	binary.LittleEndian.PutUint16(header[6:8], flags)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(records)))
	binary.LittleEndian.PutUint64(header[12:20], uint64(records[0].Position))
	binary.LittleEndian.PutUint64(header[20:28], positionsOff)
	binary.LittleEndian.PutUint64(header[28:36], offsetsOff)
	binary.LittleEndian.PutUint64(header[36:44], payloadOff)
	binary.LittleEndian.PutUint64(header[44:52], uint64(len(payload)))
	binary.LittleEndian.PutUint64(header[52:60], uint64(raw.Len()))
	binary.LittleEndian.PutUint32(header[60:64], crc32.ChecksumIEEE(header[:60]))
	buf = append(buf, header...)

	var u64 [8]byte
	for _, r := range records {
		binary.LittleEndian.PutUint64(u64[:], uint64(r.Position))
		buf = append(buf, u64[:]...)
	}
	for _, off := range offsets {
		binary.LittleEndian.PutUint64(u64[:], off)
		buf = append(buf, u64[:]...)
	}
	buf = append(buf, payload...)

	digest := sum.Digest()
	buf = append(buf, digest[:]...)
	var crc [4]byte
	binary.LittleEndian.PutUint32(crc[:], crc32.ChecksumIEEE(buf))
	buf = append(buf, crc[:]...)

	return buf, sum, nil
}

// decodeFragment parses a fragment blob, verifies both CRCs and the setsum
// footer, and returns the records with their original positions. Any
// mismatch fails with ErrCorruptFragment.
func decodeFragment(data []byte) ([]Record, setsum.Setsum, error) {
	if len(data) < fragmentHeaderLen+fragmentFooterLen {
		return nil, setsum.Setsum{}, fmt.Errorf("%w: truncated at %d bytes", ErrCorruptFragment, len(data))
	}
	if !bytes.Equal(data[0:4], fragmentMagic[:]) {
		return nil, setsum.Setsum{}, fmt.Errorf("%w: invalid magic", ErrCorruptFragment)
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != fragmentVersion {
		return nil, setsum.Setsum{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptFragment, v)
	}
	if got, want := binary.LittleEndian.Uint32(data[60:64]), crc32.ChecksumIEEE(data[:60]); got != want {
		return nil, setsum.Setsum{}, fmt.Errorf("%w: header checksum mismatch", ErrCorruptFragment)
	}

	body := data[:len(data)-4]
	if got, want := binary.LittleEndian.Uint32(data[len(data)-4:]), crc32.ChecksumIEEE(body); got != want {
		return nil, setsum.Setsum{}, fmt.Errorf("%w: body checksum mismatch", ErrCorruptFragment)
	}

	flags := binary.LittleEndian.Uint16(data[6:8])
	count := int(binary.LittleEndian.Uint32(data[8:12]))
	positionsOff := binary.LittleEndian.Uint64(data[20:28])
	offsetsOff := binary.LittleEndian.Uint64(data[28:36])
	payloadOff := binary.LittleEndian.Uint64(data[36:44])
	payloadLen := binary.LittleEndian.Uint64(data[44:52])
	rawLen := binary.LittleEndian.Uint64(data[52:60])

	end := uint64(len(data) - fragmentFooterLen)
	if count < 1 ||
		positionsOff != fragmentHeaderLen ||
		offsetsOff != positionsOff+uint64(count)*8 ||
		payloadOff != offsetsOff+uint64(count+1)*8 ||
		payloadOff+payloadLen != end {
		return nil, setsum.Setsum{}, fmt.Errorf("%w: inconsistent layout", ErrCorruptFragment)
	}

	raw, err := decompressPayload(data[payloadOff:payloadOff+payloadLen], flags, rawLen)
	if err != nil {
		return nil, setsum.Setsum{}, err
	}

	records := make([]Record, count)
	var sum setsum.Setsum
	prevOff := binary.LittleEndian.Uint64(data[offsetsOff:])
	if prevOff != 0 {
		return nil, setsum.Setsum{}, fmt.Errorf("%w: first record offset %d", ErrCorruptFragment, prevOff)
	}
	for i := 0; i < count; i++ {
		pos := core.LogPosition(binary.LittleEndian.Uint64(data[positionsOff+uint64(i)*8:]))
		next := binary.LittleEndian.Uint64(data[offsetsOff+uint64(i+1)*8:])
		if next < prevOff || next > uint64(len(raw)) {
			return nil, setsum.Setsum{}, fmt.Errorf("%w: record offsets out of order", ErrCorruptFragment)
		}
		payload := raw[prevOff:next]
		records[i] = Record{Position: pos, Data: payload}
		sum = recordSum(sum, pos, payload)
		prevOff = next
	}
	if prevOff != uint64(len(raw)) {
		return nil, setsum.Setsum{}, fmt.Errorf("%w: trailing payload bytes", ErrCorruptFragment)
	}

	var stored [setsum.DigestSize]byte
	copy(stored[:], data[end:])
	want, err := setsum.FromDigest(stored)
	if err != nil {
		return nil, setsum.Setsum{}, fmt.Errorf("%w: %v", ErrCorruptFragment, err)
	}
	if sum != want {
		return nil, setsum.Setsum{}, fmt.Errorf("%w: setsum mismatch, stored %s recomputed %s",
			ErrCorruptFragment, want.Hexdigest(), sum.Hexdigest())
	}

	return records, sum, nil
}

func compressPayload(raw []byte, compression Compression, level int) ([]byte, uint16, error) {
	switch compression {
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create compressor: %w", err)
		}
		out := enc.EncodeAll(raw, nil)
		if err := enc.Close(); err != nil {
			return nil, 0, fmt.Errorf("failed to close compressor: %w", err)
		}
		return out, flagZstd, nil

	case CompressionLZ4:
		var c lz4.Compressor
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := c.CompressBlock(raw, dst)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to compress payload: %w", err)
		}
		if n == 0 {
			// Incompressible, store as is.
			return raw, 0, nil
		}
		return dst[:n], flagLZ4, nil

	default:
		return raw, 0, nil
	}
}

func decompressPayload(payload []byte, flags uint16, rawLen uint64) ([]byte, error) {
	switch {
	case flags&flagZstd != 0:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create decompressor: %w", err)
		}
		defer dec.Close()
		raw, err := dec.DecodeAll(payload, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd payload: %v", ErrCorruptFragment, err)
		}
		if uint64(len(raw)) != rawLen {
			return nil, fmt.Errorf("%w: payload decompressed to %d bytes, want %d", ErrCorruptFragment, len(raw), rawLen)
		}
		return raw, nil

	case flags&flagLZ4 != 0:
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4 payload: %v", ErrCorruptFragment, err)
		}
		if uint64(n) != rawLen {
			return nil, fmt.Errorf("%w: payload decompressed to %d bytes, want %d", ErrCorruptFragment, n, rawLen)
		}
		return raw, nil

	default:
		if uint64(len(payload)) != rawLen {
			return nil, fmt.Errorf("%w: payload is %d bytes, want %d", ErrCorruptFragment, len(payload), rawLen)
		}
		return payload, nil
	}
}
