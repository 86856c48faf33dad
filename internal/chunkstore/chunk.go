package chunkstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/golang/snappy"

	serrors "github.com/slithernet/serpent/internal/errors"
)

// Compression is the chunk payload codec. The codec is a store parameter,
// recorded per chunk file so readers need no out-of-band knowledge.
type Compression byte

const (
	CompressionNone Compression = iota
	CompressionSnappy
)

// ParseCompression parses a compression name from configuration.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "none", "":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

// String returns the canonical codec name.
func (c Compression) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	default:
		return "none"
	}
}

// Chunk file format (little-endian):
//   - Header: 8 bytes magic + 4 bytes version + 1 byte codec + 3 bytes reserved
//   - Body: 4 bytes payload length + 4 bytes crc32 + payload
//
// The payload is the codec-encoded raw chunk buffer of exactly
// chunkRows*rowBytes bytes.
const (
	chunkMagic      = 0x53525043484E4B31 // "SRPCHNK1"
	chunkVersion    = 1
	chunkHeaderSize = 16
	chunkBodyHeader = 8
)

// chunkPath returns the file path for a chunk index within an array dir.
func chunkPath(arrayDir string, idx int64) string {
	return filepath.Join(arrayDir, fmt.Sprintf("%09d.chk", idx))
}

// writeChunk encodes and writes one full chunk buffer atomically.
func writeChunk(path string, raw []byte, codec Compression) error {
	var payload []byte
	switch codec {
	case CompressionSnappy:
		payload = snappy.Encode(nil, raw)
	default:
		payload = raw
	}

	buf := make([]byte, 0, chunkHeaderSize+chunkBodyHeader+len(payload))
	buf = binary.LittleEndian.AppendUint64(buf, chunkMagic)
	buf = binary.LittleEndian.AppendUint32(buf, chunkVersion)
	buf = append(buf, byte(codec), 0, 0, 0)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(payload))
	buf = append(buf, payload...)

	if err := writeFileAtomic(path, buf); err != nil {
		return fmt.Errorf("%w: write chunk %s: %v", serrors.ErrStorageWrite, path, err)
	}
	return nil
}

// readChunk reads and decodes one chunk file into a raw buffer of rawSize
// bytes. A missing file is not an error here; callers decide whether a
// missing chunk means fill values or corruption.
func readChunk(path string, rawSize int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if len(data) < chunkHeaderSize+chunkBodyHeader {
		return nil, fmt.Errorf("%w: %s: truncated header", serrors.ErrCorruptChunk, path)
	}
	if binary.LittleEndian.Uint64(data[0:8]) != chunkMagic {
		return nil, fmt.Errorf("%w: %s: bad magic", serrors.ErrCorruptChunk, path)
	}
	if v := binary.LittleEndian.Uint32(data[8:12]); v != chunkVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", serrors.ErrCorruptChunk, path, v)
	}
	codec := Compression(data[12])

	body := data[chunkHeaderSize:]
	plen := int(binary.LittleEndian.Uint32(body[0:4]))
	crc := binary.LittleEndian.Uint32(body[4:8])
	if len(body) < chunkBodyHeader+plen {
		return nil, fmt.Errorf("%w: %s: truncated payload", serrors.ErrCorruptChunk, path)
	}
	payload := body[chunkBodyHeader : chunkBodyHeader+plen]
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, fmt.Errorf("%w: %s: crc mismatch", serrors.ErrCorruptChunk, path)
	}

	var raw []byte
	switch codec {
	case CompressionSnappy:
		raw, err = snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", serrors.ErrCorruptChunk, path, err)
		}
	case CompressionNone:
		raw = payload
	default:
		return nil, fmt.Errorf("%w: %s: unknown codec %d", serrors.ErrCorruptChunk, path, codec)
	}

	if len(raw) != rawSize {
		return nil, fmt.Errorf("%w: %s: raw size %d, want %d",
			serrors.ErrCorruptChunk, path, len(raw), rawSize)
	}
	return raw, nil
}

// fillBuffer returns a raw chunk buffer with every element set to the
// array's fill value. Growth must never expose uninitialized memory.
func fillBuffer(spec *ArraySpec, chunkRows int) []byte {
	raw := make([]byte, chunkRows*spec.RowBytes())
	if spec.FillValue == 0 {
		// Zero bytes already decode to zero for every supported dtype.
		return raw
	}
	size := spec.DType.Size()
	for off := 0; off < len(raw); off += size {
		spec.DType.put(raw, off, spec.FillValue)
	}
	return raw
}
