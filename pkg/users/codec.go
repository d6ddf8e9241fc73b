package users

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// File format constants
const (
	MagicBytes    = "GKUS"
	FormatVersion = 1
)

const (
	FlagCompressed uint16 = 1 << 0
)

// header precedes the msgpack payload.
type header struct {
	Magic    [4]byte
	Version  uint16
	Flags    uint16
	Count    uint32
	DataLen  uint64
	Checksum uint32
}

const headerSize = 4 + 2 + 2 + 4 + 8 + 4

var (
	errShortData     = errors.New("users file too short")
	errBadMagic      = errors.New("invalid magic bytes")
	errVersion       = errors.New("unsupported format version")
	errChecksum      = errors.New("checksum mismatch")
	errCountMismatch = errors.New("record count mismatch")
)

// codec handles encoding/decoding of the user list.
type codec struct {
	compress  bool
	compLevel int
}

func newCodec(compress bool) *codec {
	return &codec{compress: compress, compLevel: gzip.BestSpeed}
}

// encode serializes users as header + msgpack (gzipped when smaller).
func (c *codec) encode(list []*User) ([]byte, error) {
	data, err := msgpack.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}

	var flags uint16
	if c.compress {
		compressed, err := c.compressData(data)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(data) {
			data = compressed
			flags |= FlagCompressed
		}
	}

	h := header{
		Version:  FormatVersion,
		Flags:    flags,
		Count:    uint32(len(list)),
		DataLen:  uint64(len(data)),
		Checksum: crc32.ChecksumIEEE(data),
	}
	copy(h.Magic[:], MagicBytes)

	buf := new(bytes.Buffer)
	buf.Grow(headerSize + len(data))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}
	buf.Write(data)
	return buf.Bytes(), nil
}

// decode reverses encode.
func (c *codec) decode(raw []byte) ([]*User, error) {
	if len(raw) < headerSize {
		return nil, errShortData
	}

	r := bytes.NewReader(raw)
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, err
	}
	if string(h.Magic[:]) != MagicBytes {
		return nil, errBadMagic
	}
	if h.Version > FormatVersion {
		return nil, errVersion
	}

	data := make([]byte, h.DataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if crc32.ChecksumIEEE(data) != h.Checksum {
		return nil, errChecksum
	}

	if h.Flags&FlagCompressed != 0 {
		decompressed, err := c.decompressData(data)
		if err != nil {
			return nil, err
		}
		data = decompressed
	}

	var list []*User
	if err := msgpack.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("msgpack decode: %w", err)
	}
	if uint32(len(list)) != h.Count {
		return nil, errCountMismatch
	}
	return list, nil
}

func (c *codec) compressData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.compLevel)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *codec) decompressData(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
