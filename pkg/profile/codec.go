package profile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/klauspost/compress/zlib"
)

// Encode returns the binary representation of the profile.
func Encode(p *Profile) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := EncodeTo(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeTo writes the binary representation of the profile to w. The
// output is deterministic: equal profiles produce identical bytes.
func EncodeTo(w io.Writer, p *Profile) (int64, error) {
	raw, err := marshalPayload(p)
	if err != nil {
		return 0, err
	}
	if len(raw) > maxUncompressedSize {
		return 0, formatErrorf(ErrLimitExceeded, "uncompressed payload size")
	}
	var compressed bytes.Buffer
	if err = compressTo(&compressed, raw); err != nil {
		return 0, err
	}
	payload := compressed.Bytes()
	if uint64(len(payload)) > math.MaxUint32 {
		return 0, formatErrorf(ErrLimitExceeded, "payload size")
	}
	h := Header{
		Magic:            profileMagic,
		Version:          FormatV1,
		Mode:             modeOf(p.forBootImage),
		PayloadSize:      uint32(len(payload)),
		UncompressedSize: uint32(len(raw)),
		PayloadCRC:       crc32.Checksum(payload, castagnoli),
	}
	hb, _ := h.MarshalBinary()
	n, err := w.Write(hb)
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write(payload)
	return int64(n + m), err
}

func marshalPayload(p *Profile) ([]byte, error) {
	if len(p.units) > maxUnits {
		return nil, formatErrorf(ErrLimitExceeded, "number of units")
	}
	b := make([]byte, 0, 64+p.NumMethods()*4)
	b = binary.AppendUvarint(b, uint64(len(p.units)))
	for _, u := range p.units {
		if len(u.id.Location) > maxLocationLength {
			return nil, formatErrorf(ErrLimitExceeded, "location length")
		}
		b = binary.AppendUvarint(b, uint64(len(u.id.Location)))
		b = append(b, u.id.Location...)
		b = binary.BigEndian.AppendUint32(b, u.id.Checksum)
		b = binary.AppendUvarint(b, uint64(u.numMethods))
		b = binary.AppendUvarint(b, uint64(len(u.methods)))
		var prev uint32
		for i, idx := range u.Indices() {
			h := u.methods[idx]
			delta := idx - prev
			if i == 0 {
				delta = idx
			}
			prev = idx
			b = binary.AppendUvarint(b, uint64(delta))
			b = binary.AppendUvarint(b, h.Samples)
			b = append(b, byte(h.Flags))
		}
	}
	return b, nil
}

func compressTo(w io.Writer, raw []byte) error {
	zw, err := zlib.NewWriterLevel(w, zlib.BestSpeed)
	if err != nil {
		return err
	}
	if _, err = zw.Write(raw); err != nil {
		return err
	}
	return zw.Close()
}

// DecodeHeader reads and validates the header only.
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	err := h.UnmarshalBinary(b)
	return h, err
}

// Decode parses a profile. Any inconsistency in the data results in an
// error matching ErrCorruptProfile; nothing is partially decoded.
func Decode(b []byte) (*Profile, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	payload := b[HeaderSize:]
	if uint64(len(payload)) != uint64(h.PayloadSize) {
		return nil, formatErrorf(ErrInvalidSize, "payload")
	}
	if crc32.Checksum(payload, castagnoli) != h.PayloadCRC {
		return nil, formatErrorf(ErrInvalidCRC, "payload")
	}
	raw, err := decompress(payload, h.UncompressedSize)
	if err != nil {
		return nil, err
	}
	p := New(h.ForBootImage())
	if err = unmarshalPayload(p, raw); err != nil {
		return nil, err
	}
	return p, nil
}

func decompress(payload []byte, size uint32) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, formatErrorf(ErrInvalidSize, fmt.Sprintf("payload: %v", err))
	}
	defer zr.Close()
	raw := make([]byte, size)
	if _, err = io.ReadFull(zr, raw); err != nil {
		return nil, formatErrorf(ErrInvalidSize, fmt.Sprintf("payload: %v", err))
	}
	// The stream must end exactly at the declared size.
	var probe [1]byte
	if n, _ := zr.Read(probe[:]); n > 0 {
		return nil, formatErrorf(ErrTrailingData, "payload")
	}
	return raw, nil
}

type payloadReader struct {
	b   []byte
	err error
}

func (r *payloadReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.b)
	if n <= 0 {
		r.err = formatErrorf(ErrInvalidSize, "malformed varint")
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *payloadReader) uint32Varint(what string) uint32 {
	v := r.uvarint()
	if r.err == nil && v > math.MaxUint32 {
		r.err = formatErrorf(ErrLimitExceeded, what)
	}
	return uint32(v)
}

func (r *payloadReader) readBytes(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if uint64(len(r.b)) < n {
		r.err = formatErrorf(ErrInvalidSize, "truncated payload")
		return nil
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

func (r *payloadReader) readByte() byte {
	if b := r.readBytes(1); b != nil {
		return b[0]
	}
	return 0
}

func unmarshalPayload(p *Profile, b []byte) error {
	r := payloadReader{b: b}
	units := r.uvarint()
	if r.err != nil {
		return r.err
	}
	if units > maxUnits {
		return formatErrorf(ErrLimitExceeded, "number of units")
	}
	if units > 0 {
		p.units = make([]*UnitProfile, 0, units)
	}
	for i := uint64(0); i < units; i++ {
		u, err := readUnit(&r)
		if err != nil {
			return err
		}
		if n := len(p.units); n > 0 && p.units[n-1].id.Compare(u.id) >= 0 {
			return ErrUnitOrder
		}
		p.units = append(p.units, u)
	}
	if r.err != nil {
		return r.err
	}
	if len(r.b) > 0 {
		return ErrTrailingData
	}
	return nil
}

func readUnit(r *payloadReader) (*UnitProfile, error) {
	locLen := r.uvarint()
	if r.err == nil && locLen > maxLocationLength {
		return nil, formatErrorf(ErrLimitExceeded, "location length")
	}
	loc := r.readBytes(locLen)
	checksum := r.readBytes(4)
	numMethods := r.uint32Varint("method count")
	entries := r.uvarint()
	if r.err != nil {
		return nil, r.err
	}
	if entries > uint64(numMethods) {
		return nil, ErrMethodIndexOutOfRange
	}
	u := newUnitProfile(UnitID{
		Location: string(loc),
		Checksum: binary.BigEndian.Uint32(checksum),
	}, numMethods)
	var idx uint64
	for i := uint64(0); i < entries; i++ {
		delta := r.uvarint()
		if i > 0 && delta == 0 {
			return nil, ErrMethodOrder
		}
		if delta >= uint64(numMethods) {
			return nil, ErrMethodIndexOutOfRange
		}
		idx += delta
		samples := r.uvarint()
		flags := Flags(r.readByte())
		if r.err != nil {
			return nil, r.err
		}
		if idx >= uint64(numMethods) {
			return nil, ErrMethodIndexOutOfRange
		}
		if !flags.Valid() {
			return nil, ErrInvalidFlags
		}
		h := Hotness{Samples: samples, Flags: flags}
		if h.IsZero() {
			return nil, ErrEmptyEntry
		}
		u.methods[uint32(idx)] = h
	}
	return u, nil
}
