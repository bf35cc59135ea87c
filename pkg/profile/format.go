package profile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// A profile file is written in a single pass and read into memory
// entirely. Big endian order is used for the fixed size header.
//
// [Header]  Magic, format version, mode, sizes of the payload and the
//           payload checksum. The header is protected by its own CRC.
//
// [Payload] Zlib compressed sequence of unit records. Each record holds
//           the unit identity, its method count, and the sparse list of
//           methods with non-zero hotness, ordered by method index.
//
// Integers in the payload are unsigned varints, except for the unit
// checksum (4 bytes, big endian) and the method flags (1 byte).

const HeaderSize = 28

const (
	_ = iota

	FormatV1

	unknownVersion
)

type Mode uint8

const (
	ModeApp Mode = iota
	ModeBootImage
)

func modeOf(forBootImage bool) Mode {
	if forBootImage {
		return ModeBootImage
	}
	return ModeApp
}

func (m Mode) String() string {
	switch m {
	case ModeApp:
		return "app"
	case ModeBootImage:
		return "boot-image"
	default:
		return "unknown"
	}
}

var profileMagic = [4]byte{'h', 'p', 'r', 'f'}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

const (
	maxLocationLength   = 4096
	maxUnits            = 1 << 16
	maxUncompressedSize = 256 << 20
)

// ErrCorruptProfile is matched by every error caused by malformed or
// unsupported profile data.
var ErrCorruptProfile = errors.New("corrupt profile")

var (
	ErrInvalidSize           = &FormatError{errors.New("invalid size")}
	ErrInvalidCRC            = &FormatError{errors.New("invalid CRC")}
	ErrInvalidMagic          = &FormatError{errors.New("invalid magic number")}
	ErrUnsupportedVersion    = &FormatError{errors.New("unsupported version")}
	ErrWrongMode             = &FormatError{errors.New("profile mode does not match")}
	ErrMethodIndexOutOfRange = &FormatError{errors.New("method index out of range")}
	ErrInvalidFlags          = &FormatError{errors.New("invalid method flags")}
	ErrUnitOrder             = &FormatError{errors.New("units are not ordered")}
	ErrMethodOrder           = &FormatError{errors.New("methods are not ordered")}
	ErrEmptyEntry            = &FormatError{errors.New("empty method entry")}
	ErrLimitExceeded         = &FormatError{errors.New("limit exceeded")}
	ErrTrailingData          = &FormatError{errors.New("trailing data")}
)

var (
	// ErrModeMismatch is returned when profiles of different modes are
	// merged. This is a programming error.
	ErrModeMismatch = errors.New("cannot merge boot image and app profiles")
	// ErrUnitMismatch is returned when the same unit is declared with
	// different method counts.
	ErrUnitMismatch = errors.New("unit method count mismatch")
	ErrUnknownUnit  = errors.New("unknown unit")
)

type FormatError struct{ err error }

func (e *FormatError) Error() string {
	return e.err.Error()
}

func (e *FormatError) Unwrap() error { return e.err }

func (e *FormatError) Is(target error) bool {
	return target == ErrCorruptProfile
}

// wrappedFormatError keeps the format error class of the cause while
// adding context to the message.
type wrappedFormatError struct {
	cause *FormatError
	msg   string
}

func (e *wrappedFormatError) Error() string { return e.msg + ": " + e.cause.Error() }
func (e *wrappedFormatError) Unwrap() error { return e.cause }

func formatErrorf(cause *FormatError, msg string) error {
	return &wrappedFormatError{cause: cause, msg: msg}
}

type Header struct {
	Magic            [4]byte
	Version          uint32
	Mode             Mode
	PayloadSize      uint32
	UncompressedSize uint32
	PayloadCRC       uint32
}

func (h *Header) ForBootImage() bool { return h.Mode == ModeBootImage }

func (h *Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	copy(b[0:4], h.Magic[:])
	binary.BigEndian.PutUint32(b[4:8], h.Version)
	b[8] = byte(h.Mode)
	// 3 bytes reserved.
	binary.BigEndian.PutUint32(b[12:16], h.PayloadSize)
	binary.BigEndian.PutUint32(b[16:20], h.UncompressedSize)
	binary.BigEndian.PutUint32(b[20:24], h.PayloadCRC)
	binary.BigEndian.PutUint32(b[24:28], crc32.Checksum(b[:24], castagnoli))
	return b, nil
}

func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return ErrInvalidSize
	}
	b = b[:HeaderSize]
	if copy(h.Magic[:], b[0:4]); !bytes.Equal(h.Magic[:], profileMagic[:]) {
		return ErrInvalidMagic
	}
	if binary.BigEndian.Uint32(b[24:28]) != crc32.Checksum(b[:24], castagnoli) {
		return formatErrorf(ErrInvalidCRC, "header")
	}
	if h.Version = binary.BigEndian.Uint32(b[4:8]); h.Version == 0 || h.Version >= unknownVersion {
		return ErrUnsupportedVersion
	}
	if h.Mode = Mode(b[8]); h.Mode > ModeBootImage {
		return formatErrorf(ErrInvalidSize, "mode")
	}
	if b[9]|b[10]|b[11] != 0 {
		return formatErrorf(ErrInvalidSize, "reserved bytes are not zero")
	}
	h.PayloadSize = binary.BigEndian.Uint32(b[12:16])
	h.UncompressedSize = binary.BigEndian.Uint32(b[16:20])
	h.PayloadCRC = binary.BigEndian.Uint32(b[20:24])
	if h.UncompressedSize > maxUncompressedSize {
		return formatErrorf(ErrLimitExceeded, "uncompressed payload size")
	}
	return nil
}
