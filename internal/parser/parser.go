// Package parser decodes the semicolon-delimited wire records reported
// by gateways into typed structs. Records are positional: a leading
// integer gives the number of repeated groups that follow, and each
// group is read by fixed field order.
package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrFormat is the protocol-format error for malformed wire records. A
// record that fails to parse is never partially applied downstream.
var ErrFormat = errors.New("protocol format error")

const delimiter = ";"

// Coordinates are embedded in a beacon uuid as fixed-offset substrings.
const (
	coordinateXOffset = 12
	coordinateYOffset = 24
	coordinateLength  = 8
	minUUIDLength     = coordinateYOffset + coordinateLength
)

type fieldReader struct {
	fields []string
	pos    int
}

func newFieldReader(buf []byte) *fieldReader {
	raw := strings.TrimRight(string(buf), "\x00")
	return &fieldReader{fields: strings.Split(raw, delimiter)}
}

func (r *fieldReader) next() (string, error) {
	if r.pos >= len(r.fields) {
		return "", fmt.Errorf("missing field at position %d: %w", r.pos, ErrFormat)
	}
	f := r.fields[r.pos]
	r.pos++
	return f, nil
}

func (r *fieldReader) nextInt() (int, error) {
	f, err := r.next()
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(f))
	if err != nil {
		return 0, fmt.Errorf("non-numeric field %q: %w", f, ErrFormat)
	}
	return n, nil
}

// nextNumber accepts integer fields but also tolerates decimal values
// (battery voltage is reported as volts by some firmware); decimals are
// truncated toward zero.
func (r *fieldReader) nextNumber() (int, error) {
	f, err := r.next()
	if err != nil {
		return 0, err
	}
	f = strings.TrimSpace(f)
	if n, err := strconv.Atoi(f); err == nil {
		return n, nil
	}
	v, err := strconv.ParseFloat(f, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric field %q: %w", f, ErrFormat)
	}
	return int(v), nil
}

// CoordinatesFromUUID extracts the two spatial coordinates encoded in a
// beacon uuid at fixed byte offsets. A uuid shorter than the expected
// length is a format error.
func CoordinatesFromUUID(uuid string) (x, y int, err error) {
	if len(uuid) < minUUIDLength {
		return 0, 0, fmt.Errorf("uuid %q too short for coordinates: %w", uuid, ErrFormat)
	}
	x, err = strconv.Atoi(uuid[coordinateXOffset : coordinateXOffset+coordinateLength])
	if err != nil {
		return 0, 0, fmt.Errorf("uuid coordinate x: %w", ErrFormat)
	}
	y, err = strconv.Atoi(uuid[coordinateYOffset : coordinateYOffset+coordinateLength])
	if err != nil {
		return 0, 0, fmt.Errorf("uuid coordinate y: %w", ErrFormat)
	}
	return x, y, nil
}
