package tboard

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func maskedCRC(b []byte) uint32 {
	c := crc32.Checksum(b, castagnoli)
	return ((c >> 15) | (c << 17)) + 0xa282ead8
}

// writeRecord frames data as a TFRecord: length, length crc, data, data crc.
func writeRecord(w io.Writer, data []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))
	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(data))
	for _, b := range [][]byte{header[:], data, footer[:]} {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

// ErrCorruptRecord reports a checksum mismatch while reading records.
var ErrCorruptRecord = errors.New("tboard: corrupt record")

func readRecord(r *bufio.Reader) ([]byte, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	if maskedCRC(header[:8]) != binary.LittleEndian.Uint32(header[8:]) {
		return nil, fmt.Errorf("%w: length checksum", ErrCorruptRecord)
	}
	n := binary.LittleEndian.Uint64(header[:8])
	if n > 1<<30 {
		return nil, fmt.Errorf("%w: record of %d bytes", ErrCorruptRecord, n)
	}
	data := make([]byte, n+4)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	if maskedCRC(data[:n]) != binary.LittleEndian.Uint32(data[n:]) {
		return nil, fmt.Errorf("%w: data checksum", ErrCorruptRecord)
	}
	return data[:n], nil
}
