package tboard

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs")
	clock := time.Unix(1700000000, 0)
	w, err := create(dir, func() time.Time { return clock })
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(w.Path()), "events.out.tfevents.1700000000."))

	require.NoError(t, w.AddScalar("train_loss", 1.25, 0))
	require.NoError(t, w.AddScalar("val_accuracy", 0.5, 3))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Error(t, w.AddScalar("late", 1, 4))

	got, err := ReadScalars(w.Path())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Scalar{WallTime: 1700000000, Step: 0, Tag: "train_loss", Value: 1.25}, got[0])
	assert.Equal(t, Scalar{WallTime: 1700000000, Step: 3, Tag: "val_accuracy", Value: 0.5}, got[1])
}

func TestMaskedCRC(t *testing.T) {
	// Masked CRC32C of the empty string, as computed by TensorFlow.
	assert.Equal(t, uint32(0xa282ead8), maskedCRC(nil))
}

func TestReadRecordDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeRecord(&buf, []byte("payload")))
	raw := buf.Bytes()

	got, err := readRecord(bufio.NewReader(bytes.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	bad := append([]byte(nil), raw...)
	bad[14] ^= 0xff
	_, err = readRecord(bufio.NewReader(bytes.NewReader(bad)))
	assert.ErrorIs(t, err, ErrCorruptRecord)

	_, err = readRecord(bufio.NewReader(bytes.NewReader(raw[:len(raw)-2])))
	assert.Error(t, err)
}

func TestReadScalarsMissingFile(t *testing.T) {
	_, err := ReadScalars(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
