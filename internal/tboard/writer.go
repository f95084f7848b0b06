// Package tboard writes TensorBoard scalar event files.
package tboard

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer appends scalar events to a single events.out.tfevents file.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
	now  func() time.Time
}

// Create opens a new event file inside dir, creating dir if needed.
func Create(dir string) (*Writer, error) {
	return create(dir, time.Now)
}

func create(dir string, now func() time.Time) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event dir: %w", err)
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	start := now()
	path := filepath.Join(dir, fmt.Sprintf("events.out.tfevents.%d.%s", start.Unix(), host))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create event file: %w", err)
	}
	wr := &Writer{f: f, w: bufio.NewWriter(f), path: path, now: now}
	if err := writeRecord(wr.w, versionEvent(seconds(start))); err != nil {
		f.Close()
		return nil, err
	}
	return wr, nil
}

// Path returns the event file location.
func (w *Writer) Path() string { return w.path }

// AddScalar records value under tag at step.
func (w *Writer) AddScalar(tag string, value float64, step int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return errors.New("tboard: writer closed")
	}
	ev := scalarEvent(Scalar{WallTime: seconds(w.now()), Step: int64(step), Tag: tag, Value: float32(value)})
	return writeRecord(w.w, ev)
}

// Flush pushes buffered events to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	return w.w.Flush()
}

// Close flushes and closes the event file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.w.Flush()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.f = nil
	return err
}

func seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// ReadScalars returns every scalar stored in the event file at path.
func ReadScalars(path string) ([]Scalar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var out []Scalar
	for {
		rec, err := readRecord(r)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		scalars, err := parseEvent(rec)
		if err != nil {
			return out, fmt.Errorf("parse event: %w", err)
		}
		out = append(out, scalars...)
	}
}
