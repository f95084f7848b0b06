package metrics

import (
	"fmt"
	"os"
	"path/filepath"
)

// EpochLog appends one line per finished epoch to a text file.
type EpochLog struct {
	path string
}

// NewEpochLog prepares path for appending, creating its directory.
func NewEpochLog(path string) (*EpochLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &EpochLog{path: path}, nil
}

// Path returns the file the log writes to.
func (l *EpochLog) Path() string { return l.path }

// Append writes the epoch's line. The file is reopened for every line so an
// interrupted run keeps everything written so far.
func (l *EpochLog) Append(epoch int, trainLoss, trainAcc, valAcc float64) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open epoch log: %w", err)
	}
	_, err = fmt.Fprintln(f, FormatEpoch(epoch, trainLoss, trainAcc, valAcc))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// FormatEpoch renders the summary line shared by the log file and stdout.
func FormatEpoch(epoch int, trainLoss, trainAcc, valAcc float64) string {
	return fmt.Sprintf("[epoch %d] train_loss: %.3f  train_acc: %.3f  val_accuracy: %.3f",
		epoch, trainLoss, trainAcc, valAcc)
}
