package archive

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"llm_router/internal/models"
)

// FileWriter appends usage records to local JSON Lines files, rotating when a
// file would exceed maxSize and keeping at most maxFiles rotated files.
type FileWriter struct {
	fileTemplate string // e.g. "/var/lib/llm-router/usage-%s.jsonl"
	maxSize      int64
	maxFiles     int

	mu          sync.Mutex
	currentFile string
	file        *os.File
	writer      *bufio.Writer
	currentSize int64
	closed      bool
}

// NewFileWriter opens the first archive file. fileTemplate must contain one %s,
// which is replaced by the file's creation timestamp.
func NewFileWriter(fileTemplate string, maxSize int64, maxFiles int) (*FileWriter, error) {
	w := &FileWriter{
		fileTemplate: fileTemplate,
		maxSize:      maxSize,
		maxFiles:     maxFiles,
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *FileWriter) newFileName() string {
	return fmt.Sprintf(w.fileTemplate, time.Now().Format("20060102150405.000000000"))
}

func (w *FileWriter) openFile() error {
	w.currentFile = w.newFileName()
	if err := os.MkdirAll(filepath.Dir(w.currentFile), 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	file, err := os.OpenFile(w.currentFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open archive file: %w", err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	w.currentSize = fi.Size()
	w.file = file
	w.writer = bufio.NewWriter(file)
	return nil
}

// rotateIfNeeded must be called with mu held
func (w *FileWriter) rotateIfNeeded(n int) error {
	if w.currentSize == 0 || w.currentSize+int64(n) < w.maxSize {
		return nil
	}

	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := w.openFile(); err != nil {
		return err
	}
	return w.cleanupOldFiles()
}

// cleanupOldFiles removes the oldest files beyond maxFiles
func (w *FileWriter) cleanupOldFiles() error {
	if w.maxFiles <= 0 {
		return nil
	}
	matches, err := filepath.Glob(fmt.Sprintf(w.fileTemplate, "*"))
	if err != nil {
		return err
	}

	// Timestamped names sort chronologically.
	sort.Strings(matches)

	for i := 0; i < len(matches)-w.maxFiles; i++ {
		if matches[i] == w.currentFile {
			continue
		}
		_ = os.Remove(matches[i])
	}
	return nil
}

// WriteBatch appends and flushes the batch
func (w *FileWriter) WriteBatch(ctx context.Context, records []models.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	data, err := encodeLines(records)
	if err != nil {
		return fmt.Errorf("failed to encode usage records: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("archive writer is closed")
	}
	if err := w.rotateIfNeeded(len(data)); err != nil {
		return fmt.Errorf("failed to rotate archive file: %w", err)
	}
	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write archive file: %w", err)
	}
	w.currentSize += int64(len(data))
	return w.writer.Flush()
}

// CurrentFile returns the path of the active file
func (w *FileWriter) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentFile
}

// Close flushes and closes the active file
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
