package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink writes events as JSONL with size-based rotation.
type FileSink struct {
	mu sync.Mutex

	path       string
	maxBytes   int64
	maxBackups int

	file *os.File
	size int64
}

// FileSinkConfig configures the file sink.
type FileSinkConfig struct {
	// Path is the active log file location.
	Path string

	// MaxBytes triggers rotation when exceeded (default 10MB).
	MaxBytes int64

	// MaxBackups is the number of rotated files to keep (default 5).
	MaxBackups int
}

// NewFileSink opens (or creates) the log file, creating parent
// directories as needed.
func NewFileSink(cfg FileSinkConfig) (*FileSink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("file sink: path is required")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 * 1024 * 1024
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("file sink: create directory: %w", err)
	}

	s := &FileSink{
		path:       cfg.Path,
		maxBytes:   cfg.MaxBytes,
		maxBackups: cfg.MaxBackups,
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements Sink.
func (s *FileSink) Name() string { return "file" }

// Emit implements Sink.
func (s *FileSink) Emit(ev Event) error {
	line, err := ev.MarshalJSONL()
	if err != nil {
		return fmt.Errorf("file sink: marshal event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("file sink: closed")
	}

	if s.size+int64(len(line)) > s.maxBytes {
		if err := s.rotate(); err != nil {
			return err
		}
	}

	n, err := s.file.Write(line)
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("file sink: write: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *FileSink) open() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("file sink: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("file sink: stat: %w", err)
	}
	s.file = f
	s.size = info.Size()
	return nil
}

// rotate shifts path.(N-1) -> path.N and reopens a fresh active file.
// The oldest backup beyond maxBackups is dropped.
func (s *FileSink) rotate() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("file sink: close for rotation: %w", err)
	}
	s.file = nil

	oldest := fmt.Sprintf("%s.%d", s.path, s.maxBackups)
	_ = os.Remove(oldest)

	for i := s.maxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.path, i)
		to := fmt.Sprintf("%s.%d", s.path, i+1)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, to)
		}
	}

	if err := os.Rename(s.path, s.path+".1"); err != nil {
		return fmt.Errorf("file sink: rotate: %w", err)
	}

	return s.open()
}
