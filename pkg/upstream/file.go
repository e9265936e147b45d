package upstream

import (
	"context"
	"fmt"
	"os"
	"time"
	"unicode/utf8"
)

// FileGenerator replays a local text file in fixed-size chunks, pausing
// between chunks. The prompt is ignored.
type FileGenerator struct {
	path      string
	chunkSize int
	delay     time.Duration
}

// NewFileGenerator creates a file-backed generator. A non-positive chunk size
// uses DefaultChunkSize; a negative delay means none.
func NewFileGenerator(path string, chunkSize int, delay time.Duration) *FileGenerator {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if delay < 0 {
		delay = 0
	}
	return &FileGenerator{path: path, chunkSize: chunkSize, delay: delay}
}

// Name returns the provider name
func (g *FileGenerator) Name() string {
	return ProviderFile
}

// Generate reads the file and streams it back
func (g *FileGenerator) Generate(ctx context.Context, _ Request) (Stream, error) {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream file: %w", err)
	}
	return &fileStream{ctx: ctx, data: data, size: g.chunkSize, delay: g.delay}, nil
}

type fileStream struct {
	ctx   context.Context
	data  []byte
	pos   int
	size  int
	delay time.Duration
	text  string
	err   error
}

func (s *fileStream) Next() bool {
	if s.err != nil || s.pos >= len(s.data) {
		s.text = ""
		return false
	}

	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			s.err = s.ctx.Err()
			s.text = ""
			return false
		case <-timer.C:
		}
	} else if err := s.ctx.Err(); err != nil {
		s.err = err
		s.text = ""
		return false
	}

	// never split a multi-byte rune across chunks
	end := min(s.pos+s.size, len(s.data))
	for end < len(s.data) && !utf8.RuneStart(s.data[end]) {
		end++
	}

	s.text = string(s.data[s.pos:end])
	s.pos = end
	return true
}

func (s *fileStream) Text() string {
	return s.text
}

func (s *fileStream) Err() error {
	return s.err
}

func (s *fileStream) Close() error {
	s.pos = len(s.data)
	return nil
}
