package feed

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileSource is an Iterator over one CSV dump on disk. Close releases the
// underlying file once the run is finished with it.
type FileSource struct {
	f  *os.File
	it Iterator
}

// OpenTrades opens an aggTrades CSV dump for one symbol
func OpenTrades(symbol, path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trade dump: %w", err)
	}
	return &FileSource{f: f, it: NewTradeReader(f, filepath.Base(path), symbol)}, nil
}

// OpenKlines opens a kline CSV dump for one (symbol, interval)
func OpenKlines(symbol, interval, path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open kline dump: %w", err)
	}
	return &FileSource{f: f, it: NewKlineReader(f, filepath.Base(path), symbol, interval)}, nil
}

func (fs *FileSource) Next() (Event, error) { return fs.it.Next() }

// Name reports the wrapped reader's source name
func (fs *FileSource) Name() string {
	if p, ok := fs.it.(positioned); ok {
		return p.Name()
	}
	return ""
}

// Line reports the wrapped reader's last row number
func (fs *FileSource) Line() int {
	if p, ok := fs.it.(positioned); ok {
		return p.Line()
	}
	return 0
}

func (fs *FileSource) Close() error { return fs.f.Close() }
