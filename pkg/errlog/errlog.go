// Package errlog persists server-side 5xx failures to an append-only text
// file. Each record is a line pair:
//
//	<status> <url>
//	<error text>
//
// The file rotates by size through lumberjack.
package errlog

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// maxLine bounds a single line read back by Tail.
const maxLine = 1 << 20

// Sink receives one record per failed request. Implementations must be safe
// for concurrent use.
type Sink interface {
	Append(status int, url string, err error) error
}

// Record is one parsed entry of the log.
type Record struct {
	Status int    `json:"status"`
	URL    string `json:"url"`
	Error  string `json:"error"`
}

// Discard drops every record.
var Discard Sink = discard{}

type discard struct{}

func (discard) Append(int, string, error) error { return nil }

// File is a rotating, append-only Sink.
type File struct {
	mu   sync.Mutex
	path string
	out  *lumberjack.Logger
}

// Open prepares the log at path, creating its directory. maxSizeMB <= 0
// uses lumberjack's default of 100MB.
func Open(path string, maxSizeMB, maxBackups int) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating error log directory: %w", err)
	}
	return &File{
		path: path,
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		},
	}, nil
}

// Path returns the active log file.
func (f *File) Path() string { return f.path }

// Append writes one record with a single Write call. Embedded newlines in
// the error text are escaped so every record stays a line pair.
func (f *File) Append(status int, url string, err error) error {
	text := "<nil>"
	if err != nil {
		text = err.Error()
	}
	line := fmt.Sprintf("%d %s\n%s\n", status, oneLine(url), oneLine(text))

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, werr := f.out.Write([]byte(line)); werr != nil {
		return fmt.Errorf("appending error log: %w", werr)
	}
	return nil
}

// Tail returns up to n of the most recent records in the active file,
// oldest first.
func (f *File) Tail(n int) ([]Record, error) {
	if n <= 0 {
		return []Record{}, nil
	}

	f.mu.Lock()
	data, err := os.ReadFile(f.path)
	f.mu.Unlock()
	if os.IsNotExist(err) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading error log: %w", err)
	}

	records, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing error log: %w", err)
	}
	if len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}

// Close releases the underlying file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Close()
}

func parse(data []byte) ([]Record, error) {
	records := []Record{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		head := sc.Text()
		if !sc.Scan() {
			break
		}
		statusText, url, _ := strings.Cut(head, " ")
		status, err := strconv.Atoi(statusText)
		if err != nil {
			continue
		}
		records = append(records, Record{Status: status, URL: url, Error: sc.Text()})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", `\r`, "\n", `\n`).Replace(s)
}
