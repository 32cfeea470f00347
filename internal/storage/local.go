package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/rendis/flowgraph/pkg/schema"
)

// Local read modes.
const (
	ReadModeFull  = "full"
	ReadModeLines = "lines"
	ReadModeBatch = "batch"
	ReadModeTail  = "tail"
)

const (
	defaultBatchSize = 10
	defaultTailLines = 10
)

// LocalFS reads and writes files on the host filesystem.
type LocalFS struct{}

// NewLocalFS creates the local_filesystem handler.
func NewLocalFS() *LocalFS { return &LocalFS{} }

func (l *LocalFS) Flavor() schema.NodeType { return schema.NodeTypeLocalFilesystem }

// Read returns file content according to read_mode. Full reads of a directory
// return one decoded value per matching file.
func (l *LocalFS) Read(ctx context.Context, cfg map[string]any) (any, error) {
	if err := required(l.Flavor(), cfg, "file_path"); err != nil {
		return nil, err
	}
	path := stringParam(cfg, "file_path", "")
	encoding := stringParam(cfg, "encoding", "utf-8")

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeHandler, "Path %s does not exist", path).WithCause(err)
		}
		return nil, handlerError(l.Flavor(), "stat", err)
	}

	if info.IsDir() {
		return l.readDir(ctx, path, stringParam(cfg, "file_pattern", ""), encoding)
	}

	content, err := readText(path, encoding)
	if err != nil {
		return nil, handlerError(l.Flavor(), "read", err)
	}

	switch mode := stringParam(cfg, "read_mode", ReadModeFull); mode {
	case ReadModeFull:
		return decodeContent([]byte(content)), nil
	case ReadModeLines:
		lines := splitLines(content)
		if max := intParam(cfg, "max_lines", 0); max > 0 && len(lines) > max {
			lines = lines[:max]
		}
		return map[string]any{
			"read_mode":   ReadModeLines,
			"lines":       decodeLines(lines),
			"total_lines": len(lines),
			"file_path":   path,
		}, nil
	case ReadModeBatch:
		size := intParam(cfg, "batch_size", defaultBatchSize)
		if size <= 0 {
			size = defaultBatchSize
		}
		lines := splitLines(content)
		batches := make([]any, 0, (len(lines)+size-1)/size)
		for start := 0; start < len(lines); start += size {
			end := min(start+size, len(lines))
			batches = append(batches, map[string]any{
				"batch_number": len(batches) + 1,
				"lines":        decodeLines(lines[start:end]),
			})
		}
		return map[string]any{
			"read_mode":     ReadModeBatch,
			"batches":       batches,
			"total_batches": len(batches),
			"total_lines":   len(lines),
			"batch_size":    size,
			"file_path":     path,
		}, nil
	case ReadModeTail:
		n := intParam(cfg, "tail_lines", defaultTailLines)
		lines := splitLines(content)
		if n >= 0 && len(lines) > n {
			lines = lines[len(lines)-n:]
		}
		return map[string]any{
			"read_mode":   ReadModeTail,
			"lines":       decodeLines(lines),
			"total_lines": len(lines),
			"file_path":   path,
		}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "unknown read_mode %q", mode)
	}
}

func (l *LocalFS) readDir(ctx context.Context, dir, pattern, encoding string) (any, error) {
	var files []string
	if pattern != "" {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, handlerError(l.Flavor(), "glob", err)
		}
		for _, m := range matches {
			if fi, err := os.Stat(m); err == nil && !fi.IsDir() {
				files = append(files, m)
			}
		}
	} else {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, handlerError(l.Flavor(), "list", err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				files = append(files, filepath.Join(dir, e.Name()))
			}
		}
	}
	sort.Strings(files)

	results := make([]any, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := readText(f, encoding)
		if err != nil {
			return nil, handlerError(l.Flavor(), "read", err)
		}
		results = append(results, decodeContent([]byte(content)))
	}
	return results, nil
}

// Write stores the payload at file_path, creating parent directories.
func (l *LocalFS) Write(_ context.Context, cfg map[string]any, payload any) (map[string]any, error) {
	if err := required(l.Flavor(), cfg, "file_path"); err != nil {
		return nil, err
	}
	path := stringParam(cfg, "file_path", "")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, handlerError(l.Flavor(), "mkdir", err)
	}
	content, _, err := encodePayload(payload, true)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return nil, handlerError(l.Flavor(), "write", err)
	}
	return map[string]any{"status": "success", "file_path": path}, nil
}

// textEncodings are the single-byte and UTF-16 charsets a read may name.
// UTF-8 and ASCII are checked in place.
var textEncodings = map[string]encoding.Encoding{
	"latin-1":      charmap.ISO8859_1,
	"latin1":       charmap.ISO8859_1,
	"iso-8859-1":   charmap.ISO8859_1,
	"iso-8859-15":  charmap.ISO8859_15,
	"windows-1252": charmap.Windows1252,
	"cp1252":       charmap.Windows1252,
	"utf-16":       unicode.UTF16(unicode.LittleEndian, unicode.UseBOM),
	"utf-16le":     unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM),
	"utf-16be":     unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM),
}

// readText loads a file and converts it to UTF-8 from the named encoding.
func readText(path, name string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	name = strings.ToLower(strings.ReplaceAll(name, "_", "-"))
	switch name {
	case "", "utf-8", "utf8":
		if !utf8.Valid(raw) {
			return "", fmt.Errorf("%s is not valid utf-8", path)
		}
		out, err := unicode.UTF8BOM.NewDecoder().Bytes(raw)
		if err != nil {
			return "", fmt.Errorf("decode %s: %w", path, err)
		}
		return string(out), nil
	case "ascii", "us-ascii":
		if i := bytes.IndexFunc(raw, func(r rune) bool { return r > 0x7f }); i >= 0 {
			return "", fmt.Errorf("%s is not valid ascii at byte %d", path, i)
		}
		return string(raw), nil
	}
	enc, ok := textEncodings[name]
	if !ok {
		return "", fmt.Errorf("unsupported encoding %q", name)
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode %s as %s: %w", path, name, err)
	}
	return string(out), nil
}

func splitLines(content string) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	return lines
}

// decodeLines JSON-decodes each line when possible, keeping text otherwise.
func decodeLines(lines []string) []any {
	out := make([]any, len(lines))
	for i, line := range lines {
		var v any
		if err := json.Unmarshal([]byte(line), &v); err == nil && line != "" {
			out[i] = v
			continue
		}
		out[i] = line
	}
	return out
}
