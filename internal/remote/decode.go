package remote

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
)

const (
	FormatRaw  = ""
	FormatGzip = "gzip"

	gzipSuffix = ".gz"
)

// Decoder turns downloaded bytes into raw file contents.
type Decoder interface {
	Decode(data []byte, format string) ([]byte, error)
}

// FormatOf returns the compression format implied by a file name and
// the name without the compression suffix.
func FormatOf(name string) (format, plain string) {
	if strings.HasSuffix(name, gzipSuffix) {
		return FormatGzip, strings.TrimSuffix(name, gzipSuffix)
	}
	return FormatRaw, name
}

type GzipDecoder struct{}

func (GzipDecoder) Decode(data []byte, format string) ([]byte, error) {
	switch format {
	case FormatRaw:
		return append([]byte(nil), data...), nil
	case FormatGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close() //nolint:errcheck
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}
