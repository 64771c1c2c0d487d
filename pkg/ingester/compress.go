package ingester

import (
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// Algorithm selects the upload compression codec.
type Algorithm string

const (
	AlgoGzip   Algorithm = "gzip"
	AlgoBrotli Algorithm = "brotli"
)

// extensions appended to the storage filename when compression is applied.
func (a Algorithm) Extension() string {
	switch a {
	case AlgoBrotli:
		return ".br"
	default:
		return ".gz"
	}
}

// ParseAlgorithm validates a client-supplied algorithm name. Empty defaults
// to gzip.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "", string(AlgoGzip):
		return AlgoGzip, nil
	case string(AlgoBrotli):
		return AlgoBrotli, nil
	default:
		return "", fmt.Errorf("unknown compression algorithm %q", s)
	}
}

// CompressTo wraps dst with the chosen codec. The caller must close the
// returned writer to flush the codec's trailer before using dst.
func CompressTo(dst io.Writer, algo Algorithm) (io.WriteCloser, error) {
	switch algo {
	case AlgoGzip:
		return gzip.NewWriter(dst), nil
	case AlgoBrotli:
		return brotli.NewWriter(dst), nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algo)
	}
}
