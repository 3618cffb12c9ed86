package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"pkt.systems/pslog"
)

// ErrCodec is returned when a tagged payload cannot be decompressed.
var ErrCodec = errors.New("session payload codec failure")

// ErrUnknownAlgorithm is returned by [ParseAlgorithm] for unsupported names.
var ErrUnknownAlgorithm = errors.New("unknown compression algorithm")

// Algorithm names a compression library.
type Algorithm string

const (
	// AlgorithmNone stores payloads verbatim.
	AlgorithmNone Algorithm = "none"
	// AlgorithmGzip is the general purpose default (zlib stream, tag ":gz:").
	AlgorithmGzip Algorithm = "gzip"
	// AlgorithmSnappy is a fast block compressor (tag ":sn:").
	AlgorithmSnappy Algorithm = "snappy"
	// AlgorithmLZ4 is a fast frame compressor (tag ":l4:").
	AlgorithmLZ4 Algorithm = "lz4"
	// AlgorithmZstd trades CPU for ratio (tag ":zs:").
	AlgorithmZstd Algorithm = "zstd"
)

// TagLength is the fixed width of every payload tag.
const TagLength = 4

const (
	tagGzip   = ":gz:"
	tagSnappy = ":sn:"
	tagLZ4    = ":l4:"
	tagZstd   = ":zs:"
	// tagRaw escapes uncompressed payloads that happen to start with a tag.
	tagRaw = ":rw:"
)

var algorithmTags = map[Algorithm]string{
	AlgorithmGzip:   tagGzip,
	AlgorithmSnappy: tagSnappy,
	AlgorithmLZ4:    tagLZ4,
	AlgorithmZstd:   tagZstd,
}

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// Config selects the algorithm and the size at which compression starts.
// A Threshold <= 0 disables compression.
type Config struct {
	Algorithm Algorithm
	Threshold int
	// OnFallback, when set, is called each time compression fails and the
	// payload is stored raw.
	OnFallback func(Algorithm, error)
}

// Codec compresses and tags session payloads.
type Codec struct {
	algorithm  Algorithm
	tag        string
	threshold  int
	logger     pslog.Logger
	onFallback func(Algorithm, error)
}

// ParseAlgorithm maps a configuration string to an [Algorithm]. The empty
// string selects none. Common aliases from other session stores are accepted.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return AlgorithmNone, nil
	case "gzip", "gz", "zlib":
		return AlgorithmGzip, nil
	case "snappy", "sn":
		return AlgorithmSnappy, nil
	case "lz4", "l4":
		return AlgorithmLZ4, nil
	case "zstd", "zs":
		return AlgorithmZstd, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
}

// New builds a [Codec]. A nil logger discards warnings.
func New(cfg Config, logger pslog.Logger) (*Codec, error) {
	algorithm := cfg.Algorithm
	if algorithm == "" {
		algorithm = AlgorithmNone
	}
	tag, ok := algorithmTags[algorithm]
	if !ok && algorithm != AlgorithmNone {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Codec{
		algorithm:  algorithm,
		tag:        tag,
		threshold:  cfg.Threshold,
		logger:     logger,
		onFallback: cfg.OnFallback,
	}, nil
}

// Algorithm returns the configured algorithm.
func (c *Codec) Algorithm() Algorithm {
	return c.algorithm
}

// Encode returns the stored form of raw. It never fails: when compression
// errors or yields nothing, raw is stored as-is and a warning is logged.
func (c *Codec) Encode(raw []byte) []byte {
	if c.algorithm == AlgorithmNone || c.threshold <= 0 || len(raw) < c.threshold {
		return escapeRaw(raw)
	}

	compressed, err := compress(c.algorithm, raw)
	if err == nil && len(compressed) == 0 {
		err = errors.New("compressor returned empty output")
	}
	if err != nil {
		c.logger.Warn("session.codec.compress_failed",
			"algorithm", string(c.algorithm),
			"size", len(raw),
			"error", err,
		)
		if c.onFallback != nil {
			c.onFallback(c.algorithm, err)
		}
		return escapeRaw(raw)
	}

	out := make([]byte, 0, TagLength+len(compressed))
	out = append(out, c.tag...)
	return append(out, compressed...)
}

// Decode reverses [Codec.Encode]. Payloads without a recognised tag are
// returned unchanged. Every known tag is decoded regardless of the
// configured algorithm, so switching algorithms never strands old records.
func (c *Codec) Decode(stored []byte) ([]byte, error) {
	return Decode(stored)
}

// Decode is the configuration-independent decoder used by operator tooling.
func Decode(stored []byte) ([]byte, error) {
	tag, ok := Tag(stored)
	if !ok {
		return stored, nil
	}
	body := stored[TagLength:]

	var (
		out []byte
		err error
	)
	switch tag {
	case tagRaw:
		return body, nil
	case tagGzip:
		out, err = readAll(zlib.NewReader(bytes.NewReader(body)))
	case tagSnappy:
		out, err = snappy.Decode(nil, body)
	case tagLZ4:
		out, err = io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
	case tagZstd:
		if zstdDecoder == nil {
			return nil, fmt.Errorf("%w: %s: decoder unavailable", ErrCodec, tag)
		}
		out, err = zstdDecoder.DecodeAll(body, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCodec, tag, err)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// Tag reports the 4-byte tag at the start of stored, if it is a known one.
func Tag(stored []byte) (string, bool) {
	if len(stored) < TagLength || stored[0] != ':' || stored[TagLength-1] != ':' {
		return "", false
	}
	switch tag := string(stored[:TagLength]); tag {
	case tagGzip, tagSnappy, tagLZ4, tagZstd, tagRaw:
		return tag, true
	}
	return "", false
}

func escapeRaw(raw []byte) []byte {
	if _, tagged := Tag(raw); !tagged {
		return raw
	}
	out := make([]byte, 0, TagLength+len(raw))
	out = append(out, tagRaw...)
	return append(out, raw...)
}

func compress(algorithm Algorithm, raw []byte) ([]byte, error) {
	switch algorithm {
	case AlgorithmGzip:
		var buf bytes.Buffer
		w, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case AlgorithmSnappy:
		return snappy.Encode(nil, raw), nil
	case AlgorithmLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case AlgorithmZstd:
		if zstdEncoder == nil {
			return nil, errors.New("zstd encoder unavailable")
		}
		return zstdEncoder.EncodeAll(raw, nil), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
}

func readAll(r io.ReadCloser, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
