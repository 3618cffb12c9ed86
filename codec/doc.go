// Package codec compresses session payloads and tags them with a 4-byte
// marker so readers can tell compressed records from verbatim ones.
//
// # Wire format
//
// A tagged payload is ":xx:" followed by the compressed body:
//
//   - :gz: zlib stream (klauspost/compress)
//   - :sn: snappy block
//   - :l4: lz4 frame
//   - :zs: zstd frame
//   - :rw: verbatim bytes that would otherwise look tagged
//
// Anything else is stored verbatim. Decode(Encode(x)) == x for every x and
// every algorithm.
//
// # What this package must NOT do
//
//   - Fail a write because compression failed (fall back to raw instead).
//   - Talk to Redis.
package codec
