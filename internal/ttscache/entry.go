package ttscache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/gramyfied/eloquence-backend/pkg/audio"
)

// Codec names for the stored payload.
const (
	codecZstd = "zstd"
	codecRaw  = "raw"
)

// Entry is the stored form of one synthesis unit.
type Entry struct {
	// Codec is the compression applied to Data.
	Codec string `json:"codec"`

	// SampleRate and Channels describe the decoded PCM.
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`

	// DurationMS is the playback duration of the decoded PCM.
	DurationMS int64 `json:"duration_ms"`

	// RawLen is the uncompressed payload length in bytes.
	RawLen int `json:"raw_len"`

	// CreatedAt is the write time, for diagnostics.
	CreatedAt time.Time `json:"created_at"`

	// Data is the (possibly compressed) audio payload.
	Data []byte `json:"data"`
}

// shared zstd coders; both are safe for concurrent use with EncodeAll and
// DecodeAll.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// newEntry compresses pcm and builds its Entry. The caller decides whether
// the entry is worth storing via [Entry.Storable].
func newEntry(pcm []byte, sampleRate int) *Entry {
	compressed := zstdEncoder.EncodeAll(pcm, nil)

	e := &Entry{
		Codec:      codecZstd,
		SampleRate: sampleRate,
		Channels:   1,
		DurationMS: audio.Duration(pcm, sampleRate).Milliseconds(),
		RawLen:     len(pcm),
		CreatedAt:  time.Now().UTC(),
		Data:       compressed,
	}
	if len(compressed) >= len(pcm) {
		// Incompressible audio: store raw rather than growing it.
		e.Codec = codecRaw
		e.Data = append([]byte(nil), pcm...)
	}
	return e
}

// storeThresholdBytes is the raw size above which an entry is stored even
// when it barely compresses: re-synthesizing long utterances costs far more
// than the space.
const (
	storeThresholdBytes = 4 << 10
	storeMaxRatio       = 0.9
)

// Storable reports whether the write-back policy keeps this entry: the
// compression ratio is at most 0.9, or the raw payload is at least 4 KiB.
func (e *Entry) Storable() bool {
	if e.RawLen == 0 {
		return false
	}
	if e.RawLen >= storeThresholdBytes {
		return true
	}
	ratio := float64(len(e.Data)) / float64(e.RawLen)
	return e.Codec == codecZstd && ratio <= storeMaxRatio
}

// PCM decompresses and returns the raw audio payload.
func (e *Entry) PCM() ([]byte, error) {
	switch e.Codec {
	case codecRaw:
		return append([]byte(nil), e.Data...), nil
	case codecZstd:
		pcm, err := zstdDecoder.DecodeAll(e.Data, nil)
		if err != nil {
			return nil, fmt.Errorf("ttscache: decompress entry: %w", err)
		}
		return pcm, nil
	default:
		return nil, fmt.Errorf("ttscache: unknown codec %q", e.Codec)
	}
}

// Marshal encodes the entry for the networked tier.
func (e *Entry) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("ttscache: marshal entry: %w", err)
	}
	return data, nil
}

// unmarshalEntry decodes a stored entry.
func unmarshalEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("ttscache: unmarshal entry: %w", err)
	}
	return &e, nil
}
