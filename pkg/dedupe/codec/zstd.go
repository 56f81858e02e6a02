package codec

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ZstdCodec is the default Codec implementation, backed by
// github.com/klauspost/compress/zstd. Levels map onto zstd's own
// speed/ratio presets; level 0 is reserved by the packet format for "raw
// copy" and must never reach Compress.
type ZstdCodec struct {
	encoders sync.Map // int(level) -> *zstd.Encoder
	decoders sync.Pool
}

// NewZstd constructs a ready-to-use ZstdCodec.
func NewZstd() *ZstdCodec {
	c := &ZstdCodec{}
	c.decoders.New = func() any {
		d, err := zstd.NewReader(nil)
		if err != nil {
			// Only fails on invalid options; none are set here.
			panic("codec: zstd.NewReader failed: " + err.Error())
		}
		return d
	}
	return c
}

// encoderLevel maps a 1..9 quality knob onto zstd's four encoder presets,
// matching the coarser granularity most archivers expose on the CLI.
func encoderLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 4:
		return zstd.SpeedDefault
	case level <= 7:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func (c *ZstdCodec) encoderFor(level int) (*zstd.Encoder, error) {
	if enc, ok := c.encoders.Load(level); ok {
		return enc.(*zstd.Encoder), nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encoderLevel(level)))
	if err != nil {
		return nil, fmt.Errorf("codec: creating zstd encoder at level %d: %w", level, err)
	}
	actual, _ := c.encoders.LoadOrStore(level, enc)
	return actual.(*zstd.Encoder), nil
}

// Compress implements Codec.
func (c *ZstdCodec) Compress(level int, src []byte) ([]byte, error) {
	if level <= 0 {
		return nil, fmt.Errorf("codec: level must be > 0, level 0 means raw copy")
	}
	enc, err := c.encoderFor(level)
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(src, make([]byte, 0, len(src))), nil
}

// Decompress implements Codec.
func (c *ZstdCodec) Decompress(src []byte, dst []byte) (int, error) {
	d := c.decoders.Get().(*zstd.Decoder)
	defer c.decoders.Put(d)

	out, err := d.DecodeAll(src, dst[:0])
	if err != nil {
		return 0, fmt.Errorf("codec: zstd decode: %w", err)
	}
	if len(out) > len(dst) {
		return 0, fmt.Errorf("codec: decompressed %d bytes but dst only holds %d", len(out), len(dst))
	}
	if len(out) > 0 && &out[0] != &dst[0] {
		copy(dst, out)
	}
	return len(out), nil
}
