package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrEmptyPayload     = errors.New("empty audio payload")
	ErrPartialFrame     = errors.New("audio payload does not hold whole frames")
	ErrUnsupportedCodec = errors.New("unsupported audio encoding")
)

// DecodeError marks a malformed audio payload. The payload is dropped, the
// session carries on.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode audio: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// Chunk is a block of signed 16-bit samples, interleaved when ChannelCount is
// greater than one. A Chunk is handed from stage to stage and must not be
// retained by the stage that passed it on.
type Chunk struct {
	SampleRate   int
	ChannelCount int
	Samples      []int16
}

// ChunkFromBytes copies little-endian linear16 bytes into a new Chunk, so the
// caller may reuse raw straight away.
func ChunkFromBytes(raw []byte, info EncodingInfo) (Chunk, error) {
	if info.Format != EncodingLinear16 {
		return Chunk{}, &DecodeError{Err: fmt.Errorf("%w: %s", ErrUnsupportedCodec, info.Format.Name())}
	}
	if len(raw) == 0 {
		return Chunk{}, &DecodeError{Err: ErrEmptyPayload}
	}
	if len(raw)%info.FrameSize() != 0 {
		return Chunk{}, &DecodeError{Err: fmt.Errorf("%w: %d bytes", ErrPartialFrame, len(raw))}
	}

	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return Chunk{SampleRate: info.SampleRate, ChannelCount: info.channels(), Samples: samples}, nil
}

// Bytes serializes the chunk as little-endian linear16.
func (c Chunk) Bytes() []byte {
	out := make([]byte, len(c.Samples)*2)
	for i, s := range c.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func (c Chunk) Duration() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	channels := max(c.ChannelCount, 1)
	return time.Duration(len(c.Samples)/channels) * time.Second / time.Duration(c.SampleRate)
}

// Mono averages interleaved channels down to one.
func (c Chunk) Mono() Chunk {
	if c.ChannelCount <= 1 {
		return c
	}

	frames := len(c.Samples) / c.ChannelCount
	out := make([]int16, frames)
	for i := range frames {
		sum := 0
		for ch := range c.ChannelCount {
			sum += int(c.Samples[i*c.ChannelCount+ch])
		}
		out[i] = int16(sum / c.ChannelCount)
	}
	return Chunk{SampleRate: c.SampleRate, ChannelCount: 1, Samples: out}
}

// Resample converts a mono chunk to rate using linear interpolation.
func (c Chunk) Resample(rate int) Chunk {
	if rate <= 0 || c.SampleRate == rate || len(c.Samples) == 0 {
		return c
	}

	ratio := float64(c.SampleRate) / float64(rate)
	n := int(math.Floor(float64(len(c.Samples)) / ratio))
	out := make([]int16, n)
	last := len(c.Samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = c.Samples[last]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int16(float64(c.Samples[idx])*(1-frac) + float64(c.Samples[idx+1])*frac)
	}
	return Chunk{SampleRate: rate, ChannelCount: 1, Samples: out}
}

// Silence returns n bytes of silence for info.
func Silence(n int, info EncodingInfo) []byte {
	out := make([]byte, n)
	if v := info.SilenceValue(); v != 0 {
		for i := range out {
			out[i] = v
		}
	}
	return out
}

// Encoder turns captured device audio into the wire format.
type Encoder struct {
	Source EncodingInfo
	Target EncodingInfo
}

func NewEncoder(source EncodingInfo) *Encoder {
	return &Encoder{Source: source, Target: WireEncodingInfo()}
}

// Encode returns a freshly allocated wire frame; raw is not retained.
func (e *Encoder) Encode(raw []byte) ([]byte, error) {
	chunk, err := ChunkFromBytes(raw, e.Source)
	if err != nil {
		return nil, err
	}

	chunk = chunk.Mono().Resample(e.Target.SampleRate)
	return chunk.Bytes(), nil
}

// Decoder turns payloads received from the remote service into buffers the
// output device can play.
type Decoder struct {
	Target EncodingInfo
}

func NewDecoder(target EncodingInfo) *Decoder {
	return &Decoder{Target: target}
}

func (d *Decoder) Decode(payload []byte, source EncodingInfo) ([]byte, error) {
	if source.IsZero() {
		source = PlaybackEncodingInfo()
	}

	chunk, err := ChunkFromBytes(payload, source)
	if err != nil {
		return nil, err
	}

	chunk = chunk.Mono()
	if d.Target.SampleRate > 0 {
		chunk = chunk.Resample(d.Target.SampleRate)
	}
	if d.Target.channels() > 1 {
		chunk = chunk.spread(d.Target.channels())
	}
	return chunk.Bytes(), nil
}

// DecodeBase64 decodes a base64 PCM payload as carried by JSON transports.
func (d *Decoder) DecodeBase64(payload string, source EncodingInfo) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("invalid base64: %w", err)}
	}
	return d.Decode(raw, source)
}

// spread duplicates a mono chunk into channels interleaved channels.
func (c Chunk) spread(channels int) Chunk {
	out := make([]int16, len(c.Samples)*channels)
	for i, s := range c.Samples {
		for ch := range channels {
			out[i*channels+ch] = s
		}
	}
	return Chunk{SampleRate: c.SampleRate, ChannelCount: channels, Samples: out}
}
