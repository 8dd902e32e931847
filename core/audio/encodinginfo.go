package audio

import (
	"strconv"
	"time"
)

const (
	// WireSampleRate is the rate of microphone audio sent to the remote
	// service.
	WireSampleRate = 16000
	// PlaybackSampleRate is the rate the remote service synthesizes at.
	PlaybackSampleRate = 24000
	DefaultFormat      = EncodingLinear16
)

func WireEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: WireSampleRate, Channels: 1, Format: EncodingLinear16}
}

func PlaybackEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: PlaybackSampleRate, Channels: 1, Format: EncodingLinear16}
}

type EncodingInfo struct {
	SampleRate int
	Channels   int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

// channels treats an unset channel count as mono.
func (e EncodingInfo) channels() int {
	if e.Channels <= 0 {
		return 1
	}
	return e.Channels
}

// FrameSize is the number of bytes holding one sample for every channel.
func (e EncodingInfo) FrameSize() int {
	return e.Format.ByteSize() * e.channels()
}

// Duration returns how long n bytes of audio in this encoding play for.
func (e EncodingInfo) Duration(n int) time.Duration {
	if e.IsZero() || e.FrameSize() <= 0 {
		return 0
	}
	frames := n / e.FrameSize()
	return time.Duration(frames) * time.Second / time.Duration(e.SampleRate)
}

// ByteCount returns the number of whole-frame bytes covering d.
func (e EncodingInfo) ByteCount(d time.Duration) int {
	if e.IsZero() || e.FrameSize() <= 0 {
		return 0
	}
	frames := int(d * time.Duration(e.SampleRate) / time.Second)
	return frames * e.FrameSize()
}

func (e EncodingInfo) SilenceValue() byte {
	switch e.Format {
	case EncodingALaw:
		return 0x55
	case EncodingMulaw:
		return 0xFF
	case EncodingLinear16:
		return 0
	}

	return 0
}

// MIMEType follows the "audio/pcm;rate=N" convention used by live audio
// services.
func (e EncodingInfo) MIMEType() string {
	switch e.Format {
	case EncodingLinear16:
		return "audio/pcm;rate=" + strconv.Itoa(e.SampleRate)
	case EncodingMulaw:
		return "audio/basic"
	}
	return "application/octet-stream"
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	}
	return -1
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
