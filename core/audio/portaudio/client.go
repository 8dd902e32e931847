// Package portaudio is a blocking alternative to the miniaudio backend. One
// goroutine reads the microphone and one writes the speaker.
package portaudio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/koscakluka/ema-coach/core/audio"
)

const defaultFrameDuration = 20 // ms

type Client struct {
	microphone *Microphone
	speaker    *Speaker

	closeOnce sync.Once
	closeErr  error
}

// NewClient opens the default input and output devices. framesPerBuffer of
// zero reads and writes in 20ms chunks.
func NewClient(framesPerBuffer int) (*Client, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	microphone, err := newMicrophone(framesPerBuffer)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}
	speaker, err := newSpeaker(framesPerBuffer)
	if err != nil {
		_ = microphone.Close()
		_ = portaudio.Terminate()
		return nil, err
	}

	return &Client{microphone: microphone, speaker: speaker}, nil
}

func (c *Client) Microphone() *Microphone { return c.microphone }

func (c *Client) Speaker() *Speaker { return c.speaker }

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.microphone.Close(), c.speaker.Close(), portaudio.Terminate())
	})
	return c.closeErr
}

func framesFor(encoding audio.EncodingInfo, framesPerBuffer int) int {
	if framesPerBuffer > 0 {
		return framesPerBuffer
	}
	return encoding.SampleRate * defaultFrameDuration / 1000
}

type Microphone struct {
	stream *portaudio.Stream
	in     []int16

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
	onError func(error)

	closeOnce sync.Once
	closeErr  error
}

func newMicrophone(framesPerBuffer int) (*Microphone, error) {
	encoding := audio.WireEncodingInfo()
	in := make([]int16, framesFor(encoding, framesPerBuffer)*encoding.Channels)
	stream, err := portaudio.OpenDefaultStream(encoding.Channels, 0, float64(encoding.SampleRate), len(in)/encoding.Channels, in)
	if err != nil {
		return nil, fmt.Errorf("failed to open PortAudio input stream: %w", err)
	}
	return &Microphone{stream: stream, in: in}, nil
}

func (m *Microphone) EncodingInfo() audio.EncodingInfo {
	return audio.WireEncodingInfo()
}

func (m *Microphone) SetErrorCallback(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = fn
}

// StartCapture reads the microphone until ctx ends or StopCapture is called.
func (m *Microphone) StartCapture(ctx context.Context, onAudio func(audio []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}

	if err := m.stream.Start(); err != nil {
		return fmt.Errorf("failed to start PortAudio stream: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopped = make(chan struct{})
	go m.read(ctx, onAudio, m.stopped)
	return nil
}

func (m *Microphone) read(ctx context.Context, onAudio func([]byte), stopped chan struct{}) {
	defer close(stopped)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				logger.Debug("microphone input overflowed")
				continue
			}
			if ctx.Err() != nil {
				return
			}
			m.mu.Lock()
			onError := m.onError
			m.mu.Unlock()
			if onError != nil {
				onError(fmt.Errorf("failed to read from PortAudio stream: %w", err))
			}
			return
		}

		audioBuffer := bytes.Buffer{}
		_ = binary.Write(&audioBuffer, binary.LittleEndian, m.in)
		onAudio(audioBuffer.Bytes())
	}
}

func (m *Microphone) StopCapture() error {
	m.mu.Lock()
	cancel, stopped := m.cancel, m.stopped
	m.cancel, m.stopped = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	<-stopped
	if err := m.stream.Stop(); err != nil {
		return fmt.Errorf("failed to stop PortAudio stream: %w", err)
	}
	return nil
}

func (m *Microphone) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = errors.Join(m.StopCapture(), m.stream.Close())
	})
	return m.closeErr
}
