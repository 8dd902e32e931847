package portaudio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/koscakluka/ema-coach/core/audio"
)

type Speaker struct {
	stream *portaudio.Stream
	out    []int16
	chunk  []byte

	queue   audio.PlaybackQueue
	wake    chan struct{}
	closing chan struct{}
	stopped chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newSpeaker(framesPerBuffer int) (*Speaker, error) {
	encoding := audio.PlaybackEncodingInfo()
	out := make([]int16, framesFor(encoding, framesPerBuffer)*encoding.Channels)
	stream, err := portaudio.OpenDefaultStream(0, encoding.Channels, float64(encoding.SampleRate), len(out)/encoding.Channels, out)
	if err != nil {
		return nil, fmt.Errorf("failed to open PortAudio output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("failed to start PortAudio output stream: %w", err)
	}

	s := &Speaker{
		stream:  stream,
		out:     out,
		chunk:   make([]byte, len(out)*2),
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.write()
	return s, nil
}

func (s *Speaker) EncodingInfo() audio.EncodingInfo {
	return audio.PlaybackEncodingInfo()
}

func (s *Speaker) Play(buf []byte, done func()) error {
	select {
	case <-s.closing:
		return fmt.Errorf("speaker closed")
	default:
	}

	s.queue.Push(buf, done)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop drops queued audio; the chunk already handed to the stream finishes.
func (s *Speaker) Stop() error {
	s.queue.Clear()
	return nil
}

func (s *Speaker) write() {
	defer close(s.stopped)
	for {
		if s.queue.Len() == 0 {
			select {
			case <-s.closing:
				return
			case <-s.wake:
				continue
			}
		}

		clear(s.chunk)
		fired := s.queue.Fill(s.chunk)
		_ = binary.Read(bytes.NewReader(s.chunk), binary.LittleEndian, s.out)
		if err := s.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			logger.Warn("failed to write to PortAudio stream", "error", err)
		}
		for _, done := range fired {
			done()
		}

		select {
		case <-s.closing:
			return
		default:
		}
	}
}

func (s *Speaker) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		<-s.stopped
		s.queue.Clear()
		s.closeErr = errors.Join(s.stream.Stop(), s.stream.Close())
	})
	return s.closeErr
}
