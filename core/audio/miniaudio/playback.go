package miniaudio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-coach/core/audio"
)

type Playback struct {
	audioContext *malgo.AllocatedContext
	device       *malgo.Device
	config       malgo.DeviceConfig

	queue audio.PlaybackQueue

	mu sync.Mutex
}

func (c *Playback) Init(audioContext *malgo.AllocatedContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	encoding := c.EncodingInfo()
	sampleRate := uint32(encoding.SampleRate)
	format := malgo.FormatS16

	c.config = malgo.DefaultDeviceConfig(malgo.Playback)
	c.config.SampleRate = sampleRate
	c.config.Playback.Format = format
	c.config.Playback.Channels = uint32(encoding.Channels)
	c.config.Alsa.NoMMap = 1
	c.config.PeriodSizeInFrames = sampleRate / 10 // ~100ms of audio
	c.config.Periods = 4

	c.audioContext = audioContext

	var err error
	if c.device, err = malgo.InitDevice(
		c.audioContext.Context,
		c.config,
		malgo.DeviceCallbacks{Data: c.processAudio(malgo.SampleSizeInBytes(format) * encoding.Channels)},
	); err != nil {
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}

	return nil
}

func (c *Playback) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return fmt.Errorf("device not initialized")
	}

	if err := c.device.Start(); err != nil {
		return fmt.Errorf("failed to start playback device: %w", err)
	}
	return nil
}

// Play queues buf behind everything handed over earlier; done runs once the
// device has pulled the last byte of buf.
func (c *Playback) Play(buf []byte, done func()) error {
	c.mu.Lock()
	started := c.device != nil && c.device.IsStarted()
	c.mu.Unlock()
	if !started {
		return fmt.Errorf("device not started")
	}

	c.queue.Push(buf, done)
	return nil
}

// Stop drops queued audio without calling its done callbacks. The device
// keeps running and renders silence.
func (c *Playback) Stop() error {
	c.queue.Clear()
	return nil
}

func (c *Playback) EncodingInfo() audio.EncodingInfo {
	return audio.PlaybackEncodingInfo()
}

func (c *Playback) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queue.Clear()
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	return nil
}

func (c *Playback) processAudio(bytesPerFrame int) malgo.DataProc {
	return func(pOutput, _ []byte, frameCount uint32) {
		need := int(frameCount) * bytesPerFrame
		if need > len(pOutput) {
			need = len(pOutput)
		}
		for _, done := range c.queue.Fill(pOutput[:need]) {
			done()
		}
	}
}
