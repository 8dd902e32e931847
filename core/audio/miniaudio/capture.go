package miniaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-coach/core/audio"
)

// ErrDeviceStopped is reported when the system stops the microphone while
// capture is running, for example when it gets unplugged.
var ErrDeviceStopped = errors.New("capture device stopped unexpectedly")

type Capture struct {
	audioContext *malgo.AllocatedContext
	device       *malgo.Device
	config       malgo.DeviceConfig

	onAudio  atomic.Pointer[func(audio []byte)]
	onError  atomic.Pointer[func(error)]
	stopping atomic.Bool

	mu sync.Mutex
}

func (c *Capture) Init(audioContext *malgo.AllocatedContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	encoding := c.EncodingInfo()
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * encoding.Channels

	c.config = malgo.DefaultDeviceConfig(malgo.Capture)
	c.config.SampleRate = uint32(encoding.SampleRate)
	c.config.Capture.Format = format
	c.config.Capture.Channels = uint32(encoding.Channels)
	c.config.Alsa.NoMMap = 1
	c.config.PerformanceProfile = malgo.LowLatency
	c.config.PeriodSizeInFrames = uint32(encoding.SampleRate / 50) // 20ms frames
	c.config.Periods = 3

	c.audioContext = audioContext

	var err error
	c.device, err = malgo.InitDevice(c.audioContext.Context, c.config, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if len(pInput) < n || n == 0 {
				return
			}
			if onAudio := c.onAudio.Load(); onAudio != nil {
				// pInput is reused by the device.
				(*onAudio)(append([]byte(nil), pInput[:n]...))
			}
		},
		Stop: func() {
			if c.stopping.Load() {
				return
			}
			if onError := c.onError.Load(); onError != nil {
				(*onError)(ErrDeviceStopped)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}

	return nil
}

func (c *Capture) StartCapture(_ context.Context, onAudio func(audio []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return fmt.Errorf("device not initialized")
	} else if c.device.IsStarted() {
		return nil
	}

	c.onAudio.Store(&onAudio)
	c.stopping.Store(false)
	if err := c.device.Start(); err != nil {
		c.onAudio.Store(nil)
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	return nil
}

func (c *Capture) StopCapture() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAudio.Store(nil)
	if c.device == nil || !c.device.IsStarted() {
		return nil
	}

	c.stopping.Store(true)
	if err := c.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop device: %w", err)
	}
	return nil
}

// SetErrorCallback registers fn to hear about the device going away while
// capturing.
func (c *Capture) SetErrorCallback(fn func(error)) {
	c.onError.Store(&fn)
}

func (c *Capture) EncodingInfo() audio.EncodingInfo {
	return audio.WireEncodingInfo()
}

func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onAudio.Store(nil)
	if c.device != nil {
		c.stopping.Store(true)
		c.device.Uninit()
		c.device = nil
	}
	return nil
}
