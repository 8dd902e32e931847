// Package miniaudio captures microphone audio and plays synthesized speech
// through the system's default devices.
package miniaudio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// Client owns the audio context shared by one microphone and one speaker.
// Each session gets its own Client; the session closes both devices and the
// caller closes the Client.
type Client struct {
	// audioContext is only saved to be able to uninitialize it, it is an
	// ownership thing
	audioContext *malgo.AllocatedContext
	capture      *Capture
	playback     *Playback

	closeOnce sync.Once
	closeErr  error
}

func NewClient() (*Client, error) {
	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("malgo InitContext failed: %w", err)
	}

	client := &Client{
		audioContext: audioCtx,
		capture:      &Capture{},
		playback:     &Playback{},
	}

	if err := client.playback.Init(audioCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to initialize playback client: %w", err)
	}
	if err := client.playback.Start(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}
	if err := client.capture.Init(audioCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to initialize capture client: %w", err)
	}

	return client, nil
}

// Microphone is the capture side, ready to be handed to a session.
func (c *Client) Microphone() *Capture { return c.capture }

// Speaker is the playback side, ready to be handed to a session.
func (c *Client) Speaker() *Playback { return c.playback }

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.capture.Close(), c.playback.Close())
		if err := c.audioContext.Uninit(); err != nil {
			c.closeErr = errors.Join(c.closeErr, fmt.Errorf("failed to uninit audio context: %w", err))
		}
		c.audioContext.Free()
	})
	return c.closeErr
}
