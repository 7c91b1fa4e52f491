// Package audio provides the local transmit track. Real microphone
// capture lives outside the core; this source keeps the track alive
// with silence frames so the mesh carries a usable audio sender.
package audio

import (
	"context"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const frameDuration = 20 * time.Millisecond

// silentOpusFrame is the smallest opus packet that decodes to silence.
var silentOpusFrame = []byte{0xf8, 0xff, 0xfe}

type Source struct {
	track  *pion.TrackLocalStaticSample
	cancel context.CancelFunc
}

func NewSource() (*Source, error) {
	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus},
		"audio", "telsiz",
	)
	if err != nil {
		return nil, err
	}
	return &Source{track: track}, nil
}

// Track is what gets attached to peer sessions.
func (s *Source) Track() pion.TrackLocal {
	return s.track
}

// Start feeds the track until Stop or ctx cancellation.
func (s *Source) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.track.WriteSample(media.Sample{
					Data:     silentOpusFrame,
					Duration: frameDuration,
				})
			}
		}
	}()
}

func (s *Source) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
