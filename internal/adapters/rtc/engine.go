package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/meshcall/internal/domain"
	"github.com/avolkov/meshcall/internal/orch"
)

// Engine creates pion connections that all share the same local
// tracks. When the host supplies no tracks, AcquireMedia sets up a
// default Opus track so offers still carry an audio section; the host
// writes samples into it.
type Engine struct {
	cfg webrtc.Configuration

	mu       sync.Mutex
	tracks   []webrtc.TrackLocal
	acquired bool
}

func NewEngine(cfg webrtc.Configuration, localTracks ...webrtc.TrackLocal) *Engine {
	return &Engine{cfg: cfg, tracks: localTracks}
}

func (e *Engine) AcquireMedia(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.acquired {
		return nil
	}
	if len(e.tracks) == 0 {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", "meshcall",
		)
		if err != nil {
			return fmt.Errorf("create local audio track: %w", err)
		}
		e.tracks = append(e.tracks, track)
	}
	e.acquired = true
	log.Info().Str("module", "rtc").Int("tracks", len(e.tracks)).Msg("local media acquired")
	return nil
}

func (e *Engine) ReleaseMedia() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acquired = false
	log.Info().Str("module", "rtc").Msg("local media released")
}

func (e *Engine) NewConnection(peer domain.SessionID) (orch.MediaConnection, error) {
	e.mu.Lock()
	tracks := append([]webrtc.TrackLocal{}, e.tracks...)
	e.mu.Unlock()
	return NewConnection(e.cfg, peer, tracks)
}

// LocalTracks exposes the shared tracks so the host can feed samples.
func (e *Engine) LocalTracks() []webrtc.TrackLocal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]webrtc.TrackLocal{}, e.tracks...)
}

var _ orch.Engine = (*Engine)(nil)
