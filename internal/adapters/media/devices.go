package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

const opusSampleRate = 48000

// DevicesConfig names the capture sources. Sources are Ogg Opus for audio
// and IVF VP8 for video, either real files or FIFOs fed by a capture
// process.
type DevicesConfig struct {
	AudioSource string
	VideoSource string
}

// Devices produces sample-fed local tracks. The stream id is this user's id
// so remote ends can attribute tracks to members.
type Devices struct {
	cfg  DevicesConfig
	self domain.UserID
}

var _ core.MediaDevices = (*Devices)(nil)

func NewDevices(cfg DevicesConfig, self domain.UserID) *Devices {
	return &Devices{cfg: cfg, self: self}
}

func (d *Devices) AcquireAudio(ctx context.Context) (core.LocalTrack, error) {
	if d.cfg.AudioSource == "" {
		return nil, fmt.Errorf("no audio source configured")
	}
	f, err := os.Open(d.cfg.AudioSource)
	if err != nil {
		return nil, fmt.Errorf("open audio source: %w", err)
	}
	rtc, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", string(d.self))
	if err != nil {
		f.Close()
		return nil, err
	}
	t := newSampleTrack(core.TrackAudio, rtc, f)
	go t.pumpOpus()
	return t, nil
}

func (d *Devices) AcquireVideo(ctx context.Context) (core.LocalTrack, error) {
	if d.cfg.VideoSource == "" {
		return nil, fmt.Errorf("no video source configured")
	}
	f, err := os.Open(d.cfg.VideoSource)
	if err != nil {
		return nil, fmt.Errorf("open video source: %w", err)
	}
	rtc, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", string(d.self))
	if err != nil {
		f.Close()
		return nil, err
	}
	t := newSampleTrack(core.TrackVideo, rtc, f)
	go t.pumpIVF()
	return t, nil
}

// sampleTrack feeds a pion sample track from its source. Muting keeps the
// pump and its timing alive but stops writing frames, so unmute resumes
// without renegotiation.
type sampleTrack struct {
	kind  core.TrackKind
	rtc   *webrtc.TrackLocalStaticSample
	src   *os.File
	muted atomic.Bool

	stop chan struct{}
	once sync.Once
}

var _ core.LocalTrack = (*sampleTrack)(nil)

func newSampleTrack(kind core.TrackKind, rtc *webrtc.TrackLocalStaticSample, src *os.File) *sampleTrack {
	return &sampleTrack{kind: kind, rtc: rtc, src: src, stop: make(chan struct{})}
}

func (t *sampleTrack) Kind() core.TrackKind { return t.kind }
func (t *sampleTrack) SetMuted(m bool)      { t.muted.Store(m) }
func (t *sampleTrack) Muted() bool          { return t.muted.Load() }

func (t *sampleTrack) Close() error {
	t.once.Do(func() { close(t.stop) })
	return t.src.Close()
}

func (t *sampleTrack) stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

func (t *sampleTrack) pumpOpus() {
	ogg, _, err := oggreader.NewWith(t.src)
	if err != nil {
		log.Error().Str("module", "media").Err(err).Msg("audio source unreadable")
		return
	}
	var lastGranule uint64
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}
		page, header, err := ogg.ParseNextPage()
		if err == io.EOF {
			// loop the source; a live FIFO never hits this
			if _, serr := t.src.Seek(0, io.SeekStart); serr != nil {
				return
			}
			if ogg, _, err = oggreader.NewWith(t.src); err != nil {
				return
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			log.Warn().Str("module", "media").Err(err).Msg("audio pump stopped")
			return
		}
		sampleCount := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		if t.muted.Load() {
			continue
		}
		dur := time.Duration(sampleCount) * time.Second / opusSampleRate
		if err := t.rtc.WriteSample(media.Sample{Data: page, Duration: dur}); err != nil && !t.stopped() {
			log.Warn().Str("module", "media").Err(err).Msg("audio write failed")
		}
	}
}

func (t *sampleTrack) pumpIVF() {
	ivf, header, err := ivfreader.NewWith(t.src)
	if err != nil {
		log.Error().Str("module", "media").Err(err).Msg("video source unreadable")
		return
	}
	frameDur := time.Millisecond * time.Duration(
		float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator)*1000)
	if frameDur <= 0 {
		frameDur = 33 * time.Millisecond
	}
	ticker := time.NewTicker(frameDur)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}
		frame, _, err := ivf.ParseNextFrame()
		if err == io.EOF {
			if _, serr := t.src.Seek(0, io.SeekStart); serr != nil {
				return
			}
			if ivf, _, err = ivfreader.NewWith(t.src); err != nil {
				return
			}
			continue
		}
		if err != nil {
			log.Warn().Str("module", "media").Err(err).Msg("video pump stopped")
			return
		}
		if t.muted.Load() {
			continue
		}
		if err := t.rtc.WriteSample(media.Sample{Data: frame, Duration: frameDur}); err != nil && !t.stopped() {
			log.Warn().Str("module", "media").Err(err).Msg("video write failed")
		}
	}
}
