// Package media provides the local media a participant shares with every peer of a room.
// The source is opened once per room join and its tracks are attached to every session.
package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const frameDuration = 20 * time.Millisecond

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type Options struct {
	// AudioFile is an Ogg/Opus file played in a loop. Silence is sent when empty.
	AudioFile string
	// StreamID groups the tracks; defaults to the participant id.
	StreamID string
}

// Source produces one Opus audio track. Stop releases it exactly once.
type Source struct {
	audio *webrtc.TrackLocalStaticSample
	file  string
	stop  chan struct{}
	once  sync.Once
	wg    conc.WaitGroup

	mu      sync.Mutex
	samples int

	logger zerolog.Logger
}

func Open(self domain.ParticipantID, opts Options) (*Source, error) {
	if opts.AudioFile != "" {
		if _, err := os.Stat(opts.AudioFile); err != nil {
			return nil, fmt.Errorf("audio file: %w", err)
		}
	}
	stream := opts.StreamID
	if stream == "" {
		stream = string(self)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", stream,
	)
	if err != nil {
		return nil, err
	}
	s := &Source{
		audio:  audio,
		file:   opts.AudioFile,
		stop:   make(chan struct{}),
		logger: log.With().Str("module", "media").Str("stream_id", stream).Logger(),
	}
	if s.file != "" {
		s.wg.Go(s.playFile)
	} else {
		s.wg.Go(s.playSilence)
	}
	s.logger.Info().Str("file", s.file).Msg("local media opened")
	return s, nil
}

func (s *Source) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.audio}
}

// Samples reports how many frames were written so far.
func (s *Source) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

// Stop ends playback. Calls after the first are no-ops.
func (s *Source) Stop() {
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.logger.Info().Int("samples", s.Samples()).Msg("local media stopped")
	})
}

func (s *Source) write(data []byte, d time.Duration) bool {
	if err := s.audio.WriteSample(pionmedia.Sample{Data: data, Duration: d}); err != nil {
		s.logger.Warn().Err(err).Msg("write sample")
		return false
	}
	s.mu.Lock()
	s.samples++
	s.mu.Unlock()
	return true
}

func (s *Source) playSilence() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.write(opusSilence, frameDuration) {
				return
			}
		}
	}
}

func (s *Source) playFile() {
	for {
		err := s.playOnce()
		if err == nil {
			return
		}
		if !errors.Is(err, io.EOF) {
			s.logger.Error().Err(err).Msg("audio file playback")
			return
		}
	}
}

// playOnce plays the file to the end, returning io.EOF when it should be replayed and nil
// when stopped.
func (s *Source) playOnce() error {
	f, err := os.Open(s.file)
	if err != nil {
		return err
	}
	defer f.Close()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		page, header, err := ogg.ParseNextPage()
		if err != nil {
			return err
		}
		// Granule positions count 48kHz samples.
		count := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		d := time.Duration(float64(count)/48000*1000) * time.Millisecond
		if d <= 0 {
			d = frameDuration
		}

		select {
		case <-s.stop:
			return nil
		case <-ticker.C:
		}
		if !s.write(page, d) {
			return nil
		}
	}
}
