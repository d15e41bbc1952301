package main

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/dkeye/meshroom/internal/adapters/rtc"
	"github.com/dkeye/meshroom/internal/adapters/ws"
	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/envelope"
	"github.com/dkeye/meshroom/internal/media"
	"github.com/dkeye/meshroom/internal/peer"
	"github.com/dkeye/meshroom/internal/room"
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and stay until interrupted",
	Example: `  peer join --room lobby --server-url ws://localhost:8080/api/ws/signal
  peer join --room lobby --audio-file music.ogg --codec msgpack`,
	Args: cobra.NoArgs,
	RunE: runJoin,
}

func init() {
	f := joinCmd.Flags()
	f.String("server-url", "", "bus websocket endpoint")
	f.String("room", "", "room to join")
	f.StringSlice("ice-servers", nil, "STUN/TURN urls")
	f.String("codec", "", "envelope codec: json or msgpack")
	f.String("audio-file", "", "Ogg/Opus file to send instead of silence")
}

// rtpReader is implemented by pion-backed remote tracks.
type rtpReader interface {
	ReadRTP() (*rtp.Packet, error)
}

type trackStats struct {
	remote  domain.ParticipantID
	track   peer.RemoteTrack
	packets int
	bytes   int
	since   time.Time
}

func runJoin(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadPeer(cmd.Flags())
	if err != nil {
		return err
	}
	roomID, err := domain.NewRoomID(cfg.Room)
	if err != nil {
		return err
	}
	codec, err := envelope.ByName(cfg.Codec)
	if err != nil {
		return err
	}
	self := domain.NewParticipantID()
	logger := log.With().Str("module", "cmd.peer").Str("self", string(self)).Str("room", string(roomID)).Logger()

	src, err := media.Open(self, media.Options{AudioFile: cfg.AudioFile})
	if err != nil {
		return fmt.Errorf("open local media: %w", err)
	}
	defer src.Stop()

	api, err := rtc.NewAPI()
	if err != nil {
		return err
	}

	var (
		mu      sync.Mutex
		stats   []*trackStats
		readers conc.WaitGroup
	)
	drain := func(st *trackStats) {
		r, ok := st.track.(rtpReader)
		if !ok {
			return
		}
		for {
			pkt, err := r.ReadRTP()
			if err != nil {
				return
			}
			mu.Lock()
			st.packets++
			st.bytes += len(pkt.Payload)
			mu.Unlock()
		}
	}

	h, err := room.Join(cmd.Context(), roomID, room.Options{
		Self:       self,
		Transport:  ws.NewDialer(cfg.ServerURL),
		Connect:    rtc.NewFactory(api),
		ICEServers: cfg.WebRTCICEServers(),
		Codec:      codec,
		Tracks:     src.Tracks(),
		Events: room.Events{
			OnRemoteJoin: func(id domain.ParticipantID) {
				logger.Info().Str("remote", string(id)).Msg("peer joined")
			},
			OnRemoteLeave: func(id domain.ParticipantID) {
				logger.Info().Str("remote", string(id)).Msg("peer left")
			},
			OnRemoteTrack: func(id domain.ParticipantID, t peer.RemoteTrack) {
				logger.Info().Str("remote", string(id)).Str("track_id", t.ID()).Str("kind", t.Kind().String()).Msg("receiving media")
				st := &trackStats{remote: id, track: t, since: time.Now()}
				mu.Lock()
				stats = append(stats, st)
				mu.Unlock()
				readers.Go(func() { drain(st) })
			},
			OnMessage: func(sender domain.ParticipantID, body string) {
				fmt.Fprintf(cmd.OutOrStdout(), "<%s> %s\n", sender, body)
			},
		},
	})
	if err != nil {
		return err
	}
	logger.Info().Msg("in room, type to chat, Ctrl-C to leave")

	// The scanner goroutine stays blocked on stdin until the process exits.
	go func() {
		sc := bufio.NewScanner(cmd.InOrStdin())
		for sc.Scan() {
			if line := sc.Text(); line != "" {
				if err := h.SendText(line); err != nil {
					logger.Warn().Err(err).Msg("send chat")
				}
			}
		}
	}()

	<-cmd.Context().Done()
	if err := h.Close(); err != nil {
		logger.Warn().Err(err).Msg("leave room")
	}
	src.Stop()
	readers.Wait()

	mu.Lock()
	defer mu.Unlock()
	renderStats(stats)
	return nil
}

func renderStats(stats []*trackStats) {
	if len(stats) == 0 {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Received media")
	t.AppendHeader(table.Row{"Peer", "Track", "Kind", "Packets", "Bytes", "Duration"})
	for _, st := range stats {
		t.AppendRow(table.Row{st.remote, st.track.ID(), st.track.Kind().String(), st.packets, st.bytes, time.Since(st.since).Round(time.Second)})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}
