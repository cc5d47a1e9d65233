package compose

import (
	"fmt"
	"os"

	"stagecast/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
)

// pipeSink packages a producer's RTP into the container ffmpeg reads from
// the input pipe: IVF for VP8 video, Ogg for Opus audio.
type pipeSink struct {
	file   *os.File
	writer media.Writer
}

var _ ports.RTPSink = (*pipeSink)(nil)

func newVideoPipeSink(f *os.File) (*pipeSink, error) {
	w, err := ivfwriter.NewWith(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create ivf writer: %w", err)
	}
	return &pipeSink{file: f, writer: w}, nil
}

func newAudioPipeSink(f *os.File) (*pipeSink, error) {
	w, err := oggwriter.NewWith(f, 48000, 2)
	if err != nil {
		return nil, fmt.Errorf("failed to create ogg writer: %w", err)
	}
	return &pipeSink{file: f, writer: w}, nil
}

func (s *pipeSink) WriteRTP(packet *rtp.Packet) error {
	return s.writer.WriteRTP(packet)
}

func (s *pipeSink) Close() error {
	err := s.writer.Close()
	s.file.Close()
	return err
}
