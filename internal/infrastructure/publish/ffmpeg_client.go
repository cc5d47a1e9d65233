package publish

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"
	"stagecast/pkg/utils"

	"go.uber.org/zap"
)

// ClientOptions mirrors the relay section of the config file.
type ClientOptions struct {
	FFmpegPath string
	// StartupProbe is how long a freshly started process is watched for an
	// immediate exit before the dial is considered successful.
	StartupProbe time.Duration
}

// FFmpegPublishClient republishes a composed FLV stream to one external RTMP
// endpoint per dial. The stream is copied, not re-encoded; one process per
// destination keeps failures isolated.
type FFmpegPublishClient struct {
	opts   ClientOptions
	logger *zap.SugaredLogger
}

func NewFFmpegPublishClient(opts ClientOptions, logger *zap.SugaredLogger) *FFmpegPublishClient {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.StartupProbe <= 0 {
		opts.StartupProbe = 2 * time.Second
	}
	return &FFmpegPublishClient{opts: opts, logger: logger}
}

var _ ports.PublishClient = (*FFmpegPublishClient)(nil)

func (c *FFmpegPublishClient) Dial(ctx context.Context, sourceURL string, config domain.DestinationConfig) (ports.PublishStream, error) {
	target := PublishURL(config)

	cmd := exec.Command(c.opts.FFmpegPath,
		"-re",
		"-i", sourceURL,
		"-c", "copy",
		"-f", "flv",
		target,
	)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start publish process: %w", err)
	}

	stream := &publishStream{cmd: cmd, waitCh: make(chan error, 1)}
	go func() {
		stream.waitCh <- cmd.Wait()
	}()

	// An immediate exit means the endpoint rejected us; surface it as a
	// dial error so the retry loop sees it.
	select {
	case err := <-stream.waitCh:
		if err == nil {
			err = fmt.Errorf("publish process exited during startup")
		}
		return nil, fmt.Errorf("publish handshake failed for %s: %w", config.Platform, err)
	case <-ctx.Done():
		stream.Close()
		return nil, ctx.Err()
	case <-time.After(c.opts.StartupProbe):
	}

	c.logger.Infow("publish stream connected",
		"platform", config.Platform,
		"destination_id", config.ID,
		"url", config.RTMPURL,
		"stream_key", utils.MaskSensitive(config.StreamKey, 4),
	)
	return stream, nil
}

type publishStream struct {
	cmd    *exec.Cmd
	waitCh chan error

	closeOnce sync.Once
}

// Wait blocks until the publish process exits. A nil return means a clean
// shutdown via Close.
func (s *publishStream) Wait() error {
	err := <-s.waitCh
	if err != nil && strings.Contains(err.Error(), "signal:") {
		return nil
	}
	return err
}

func (s *publishStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGINT)
			go func() {
				time.Sleep(3 * time.Second)
				_ = s.cmd.Process.Kill()
			}()
		}
	})
	return nil
}

// PublishURL joins an endpoint and its stream key the way RTMP ingest
// servers expect.
func PublishURL(config domain.DestinationConfig) string {
	base := strings.TrimRight(config.RTMPURL, "/")
	if config.StreamKey == "" {
		return base
	}
	return base + "/" + config.StreamKey
}
