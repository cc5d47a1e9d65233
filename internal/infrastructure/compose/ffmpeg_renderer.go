package compose

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"

	"go.uber.org/zap"
)

// RendererOptions mirrors the compose section of the config file.
type RendererOptions struct {
	FFmpegPath   string
	Frame        domain.FrameSize
	FrameRate    int
	VideoBitrate string
	AudioBitrate string
	PipeDir      string
	StopTimeout  time.Duration
}

// FFmpegRenderer runs one ffmpeg process per composition job. Input tracks
// are tapped off their producers and written into named pipes, the filter
// graph scales and overlays them per the computed placements, and the muxed
// H.264/AAC output goes to the job's FLV sink.
type FFmpegRenderer struct {
	opts   RendererOptions
	tapper ports.ProducerTapper

	processes map[domain.JobID]*renderProcess
	mu        sync.Mutex

	logger *zap.SugaredLogger
}

type renderProcess struct {
	jobID   domain.JobID
	cmd     *exec.Cmd
	pipes   []string
	errCh   chan error
	done    chan struct{}
	stopped bool
	mu      sync.Mutex

	sinkMu sync.Mutex
	sinks  map[domain.ProducerID]ports.RTPSink
}

func (p *renderProcess) addSink(id domain.ProducerID, sink ports.RTPSink) bool {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	if p.sinks == nil {
		return false // process already torn down
	}
	p.sinks[id] = sink
	return true
}

func (p *renderProcess) takeSinks() map[domain.ProducerID]ports.RTPSink {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	sinks := p.sinks
	p.sinks = nil
	return sinks
}

func NewFFmpegRenderer(opts RendererOptions, tapper ports.ProducerTapper, logger *zap.SugaredLogger) *FFmpegRenderer {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.Frame.Width <= 0 || opts.Frame.Height <= 0 {
		opts.Frame = domain.FrameSize{Width: 1280, Height: 720}
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = 30
	}
	if opts.VideoBitrate == "" {
		opts.VideoBitrate = "2500k"
	}
	if opts.AudioBitrate == "" {
		opts.AudioBitrate = "128k"
	}
	if opts.PipeDir == "" {
		opts.PipeDir = os.TempDir()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}

	return &FFmpegRenderer{
		opts:      opts,
		tapper:    tapper,
		processes: make(map[domain.JobID]*renderProcess),
		logger:    logger,
	}
}

var _ ports.Renderer = (*FFmpegRenderer)(nil)

// InputPipePath is where a producer's track bytes must be written for a
// running job. Exposed so the media plumbing can open the write side.
func (r *FFmpegRenderer) InputPipePath(jobID domain.JobID, producerID domain.ProducerID) string {
	return filepath.Join(r.opts.PipeDir, fmt.Sprintf("stagecast_%s_%s.ivf", jobID, producerID))
}

func (r *FFmpegRenderer) audioPipePath(jobID domain.JobID, producerID domain.ProducerID) string {
	return filepath.Join(r.opts.PipeDir, fmt.Sprintf("stagecast_%s_%s.ogg", jobID, producerID))
}

func (r *FFmpegRenderer) Start(ctx context.Context, job *domain.CompositionJob, placements []domain.Placement) (<-chan error, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.processes[job.ID]; exists {
		return nil, fmt.Errorf("renderer already running for job %s", job.ID)
	}

	videoInputs, audioInputs := splitInputs(job.Inputs)

	args, pipes, err := r.buildArgs(job, placements, videoInputs, audioInputs)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(r.opts.FFmpegPath, args...)
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		removePipes(pipes)
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	process := &renderProcess{
		jobID: job.ID,
		cmd:   cmd,
		pipes: pipes,
		errCh: make(chan error, 1),
		done:  make(chan struct{}),
		sinks: make(map[domain.ProducerID]ports.RTPSink),
	}
	r.processes[job.ID] = process

	go r.monitor(process)

	for _, in := range videoInputs {
		go r.attachPipeSink(process, in.ProducerID, r.InputPipePath(job.ID, in.ProducerID), false)
	}
	for _, in := range audioInputs {
		go r.attachPipeSink(process, in.ProducerID, r.audioPipePath(job.ID, in.ProducerID), true)
	}

	r.logger.Infow("renderer started",
		"job_id", job.ID,
		"session_id", job.SessionID,
		"layout", job.Layout,
		"video_inputs", len(videoInputs),
		"audio_inputs", len(audioInputs),
		"output", job.OutputURL,
	)

	return process.errCh, nil
}

// attachPipeSink opens the write side of one input pipe and taps the
// producer into it. The open is retried until ffmpeg picks up the read side
// or the process is gone.
func (r *FFmpegRenderer) attachPipeSink(p *renderProcess, producerID domain.ProducerID, path string, audio bool) {
	var f *os.File
	for {
		// O_NONBLOCK fails with ENXIO until ffmpeg opens the read side,
		// instead of blocking this goroutine forever if it never does.
		var err error
		f, err = os.OpenFile(path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
		if err == nil {
			break
		}
		select {
		case <-p.done:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}

	var sink ports.RTPSink
	var err error
	if audio {
		sink, err = newAudioPipeSink(f)
	} else {
		sink, err = newVideoPipeSink(f)
	}
	if err != nil {
		f.Close()
		r.logger.Warnw("failed to create pipe sink",
			"job_id", p.jobID,
			"producer_id", producerID,
			"error", err,
		)
		return
	}

	if err := r.tapper.AttachProducerSink(producerID, sink); err != nil {
		sink.Close()
		r.logger.Warnw("failed to tap producer for composition",
			"job_id", p.jobID,
			"producer_id", producerID,
			"error", err,
		)
		return
	}
	if !p.addSink(producerID, sink) {
		r.tapper.DetachProducerSink(producerID, sink)
		sink.Close()
	}
}

// monitor waits for the process and reports an unexpected exit as the job's
// fatal error. An exit after Stop is the normal shutdown path.
func (r *FFmpegRenderer) monitor(p *renderProcess) {
	err := p.cmd.Wait()

	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()

	r.mu.Lock()
	if cur, ok := r.processes[p.jobID]; ok && cur == p {
		delete(r.processes, p.jobID)
	}
	r.mu.Unlock()

	for id, sink := range p.takeSinks() {
		r.tapper.DetachProducerSink(id, sink)
		sink.Close()
	}

	removePipes(p.pipes)

	if stopped || err == nil {
		close(p.errCh)
	} else {
		p.errCh <- fmt.Errorf("ffmpeg exited: %w", err)
	}
	close(p.done)
}

// Stop terminates the rendering process and does not return until it is
// gone. Idempotent; stopping an unknown job is a no-op.
func (r *FFmpegRenderer) Stop(jobID domain.JobID) error {
	r.mu.Lock()
	process, exists := r.processes[jobID]
	r.mu.Unlock()
	if !exists {
		return nil
	}

	process.mu.Lock()
	process.stopped = true
	process.mu.Unlock()

	// SIGINT lets ffmpeg flush and write the FLV trailer; escalate if it
	// does not exit within the stop timeout.
	if process.cmd.Process != nil {
		_ = process.cmd.Process.Signal(syscall.SIGINT)
	}

	select {
	case <-process.done:
	case <-time.After(r.opts.StopTimeout):
		if process.cmd.Process != nil {
			_ = process.cmd.Process.Kill()
		}
		<-process.done
	}

	r.logger.Infow("renderer stopped", "job_id", jobID)
	return nil
}

func (r *FFmpegRenderer) buildArgs(job *domain.CompositionJob, placements []domain.Placement, videoInputs, audioInputs []domain.InputSource) ([]string, []string, error) {
	var args []string
	var pipes []string

	for _, in := range videoInputs {
		pipe := r.InputPipePath(job.ID, in.ProducerID)
		if err := makePipe(pipe); err != nil {
			removePipes(pipes)
			return nil, nil, err
		}
		pipes = append(pipes, pipe)
		args = append(args,
			"-use_wallclock_as_timestamps", "1",
			"-fflags", "+genpts",
			"-f", "ivf",
			"-i", pipe,
		)
	}
	for _, in := range audioInputs {
		pipe := r.audioPipePath(job.ID, in.ProducerID)
		if err := makePipe(pipe); err != nil {
			removePipes(pipes)
			return nil, nil, err
		}
		pipes = append(pipes, pipe)
		args = append(args,
			"-use_wallclock_as_timestamps", "1",
			"-fflags", "+genpts",
			"-f", "ogg",
			"-i", pipe,
		)
	}

	filter := r.buildFilterGraph(placements, videoInputs, audioInputs)
	if filter != "" {
		args = append(args, "-filter_complex", filter, "-map", "[vout]")
		if len(audioInputs) > 0 {
			args = append(args, "-map", "[aout]")
		}
	}

	gop := r.opts.FrameRate * 2
	args = append(args,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-b:v", r.opts.VideoBitrate,
		"-maxrate", r.opts.VideoBitrate,
		"-bufsize", "5000k",
		"-r", fmt.Sprintf("%d", r.opts.FrameRate),
		"-g", fmt.Sprintf("%d", gop),
	)
	if len(audioInputs) > 0 {
		args = append(args,
			"-c:a", "aac",
			"-b:a", r.opts.AudioBitrate,
			"-ar", "44100",
			"-ac", "2",
		)
	} else {
		args = append(args, "-an")
	}
	args = append(args, "-f", "flv", job.OutputURL)

	return args, pipes, nil
}

// buildFilterGraph turns placements into a scale + overlay chain over a black
// base frame, drawn in ascending Z order, plus an amix of all audio inputs.
func (r *FFmpegRenderer) buildFilterGraph(placements []domain.Placement, videoInputs, audioInputs []domain.InputSource) string {
	var parts []string

	indexOf := make(map[domain.ParticipantID]int, len(videoInputs))
	for i, in := range videoInputs {
		indexOf[in.Participant] = i
	}

	ordered := make([]domain.Placement, 0, len(placements))
	for _, pl := range placements {
		if _, ok := indexOf[pl.Participant]; ok {
			ordered = append(ordered, pl)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Z < ordered[j].Z })

	parts = append(parts, fmt.Sprintf("color=c=black:s=%dx%d:r=%d[base]",
		r.opts.Frame.Width, r.opts.Frame.Height, r.opts.FrameRate))

	prev := "[base]"
	for i, pl := range ordered {
		idx := indexOf[pl.Participant]
		scaled := fmt.Sprintf("[v%d]", i)
		parts = append(parts, fmt.Sprintf("[%d:v]scale=%d:%d%s", idx, pl.Width, pl.Height, scaled))

		out := fmt.Sprintf("[tmp%d]", i)
		if i == len(ordered)-1 {
			out = "[vout]"
		}
		parts = append(parts, fmt.Sprintf("%s%soverlay=%d:%d%s", prev, scaled, pl.X, pl.Y, out))
		prev = out
	}
	if len(ordered) == 0 {
		parts = append(parts, "[base]null[vout]")
	}

	if len(audioInputs) > 0 {
		var refs strings.Builder
		for i := range audioInputs {
			fmt.Fprintf(&refs, "[%d:a]", len(videoInputs)+i)
		}
		parts = append(parts, fmt.Sprintf("%samix=inputs=%d:duration=longest[aout]",
			refs.String(), len(audioInputs)))
	}

	return strings.Join(parts, ";")
}

func splitInputs(inputs []domain.InputSource) (video, audio []domain.InputSource) {
	for _, in := range inputs {
		switch in.Kind {
		case domain.MediaAudio:
			audio = append(audio, in)
		default:
			video = append(video, in)
		}
	}
	return video, audio
}

func makePipe(path string) error {
	os.Remove(path)
	if err := syscall.Mkfifo(path, 0o666); err != nil {
		return fmt.Errorf("failed to create input pipe %s: %w", path, err)
	}
	return nil
}

func removePipes(pipes []string) {
	for _, p := range pipes {
		os.Remove(p)
	}
}
