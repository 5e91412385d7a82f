package ffwork

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/ixugo/goddd/pkg/queue"
)

type EncoderConfig struct {
	Width, Height int
	FPS           int
	Codec         string
	Preset        string
	CRF           int
	Binary        string
}

// Encoder 将 yuv420p 原始帧通过 stdin 交给 ffmpeg 编码为 mp4
type Encoder struct {
	config EncoderConfig
}

func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution: %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("invalid fps: %d", cfg.FPS)
	}
	if cfg.Codec == "" {
		cfg.Codec = "libx264"
	}
	if cfg.Preset == "" {
		cfg.Preset = "veryfast"
	}
	if cfg.CRF <= 0 {
		cfg.CRF = 23
	}
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	return &Encoder{config: cfg}, nil
}

func (e *Encoder) Config() EncoderConfig {
	return e.config
}

func (e *Encoder) FrameSize() int {
	return FrameSize(e.config.Width, e.config.Height)
}

func (e *Encoder) buildFFmpegArgs(dst string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"-s", fmt.Sprintf("%dx%d", e.config.Width, e.config.Height),
		"-r", strconv.Itoa(e.config.FPS),
		"-i", "pipe:0",
		"-c:v", e.config.Codec,
		"-preset", e.config.Preset,
		"-crf", strconv.Itoa(e.config.CRF),
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-f", "mp4",
		"-y", dst,
	}
}

// Start 启动一个编码进程，输出到 dst
func (e *Encoder) Start(ctx context.Context, dst string) (*EncodeSession, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, e.config.Binary, e.buildFFmpegArgs(dst)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s := EncodeSession{
		cmd:       cmd,
		cancel:    cancel,
		stdin:     stdin,
		w:         bufio.NewWriterSize(stdin, e.FrameSize()*2),
		frameSize: e.FrameSize(),
		ffmpegLog: queue.NewCirQueue[string](50),
	}
	s.wg.Go(func() {
		scan := bufio.NewScanner(stderr)
		for scan.Scan() {
			s.ffmpegLog.Push(scan.Text())
		}
	})
	return &s, nil
}

// EncodeSession 单个输出文件的编码过程
type EncodeSession struct {
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	stdin     io.WriteCloser
	w         *bufio.Writer
	frameSize int
	frames    int
	ffmpegLog *queue.CirQueue[string]
	wg        sync.WaitGroup
	once      sync.Once
}

// Write 写入一帧，大小必须与分辨率一致
func (s *EncodeSession) Write(frame []byte) error {
	if len(frame) != s.frameSize {
		return fmt.Errorf("frame size %d != %d", len(frame), s.frameSize)
	}
	if _, err := s.w.Write(frame); err != nil {
		return fmt.Errorf("write ffmpeg stdin: %w", s.withLog(err))
	}
	s.frames++
	return nil
}

func (s *EncodeSession) Frames() int {
	return s.frames
}

// Close 等待 ffmpeg 完成输出
func (s *EncodeSession) Close() error {
	err := errors.New("encode session already finished")
	s.once.Do(func() {
		defer s.cancel()
		werr := s.w.Flush()
		cerr := s.stdin.Close()
		s.wg.Wait()
		if e := s.cmd.Wait(); e != nil {
			err = fmt.Errorf("ffmpeg exited: %w", s.withLog(e))
			return
		}
		err = errors.Join(werr, cerr)
	})
	return err
}

// Abort 终止 ffmpeg，不保证输出文件完整
func (s *EncodeSession) Abort() {
	s.once.Do(func() {
		s.cancel()
		_ = s.stdin.Close()
		s.wg.Wait()
		_ = s.cmd.Wait()
	})
}

func (s *EncodeSession) Log() []string {
	return s.ffmpegLog.Range()
}

func (s *EncodeSession) withLog(err error) error {
	lines := s.ffmpegLog.Range()
	if len(lines) == 0 {
		return err
	}
	return fmt.Errorf("%w: %s", err, strings.Join(lines, "; "))
}
