package ffwork

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ixugo/goddd/pkg/queue"
)

var (
	// ErrTimeout 等待帧超时
	ErrTimeout = errors.New("ffwork: frame timeout")
	// ErrStreamEnded ffmpeg 输出结束
	ErrStreamEnded = errors.New("ffwork: stream ended")
)

type (
	Config struct {
		Width, Height int
		FPS           int
		RTSPURL       string
		Transport     string
		UseWallClock  bool
		HWAccel       string
		Name          string
		// Binary ffmpeg 可执行文件，默认从 PATH 查找
		Binary string
	}
	FrameData struct {
		FrameNum uint64
		// Timestamp 整帧读出时的墙上时间
		Timestamp time.Time
		Data      []byte
	}
	FrameCapture struct {
		config    Config
		frameSize int
		frameCh   chan *FrameData
		errCh     chan error
		ctx       context.Context
		cancel    context.CancelFunc
		m         sync.Mutex
		started   bool
		stopOnce  sync.Once
		cmd       *exec.Cmd
		lastFrame time.Time
		wg        sync.WaitGroup
		ffmpegLog *queue.CirQueue[string]
		pool      sync.Pool

		frameCount, skipCount atomic.Uint64
	}
	Stats struct {
		Name                  string
		FrameCount, SkipCount uint64
		LastFrame             time.Time
		FrameSize             int
		IsRunning             bool
	}
)

func NewFrameCapture(cfg Config) (*FrameCapture, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution: %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("invalid fps: %d", cfg.FPS)
	}
	if cfg.RTSPURL == "" {
		return nil, fmt.Errorf("rtsp url is required")
	}
	if cfg.Transport == "" {
		cfg.Transport = "tcp"
	}
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	frameSize := FrameSize(cfg.Width, cfg.Height)
	ctx, cancel := context.WithCancel(context.Background())
	fc := FrameCapture{
		config:    cfg,
		frameSize: frameSize,
		frameCh:   make(chan *FrameData, 10),
		errCh:     make(chan error, 1),
		ctx:       ctx,
		cancel:    cancel,
		ffmpegLog: queue.NewCirQueue[string](100),
	}
	fc.pool.New = func() any { return make([]byte, frameSize) }
	return &fc, nil
}

// FrameSize yuv420p 单帧字节数
func FrameSize(width, height int) int {
	return width * height * 3 / 2
}

func (fc *FrameCapture) FrameSize() int {
	return fc.frameSize
}

func (fc *FrameCapture) buildFFmpegArgs() []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-threads", "2",
	}
	args = append(args, "-user_agent", "FFmpeg caprid")
	args = append(args, "-avoid_negative_ts", "make_zero",
		"-fflags", "+genpts+discardcorrupt",
		"-rtsp_transport", fc.config.Transport,
		"-timeout", "10000000",
	)
	if fc.config.UseWallClock {
		args = append(args, "-use_wallclock_as_timestamps", "1")
	}
	if fc.config.HWAccel != "" {
		args = append(args, "-hwaccel", fc.config.HWAccel)
	}
	args = append(args, "-i", fc.config.RTSPURL)

	args = append(args,
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(fc.config.FPS),
		"-vf", fmt.Sprintf("fps=%d,scale=%d:%d", fc.config.FPS, fc.config.Width, fc.config.Height),
		"pipe:1",
	)
	return args
}

func (fc *FrameCapture) Start() error {
	fc.m.Lock()
	defer fc.m.Unlock()
	if fc.started {
		return fmt.Errorf("frame capture already started")
	}
	if fc.ctx.Err() != nil {
		return fmt.Errorf("frame capture stopped")
	}

	fc.cmd = exec.CommandContext(fc.ctx, fc.config.Binary, fc.buildFFmpegArgs()...)
	stdout, err := fc.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := fc.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := fc.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	fc.started = true
	fc.lastFrame = time.Now()

	fc.wg.Go(func() { fc.captureLoop(stdout) })
	fc.wg.Go(func() { fc.readStderr(stderr) })
	return nil
}

func (fc *FrameCapture) reportErr(err error) {
	select {
	case fc.errCh <- err:
	default:
	}
}

// captureLoop 按 FrameSize 切分 stdout，每次读满一帧
func (fc *FrameCapture) captureLoop(stdout io.Reader) {
	defer close(fc.frameCh)

	reader := bufio.NewReaderSize(stdout, fc.frameSize*4)
	for {
		if fc.ctx.Err() != nil {
			return
		}

		frameBytes := fc.pool.Get().([]byte)
		if _, err := io.ReadFull(reader, frameBytes); err != nil {
			fc.Recycle(frameBytes)
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				fc.reportErr(fmt.Errorf("%w: %w", ErrStreamEnded, err))
			} else {
				fc.reportErr(fmt.Errorf("failed to read frame: %w", err))
			}
			return
		}

		now := time.Now()
		fc.m.Lock()
		fc.lastFrame = now
		fc.m.Unlock()

		frame := FrameData{
			FrameNum:  fc.frameCount.Add(1),
			Timestamp: now,
			Data:      frameBytes,
		}
		select {
		case fc.frameCh <- &frame:
		case <-fc.ctx.Done():
			fc.Recycle(frameBytes)
			return
		default:
			// 消费跟不上时丢帧，不阻塞 ffmpeg 输出
			fc.skipCount.Add(1)
			fc.Recycle(frameBytes)
		}
	}
}

// readStderr 最近的 ffmpeg 输出保存在环形队列里
func (fc *FrameCapture) readStderr(stderr io.Reader) {
	scan := bufio.NewScanner(stderr)
	for scan.Scan() {
		fc.ffmpegLog.Push(scan.Text())
	}
}

// Recycle 归还帧缓冲区
func (fc *FrameCapture) Recycle(b []byte) {
	if cap(b) != fc.frameSize {
		return
	}
	fc.pool.Put(b[:fc.frameSize])
}

func (fc *FrameCapture) Log() []string {
	return fc.ffmpegLog.Range()
}

func (fc *FrameCapture) GetFrame(timeout time.Duration) (*FrameData, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame, ok := <-fc.frameCh:
		if ok {
			return frame, nil
		}
		select {
		case err := <-fc.errCh:
			return nil, err
		default:
			return nil, ErrStreamEnded
		}
	case err := <-fc.errCh:
		return nil, err
	case <-fc.ctx.Done():
		return nil, fc.ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Stop 可重复调用
func (fc *FrameCapture) Stop() error {
	var err error
	fc.stopOnce.Do(func() {
		fc.cancel()

		fc.m.Lock()
		started := fc.started
		fc.m.Unlock()
		if !started {
			return
		}
		fc.wg.Wait()

		if fc.cmd == nil || fc.cmd.Process == nil {
			return
		}
		done := make(chan error, 1)
		go func() {
			done <- fc.cmd.Wait()
		}()
		select {
		case <-time.After(5 * time.Second):
			if e := fc.cmd.Process.Kill(); e != nil {
				err = fmt.Errorf("failed to kill ffmpeg: %w", e)
				return
			}
			<-done
		case <-done:
		}
	})
	return err
}

func (fc *FrameCapture) GetStats() Stats {
	fc.m.Lock()
	defer fc.m.Unlock()
	return Stats{
		Name:       fc.config.Name,
		FrameCount: fc.frameCount.Load(),
		SkipCount:  fc.skipCount.Load(),
		LastFrame:  fc.lastFrame,
		FrameSize:  fc.frameSize,
		IsRunning:  fc.started && fc.ctx.Err() == nil,
	}
}
