package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Converter turns a compressed container payload into PCM16LE mono.
type Converter interface {
	Convert(ctx context.Context, data []byte, sampleRate int) ([]byte, error)
}

// FFmpegConverter pipes payloads through an ffmpeg subprocess.
type FFmpegConverter struct {
	// Path is the ffmpeg binary, "ffmpeg" when empty.
	Path string
	// Timeout bounds one conversion. Zero means 5s.
	Timeout time.Duration
}

// Convert runs
//
//	ffmpeg -hide_banner -loglevel error -i pipe:0 -ac 1 -ar <rate> -f s16le pipe:1
//
// and returns its stdout.
func (c *FFmpegConverter) Convert(ctx context.Context, data []byte, sampleRate int) ([]byte, error) {
	path := c.Path
	if path == "" {
		path = "ffmpeg"
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-ac", "1", "-ar", strconv.Itoa(sampleRate),
		"-f", "s16le",
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("ffmpeg: timed out after %s: %w", timeout, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("ffmpeg: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("ffmpeg: %w", err)
	}
	if stdout.Len() < 2 {
		return nil, fmt.Errorf("ffmpeg: no audio decoded")
	}
	return stdout.Bytes(), nil
}
