package dockeradapter

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
)

// StreamType distinguishes stdout from stderr in the demultiplexed frame
// format the Docker Engine API emits for containers not attached with a
// TTY (one combined stream, no header, when TTY is enabled; AttachLogStream
// always demultiplexes and does not handle that case).
type StreamType byte

const (
	StreamStdout StreamType = 1
	StreamStderr StreamType = 2
)

// Frame is one demultiplexed chunk of container output.
type Frame struct {
	Stream  StreamType
	Payload []byte
}

const frameHeaderLen = 8

// AttachLogStream attaches to a container's combined stdout/stderr and
// returns a channel of demultiplexed frames. The channel is closed, and
// errCh receives at most one error, when the stream ends or ctx is
// canceled. Frames preserve capture order within the stream; there is no
// ordering guarantee across multiple containers' streams.
func (a *Adapter) AttachLogStream(ctx context.Context, id string) (<-chan Frame, <-chan error, error) {
	rc, err := a.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: false,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("attach log stream for %s: %w", id, err)
	}

	frames := make(chan Frame)
	errCh := make(chan error, 1)

	go func() {
		defer close(frames)
		defer rc.Close()
		if err := demux(ctx, rc, frames); err != nil && err != io.EOF {
			select {
			case errCh <- err:
			default:
			}
		}
	}()

	return frames, errCh, nil
}

// demux implements the frame format documented in spec §4.2:
// [streamType:1][padding:3][payloadLen:4 big-endian][payload:N]. It reads
// incrementally so a frame split across TCP segments is simply buffered
// until complete, never misparsed.
func demux(ctx context.Context, r io.Reader, out chan<- Frame) error {
	buf := make([]byte, 0, 32*1024)
	chunk := make([]byte, 32*1024)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		for len(buf) >= frameHeaderLen {
			payloadLen := int(binary.BigEndian.Uint32(buf[4:8]))
			if len(buf) < frameHeaderLen+payloadLen {
				break
			}

			frame := Frame{
				Stream:  StreamType(buf[0]),
				Payload: append([]byte(nil), buf[frameHeaderLen:frameHeaderLen+payloadLen]...),
			}
			buf = buf[frameHeaderLen+payloadLen:]

			select {
			case out <- frame:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return err
		}
	}
}
