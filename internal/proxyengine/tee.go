package proxyengine

import (
	"bytes"
	"io"
)

// chunkQueueSize bounds how many chunks may sit in a consumer's channel
// before the producer either blocks (client) or starts dropping (callback).
const chunkQueueSize = 32

// teeReader duplicates src onto a client channel (lossless, backpressure
// propagates to the producer) and one callback channel per registered
// observer (each lossy: a full queue means further chunks are skipped for
// that observer only, independent of the others). One producer feeds N+1
// consumers through bounded per-consumer buffers; the client consumer
// always takes priority over every callback consumer.
type teeReader struct {
	client    chan []byte
	callbacks []chan []byte
}

func newTeeReader(numCallbacks int) *teeReader {
	callbacks := make([]chan []byte, numCallbacks)
	for i := range callbacks {
		callbacks[i] = make(chan []byte, chunkQueueSize)
	}
	return &teeReader{
		client:    make(chan []byte, chunkQueueSize),
		callbacks: callbacks,
	}
}

// run reads src in bounded chunks and fans each one out, closing every
// channel on EOF or error. readErr receives the terminal error (nil on
// clean EOF) exactly once before the channels close. onDrop, if non-nil, is
// invoked once per chunk skipped on any one callback channel.
func (t *teeReader) run(src io.Reader, chunkSize int, readErr chan<- error, onDrop func()) {
	defer close(t.client)
	for _, cb := range t.callbacks {
		defer close(cb)
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			// Client consumer: backpressure must reach the producer, so
			// this send blocks.
			t.client <- chunk

			// Each callback consumer is best-effort: a full queue means
			// that one callback has fallen behind, so skip the chunk for
			// it alone rather than stall the client or the other
			// callbacks.
			for _, cb := range t.callbacks {
				select {
				case cb <- chunk:
				default:
					if onDrop != nil {
						onDrop()
					}
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				readErr <- nil
			} else {
				readErr <- err
			}
			return
		}
	}
}

// channelReader adapts a chunk channel into an io.Reader, for handing the
// callback side of the tee to a ResponseObserver as a plain byte stream.
// It reads until the channel closes, then returns io.EOF.
type channelReader struct {
	chunks <-chan []byte
	buf    bytes.Buffer
}

func (c *channelReader) Read(p []byte) (int, error) {
	for c.buf.Len() == 0 {
		chunk, ok := <-c.chunks
		if !ok {
			return 0, io.EOF
		}
		c.buf.Write(chunk)
	}
	return c.buf.Read(p)
}

// newReplayReader wraps an already-materialized body so it can be handed to
// a ResponseObserver through the same io.Reader contract the streamed path
// uses.
func newReplayReader(body []byte) io.Reader {
	return bytes.NewReader(body)
}
