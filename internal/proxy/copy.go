package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http/httputil"
	"sync"

	"golang.org/x/sync/errgroup"
)

// closeWriter is implemented by *net.TCPConn and SSH channels.
type closeWriter interface {
	CloseWrite() error
}

// countingWriter reports every successful write to add.
type countingWriter struct {
	w   io.Writer
	add func(int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 && c.add != nil {
		c.add(int64(n))
	}
	return n, err
}

// CopyBidirectional relays between client and upstream until both
// directions finish, one fails, or ctx is done. Bytes from client are
// reported to sent and bytes from upstream to received. When one direction
// reaches EOF the write side of its destination is shut down so the peer
// sees the half-close. Both conns are closed on return.
func CopyBidirectional(ctx context.Context, client, upstream net.Conn, bufs httputil.BufferPool, sent, received func(int64)) error {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	defer closeBoth()

	pipe := func(dst, src net.Conn, add func(int64)) error {
		buf := bufs.Get()
		defer bufs.Put(buf)

		// Hiding src's WriterTo keeps the copy going through buf and the counter.
		_, err := io.CopyBuffer(&countingWriter{w: dst, add: add}, struct{ io.Reader }{src}, buf)
		if err != nil {
			return err
		}
		if cw, ok := dst.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
		return nil
	}

	g.Go(func() error {
		return pipe(upstream, client, sent)
	})
	g.Go(func() error {
		return pipe(client, upstream, received)
	})

	// Closing both sides is what unblocks the copies on cancellation.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
