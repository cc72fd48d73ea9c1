package trojan

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/edgebound/proxyd/internal/logging"
)

// fallbackBufferSize matches the TUIC relay's buffer size; both protocols
// relay through the same 8-16 KiB range named in spec §4.8/§7.
const fallbackBufferSize = 16 * 1024

// Fallback relays raw bytes to a configured plain-HTTP(S) address whenever
// a connection fails authentication or framing, so a probing scanner sees
// an ordinary web server rather than a protocol-specific error (spec §7:
// "no error kinds are user-visible on the wire"). Grounded on
// original_source's server/trojan_fallback.rs::handle_fallback, minus its
// http-probe 404 responder (SPEC_FULL.md §D.4: rejected, since spec.md §7
// requires silent close when no fallback is configured, not a synthesized
// HTTP response).
type Fallback struct {
	Addr string
}

// Serve dials f.Addr and relays already-buffered plus subsequent bytes
// between client and fallback until either side closes. If f.Addr is
// empty, or the dial fails, the connection is closed silently.
func (f *Fallback) Serve(ctx context.Context, client io.ReadWriteCloser, buffered []byte) {
	if f.Addr == "" {
		_ = client.Close()
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var dialer net.Dialer
	upstream, err := dialer.DialContext(dialCtx, "tcp", f.Addr)
	if err != nil {
		logging.Debug("trojan fallback dial failed", "addr", f.Addr, "err", err)
		_ = client.Close()
		return
	}
	defer upstream.Close()

	if len(buffered) > 0 {
		if _, err := upstream.Write(buffered); err != nil {
			_ = client.Close()
			return
		}
	}

	relay(ctx, client, upstream)
}

func relay(ctx context.Context, client io.ReadWriteCloser, upstream net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, fallbackBufferSize)
		_, _ = copyUntilDone(ctx, upstream, client, buf)
		_ = client.Close()
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, fallbackBufferSize)
		_, _ = copyUntilDone(ctx, client, upstream, buf)
		_ = upstream.Close()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	<-done
}

func copyUntilDone(ctx context.Context, dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}
