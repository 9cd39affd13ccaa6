package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"
)

// MaxFrameSize bounds one relayed read in either direction.
const MaxFrameSize = 64 * 1024

// Runner pumps bytes between a session-facing pipe and one Conn. It is the
// exclusive writer to both. One read per direction is in flight at a time;
// a stalled side stalls the loop, which is the intended backpressure.
type Runner struct {
	conn   Conn
	pipe   net.Conn
	cancel <-chan struct{}
	log    *zap.Logger
}

// NewRunner pairs conn with the runner-facing pipe end. cancel is the
// receiving half of a one-shot cancellation; firing it stops Run.
func NewRunner(conn Conn, pipe net.Conn, cancel <-chan struct{}, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.L()
	}
	return &Runner{conn: conn, pipe: pipe, cancel: cancel, log: log}
}

// Run relays until cancellation or a fatal I/O error. Datagrams from an
// unexpected peer are dropped; any other failure terminates the runner
// without retry. The Conn and pipe are closed on exit.
func (r *Runner) Run(ctx context.Context) error {
	defer func() {
		_ = r.conn.Close()
		_ = r.pipe.Close()
	}()

	rctx, stop := context.WithCancel(ctx)
	defer stop()

	pipeCh := make(chan []byte)
	connCh := make(chan []byte)
	errCh := make(chan error, 2)
	go r.readPipe(rctx, pipeCh, errCh)
	go r.readConn(rctx, connCh, errCh)

	for {
		select {
		case b := <-pipeCh:
			if _, err := r.conn.Send(ctx, b); err != nil {
				r.log.Warn("probe send failed", zap.Error(err))
				return fmt.Errorf("send: %w", err)
			}
		case b := <-connCh:
			if _, err := r.pipe.Write(b); err != nil {
				r.log.Warn("pipe write failed", zap.Error(err))
				return fmt.Errorf("pipe write: %w", err)
			}
		case err := <-errCh:
			if r.cancelled() || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			r.log.Warn("runner terminating", zap.Error(err))
			return err
		case <-r.cancel:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Runner) cancelled() bool {
	select {
	case <-r.cancel:
		return true
	default:
		return false
	}
}

// readPipe forwards pipe bytes to the main loop, one read in flight.
func (r *Runner) readPipe(ctx context.Context, out chan<- []byte, errCh chan<- error) {
	buf := make([]byte, MaxFrameSize)
	for {
		n, err := r.pipe.Read(buf)
		if err != nil {
			select {
			case errCh <- fmt.Errorf("pipe read: %w", err):
			case <-ctx.Done():
			}
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		select {
		case out <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// readConn forwards transport bytes to the main loop, dropping datagrams
// from unexpected peers.
func (r *Runner) readConn(ctx context.Context, out chan<- []byte, errCh chan<- error) {
	buf := make([]byte, MaxFrameSize)
	for {
		n, err := r.conn.Recv(ctx, buf)
		if err != nil {
			var mismatch *PeerMismatchError
			if errors.As(err, &mismatch) {
				r.log.Debug("dropping datagram", zap.String("from", mismatch.Got.String()))
				continue
			}
			select {
			case errCh <- fmt.Errorf("recv: %w", err):
			case <-ctx.Done():
			}
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		select {
		case out <- frame:
		case <-ctx.Done():
			return
		}
	}
}
