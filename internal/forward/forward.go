// Package forward pipes a tunnel to a pair of local streams, such as the
// standard input and output of a process.
package forward

import (
	"context"
	"fmt"
	"io"
	"net"

	"golang.org/x/sync/errgroup"
)

// Join copies in to conn and conn to out until the peer ends the stream,
// ctx is done, or either copy fails. Reaching the end of in does not end the
// session, since the peer may still be sending. conn is closed when Join
// returns.
func Join(ctx context.Context, conn net.Conn, in io.Reader, out io.Writer) error {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	grp, ctx := errgroup.WithContext(ctx)

	// Reads from in cannot be interrupted (think of a terminal), so this
	// copy is not waited for once the session is over.
	sent := make(chan error, 1)
	go func() {
		_, err := io.Copy(conn, in)
		sent <- err
	}()
	grp.Go(func() error {
		select {
		case err := <-sent:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("failed to send: %w", err)
			}
			return nil
		case <-ctx.Done():
			return nil
		}
	})
	grp.Go(func() error {
		defer cancel()
		if _, err := io.Copy(out, conn); err != nil {
			if ctx.Err() != nil {
				// conn was closed under us
				return nil
			}
			return fmt.Errorf("failed to receive: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})

	if err := grp.Wait(); err != nil {
		return err
	}
	return parent.Err()
}
