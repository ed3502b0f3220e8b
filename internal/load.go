// Package internal holds helpers shared by the natstunnel command and tests.
package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/fullstorydev/grpchan/grpchantesting"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// Load describes the RPC traffic SendRPCs generates against the gRPC test
// service, which echoes request payloads back.
type Load struct {
	// Duration is how long to keep starting RPCs. RPCs in flight when it
	// elapses run to completion.
	Duration time.Duration
	// MessageSize is the payload size of every request message.
	MessageSize int
	// StreamLength is how many messages a streaming RPC carries in each
	// direction it streams.
	StreamLength int
}

// LoadFor returns a load for a broker that allows at most maxPayload bytes
// per message. Each of its messages spans more than two tunnel chunks, the
// last of them partial.
func LoadFor(maxPayload int64, duration time.Duration) Load {
	return Load{
		Duration:     duration,
		MessageSize:  int(2*maxPayload + maxPayload/2 + 1),
		StreamLength: 3,
	}
}

// DialOptions returns gRPC client options sized for tunnels over a broker
// that allows at most maxPayload bytes per message: gRPC hands the tunnel
// writes larger than one message and reads into buffers smaller than one.
func DialOptions(maxPayload int64) []grpc.DialOption {
	write, read, window, maxMsg := bufferSizes(maxPayload)
	return []grpc.DialOption{
		grpc.WithWriteBufferSize(write),
		grpc.WithReadBufferSize(read),
		grpc.WithInitialWindowSize(window),
		grpc.WithInitialConnWindowSize(window),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMsg), grpc.MaxCallSendMsgSize(maxMsg)),
	}
}

// ServerOptions is the server counterpart of DialOptions.
func ServerOptions(maxPayload int64) []grpc.ServerOption {
	write, read, window, maxMsg := bufferSizes(maxPayload)
	return []grpc.ServerOption{
		grpc.WriteBufferSize(write),
		grpc.ReadBufferSize(read),
		grpc.InitialWindowSize(window),
		grpc.InitialConnWindowSize(window),
		grpc.MaxRecvMsgSize(maxMsg),
		grpc.MaxSendMsgSize(maxMsg),
	}
}

func bufferSizes(maxPayload int64) (write, read int, window int32, maxMsg int) {
	write = int(2 * maxPayload)
	read = int(maxPayload / 2)
	// gRPC ignores windows below 64KiB
	window = int32(max(4*maxPayload, 64*1024))
	maxMsg = max(int(4*maxPayload), 4*1024*1024)
	return write, read, window, maxMsg
}

// Stats reports the RPCs SendRPCs completed.
type Stats struct {
	// RPCs counts completed RPCs by method name.
	RPCs map[string]int64
	// Bytes is the payload the server echoed back, summed over all RPCs.
	Bytes int64
}

// Total returns the number of RPCs completed.
func (s Stats) Total() int64 {
	var total int64
	for _, n := range s.RPCs {
		total += n
	}
	return total
}

type rpcKind struct {
	method string
	// run issues one RPC and returns the number of payload bytes echoed.
	run func(ctx context.Context, client grpchantesting.TestServiceClient, load Load, seed int64) (int64, error)
}

var rpcKinds = []rpcKind{
	{method: "Unary", run: unary},
	{method: "ClientStream", run: clientStream},
	{method: "ServerStream", run: serverStream},
	{method: "BidiStream", run: bidiStream},
}

// SendRPCs issues RPCs of every kind (unary, client-, server- and
// bidi-streaming) from one goroutine per kind until load.Duration elapses.
// Every kind runs at least once. Each echoed payload is checked against the
// one sent, so bytes lost or reordered on the way fail the run. It returns
// what completed along with the first error.
func SendRPCs(ctx context.Context, client grpchantesting.TestServiceClient, load Load) (Stats, error) {
	deadline := time.Now().Add(load.Duration)
	counts := make([]atomic.Int64, len(rpcKinds))
	var echoed atomic.Int64
	grp, ctx := errgroup.WithContext(ctx)
	for i, kind := range rpcKinds {
		i, kind := i, kind
		grp.Go(func() error {
			for seed := int64(i) << 32; ; seed++ {
				n, err := kind.run(ctx, client, load, seed)
				if err != nil {
					return fmt.Errorf("%s: %w", kind.method, err)
				}
				counts[i].Add(1)
				echoed.Add(n)
				if !time.Now().Before(deadline) {
					return nil
				}
			}
		})
	}
	err := grp.Wait()

	stats := Stats{RPCs: make(map[string]int64, len(rpcKinds)), Bytes: echoed.Load()}
	for i, kind := range rpcKinds {
		stats.RPCs[kind.method] = counts[i].Load()
	}
	return stats, err
}

// payload returns size pseudo-random bytes determined by seed, so that no two
// chunks of a message look alike.
func payload(seed int64, size int) []byte {
	b := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func checkEcho(sent, got []byte) (int64, error) {
	if !bytes.Equal(sent, got) {
		return 0, fmt.Errorf("echoed payload (%d bytes) does not match the %d bytes sent", len(got), len(sent))
	}
	return int64(len(got)), nil
}

func unary(ctx context.Context, client grpchantesting.TestServiceClient, load Load, seed int64) (int64, error) {
	req := payload(seed, load.MessageSize)
	resp, err := client.Unary(ctx, &grpchantesting.Message{Payload: req})
	if err != nil {
		return 0, err
	}
	return checkEcho(req, resp.Payload)
}

func clientStream(ctx context.Context, client grpchantesting.TestServiceClient, load Load, seed int64) (int64, error) {
	stream, err := client.ClientStream(ctx)
	if err != nil {
		return 0, err
	}
	var last []byte
	for i := 0; i < load.StreamLength; i++ {
		last = payload(seed+int64(i)<<16, load.MessageSize)
		if err := stream.Send(&grpchantesting.Message{Payload: last}); err != nil {
			return 0, err
		}
	}
	resp, err := stream.CloseAndRecv()
	if err != nil {
		return 0, err
	}
	if int(resp.Count) != load.StreamLength {
		return 0, fmt.Errorf("server received %d messages, sent %d", resp.Count, load.StreamLength)
	}
	// the server echoes only the last message
	return checkEcho(last, resp.Payload)
}

func serverStream(ctx context.Context, client grpchantesting.TestServiceClient, load Load, seed int64) (int64, error) {
	req := payload(seed, load.MessageSize)
	stream, err := client.ServerStream(ctx, &grpchantesting.Message{
		Count:   int32(load.StreamLength),
		Payload: req,
	})
	if err != nil {
		return 0, err
	}
	var total int64
	var received int
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		received++
		n, err := checkEcho(req, resp.Payload)
		if err != nil {
			return 0, err
		}
		total += n
	}
	if received != load.StreamLength {
		return 0, fmt.Errorf("received %d messages, expected %d", received, load.StreamLength)
	}
	return total, nil
}

func bidiStream(ctx context.Context, client grpchantesting.TestServiceClient, load Load, seed int64) (int64, error) {
	stream, err := client.BidiStream(ctx)
	if err != nil {
		return 0, err
	}
	reqs := make([][]byte, load.StreamLength)
	for i := range reqs {
		reqs[i] = payload(seed+int64(i)<<16, load.MessageSize)
	}
	go func() {
		for _, req := range reqs {
			if err := stream.Send(&grpchantesting.Message{Payload: req}); err != nil {
				// Recv reports the failure
				return
			}
		}
		_ = stream.CloseSend()
	}()
	var total int64
	var received int
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		if received >= len(reqs) {
			return 0, fmt.Errorf("received more than the %d messages sent", len(reqs))
		}
		n, err := checkEcho(reqs[received], resp.Payload)
		if err != nil {
			return 0, err
		}
		received++
		total += n
	}
	if received != len(reqs) {
		return 0, fmt.Errorf("received %d messages, sent %d", received, len(reqs))
	}
	return total, nil
}
