package syncer

import (
	"context"
	"fmt"
	"time"

	"silentnas/pkg/core"
	"silentnas/pkg/types"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// streamFrameSize 是流式传输的单帧载荷上限
const streamFrameSize = 1 << 20 // 1 MiB

// Client 封装到一个对端节点的连接。
// 连接在后台建立，首个 RPC 才会真正等待网络。
type Client struct {
	addr string
	conn *grpc.ClientConn
}

// NewClient 创建客户端；测试可以通过 extra 注入 bufconn dialer
func NewClient(addr string, extra ...grpc.DialOption) (*Client, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(256*1024*1024),
			grpc.MaxCallSendMsgSize(256*1024*1024),
		),
		// 空闲连接保活，避免同步间隔长时被中间设备掐断
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync client for %s: %w", addr, err)
	}
	return &Client{addr: addr, conn: conn}, nil
}

func (c *Client) Addr() string { return c.addr }

func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) PushState(ctx context.Context, req *PushStateRequest) (*PushStateResponse, error) {
	resp := new(PushStateResponse)
	if err := c.conn.Invoke(ctx, methodPushState, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) PushContent(ctx context.Context, req *PushContentRequest) (*PushContentResponse, error) {
	resp := new(PushContentResponse)
	if err := c.conn.Invoke(ctx, methodPushContent, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// StreamContent 把大载荷切成带校验和的帧流式送出。
// 首帧携带状态，末帧携带整体哈希。
func (c *Client) StreamContent(ctx context.Context, nodeID string, state FileSync, hash types.Hash, data []byte) (*PushContentResponse, error) {
	desc := &grpc.StreamDesc{StreamName: "StreamContent", ClientStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, methodStreamContent)
	if err != nil {
		return nil, err
	}

	first := true
	for offset := 0; ; offset += streamFrameSize {
		end := offset + streamFrameSize
		if end > len(data) {
			end = len(data)
		}
		piece := data[offset:end]

		frame := &ContentFrame{
			Data:     piece,
			Checksum: core.CalculateBlobHash(piece),
			Last:     end == len(data),
		}
		if first {
			frame.NodeID = nodeID
			frame.State = &state
			first = false
		}
		if frame.Last {
			frame.Hash = hash
		}
		if err := stream.SendMsg(frame); err != nil {
			return nil, err
		}
		if frame.Last {
			break
		}
	}

	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	resp := new(PushContentResponse)
	if err := stream.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) FetchState(ctx context.Context, req *FetchStateRequest) (*FetchStateResponse, error) {
	resp := new(FetchStateResponse)
	if err := c.conn.Invoke(ctx, methodFetchState, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) FetchContent(ctx context.Context, req *FetchContentRequest) (*FetchContentResponse, error) {
	resp := new(FetchContentResponse)
	if err := c.conn.Invoke(ctx, methodFetchContent, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) VerifyHash(ctx context.Context, fileID types.FileID) (*VerifyHashResponse, error) {
	resp := new(VerifyHashResponse)
	if err := c.conn.Invoke(ctx, methodVerifyHash, &VerifyHashRequest{FileID: fileID}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Heartbeat(ctx context.Context, nodeID, addr string) (*HeartbeatResponse, error) {
	resp := new(HeartbeatResponse)
	if err := c.conn.Invoke(ctx, methodHeartbeat, &HeartbeatRequest{NodeID: nodeID, Addr: addr}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
