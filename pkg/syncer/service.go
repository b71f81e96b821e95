package syncer

import (
	"context"
	"errors"

	"silentnas/pkg/core"
	"silentnas/pkg/engine"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	serviceName = "silentnas.NodeSync"

	methodPushState     = "/" + serviceName + "/PushState"
	methodPushContent   = "/" + serviceName + "/PushContent"
	methodStreamContent = "/" + serviceName + "/StreamContent"
	methodFetchState    = "/" + serviceName + "/FetchState"
	methodFetchContent  = "/" + serviceName + "/FetchContent"
	methodVerifyHash    = "/" + serviceName + "/VerifyHash"
	methodHeartbeat     = "/" + serviceName + "/Heartbeat"
)

// Service 是同步协议的服务端：校验送达的内容，合并状态，
// 被采纳的内容经由存储引擎持久化。
type Service struct {
	engine   *engine.Manager
	state    *Manager
	registry *Registry
	logger   zerolog.Logger
}

func NewService(eng *engine.Manager, state *Manager, registry *Registry) *Service {
	return &Service{
		engine:   eng,
		state:    state,
		registry: registry,
		logger:   log.With().Str("component", "sync-service").Logger(),
	}
}

// Register 把服务挂到 gRPC Server 上
func (s *Service) Register(gs *grpc.Server) {
	gs.RegisterService(&nodeSyncServiceDesc, s)
}

// PushState 只合并状态，不带内容。
// 采纳的墓碑会同步落到引擎：对端删了，本地的内容也该走。
func (s *Service) PushState(ctx context.Context, req *PushStateRequest) (*PushStateResponse, error) {
	result := s.state.ApplyRemote(req.State)
	if result.AdoptedDeleted {
		if fs, ok := s.state.Get(req.State.FileID); ok && fs.Deleted.Value {
			err := s.engine.DeleteFile(ctx, req.State.FileID)
			if err != nil && !errors.Is(err, engine.ErrNotFound) {
				return nil, status.Errorf(codes.Internal, "failed to apply remote delete: %v", err)
			}
		}
	}
	s.logger.Debug().
		Str("file", req.State.FileID.String()).
		Str("from", req.NodeID).
		Bool("adopted", result.AdoptedMetadata).
		Bool("conflict", result.Conflict).
		Msg("state merged")
	return &PushStateResponse{
		AdoptedMetadata: result.AdoptedMetadata,
		Conflict:        result.Conflict,
	}, nil
}

// PushContent 单发：先验内容哈希，再合并状态，远端赢了才落库。
// 验证失败的内容绝不持久化 —— 宁可让发送方重试。
func (s *Service) PushContent(ctx context.Context, req *PushContentRequest) (*PushContentResponse, error) {
	if core.CalculateBlobHash(req.Data) != req.Hash {
		return nil, status.Errorf(codes.DataLoss, "content hash mismatch for file %s", req.State.FileID)
	}
	return s.acceptContent(ctx, req.NodeID, req.State, req.Data)
}

// acceptContent 是 PushContent 和 StreamContent 共用的落库路径
func (s *Service) acceptContent(ctx context.Context, fromNode string, state FileSync, data []byte) (*PushContentResponse, error) {
	result := s.state.ApplyRemote(state)
	resp := &PushContentResponse{
		AdoptedMetadata: result.AdoptedMetadata,
		Conflict:        result.Conflict,
	}

	// 本地状态更新：对端的内容已经过时，不落库
	if !result.AdoptedMetadata && !result.AdoptedDeleted {
		return resp, nil
	}

	if result.AdoptedDeleted {
		if tombstone, _ := s.state.Get(state.FileID); tombstone.Deleted.Value {
			err := s.engine.DeleteFile(ctx, state.FileID)
			if err != nil && !errors.Is(err, engine.ErrNotFound) {
				return nil, status.Errorf(codes.Internal, "failed to apply remote delete: %v", err)
			}
			return resp, nil
		}
	}

	info, _, err := s.engine.SaveVersion(ctx, state.FileID, data)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to persist synced content: %v", err)
	}
	resp.VersionID = info.VersionID
	s.logger.Info().
		Str("file", state.FileID.String()).
		Str("from", fromNode).
		Str("version", info.VersionID.String()).
		Int("bytes", len(data)).
		Msg("synced content persisted")
	return resp, nil
}

// StreamContent 接收流式传输：逐帧验校验和，收齐后验整体哈希。
// 任何一帧对不上立刻中止，已收的字节全部丢弃。
func (s *Service) StreamContent(stream grpc.ServerStream) error {
	var (
		fromNode string
		state    *FileSync
		buf      []byte
	)

	for {
		frame := new(ContentFrame)
		if err := stream.RecvMsg(frame); err != nil {
			return status.Errorf(codes.InvalidArgument, "stream ended before final frame: %v", err)
		}
		if frame.NodeID != "" {
			fromNode = frame.NodeID
		}
		if frame.State != nil {
			state = frame.State
		}

		if core.CalculateBlobHash(frame.Data) != frame.Checksum {
			return status.Error(codes.DataLoss,
				frameChecksumError(core.CalculateBlobHash(frame.Data), frame.Checksum).Error())
		}
		buf = append(buf, frame.Data...)

		if frame.Last {
			if state == nil {
				return status.Error(codes.InvalidArgument, "stream carried no sync state")
			}
			if core.CalculateBlobHash(buf) != frame.Hash {
				return status.Errorf(codes.DataLoss, "assembled content hash mismatch for file %s", state.FileID)
			}
			resp, err := s.acceptContent(stream.Context(), fromNode, *state, buf)
			if err != nil {
				return err
			}
			return stream.SendMsg(resp)
		}
	}
}

// FetchState 返回本节点的状态快照；FileIDs 为空给全量
func (s *Service) FetchState(ctx context.Context, req *FetchStateRequest) (*FetchStateResponse, error) {
	if len(req.FileIDs) == 0 {
		return &FetchStateResponse{States: s.state.States()}, nil
	}
	states := make([]FileSync, 0, len(req.FileIDs))
	for _, id := range req.FileIDs {
		if fs, ok := s.state.Get(id); ok {
			states = append(states, fs)
		}
	}
	return &FetchStateResponse{States: states}, nil
}

// FetchContent 返回文件最新版本的完整内容
func (s *Service) FetchContent(ctx context.Context, req *FetchContentRequest) (*FetchContentResponse, error) {
	fs, ok := s.state.Get(req.FileID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no sync state for file %s", req.FileID)
	}
	data, info, err := s.engine.ReadLatest(ctx, req.FileID)
	if errors.Is(err, engine.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "file %s has no readable content", req.FileID)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to read content: %v", err)
	}
	return &FetchContentResponse{State: fs, Hash: info.Hash, Data: data}, nil
}

// VerifyHash 报告文件当前内容的哈希，发送方用它做端到端比对
func (s *Service) VerifyHash(ctx context.Context, req *VerifyHashRequest) (*VerifyHashResponse, error) {
	info, err := s.engine.GetFileInfo(ctx, req.FileID)
	if errors.Is(err, engine.ErrNotFound) {
		return &VerifyHashResponse{Exists: false}, nil
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to stat file: %v", err)
	}
	version, err := s.engine.StatVersion(ctx, info.LatestVersionID)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to stat version: %v", err)
	}
	return &VerifyHashResponse{Exists: true, Hash: version.Hash}, nil
}

// Heartbeat 登记对端节点并回报自己的身份
func (s *Service) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	if req.NodeID != "" && req.Addr != "" {
		s.registry.Upsert(req.NodeID, req.Addr)
	}
	return &HeartbeatResponse{NodeID: s.state.NodeID()}, nil
}

// -----------------------------------------------------------------------------
// ServiceDesc：没有 protoc 产物，方法表手写
// -----------------------------------------------------------------------------

func unaryHandler[Req any, Resp any](
	fullMethod string,
	call func(*Service, context.Context, *Req) (*Resp, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(*Service), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(*Service), ctx, req.(*Req))
		})
	}
}

var nodeSyncServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PushState", Handler: unaryHandler(methodPushState, (*Service).PushState)},
		{MethodName: "PushContent", Handler: unaryHandler(methodPushContent, (*Service).PushContent)},
		{MethodName: "FetchState", Handler: unaryHandler(methodFetchState, (*Service).FetchState)},
		{MethodName: "FetchContent", Handler: unaryHandler(methodFetchContent, (*Service).FetchContent)},
		{MethodName: "VerifyHash", Handler: unaryHandler(methodVerifyHash, (*Service).VerifyHash)},
		{MethodName: "Heartbeat", Handler: unaryHandler(methodHeartbeat, (*Service).Heartbeat)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamContent",
			ClientStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(*Service).StreamContent(stream)
			},
		},
	},
	Metadata: "silentnas/syncer",
}
