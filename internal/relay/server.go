package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ianktoo/turtle-talk/internal/bridge"
	"github.com/ianktoo/turtle-talk/internal/convlog"
	"github.com/ianktoo/turtle-talk/internal/memory"
	"github.com/ianktoo/turtle-talk/internal/metrics"
	"github.com/ianktoo/turtle-talk/internal/transport/native"
)

// ProviderName labels this surface in metrics.
const ProviderName = "relay"

// ServerConfig holds the relay's collaborators.
type ServerConfig struct {
	Session bridge.SessionConfig
	Runner  native.TurnRunner
	Issuer  *Issuer
	Keeper  *memory.Keeper
	ConvLog convlog.Logger
	Metrics *metrics.Metrics
}

// Server runs one native voice session per Join stream.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
}

// NewServer creates a relay server.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConvLog == nil {
		cfg.ConvLog = convlog.Nop{}
	}
	return &Server{cfg: cfg, logger: logger}
}

// NewGRPCServer creates a grpc.Server with the relay registered.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: false,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 10 * time.Second,
		}),
		grpc.ChainStreamInterceptor(s.logStream),
	}, opts...)
	g := grpc.NewServer(opts...)
	g.RegisterService(&ServiceDesc, s)
	return g
}

func (s *Server) logStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	s.logger.Info("Relay stream closed", "method", info.FullMethod, "duration", time.Since(start), "code", status.Code(err).String())
	return err
}

// Join implements RelayServer.
func (s *Server) Join(stream JoinServer) error {
	claims, err := s.authenticate(stream.Context())
	if err != nil {
		return err
	}
	userID, sessionID := claims.UserID(), claims.SessionID
	logger := s.logger.With("user_id", userID, "session_id", sessionID)
	logger.Info("Relay session joined")

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	// grpc streams allow one concurrent sender.
	var sendMu sync.Mutex
	send := func(_ context.Context, m bridge.Message) error {
		frame, err := Encode(m)
		if err != nil {
			return err
		}
		sendMu.Lock()
		defer sendMu.Unlock()
		return stream.Send(frame)
	}
	sess := bridge.NewSession(ctx, s.cfg.Session, s.cfg.Runner, send, logger)

	stopLog := convlog.Track(s.cfg.ConvLog, sess.Events(), userID, sessionID, convlog.ChannelRelay)
	defer stopLog()
	if s.cfg.Keeper != nil {
		stopTrack := s.cfg.Keeper.Track(userID, sess.Events())
		defer stopTrack()
	}
	defer sess.Close()

	s.cfg.Metrics.SessionStarted(ProviderName)
	defer s.cfg.Metrics.SessionEnded(ProviderName)

	for {
		frame, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if status.Code(err) == codes.Canceled || ctx.Err() != nil {
				return nil
			}
			logger.Warn("Relay receive failed", "error", err)
			return err
		}

		msg, err := Decode(frame)
		if err != nil {
			logger.Debug("Ignoring malformed frame", "error", err)
			continue
		}
		if msg.Type == bridge.TypeStart {
			msg.Options = s.seed(ctx, userID, msg.Options)
		}

		stop, err := sess.Handle(ctx, msg)
		if err != nil {
			logger.Warn("Relay message failed", "type", msg.Type, "error", err)
			if werr := send(ctx, bridge.Message{Type: bridge.TypeError, Text: bridge.ClientError(err)}); werr != nil {
				return werr
			}
			continue
		}
		if stop {
			return nil
		}
	}
}

func (s *Server) seed(ctx context.Context, userID string, opts *bridge.StartOptions) *bridge.StartOptions {
	if s.cfg.Keeper == nil {
		return opts
	}
	merged := s.cfg.Keeper.Options(ctx, userID, opts.Transport(s.cfg.Keeper.HistoryLimit()))
	return bridge.NewStartOptions(merged)
}

func (s *Server) authenticate(ctx context.Context) (Claims, error) {
	if s.cfg.Issuer == nil {
		return Claims{}, status.Error(codes.Unavailable, "relay is not configured")
	}
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(MetadataKey)
	if len(values) == 0 {
		return Claims{}, status.Error(codes.Unauthenticated, "missing relay token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(values[0], "Bearer "))
	claims, err := s.cfg.Issuer.Verify(token)
	if err != nil {
		s.logger.Warn("Relay token rejected", "error", err)
		return Claims{}, status.Error(codes.Unauthenticated, "invalid relay token")
	}
	return claims, nil
}

var _ RelayServer = (*Server)(nil)
