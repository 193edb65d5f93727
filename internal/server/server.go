package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/charadev96/invitecore/internal/server/handler/admin"
	"github.com/charadev96/invitecore/internal/server/service"
	"github.com/charadev96/invitecore/internal/shared/log"
)

type AdminConfig struct {
	Addr   string
	Logger *zerolog.Logger
}

type Server struct {
	Admin AdminConfig

	InvitationService *service.InvitationService
}

func (s *Server) ServeAdmin(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Admin.Addr)
	if err != nil {
		return fmt.Errorf("failed to init server: %w", err)
	}
	return s.ServeAdminListener(ctx, ln)
}

// ServeAdminListener serves the admin API on ln until ctx is done.
func (s *Server) ServeAdminListener(ctx context.Context, ln net.Listener) error {
	logger := s.logger()
	logger.Info().
		Str("address", ln.Addr().String()).
		Msg("started server")

	inst := grpc.NewServer(grpc.UnaryInterceptor(s.logInternalErrors))
	admin.RegisterInvitationServiceServer(inst, &admin.InvitationServiceHandler{
		Service: s.InvitationService,
	})

	hs := health.NewServer()
	hs.SetServingStatus(admin.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(inst, hs)

	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		hs.Shutdown()
		inst.GracefulStop()
	}()

	return inst.Serve(ln)
}

// SweepExpired calls ExpireInvitations every interval until ctx is done.
// Sweep failures are logged and retried on the next tick.
func (s *Server) SweepExpired(ctx context.Context, interval time.Duration) error {
	logger := s.logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.InvitationService.ExpireInvitations(ctx)
			if err != nil {
				logger.Error().
					Err(err).
					Msg("expiry sweep failed")
				continue
			}
			logger.Debug().
				Int("expired", n).
				Msg("expiry sweep finished")
		}
	}
}

// logInternalErrors logs the cause of Internal replies, which clients only
// see as "internal error".
func (s *Server) logInternalErrors(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil && status.Code(err) == codes.Internal {
		s.logger().Error().
			Err(err).
			Str("method", info.FullMethod).
			Msg("admin call failed")
	}
	return resp, err
}

func (s *Server) logger() *zerolog.Logger {
	if s.Admin.Logger == nil {
		return log.Nop()
	}
	return s.Admin.Logger
}
