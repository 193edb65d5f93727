package client

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/charadev96/invitecore/internal/server/handler/admin"
	"github.com/charadev96/invitecore/internal/shared/log"
)

var _ admin.InvitationServer = (*Client)(nil)

// Client calls the admin API of a running server.
type Client struct {
	Conn   *grpc.ClientConn
	Logger *zerolog.Logger
}

// Dial connects without transport security unless opts say otherwise; the
// admin API is expected to listen on a trusted address.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to establish connection: %w", err)
	}
	return &Client{Conn: conn}, nil
}

func (c *Client) Close() error {
	return c.Conn.Close()
}

func (c *Client) CreateInvitation(ctx context.Context, req *admin.CreateInvitationRequest) (*admin.InvitationReply, error) {
	return invoke[admin.InvitationReply](ctx, c, "CreateInvitation", req)
}

func (c *Client) ValidateInvitation(ctx context.Context, req *admin.ValidateInvitationRequest) (*admin.ValidateInvitationReply, error) {
	return invoke[admin.ValidateInvitationReply](ctx, c, "ValidateInvitation", req)
}

func (c *Client) UseInvitation(ctx context.Context, req *admin.UseInvitationRequest) (*admin.UseInvitationReply, error) {
	return invoke[admin.UseInvitationReply](ctx, c, "UseInvitation", req)
}

func (c *Client) RevokeInvitation(ctx context.Context, req *admin.RevokeInvitationRequest) (*admin.InvitationReply, error) {
	return invoke[admin.InvitationReply](ctx, c, "RevokeInvitation", req)
}

func (c *Client) GetInvitation(ctx context.Context, req *admin.GetInvitationRequest) (*admin.InvitationReply, error) {
	return invoke[admin.InvitationReply](ctx, c, "GetInvitation", req)
}

func (c *Client) ListInvitations(ctx context.Context, req *admin.ListInvitationsRequest) (*admin.ListInvitationsReply, error) {
	return invoke[admin.ListInvitationsReply](ctx, c, "ListInvitations", req)
}

func (c *Client) GetStats(ctx context.Context, req *admin.GetStatsRequest) (*admin.StatsReply, error) {
	return invoke[admin.StatsReply](ctx, c, "GetStats", req)
}

func (c *Client) ExpireInvitations(ctx context.Context, req *admin.ExpireInvitationsRequest) (*admin.ExpireInvitationsReply, error) {
	return invoke[admin.ExpireInvitationsReply](ctx, c, "ExpireInvitations", req)
}

func invoke[Reply any](ctx context.Context, c *Client, method string, req any) (*Reply, error) {
	logger := c.Logger
	if logger == nil {
		logger = log.Nop()
	}
	reply := new(Reply)
	err := c.Conn.Invoke(ctx, admin.FullMethod(method), req, reply, grpc.CallContentSubtype(admin.CodecName))
	if err != nil {
		logger.Debug().
			Err(err).
			Str("method", method).
			Msg("admin call failed")
		return nil, err
	}
	return reply, nil
}
