package admin

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	server "github.com/charadev96/invitecore/internal/server/domain"
	"github.com/charadev96/invitecore/internal/server/service"
)

const ServiceName = "invitecore.admin.InvitationService"

type Usage struct {
	UsedBy string    `json:"used_by"`
	UsedAt time.Time `json:"used_at"`
}

type Invitation struct {
	ID               string         `json:"id" copier:"-"`
	Code             string         `json:"code"`
	CreatedBy        string         `json:"created_by"`
	UsageLimit       *int           `json:"usage_limit,omitempty"`
	UsageCount       int            `json:"usage_count"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
	Status           string         `json:"status"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	Usages           []Usage        `json:"usages,omitempty" copier:"-"`
	RevokedAt        *time.Time     `json:"revoked_at,omitempty"`
	RevokedBy        string         `json:"revoked_by,omitempty"`
	RevocationReason string         `json:"revocation_reason,omitempty"`
}

type CreateInvitationRequest struct {
	Code       string         `json:"code"`
	CreatedBy  string         `json:"created_by"`
	UsageLimit *int           `json:"usage_limit,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type InvitationReply struct {
	Invitation *Invitation `json:"invitation"`
}

type ValidateInvitationRequest struct {
	Code string `json:"code"`
}

type ValidateInvitationReply struct {
	Code          string     `json:"code"`
	IsValid       bool       `json:"is_valid"`
	Status        string     `json:"status"`
	Reason        string     `json:"reason,omitempty"`
	RemainingUses *int       `json:"remaining_uses,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

type UseInvitationRequest struct {
	Code   string `json:"code"`
	UsedBy string `json:"used_by"`
}

type UseInvitationReply struct {
	InvitationID  string `json:"invitation_id"`
	Code          string `json:"code"`
	UsedBy        string `json:"used_by"`
	UsageCount    int    `json:"usage_count"`
	RemainingUses *int   `json:"remaining_uses,omitempty"`
	Status        string `json:"status"`
}

type RevokeInvitationRequest struct {
	Code      string `json:"code"`
	RevokedBy string `json:"revoked_by,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// GetInvitationRequest looks an invitation up by ID when set, by code
// otherwise.
type GetInvitationRequest struct {
	ID   string `json:"id,omitempty"`
	Code string `json:"code,omitempty"`
}

type ListInvitationsRequest struct {
	CreatedBy string `json:"created_by"`
}

type ListInvitationsReply struct {
	Invitations []*Invitation `json:"invitations"`
}

type GetStatsRequest struct{}

type StatsReply struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	UsedUp  int `json:"used_up"`
	Expired int `json:"expired"`
	Revoked int `json:"revoked"`
}

type ExpireInvitationsRequest struct{}

type ExpireInvitationsReply struct {
	Expired int `json:"expired"`
}

type InvitationServer interface {
	CreateInvitation(context.Context, *CreateInvitationRequest) (*InvitationReply, error)
	ValidateInvitation(context.Context, *ValidateInvitationRequest) (*ValidateInvitationReply, error)
	UseInvitation(context.Context, *UseInvitationRequest) (*UseInvitationReply, error)
	RevokeInvitation(context.Context, *RevokeInvitationRequest) (*InvitationReply, error)
	GetInvitation(context.Context, *GetInvitationRequest) (*InvitationReply, error)
	ListInvitations(context.Context, *ListInvitationsRequest) (*ListInvitationsReply, error)
	GetStats(context.Context, *GetStatsRequest) (*StatsReply, error)
	ExpireInvitations(context.Context, *ExpireInvitationsRequest) (*ExpireInvitationsReply, error)
}

var _ InvitationServer = (*InvitationServiceHandler)(nil)

type InvitationServiceHandler struct {
	Service *service.InvitationService
}

func (h *InvitationServiceHandler) CreateInvitation(ctx context.Context, req *CreateInvitationRequest) (*InvitationReply, error) {
	inv, err := h.Service.CreateInvitation(ctx, service.CreateInvitationRequest{
		Code:       req.Code,
		CreatedBy:  req.CreatedBy,
		UsageLimit: req.UsageLimit,
		ExpiresAt:  req.ExpiresAt,
		Metadata:   req.Metadata,
	})
	if err != nil {
		return nil, Status(err)
	}
	return h.invitationReply(inv)
}

func (h *InvitationServiceHandler) ValidateInvitation(ctx context.Context, req *ValidateInvitationRequest) (*ValidateInvitationReply, error) {
	res, err := h.Service.ValidateInvitation(ctx, service.ValidateInvitationRequest{Code: req.Code})
	if err != nil {
		return nil, Status(err)
	}
	reply := new(ValidateInvitationReply)
	if err := copier.Copy(reply, &res); err != nil {
		return nil, Status(err)
	}
	return reply, nil
}

func (h *InvitationServiceHandler) UseInvitation(ctx context.Context, req *UseInvitationRequest) (*UseInvitationReply, error) {
	res, err := h.Service.UseInvitation(ctx, service.UseInvitationRequest{
		Code:   req.Code,
		UsedBy: req.UsedBy,
	})
	if err != nil {
		return nil, Status(err)
	}
	return &UseInvitationReply{
		InvitationID:  res.InvitationID.String(),
		Code:          res.Code,
		UsedBy:        res.UsedBy,
		UsageCount:    res.UsageCount,
		RemainingUses: res.RemainingUses,
		Status:        string(res.Status),
	}, nil
}

func (h *InvitationServiceHandler) RevokeInvitation(ctx context.Context, req *RevokeInvitationRequest) (*InvitationReply, error) {
	inv, err := h.Service.RevokeInvitation(ctx, service.RevokeInvitationRequest{
		Code:      req.Code,
		RevokedBy: req.RevokedBy,
		Reason:    req.Reason,
	})
	if err != nil {
		return nil, Status(err)
	}
	return h.invitationReply(inv)
}

func (h *InvitationServiceHandler) GetInvitation(ctx context.Context, req *GetInvitationRequest) (*InvitationReply, error) {
	var (
		inv server.Invitation
		err error
	)
	switch {
	case req.ID != "":
		id, perr := uuid.Parse(req.ID)
		if perr != nil {
			return nil, status.Error(codes.InvalidArgument, perr.Error())
		}
		inv, err = h.Service.GetInvitationByID(ctx, id)
	case req.Code != "":
		inv, err = h.Service.GetInvitationByCode(ctx, req.Code)
	default:
		return nil, status.Error(codes.InvalidArgument, "id or code is required")
	}
	if err != nil {
		return nil, Status(err)
	}
	return h.invitationReply(inv)
}

func (h *InvitationServiceHandler) ListInvitations(ctx context.Context, req *ListInvitationsRequest) (*ListInvitationsReply, error) {
	list, err := h.Service.GetInvitationsByCreator(ctx, req.CreatedBy)
	if err != nil {
		return nil, Status(err)
	}

	invs := make([]*Invitation, 0, len(list))
	for _, inv := range list {
		i, err := h.toInvitation(inv)
		if err != nil {
			return nil, Status(err)
		}
		invs = append(invs, i)
	}
	return &ListInvitationsReply{Invitations: invs}, nil
}

func (h *InvitationServiceHandler) GetStats(ctx context.Context, req *GetStatsRequest) (*StatsReply, error) {
	stats, err := h.Service.GetInvitationStats(ctx)
	if err != nil {
		return nil, Status(err)
	}
	reply := new(StatsReply)
	if err := copier.Copy(reply, &stats); err != nil {
		return nil, Status(err)
	}
	return reply, nil
}

func (h *InvitationServiceHandler) ExpireInvitations(ctx context.Context, req *ExpireInvitationsRequest) (*ExpireInvitationsReply, error) {
	n, err := h.Service.ExpireInvitations(ctx)
	if err != nil {
		return nil, Status(err)
	}
	return &ExpireInvitationsReply{Expired: n}, nil
}

func (h *InvitationServiceHandler) invitationReply(inv server.Invitation) (*InvitationReply, error) {
	i, err := h.toInvitation(inv)
	if err != nil {
		return nil, Status(err)
	}
	return &InvitationReply{Invitation: i}, nil
}

// toInvitation reports the effective status, so an invitation past its
// expiry reads as expired before the sweep stores it.
func (h *InvitationServiceHandler) toInvitation(inv server.Invitation) (*Invitation, error) {
	i := new(Invitation)
	if err := copier.Copy(i, &inv); err != nil {
		return nil, err
	}
	i.ID = inv.ID.String()
	i.Status = string(h.Service.EffectiveStatus(inv))
	for _, u := range inv.Usages {
		i.Usages = append(i.Usages, Usage{UsedBy: u.UsedBy, UsedAt: u.UsedAt})
	}
	return i, nil
}

func RegisterInvitationServiceServer(s grpc.ServiceRegistrar, srv InvitationServer) {
	s.RegisterService(&InvitationServiceDesc, srv)
}

var InvitationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InvitationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateInvitation", Handler: unary(InvitationServer.CreateInvitation, "CreateInvitation")},
		{MethodName: "ValidateInvitation", Handler: unary(InvitationServer.ValidateInvitation, "ValidateInvitation")},
		{MethodName: "UseInvitation", Handler: unary(InvitationServer.UseInvitation, "UseInvitation")},
		{MethodName: "RevokeInvitation", Handler: unary(InvitationServer.RevokeInvitation, "RevokeInvitation")},
		{MethodName: "GetInvitation", Handler: unary(InvitationServer.GetInvitation, "GetInvitation")},
		{MethodName: "ListInvitations", Handler: unary(InvitationServer.ListInvitations, "ListInvitations")},
		{MethodName: "GetStats", Handler: unary(InvitationServer.GetStats, "GetStats")},
		{MethodName: "ExpireInvitations", Handler: unary(InvitationServer.ExpireInvitations, "ExpireInvitations")},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "invitecore/admin",
}

// FullMethod is the path clients invoke for a method of the service.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req, Reply any](
	call func(InvitationServer, context.Context, *Req) (*Reply, error),
	method string,
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(InvitationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: FullMethod(method),
		}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(InvitationServer), ctx, req.(*Req))
		})
	}
}
