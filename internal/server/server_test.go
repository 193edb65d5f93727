package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/charadev96/invitecore/internal/client"
	"github.com/charadev96/invitecore/internal/server/domain"
	"github.com/charadev96/invitecore/internal/server/event"
	"github.com/charadev96/invitecore/internal/server/handler/admin"
	"github.com/charadev96/invitecore/internal/server/repository"
	"github.com/charadev96/invitecore/internal/server/service"
	"github.com/charadev96/invitecore/internal/shared/log"
)

var testNow = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type testServer struct {
	srv    *Server
	client *client.Client
	bus    *event.MemoryBus
	now    time.Time
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		bus: event.NewMemoryBus(nil),
		now: testNow,
	}
	ts.bus.Record = true
	ts.srv = &Server{
		InvitationService: &service.InvitationService{
			Invitations: repository.NewMemoryInvitationRepository(),
			Events:      ts.bus,
			Now:         func() time.Time { return ts.now },
		},
	}
	ts.client = serveTest(t, ts.srv)
	return ts
}

// serveTest serves srv over an in-memory listener until the test ends.
func serveTest(t *testing.T, srv *Server) *client.Client {
	t.Helper()
	ln := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.ServeAdminListener(ctx, ln)
	}()

	c, err := client.Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return ln.DialContext(ctx)
		}),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		c.Close()
		cancel()
		require.NoError(t, <-done)
	})
	return c
}

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	st, ok := status.FromError(err)
	require.True(t, ok, "not a status error: %v", err)
	require.Equal(t, code, st.Code(), st.Message())
}

func TestAdminInvitationLifecycle(t *testing.T) {
	ts := startTestServer(t)
	ctx := context.Background()
	limit := 2
	expires := testNow.Add(time.Hour)

	created, err := ts.client.CreateInvitation(ctx, &admin.CreateInvitationRequest{
		Code:       "WELCOME",
		CreatedBy:  "admin",
		UsageLimit: &limit,
		ExpiresAt:  &expires,
		Metadata:   map[string]any{"source": "grpc"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.Invitation.ID)
	require.Equal(t, "WELCOME", created.Invitation.Code)
	require.Equal(t, "active", created.Invitation.Status)
	require.Equal(t, "grpc", created.Invitation.Metadata["source"])
	require.True(t, created.Invitation.ExpiresAt.Equal(expires))

	valid, err := ts.client.ValidateInvitation(ctx, &admin.ValidateInvitationRequest{Code: "WELCOME"})
	require.NoError(t, err)
	require.True(t, valid.IsValid)
	require.Equal(t, 2, *valid.RemainingUses)

	used, err := ts.client.UseInvitation(ctx, &admin.UseInvitationRequest{Code: "WELCOME", UsedBy: "alice"})
	require.NoError(t, err)
	require.Equal(t, created.Invitation.ID, used.InvitationID)
	require.Equal(t, 1, used.UsageCount)
	require.Equal(t, 1, *used.RemainingUses)

	_, err = ts.client.UseInvitation(ctx, &admin.UseInvitationRequest{Code: "WELCOME", UsedBy: "bob"})
	require.NoError(t, err)
	_, err = ts.client.UseInvitation(ctx, &admin.UseInvitationRequest{Code: "WELCOME", UsedBy: "carol"})
	requireCode(t, err, codes.ResourceExhausted)

	byID, err := ts.client.GetInvitation(ctx, &admin.GetInvitationRequest{ID: created.Invitation.ID})
	require.NoError(t, err)
	require.Equal(t, "used_up", byID.Invitation.Status)
	require.Len(t, byID.Invitation.Usages, 2)
	require.Equal(t, "alice", byID.Invitation.Usages[0].UsedBy)

	list, err := ts.client.ListInvitations(ctx, &admin.ListInvitationsRequest{CreatedBy: "admin"})
	require.NoError(t, err)
	require.Len(t, list.Invitations, 1)

	stats, err := ts.client.GetStats(ctx, &admin.GetStatsRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1, stats.UsedUp)

	require.Len(t, ts.bus.Published(), 4)
}

func TestAdminRevokeAndExpire(t *testing.T) {
	ts := startTestServer(t)
	ctx := context.Background()
	expires := testNow.Add(time.Minute)

	_, err := ts.client.CreateInvitation(ctx, &admin.CreateInvitationRequest{Code: "SPAM", CreatedBy: "admin"})
	require.NoError(t, err)
	_, err = ts.client.CreateInvitation(ctx, &admin.CreateInvitationRequest{Code: "SHORT", CreatedBy: "admin", ExpiresAt: &expires})
	require.NoError(t, err)

	revoked, err := ts.client.RevokeInvitation(ctx, &admin.RevokeInvitationRequest{Code: "SPAM", RevokedBy: "mod", Reason: "abuse"})
	require.NoError(t, err)
	require.Equal(t, "revoked", revoked.Invitation.Status)
	require.Equal(t, "abuse", revoked.Invitation.RevocationReason)

	_, err = ts.client.UseInvitation(ctx, &admin.UseInvitationRequest{Code: "SPAM", UsedBy: "alice"})
	requireCode(t, err, codes.FailedPrecondition)

	ts.now = testNow.Add(time.Hour)
	expired, err := ts.client.ExpireInvitations(ctx, &admin.ExpireInvitationsRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, expired.Expired)

	short, err := ts.client.GetInvitation(ctx, &admin.GetInvitationRequest{Code: "SHORT"})
	require.NoError(t, err)
	require.Equal(t, "expired", short.Invitation.Status)
}

func TestAdminErrors(t *testing.T) {
	ts := startTestServer(t)
	ctx := context.Background()

	_, err := ts.client.CreateInvitation(ctx, &admin.CreateInvitationRequest{Code: "has space", CreatedBy: "admin"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = ts.client.CreateInvitation(ctx, &admin.CreateInvitationRequest{Code: "DUP", CreatedBy: "admin"})
	require.NoError(t, err)
	_, err = ts.client.CreateInvitation(ctx, &admin.CreateInvitationRequest{Code: "DUP", CreatedBy: "admin"})
	requireCode(t, err, codes.AlreadyExists)

	_, err = ts.client.ValidateInvitation(ctx, &admin.ValidateInvitationRequest{Code: "MISSING"})
	requireCode(t, err, codes.NotFound)

	_, err = ts.client.GetInvitation(ctx, &admin.GetInvitationRequest{})
	requireCode(t, err, codes.InvalidArgument)
	_, err = ts.client.GetInvitation(ctx, &admin.GetInvitationRequest{ID: "not-a-uuid"})
	requireCode(t, err, codes.InvalidArgument)
}

func TestAdminHealth(t *testing.T) {
	ts := startTestServer(t)

	res, err := healthpb.NewHealthClient(ts.client.Conn).Check(context.Background(), &healthpb.HealthCheckRequest{
		Service: admin.ServiceName,
	})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, res.GetStatus())
}

func TestSweepExpired(t *testing.T) {
	ts := startTestServer(t)
	ctx := context.Background()
	expires := testNow.Add(time.Minute)
	_, err := ts.client.CreateInvitation(ctx, &admin.CreateInvitationRequest{Code: "LAPSE", CreatedBy: "admin", ExpiresAt: &expires})
	require.NoError(t, err)
	ts.now = testNow.Add(time.Hour)

	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- ts.srv.SweepExpired(sweepCtx, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		inv, err := ts.srv.InvitationService.GetInvitationByCode(ctx, "LAPSE")
		return err == nil && inv.Status == "expired"
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

type unavailableRepository struct {
	*repository.MemoryInvitationRepository
}

func (r *unavailableRepository) GetByCode(ctx context.Context, code string) (domain.Invitation, error) {
	return domain.Invitation{}, errors.New("database is locked")
}

func TestAdminLogsInternalErrors(t *testing.T) {
	var buf syncBuffer
	logger := log.New("server", log.Options{Out: &buf, JSON: true})
	srv := &Server{
		Admin: AdminConfig{Logger: &logger},
		InvitationService: &service.InvitationService{
			Invitations: &unavailableRepository{MemoryInvitationRepository: repository.NewMemoryInvitationRepository()},
		},
	}
	c := serveTest(t, srv)

	_, err := c.ValidateInvitation(context.Background(), &admin.ValidateInvitationRequest{Code: "ANY"})
	requireCode(t, err, codes.Internal)
	require.NotContains(t, status.Convert(err).Message(), "database is locked")

	require.Eventually(t, func() bool {
		out := buf.String()
		return strings.Contains(out, "database is locked") && strings.Contains(out, admin.FullMethod("ValidateInvitation"))
	}, 2*time.Second, 10*time.Millisecond)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
