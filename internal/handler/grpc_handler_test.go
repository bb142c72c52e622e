package handler

import (
	"context"
	"net"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/pesio-ai/be-lifecycle-engine/internal/repository"
	"github.com/pesio-ai/be-lifecycle-engine/internal/repository/memory"
	"github.com/pesio-ai/be-lifecycle-engine/internal/service"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/auth"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/logger"
)

type grpcClient struct {
	conn  *grpc.ClientConn
	store *memory.Store
}

func (c *grpcClient) invoke(ctx context.Context, as *auth.UserContext, method string, req, resp any) error {
	if as != nil {
		ctx = auth.OutgoingContext(ctx, as)
	}
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, grpc.CallContentSubtype(JSONCodecName))
}

func newGRPCClient(t *testing.T) *grpcClient {
	t.Helper()
	svc, store := newTestService(t)

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer(grpc.UnaryInterceptor(auth.UnaryServerInterceptor()))
	RegisterLifecycleServer(server, NewGRPCHandler(svc, logger.Nop()))
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &grpcClient{conn: conn, store: store}
}

func errorInfo(t *testing.T, err error) *errdetails.ErrorInfo {
	t.Helper()
	st, ok := status.FromError(err)
	require.True(t, ok)
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return info
		}
	}
	t.Fatalf("no ErrorInfo in %v", err)
	return nil
}

func TestGRPC_CreateTransitionAndApprove(t *testing.T) {
	c := newGRPCClient(t)
	ctx := context.Background()

	var created service.CreateRecordResult
	err := c.invoke(ctx, &member, "CreateRecord", &CreateRecordRequest{
		Type:   "invoice",
		Title:  "INV-2001",
		Amount: decimal.NewNullDecimal(decimal.RequireFromString("90000")),
		Submit: true,
	}, &created)
	require.NoError(t, err)
	require.NotNil(t, created.Record)
	require.NotNil(t, created.Transition)
	assert.Equal(t, service.OutcomePendingApproval, created.Transition.Outcome)

	var pending ListPendingApprovalsResponse
	require.NoError(t, c.invoke(ctx, &viewer, "ListPendingApprovals", &ListPendingApprovalsRequest{}, &pending))
	assert.EqualValues(t, 1, pending.Total)

	var outcome service.ApprovalOutcome
	require.NoError(t, c.invoke(ctx, &manager, "ApproveRequest", &ApprovalActionRequest{RequestID: created.Transition.RequestID}, &outcome))
	assert.True(t, outcome.Transitioned)
	assert.Equal(t, repository.ApprovalApproved, outcome.Request.Status)

	var rec repository.BusinessRecord
	require.NoError(t, c.invoke(ctx, &viewer, "GetRecord", &GetRecordRequest{Type: "INVOICE", ID: created.Record.ID}, &rec))
	assert.Equal(t, "SENT", rec.Status.String())

	var paid service.TransitionResult
	require.NoError(t, c.invoke(ctx, &member, "RequestTransition", &TransitionRequest{Type: "INVOICE", ID: rec.ID, Status: "paid"}, &paid))
	assert.Equal(t, service.OutcomeAccepted, paid.Outcome)

	var retried RetryCascadeResponse
	require.NoError(t, c.invoke(ctx, &manager, "RetryCascade", &RecordRef{Type: "INVOICE", ID: rec.ID}, &retried))
	require.Len(t, retried.Effects, 1)
	assert.Equal(t, service.EffectFinanceIncome, retried.Effects[0].Effect)
	assert.Empty(t, retried.Effects[0].Error)
}

func TestGRPC_GetRecord_PrimaryOrConsistent(t *testing.T) {
	c := newGRPCClient(t)
	ctx := context.Background()
	c.store.SetReplicaLag(2)

	var created service.CreateRecordResult
	require.NoError(t, c.invoke(ctx, &member, "CreateRecord", &CreateRecordRequest{Type: "TICKET", Title: "Lagging"}, &created))
	id := created.Record.ID

	var rec repository.BusinessRecord
	require.NoError(t, c.invoke(ctx, &viewer, "GetRecord", &GetRecordRequest{Type: "TICKET", ID: id, Consistent: true}, &rec))
	assert.Equal(t, id, rec.ID)

	c.store.InjectFault(memory.OpReplicaRead, 1_000_000, errors.New(errors.ErrCodeUnavailable, "replica down"))

	err := c.invoke(ctx, &viewer, "GetRecord", &GetRecordRequest{Type: "TICKET", ID: id, Consistent: true}, &rec)
	assert.Equal(t, codes.Unavailable, status.Code(err))

	rec = repository.BusinessRecord{}
	require.NoError(t, c.invoke(ctx, &viewer, "GetRecord", &GetRecordRequest{Type: "TICKET", ID: id}, &rec))
	assert.Equal(t, "Lagging", rec.Title)
}

func TestGRPC_ErrorDetails(t *testing.T) {
	c := newGRPCClient(t)
	ctx := context.Background()

	var created service.CreateRecordResult
	require.NoError(t, c.invoke(ctx, &member, "CreateRecord", &CreateRecordRequest{Type: "TICKET", Title: "Broken VPN"}, &created))
	id := created.Record.ID

	tests := []struct {
		name       string
		as         *auth.UserContext
		method     string
		req        any
		wantCode   codes.Code
		wantReason string
	}{
		{
			name:       "missing actor",
			method:     "GetRecord",
			req:        &GetRecordRequest{Type: "TICKET", ID: id},
			wantCode:   codes.PermissionDenied,
			wantReason: service.ReasonMissingActorContext,
		},
		{
			name:       "illegal transition",
			as:         &member,
			method:     "RequestTransition",
			req:        &TransitionRequest{Type: "TICKET", ID: id, Status: "RESOLVED"},
			wantCode:   codes.InvalidArgument,
			wantReason: "ILLEGAL_TRANSITION",
		},
		{
			name:       "unknown record",
			as:         &member,
			method:     "DeleteRecord",
			req:        &RecordRef{Type: "TICKET", ID: "missing"},
			wantCode:   codes.NotFound,
			wantReason: string(errors.ErrCodeNotFound),
		},
		{
			name:       "reject without reason",
			as:         &manager,
			method:     "RejectRequest",
			req:        &ApprovalActionRequest{RequestID: "anything", Reason: " "},
			wantCode:   codes.InvalidArgument,
			wantReason: service.ReasonRejectionReasonRequired,
		},
		{
			name:       "threshold needs admin",
			as:         &manager,
			method:     "SetApprovalThreshold",
			req:        &SetThresholdRequest{Type: "DEAL", Threshold: decimal.NewFromInt(1)},
			wantCode:   codes.PermissionDenied,
			wantReason: "INSUFFICIENT_ROLE",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var resp Empty
			err := c.invoke(ctx, tc.as, tc.method, tc.req, &resp)
			require.Error(t, err)
			assert.Equal(t, tc.wantCode, status.Code(err))
			info := errorInfo(t, err)
			assert.Equal(t, tc.wantReason, info.Reason)
			assert.Equal(t, ErrorDomain, info.Domain)
		})
	}
}

func TestToStatus_MasksInternalErrors(t *testing.T) {
	st := toStatus(errors.Wrap(assert.AnError, errors.ErrCodeInternal, "db exploded"))

	assert.Equal(t, codes.Internal, st.Code())
	assert.Equal(t, "internal error", st.Message())

	st = toStatus(errors.Denied(errors.ErrCodeStateLocked, "SHIPMENT_LOCKED", "locked"))
	assert.Equal(t, codes.FailedPrecondition, st.Code())
	assert.Equal(t, "locked", st.Message())
}
