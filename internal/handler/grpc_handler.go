package handler

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-lifecycle-engine/internal/lifecycle"
	"github.com/pesio-ai/be-lifecycle-engine/internal/repository"
	"github.com/pesio-ai/be-lifecycle-engine/internal/service"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/auth"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/logger"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "lifecycle.v1.LifecycleService"

// ErrorDomain is the domain reported in ErrorInfo details.
const ErrorDomain = "lifecycle.pesio.ai"

// JSONCodecName is the content subtype clients select with
// grpc.CallContentSubtype.
const JSONCodecName = "json"

// jsonCodec carries the plain Go messages below as JSON on the wire.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ── Messages ─────────────────────────────────────────────────────────────────

type RecordRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// GetRecordRequest reads from the primary unless Consistent asks for a
// replica read that waits out replication lag.
type GetRecordRequest struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Consistent bool   `json:"consistent,omitempty"`
}

type CreateRecordRequest struct {
	Type       string                 `json:"type"`
	Title      string                 `json:"title"`
	Amount     decimal.NullDecimal    `json:"amount"`
	Attributes map[string]any         `json:"attributes,omitempty"`
	Lines      []*repository.LineItem `json:"lines,omitempty"`
	Submit     bool                   `json:"submit"`
}

type TransitionRequest struct {
	Type   string                `json:"type"`
	ID     string                `json:"id"`
	Status string                `json:"status"`
	Patch  repository.FieldPatch `json:"patch"`
}

type UpdateRecordRequest struct {
	Type  string                `json:"type"`
	ID    string                `json:"id"`
	Patch repository.FieldPatch `json:"patch"`
}

type ApprovalActionRequest struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

type ListPendingApprovalsRequest struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type ListPendingApprovalsResponse struct {
	Requests []*repository.ApprovalRequest `json:"requests"`
	Total    int64                         `json:"total"`
}

type AuditTrailRequest struct {
	EntityType string `json:"entityType"`
	ID         string `json:"id"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}

type AuditTrailResponse struct {
	Entries []*repository.ActivityLogEntry `json:"entries"`
	Total   int64                          `json:"total"`
}

type RetryCascadeResponse struct {
	Effects []effectOutcome `json:"effects"`
}

type SetThresholdRequest struct {
	Type      string          `json:"type"`
	Threshold decimal.Decimal `json:"threshold"`
}

type Empty struct{}

// LifecycleServer is the gRPC surface of the engine.
type LifecycleServer interface {
	CreateRecord(context.Context, *CreateRecordRequest) (*service.CreateRecordResult, error)
	GetRecord(context.Context, *GetRecordRequest) (*repository.BusinessRecord, error)
	RequestTransition(context.Context, *TransitionRequest) (*service.TransitionResult, error)
	UpdateRecord(context.Context, *UpdateRecordRequest) (*service.TransitionResult, error)
	DeleteRecord(context.Context, *RecordRef) (*Empty, error)
	ApproveRequest(context.Context, *ApprovalActionRequest) (*service.ApprovalOutcome, error)
	RejectRequest(context.Context, *ApprovalActionRequest) (*service.ApprovalOutcome, error)
	CancelRequest(context.Context, *ApprovalActionRequest) (*service.ApprovalOutcome, error)
	ListPendingApprovals(context.Context, *ListPendingApprovalsRequest) (*ListPendingApprovalsResponse, error)
	GetAuditTrail(context.Context, *AuditTrailRequest) (*AuditTrailResponse, error)
	RetryCascade(context.Context, *RecordRef) (*RetryCascadeResponse, error)
	SetApprovalThreshold(context.Context, *SetThresholdRequest) (*Empty, error)
}

// ServiceDesc describes LifecycleServer for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LifecycleServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateRecord", LifecycleServer.CreateRecord),
		unary("GetRecord", LifecycleServer.GetRecord),
		unary("RequestTransition", LifecycleServer.RequestTransition),
		unary("UpdateRecord", LifecycleServer.UpdateRecord),
		unary("DeleteRecord", LifecycleServer.DeleteRecord),
		unary("ApproveRequest", LifecycleServer.ApproveRequest),
		unary("RejectRequest", LifecycleServer.RejectRequest),
		unary("CancelRequest", LifecycleServer.CancelRequest),
		unary("ListPendingApprovals", LifecycleServer.ListPendingApprovals),
		unary("GetAuditTrail", LifecycleServer.GetAuditTrail),
		unary("RetryCascade", LifecycleServer.RetryCascade),
		unary("SetApprovalThreshold", LifecycleServer.SetApprovalThreshold),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lifecycle/v1/lifecycle.proto",
}

// RegisterLifecycleServer registers srv on s.
func RegisterLifecycleServer(s grpc.ServiceRegistrar, srv LifecycleServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req, Resp any](name string, call func(LifecycleServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LifecycleServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LifecycleServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ── Handler ──────────────────────────────────────────────────────────────────

// GRPCHandler implements LifecycleServer on top of the service.
type GRPCHandler struct {
	service *service.LifecycleService
	log     *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(svc *service.LifecycleService, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		service: svc,
		log:     log.Component("grpc"),
	}
}

// actor extracts the caller identity attached by auth.UnaryServerInterceptor.
func actor(ctx context.Context) service.Actor {
	uc, err := auth.GetUserContext(ctx)
	if err != nil {
		return service.Actor{}
	}
	return actorOf(uc)
}

func parseType(raw string) lifecycle.EntityType {
	return lifecycle.EntityType(strings.ToUpper(strings.TrimSpace(raw)))
}

// CreateRecord creates a record, optionally submitting it.
func (h *GRPCHandler) CreateRecord(ctx context.Context, req *CreateRecordRequest) (*service.CreateRecordResult, error) {
	h.log.Info().Str("type", req.Type).Bool("submit", req.Submit).Msg("gRPC CreateRecord called")

	res, err := h.service.CreateRecord(ctx, service.CreateRecordInput{
		Type:       parseType(req.Type),
		Title:      req.Title,
		Amount:     req.Amount,
		Attributes: req.Attributes,
		Lines:      req.Lines,
		Submit:     req.Submit,
	}, actor(ctx))
	if err != nil {
		return nil, h.fail(err, "CreateRecord")
	}
	return res, nil
}

// GetRecord reads a record.
func (h *GRPCHandler) GetRecord(ctx context.Context, req *GetRecordRequest) (*repository.BusinessRecord, error) {
	read := h.service.GetRecord
	if req.Consistent {
		read = h.service.ReadEntityConsistently
	}
	rec, err := read(ctx, parseType(req.Type), req.ID, actor(ctx))
	if err != nil {
		return nil, h.fail(err, "GetRecord")
	}
	return rec, nil
}

// RequestTransition asks for a status change.
func (h *GRPCHandler) RequestTransition(ctx context.Context, req *TransitionRequest) (*service.TransitionResult, error) {
	h.log.Info().
		Str("type", req.Type).
		Str("id", req.ID).
		Str("status", req.Status).
		Msg("gRPC RequestTransition called")

	if strings.TrimSpace(req.Status) == "" {
		return nil, h.fail(errors.InvalidInput("status", "status is required"), "RequestTransition")
	}
	res, err := h.service.RequestTransition(ctx, parseType(req.Type), req.ID, lifecycle.ParseStatus(req.Status), req.Patch, actor(ctx))
	if err != nil {
		return nil, h.fail(err, "RequestTransition")
	}
	return res, nil
}

// UpdateRecord applies a field patch.
func (h *GRPCHandler) UpdateRecord(ctx context.Context, req *UpdateRecordRequest) (*service.TransitionResult, error) {
	res, err := h.service.UpdateRecord(ctx, parseType(req.Type), req.ID, req.Patch, actor(ctx))
	if err != nil {
		return nil, h.fail(err, "UpdateRecord")
	}
	return res, nil
}

// DeleteRecord deletes a record.
func (h *GRPCHandler) DeleteRecord(ctx context.Context, req *RecordRef) (*Empty, error) {
	if err := h.service.DeleteRecord(ctx, parseType(req.Type), req.ID, actor(ctx)); err != nil {
		return nil, h.fail(err, "DeleteRecord")
	}
	return &Empty{}, nil
}

// ApproveRequest approves a pending request.
func (h *GRPCHandler) ApproveRequest(ctx context.Context, req *ApprovalActionRequest) (*service.ApprovalOutcome, error) {
	h.log.Info().Str("request_id", req.RequestID).Msg("gRPC ApproveRequest called")

	out, err := h.service.ApproveRequest(ctx, req.RequestID, actor(ctx))
	if err != nil {
		return nil, h.fail(err, "ApproveRequest")
	}
	return out, nil
}

// RejectRequest rejects a pending request.
func (h *GRPCHandler) RejectRequest(ctx context.Context, req *ApprovalActionRequest) (*service.ApprovalOutcome, error) {
	h.log.Info().Str("request_id", req.RequestID).Msg("gRPC RejectRequest called")

	out, err := h.service.RejectRequest(ctx, req.RequestID, req.Reason, actor(ctx))
	if err != nil {
		return nil, h.fail(err, "RejectRequest")
	}
	return out, nil
}

// CancelRequest withdraws a pending request.
func (h *GRPCHandler) CancelRequest(ctx context.Context, req *ApprovalActionRequest) (*service.ApprovalOutcome, error) {
	out, err := h.service.CancelRequest(ctx, req.RequestID, actor(ctx))
	if err != nil {
		return nil, h.fail(err, "CancelRequest")
	}
	return out, nil
}

// ListPendingApprovals lists open requests.
func (h *GRPCHandler) ListPendingApprovals(ctx context.Context, req *ListPendingApprovalsRequest) (*ListPendingApprovalsResponse, error) {
	page := repository.Page{Limit: req.Limit, Offset: req.Offset}.Normalize()
	requests, total, err := h.service.ListPendingApprovals(ctx, page, actor(ctx))
	if err != nil {
		return nil, h.fail(err, "ListPendingApprovals")
	}
	return &ListPendingApprovalsResponse{Requests: requests, Total: total}, nil
}

// GetAuditTrail lists an entity's audit entries, most recent first.
func (h *GRPCHandler) GetAuditTrail(ctx context.Context, req *AuditTrailRequest) (*AuditTrailResponse, error) {
	page := repository.Page{Limit: req.Limit, Offset: req.Offset}.Normalize()
	entries, total, err := h.service.GetAuditTrail(ctx, req.EntityType, req.ID, page, actor(ctx))
	if err != nil {
		return nil, h.fail(err, "GetAuditTrail")
	}
	return &AuditTrailResponse{Entries: entries, Total: total}, nil
}

// RetryCascade replays the effects of a record's current status.
func (h *GRPCHandler) RetryCascade(ctx context.Context, req *RecordRef) (*RetryCascadeResponse, error) {
	results, err := h.service.RetryCascade(ctx, parseType(req.Type), req.ID, actor(ctx))
	if err != nil {
		return nil, h.fail(err, "RetryCascade")
	}
	return &RetryCascadeResponse{Effects: effectOutcomes(results)}, nil
}

// SetApprovalThreshold overrides a tenant threshold.
func (h *GRPCHandler) SetApprovalThreshold(ctx context.Context, req *SetThresholdRequest) (*Empty, error) {
	if err := h.service.SetApprovalThreshold(ctx, parseType(req.Type), req.Threshold, actor(ctx)); err != nil {
		return nil, h.fail(err, "SetApprovalThreshold")
	}
	return &Empty{}, nil
}

func (h *GRPCHandler) fail(err error, method string) error {
	st := toStatus(err)
	event := h.log.Debug()
	if st.Code() == codes.Internal || st.Code() == codes.Unavailable {
		event = h.log.Error()
	}
	event.Err(err).Str("method", method).Str("grpc_code", st.Code().String()).Msg("gRPC call failed")
	return st.Err()
}

// toStatus maps a service error to a gRPC status carrying an ErrorInfo with
// the denial reason.
func toStatus(err error) *status.Status {
	code := errors.CodeOf(err)

	var grpcCode codes.Code
	msg := errors.MessageOf(err)
	switch code {
	case errors.ErrCodeValidation:
		grpcCode = codes.InvalidArgument
	case errors.ErrCodePermissionDenied:
		grpcCode = codes.PermissionDenied
	case errors.ErrCodeStateLocked, errors.ErrCodeIllegalApprovalState:
		grpcCode = codes.FailedPrecondition
	case errors.ErrCodeOptimisticConflict:
		grpcCode = codes.Aborted
	case errors.ErrCodeNotFound:
		grpcCode = codes.NotFound
	case errors.ErrCodeUnavailable:
		grpcCode = codes.Unavailable
	default:
		grpcCode = codes.Internal
		msg = "internal error"
	}

	reason := errors.ReasonOf(err)
	if reason == "" {
		reason = string(code)
	}
	st := status.New(grpcCode, msg)
	detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   reason,
		Domain:   ErrorDomain,
		Metadata: map[string]string{"code": string(code)},
	})
	if derr != nil {
		return st
	}
	return detailed
}
