package api

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-risk/internal/models"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mirador.risk.v1.RiskEngine"

// UserIDMetadataKey carries the caller's identity on gRPC requests.
const UserIDMetadataKey = "x-user-id"

type investigationRef struct {
	InvestigationID string `json:"investigation_id"`
}

type stateRequest struct {
	InvestigationID string `json:"investigation_id"`
	IfNoneMatch     string `json:"if_none_match,omitempty"`
}

type rerunRequest struct {
	InvestigationID string `json:"investigation_id"`
	Domain          string `json:"domain"`
}

type evidenceRequest struct {
	InvestigationID string       `json:"investigation_id"`
	Evidence        EvidenceBody `json:"evidence"`
}

type listInvestigationsRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type anomalyRef struct {
	AnomalyID string `json:"anomaly_id"`
}

type detectorRef struct {
	DetectorID string `json:"detector_id"`
	Limit      int    `json:"limit,omitempty"`
}

type empty struct{}

// serviceDesc describes the RiskEngine service. Messages are google.protobuf.Struct values whose
// fields follow the JSON bodies of the HTTP surface.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Backend)(nil),
	Methods: []grpc.MethodDesc{
		unary("StartInvestigation", func(ctx context.Context, b Backend, user string, req StartInvestigationBody) (any, error) {
			start, err := req.ToStartRequest(user)
			if err != nil {
				return nil, err
			}
			return b.StartInvestigation(ctx, start)
		}),
		unary("GetState", func(ctx context.Context, b Backend, user string, req stateRequest) (any, error) {
			snap, notModified, err := b.InvestigationState(ctx, req.InvestigationID, user, req.IfNoneMatch)
			if err != nil {
				return nil, err
			}
			return ToStateResponse(snap, notModified), nil
		}),
		unary("CancelInvestigation", func(ctx context.Context, b Backend, user string, req investigationRef) (any, error) {
			return b.CancelInvestigation(ctx, req.InvestigationID, user)
		}),
		unary("RerunDomain", func(ctx context.Context, b Backend, user string, req rerunRequest) (any, error) {
			return b.RerunDomain(ctx, req.InvestigationID, user, models.Domain(strings.ToLower(req.Domain)))
		}),
		unary("AddEvidence", func(ctx context.Context, b Backend, user string, req evidenceRequest) (any, error) {
			return b.AddEvidence(ctx, req.InvestigationID, user, req.Evidence.ToEvidence())
		}),
		unary("ListInvestigations", func(ctx context.Context, b Backend, user string, req listInvestigationsRequest) (any, error) {
			st, err := parseStatus(req.Status)
			if err != nil {
				return nil, err
			}
			items, err := b.ListInvestigations(ctx, user, st, req.Limit)
			if err != nil {
				return nil, err
			}
			return newList(items), nil
		}),
		unary("ListAnomalies", func(ctx context.Context, b Backend, _ string, req AnomalyQuery) (any, error) {
			filter, err := req.ToFilter()
			if err != nil {
				return nil, err
			}
			items, err := b.ListAnomalies(ctx, filter)
			if err != nil {
				return nil, err
			}
			return newList(items), nil
		}),
		unary("TriageAnomaly", func(ctx context.Context, b Backend, user string, req anomalyRef) (any, error) {
			return b.TriageAnomaly(ctx, req.AnomalyID, user)
		}),
		unary("CloseAnomaly", func(ctx context.Context, b Backend, user string, req anomalyRef) (any, error) {
			return b.CloseAnomaly(ctx, req.AnomalyID, user)
		}),
		unary("ListDetectors", func(_ context.Context, b Backend, _ string, _ empty) (any, error) {
			return newList(b.Detectors()), nil
		}),
		unary("RunDetector", func(ctx context.Context, b Backend, _ string, req detectorRef) (any, error) {
			return b.RunDetector(ctx, req.DetectorID)
		}),
		unary("ListRuns", func(ctx context.Context, b Backend, _ string, req detectorRef) (any, error) {
			items, err := b.ListRuns(ctx, req.DetectorID, req.Limit)
			if err != nil {
				return nil, err
			}
			return newList(items), nil
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mirador/risk/v1/risk.proto",
}

// RegisterRiskEngine registers backend on s.
func RegisterRiskEngine(s grpc.ServiceRegistrar, backend Backend) {
	s.RegisterService(&serviceDesc, backend)
}

// unary adapts a typed call into a method handler that decodes the Struct request, resolves the
// caller from metadata and encodes the response.
func unary[Req any](method string, call func(ctx context.Context, b Backend, userID string, req Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, raw any) (any, error) {
				var req Req
				if err := decodeStruct(raw.(*structpb.Struct), &req); err != nil {
					return nil, grpcError(err)
				}
				out, err := call(ctx, srv.(Backend), userFromContext(ctx), req)
				if err != nil {
					return nil, grpcError(err)
				}
				resp, err := encodeStruct(out)
				if err != nil {
					return nil, status.Error(codes.Internal, "encode response")
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func userFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(UserIDMetadataKey); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}
