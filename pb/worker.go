// Package pb defines the worker's RPC surface: message types, the
// service contract, and the wire codec. Messages are JSON-framed over
// gRPC; the codec is registered under the "json" content subtype so
// clients opt in with grpc.CallContentSubtype(CodecName).
package pb

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the registered content subtype.
const CodecName = "json"

// JSONCodec frames messages as JSON. Schema evolution works the usual
// JSON way: unknown fields are ignored, absent fields zero-valued.
type JSONCodec struct{}

// Marshal implements encoding.Codec.
func (JSONCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

// Unmarshal implements encoding.Codec.
func (JSONCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// Name implements encoding.Codec.
func (JSONCodec) Name() string { return CodecName }

func init() { encoding.RegisterCodec(JSONCodec{}) }

// ============================================================================
// MESSAGES
// ============================================================================

// MarketMetrics is one market block inside a snapshot breakdown.
type MarketMetrics struct {
	Equity          float64 `json:"equity"`
	AvailableMargin float64 `json:"available_margin"`
	Volume          float64 `json:"volume"`
	Trades          int64   `json:"trades"`
	TradingFees     float64 `json:"trading_fees"`
	FundingFees     float64 `json:"funding_fees"`
}

// Snapshot is one equity observation on the wire. Timestamp is RFC3339.
type Snapshot struct {
	UserId          string                   `json:"user_id"`
	Venue           string                   `json:"venue"`
	Timestamp       string                   `json:"timestamp"`
	TotalEquity     float64                  `json:"total_equity"`
	RealizedBalance float64                  `json:"realized_balance"`
	UnrealizedPnl   float64                  `json:"unrealized_pnl"`
	Deposits        float64                  `json:"deposits"`
	Withdrawals     float64                  `json:"withdrawals"`
	Breakdown       map[string]MarketMetrics `json:"breakdown"`
}

// CreateUserConnectionRequest registers venue credentials.
type CreateUserConnectionRequest struct {
	Venue      string `json:"venue"`
	Label      string `json:"label"`
	ApiKey     string `json:"api_key"`
	ApiSecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
}

// CreateUserConnectionResponse carries the derived user id.
type CreateUserConnectionResponse struct {
	Success bool   `json:"success"`
	UserId  string `json:"user_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ProcessSyncJobRequest triggers a sync for one user, optionally scoped
// to a venue.
type ProcessSyncJobRequest struct {
	UserId string `json:"user_id"`
	Venue  string `json:"venue,omitempty"`
}

// ProcessSyncJobResponse reports the sync outcome.
type ProcessSyncJobResponse struct {
	Success            bool      `json:"success"`
	UserId             string    `json:"user_id"`
	Venue              string    `json:"venue,omitempty"`
	Synced             bool      `json:"synced"`
	SnapshotsGenerated int64     `json:"snapshots_generated"`
	LatestSnapshot     *Snapshot `json:"latest_snapshot,omitempty"`
	Error              string    `json:"error,omitempty"`
}

// GetAggregatedMetricsRequest asks for totals over all or one venue.
type GetAggregatedMetricsRequest struct {
	UserId string `json:"user_id"`
	Venue  string `json:"venue,omitempty"`
}

// GetAggregatedMetricsResponse carries the latest-per-venue totals.
type GetAggregatedMetricsResponse struct {
	UserId          string  `json:"user_id"`
	TotalEquity     float64 `json:"total_equity"`
	RealizedBalance float64 `json:"realized_balance"`
	UnrealizedPnl   float64 `json:"unrealized_pnl"`
	Venues          int64   `json:"venues"`
	LatestTimestamp string  `json:"latest_timestamp,omitempty"`
}

// GetSnapshotTimeSeriesRequest bounds a time-series query. Start and End
// are RFC3339; empty means unbounded.
type GetSnapshotTimeSeriesRequest struct {
	UserId string `json:"user_id"`
	Venue  string `json:"venue,omitempty"`
	Start  string `json:"start,omitempty"`
	End    string `json:"end,omitempty"`
}

// GetSnapshotTimeSeriesResponse lists snapshots newest first.
type GetSnapshotTimeSeriesResponse struct {
	Snapshots []*Snapshot `json:"snapshots"`
}

// HealthCheckRequest is empty.
type HealthCheckRequest struct{}

// Health status values.
const (
	HealthUnknown int32 = 0
	HealthServing int32 = 1
)

// HealthCheckResponse reports liveness.
type HealthCheckResponse struct {
	Status        int32  `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ============================================================================
// SERVICE
// ============================================================================

// WorkerServer is the service contract implemented by the RPC layer.
type WorkerServer interface {
	CreateUserConnection(context.Context, *CreateUserConnectionRequest) (*CreateUserConnectionResponse, error)
	ProcessSyncJob(context.Context, *ProcessSyncJobRequest) (*ProcessSyncJobResponse, error)
	GetAggregatedMetrics(context.Context, *GetAggregatedMetricsRequest) (*GetAggregatedMetricsResponse, error)
	GetSnapshotTimeSeries(context.Context, *GetSnapshotTimeSeriesRequest) (*GetSnapshotTimeSeriesResponse, error)
	HealthCheck(context.Context, *HealthCheckRequest) (*HealthCheckResponse, error)
}

// WorkerClient is the dialing side of the contract.
type WorkerClient interface {
	CreateUserConnection(ctx context.Context, in *CreateUserConnectionRequest, opts ...grpc.CallOption) (*CreateUserConnectionResponse, error)
	ProcessSyncJob(ctx context.Context, in *ProcessSyncJobRequest, opts ...grpc.CallOption) (*ProcessSyncJobResponse, error)
	GetAggregatedMetrics(ctx context.Context, in *GetAggregatedMetricsRequest, opts ...grpc.CallOption) (*GetAggregatedMetricsResponse, error)
	GetSnapshotTimeSeries(ctx context.Context, in *GetSnapshotTimeSeriesRequest, opts ...grpc.CallOption) (*GetSnapshotTimeSeriesResponse, error)
	HealthCheck(ctx context.Context, in *HealthCheckRequest, opts ...grpc.CallOption) (*HealthCheckResponse, error)
}

const serviceName = "enclaveworker.v1.Worker"

type workerClient struct {
	cc grpc.ClientConnInterface
}

// NewWorkerClient wraps a client connection. Dial with
// grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)).
func NewWorkerClient(cc grpc.ClientConnInterface) WorkerClient {
	return &workerClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in interface{}, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, fmt.Sprintf("/%s/%s", serviceName, method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *workerClient) CreateUserConnection(ctx context.Context, in *CreateUserConnectionRequest, opts ...grpc.CallOption) (*CreateUserConnectionResponse, error) {
	return invoke[CreateUserConnectionResponse](ctx, c.cc, "CreateUserConnection", in, opts)
}

func (c *workerClient) ProcessSyncJob(ctx context.Context, in *ProcessSyncJobRequest, opts ...grpc.CallOption) (*ProcessSyncJobResponse, error) {
	return invoke[ProcessSyncJobResponse](ctx, c.cc, "ProcessSyncJob", in, opts)
}

func (c *workerClient) GetAggregatedMetrics(ctx context.Context, in *GetAggregatedMetricsRequest, opts ...grpc.CallOption) (*GetAggregatedMetricsResponse, error) {
	return invoke[GetAggregatedMetricsResponse](ctx, c.cc, "GetAggregatedMetrics", in, opts)
}

func (c *workerClient) GetSnapshotTimeSeries(ctx context.Context, in *GetSnapshotTimeSeriesRequest, opts ...grpc.CallOption) (*GetSnapshotTimeSeriesResponse, error) {
	return invoke[GetSnapshotTimeSeriesResponse](ctx, c.cc, "GetSnapshotTimeSeries", in, opts)
}

func (c *workerClient) HealthCheck(ctx context.Context, in *HealthCheckRequest, opts ...grpc.CallOption) (*HealthCheckResponse, error) {
	return invoke[HealthCheckResponse](ctx, c.cc, "HealthCheck", in, opts)
}

// RegisterWorkerServer registers the service implementation.
func RegisterWorkerServer(s grpc.ServiceRegistrar, srv WorkerServer) {
	s.RegisterService(&WorkerServiceDesc, srv)
}

func unaryHandler[Req any](method string, call func(WorkerServer, context.Context, *Req) (interface{}, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := fmt.Sprintf("/%s/%s", serviceName, method)
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(WorkerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(WorkerServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// WorkerServiceDesc is the hand-maintained service descriptor.
var WorkerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*WorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CreateUserConnection",
			Handler: unaryHandler("CreateUserConnection", func(s WorkerServer, ctx context.Context, in *CreateUserConnectionRequest) (interface{}, error) {
				return s.CreateUserConnection(ctx, in)
			}),
		},
		{
			MethodName: "ProcessSyncJob",
			Handler: unaryHandler("ProcessSyncJob", func(s WorkerServer, ctx context.Context, in *ProcessSyncJobRequest) (interface{}, error) {
				return s.ProcessSyncJob(ctx, in)
			}),
		},
		{
			MethodName: "GetAggregatedMetrics",
			Handler: unaryHandler("GetAggregatedMetrics", func(s WorkerServer, ctx context.Context, in *GetAggregatedMetricsRequest) (interface{}, error) {
				return s.GetAggregatedMetrics(ctx, in)
			}),
		},
		{
			MethodName: "GetSnapshotTimeSeries",
			Handler: unaryHandler("GetSnapshotTimeSeries", func(s WorkerServer, ctx context.Context, in *GetSnapshotTimeSeriesRequest) (interface{}, error) {
				return s.GetSnapshotTimeSeries(ctx, in)
			}),
		},
		{
			MethodName: "HealthCheck",
			Handler: unaryHandler("HealthCheck", func(s WorkerServer, ctx context.Context, in *HealthCheckRequest) (interface{}, error) {
				return s.HealthCheck(ctx, in)
			}),
		},
	},
	Metadata: "worker.json",
}
