// Package rpc exposes the worker's gRPC surface. Handlers normalize
// provider-default fields, validate, translate to internal calls, and
// map faults onto transport status codes. Transport security is
// mandatory TLS; without a loadable certificate triple the process
// refuses to bind.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/equivault/enclave-worker/internal/aggregator"
	"github.com/equivault/enclave-worker/internal/config"
	"github.com/equivault/enclave-worker/internal/connector"
	"github.com/equivault/enclave-worker/internal/events"
	"github.com/equivault/enclave-worker/internal/faults"
	"github.com/equivault/enclave-worker/internal/ratelimit"
	"github.com/equivault/enclave-worker/internal/repository"
	"github.com/equivault/enclave-worker/internal/telemetry"
	"github.com/equivault/enclave-worker/internal/vault"
	"github.com/equivault/enclave-worker/pb"
)

// Version is reported by HealthCheck.
const Version = "1.0.0"

// Syncer is the slice of the aggregator the handlers drive.
type Syncer interface {
	Sync(ctx context.Context, userID, venue string) (*aggregator.Result, error)
}

// Server implements pb.WorkerServer over the worker core.
type Server struct {
	cfg      *config.Config
	store    repository.Store
	vault    *vault.Vault
	registry *connector.Registry
	syncer   Syncer
	limiter  *ratelimit.Limiter
	emitter  events.Emitter
	metrics  *telemetry.Metrics
	logger   *telemetry.Logger

	grpcServer *grpc.Server
	started    time.Time
	now        func() time.Time
}

// New creates the server. The emitter may be nil.
func New(cfg *config.Config, store repository.Store, v *vault.Vault, registry *connector.Registry, syncer Syncer, limiter *ratelimit.Limiter, emitter events.Emitter, metrics *telemetry.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		vault:    v,
		registry: registry,
		syncer:   syncer,
		limiter:  limiter,
		emitter:  emitter,
		metrics:  metrics,
		logger:   telemetry.NewLogger("RPC"),
		started:  time.Now(),
		now:      time.Now,
	}
}

// Serve binds the TLS listener and blocks serving requests.
func (s *Server) Serve() error {
	creds, err := loadTransportCredentials(s.cfg.TLS)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.RPCPort))
	if err != nil {
		return faults.Wrap(faults.KindInternal, "rpc listen", err)
	}

	s.grpcServer = grpc.NewServer(
		grpc.Creds(creds),
		grpc.ChainUnaryInterceptor(s.unaryInterceptor),
	)
	pb.RegisterWorkerServer(s.grpcServer, s)

	s.logger.Info("rpc listening", map[string]interface{}{
		"port":         s.cfg.RPCPort,
		"client_certs": s.cfg.TLS.RequireClientCert,
	})
	return s.grpcServer.Serve(listener)
}

// Stop drains in-flight requests up to the deadline, then hard-stops.
func (s *Server) Stop(deadline time.Duration) {
	if s.grpcServer == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		s.grpcServer.Stop()
	}
}

// unaryInterceptor maps faults to status codes, logs failures through
// the redactor, and counts requests per method and status class.
func (s *Server) unaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		if _, ok := status.FromError(err); !ok {
			err = faults.GRPCStatus(err)
		}
		s.logger.Error("request failed", err, map[string]interface{}{
			"method": info.FullMethod,
		})
	}
	if s.metrics != nil {
		st, _ := status.FromError(err)
		s.metrics.RPCRequests.WithLabelValues(info.FullMethod, st.Code().String()).Inc()
	}
	return resp, err
}

// ============================================================================
// HANDLERS
// ============================================================================

// CreateUserConnection derives the deterministic user id, probes the
// credentials once, and stores the encrypted connection row.
func (s *Server) CreateUserConnection(ctx context.Context, req *pb.CreateUserConnectionRequest) (*pb.CreateUserConnectionResponse, error) {
	venue, err := validateVenue(req.Venue, s.cfg.VenuePolicy, true)
	if err != nil {
		return nil, err
	}
	label, err := validateLabel(req.Label)
	if err != nil {
		return nil, err
	}
	key, err := validateCredential(req.ApiKey, "api_key")
	if err != nil {
		return nil, err
	}
	secret, err := validateCredential(req.ApiSecret, "api_secret")
	if err != nil {
		return nil, err
	}
	passphrase := normalize(req.Passphrase)

	userID := vault.DeriveUserID(venue, key, secret, passphrase).String()
	fingerprint := vault.Fingerprint(key, secret, passphrase)

	// Identical credentials are one connection no matter the label.
	existing, err := s.store.ListConnections(ctx, userID)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "list connections", err)
	}
	for _, c := range existing {
		if c.Fingerprint == fingerprint {
			return &pb.CreateUserConnectionResponse{
				Success: true,
				UserId:  userID,
				Error:   "connection already exists",
			}, nil
		}
	}

	// One probe before the row is written; only a definitive credential
	// rejection blocks creation, a venue outage does not.
	creds := connector.Credentials{Key: key, Secret: secret, Passphrase: passphrase}
	if conn, err := s.registry.Get(ctx, venue, fingerprint, creds); err == nil {
		if probeErr := conn.TestConnection(ctx); probeErr != nil && faults.Is(probeErr, faults.KindAuth) {
			return nil, probeErr
		}
	}
	creds.Wipe()

	encKey, err := s.vault.Encrypt([]byte(key))
	if err != nil {
		return nil, err
	}
	encSecret, err := s.vault.Encrypt([]byte(secret))
	if err != nil {
		return nil, err
	}
	encPassphrase := ""
	if passphrase != "" {
		encPassphrase, err = s.vault.Encrypt([]byte(passphrase))
		if err != nil {
			return nil, err
		}
	}

	if _, err := s.store.GetUser(ctx, userID); errors.Is(err, repository.ErrNotFound) {
		if err := s.store.UpsertUser(ctx, &repository.User{
			ID:                  userID,
			SyncIntervalMinutes: 60,
			CreatedAt:           s.now().UTC(),
		}); err != nil {
			return nil, faults.Wrap(faults.KindInternal, "user upsert", err)
		}
	}

	err = s.store.CreateConnection(ctx, &repository.Connection{
		UserID:              userID,
		Venue:               venue,
		Label:               label,
		EncryptedKey:        encKey,
		EncryptedSecret:     encSecret,
		EncryptedPassphrase: encPassphrase,
		Fingerprint:         fingerprint,
		Active:              true,
		CreatedAt:           s.now().UTC(),
	})
	if errors.Is(err, repository.ErrConflict) {
		// Same credentials resolve to the same user id, so the caller
		// learns the id either way.
		return &pb.CreateUserConnectionResponse{
			Success: true,
			UserId:  userID,
			Error:   "connection already exists",
		}, nil
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "connection create", err)
	}

	if s.emitter != nil {
		s.emitter.Emit(events.TypeConnectionCreated, venue, map[string]interface{}{
			"venue": venue,
		})
	}
	return &pb.CreateUserConnectionResponse{Success: true, UserId: userID}, nil
}

// ProcessSyncJob syncs one venue, or every active venue when the venue
// field is absent.
func (s *Server) ProcessSyncJob(ctx context.Context, req *pb.ProcessSyncJobRequest) (*pb.ProcessSyncJobResponse, error) {
	userID, err := validateUserID(req.UserId)
	if err != nil {
		return nil, err
	}
	venue, err := validateVenue(req.Venue, s.cfg.VenuePolicy, false)
	if err != nil {
		return nil, err
	}

	var venues []string
	if venue != "" {
		venues = []string{venue}
	} else {
		conns, err := s.store.ListConnections(ctx, userID)
		if err != nil {
			return nil, faults.Wrap(faults.KindInternal, "list connections", err)
		}
		for _, c := range conns {
			if c.Active {
				venues = append(venues, c.Venue)
			}
		}
		if len(venues) == 0 {
			return nil, faults.New(faults.KindNotFound, "user has no active connections")
		}
	}

	created := 0
	failed := 0
	var latest *repository.Snapshot
	var lastErr error
	for _, v := range venues {
		result, err := s.syncOne(ctx, userID, v)
		if err != nil {
			failed++
			lastErr = err
			s.logger.Error("venue sync failed", err, nil)
			continue
		}
		created += result.SnapshotsCreated
		if result.Latest != nil {
			latest = result.Latest
		}
		if s.emitter != nil && result.SnapshotsCreated > 0 {
			s.emitter.Emit(events.TypeSnapshotCreated, v, map[string]interface{}{
				"snapshots": result.SnapshotsCreated,
			})
		}
	}

	if failed == len(venues) {
		return nil, lastErr
	}

	resp := &pb.ProcessSyncJobResponse{
		Success:            true,
		UserId:             userID,
		Venue:              venue,
		Synced:             true,
		SnapshotsGenerated: int64(created),
		LatestSnapshot:     snapshotToWire(latest),
	}
	if failed > 0 {
		resp.Error = fmt.Sprintf("%d of %d venues failed", failed, len(venues))
	}
	return resp, nil
}

// syncOne refuses manual syncs once the autonomous daily pipeline has
// begun producing the audit trail for the pair, then delegates to the
// aggregator. The cooldown row is written only by the scheduler, so its
// presence is the pipeline marker.
func (s *Server) syncOne(ctx context.Context, userID, venue string) (*aggregator.Result, error) {
	if _, err := s.store.GetRateLimit(ctx, userID, venue); err == nil {
		return nil, faults.New(faults.KindRateLimited,
			"manual sync disabled: automatic sync pipeline is active for this venue")
	}
	return s.syncer.Sync(ctx, userID, venue)
}

// GetAggregatedMetrics sums the newest snapshot of each matching venue.
func (s *Server) GetAggregatedMetrics(ctx context.Context, req *pb.GetAggregatedMetricsRequest) (*pb.GetAggregatedMetricsResponse, error) {
	userID, err := validateUserID(req.UserId)
	if err != nil {
		return nil, err
	}
	venue, err := validateVenue(req.Venue, s.cfg.VenuePolicy, false)
	if err != nil {
		return nil, err
	}

	snaps, err := s.store.ListSnapshots(ctx, userID, repository.SnapshotFilter{Venue: venue})
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "list snapshots", err)
	}

	// Rows arrive newest first; the first row per venue is its latest.
	latestPerVenue := map[string]*repository.Snapshot{}
	for _, snap := range snaps {
		if _, seen := latestPerVenue[snap.Venue]; !seen {
			latestPerVenue[snap.Venue] = snap
		}
	}

	resp := &pb.GetAggregatedMetricsResponse{UserId: userID, Venues: int64(len(latestPerVenue))}
	var newest time.Time
	for _, snap := range latestPerVenue {
		resp.TotalEquity += snap.TotalEquity
		resp.RealizedBalance += snap.RealizedBalance
		resp.UnrealizedPnl += snap.UnrealizedPnl
		if snap.Timestamp.After(newest) {
			newest = snap.Timestamp
		}
	}
	if !newest.IsZero() {
		resp.LatestTimestamp = newest.UTC().Format(time.RFC3339)
	}
	return resp, nil
}

// GetSnapshotTimeSeries lists matching snapshots newest first. An
// omitted venue means all venues.
func (s *Server) GetSnapshotTimeSeries(ctx context.Context, req *pb.GetSnapshotTimeSeriesRequest) (*pb.GetSnapshotTimeSeriesResponse, error) {
	userID, err := validateUserID(req.UserId)
	if err != nil {
		return nil, err
	}
	venue, err := validateVenue(req.Venue, s.cfg.VenuePolicy, false)
	if err != nil {
		return nil, err
	}
	start, end, err := validateTimeRange(req.Start, req.End)
	if err != nil {
		return nil, err
	}

	snaps, err := s.store.ListSnapshots(ctx, userID, repository.SnapshotFilter{
		Venue: venue,
		Start: start,
		End:   end,
	})
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "list snapshots", err)
	}

	resp := &pb.GetSnapshotTimeSeriesResponse{Snapshots: make([]*pb.Snapshot, 0, len(snaps))}
	for _, snap := range snaps {
		resp.Snapshots = append(resp.Snapshots, snapshotToWire(snap))
	}
	return resp, nil
}

// HealthCheck reports liveness.
func (s *Server) HealthCheck(ctx context.Context, _ *pb.HealthCheckRequest) (*pb.HealthCheckResponse, error) {
	return &pb.HealthCheckResponse{
		Status:        pb.HealthServing,
		Version:       Version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}, nil
}

func snapshotToWire(snap *repository.Snapshot) *pb.Snapshot {
	if snap == nil {
		return nil
	}
	breakdown := make(map[string]pb.MarketMetrics, len(snap.Breakdown))
	for market, m := range snap.Breakdown {
		breakdown[market] = pb.MarketMetrics{
			Equity:          m.Equity,
			AvailableMargin: m.AvailableMargin,
			Volume:          m.Volume,
			Trades:          m.Trades,
			TradingFees:     m.TradingFees,
			FundingFees:     m.FundingFees,
		}
	}
	return &pb.Snapshot{
		UserId:          snap.UserID,
		Venue:           snap.Venue,
		Timestamp:       snap.Timestamp.UTC().Format(time.RFC3339),
		TotalEquity:     snap.TotalEquity,
		RealizedBalance: snap.RealizedBalance,
		UnrealizedPnl:   snap.UnrealizedPnl,
		Deposits:        snap.Deposits,
		Withdrawals:     snap.Withdrawals,
		Breakdown:       breakdown,
	}
}
