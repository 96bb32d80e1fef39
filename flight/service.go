// Package flight serves customer feature tables over Arrow Flight.
package flight

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/TFMV/custfeat/category"
	"github.com/TFMV/custfeat/db"
	"github.com/TFMV/custfeat/features"
	"github.com/TFMV/custfeat/identity"
	"github.com/TFMV/custfeat/query"
)

// Ticket is the JSON body of a DoGet ticket. Empty bounds leave the window
// open on that side; no features selects all of them.
type Ticket struct {
	Start      string   `json:"start,omitempty"`
	End        string   `json:"end,omitempty"`
	Features   []string `json:"features,omitempty"`
	AlignItems bool     `json:"align_items,omitempty"`
}

// FeatureService builds a feature table per DoGet request over a fixed
// table store.
type FeatureService struct {
	flight.BaseFlightServer
	store    *db.Store
	rollup   category.Rollup
	resolver *identity.Resolver
	mem      memory.Allocator
	logger   *zap.Logger
	parallel bool
}

// NewFeatureService creates a service over store. Identity maps are cached in
// resolver and shared between requests; a nil resolver gets a default one.
func NewFeatureService(store *db.Store, rollup category.Rollup, resolver *identity.Resolver, logger *zap.Logger, parallel bool) *FeatureService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = identity.NewResolver(db.Pool, 0)
	}
	return &FeatureService{
		store:    store,
		rollup:   rollup,
		resolver: resolver,
		mem:      db.Pool,
		logger:   logger,
		parallel: parallel,
	}
}

func (s *FeatureService) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	var t Ticket
	if err := json.Unmarshal(ticket.GetTicket(), &t); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid ticket: %v", err)
	}
	window, err := query.ParseWindow(t.Start, t.End)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid window: %v", err)
	}
	fs, err := features.ParseFeatures(strings.Join(t.Features, ","))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid features: %v", err)
	}

	builder := features.NewBuilder(s.store, s.rollup,
		features.WithLogger(s.logger),
		features.WithWindow(window),
		features.WithFeatures(fs...),
		features.WithParallel(s.parallel),
		features.WithAlignItemsToWindow(t.AlignItems),
		features.WithResolver(s.resolver),
		features.WithAllocator(s.mem))
	table, err := builder.Build(stream.Context())
	if err != nil {
		s.logger.Error("Build failed", zap.Stringer("window", window), zap.Error(err))
		return status.Error(buildCode(err), err.Error())
	}

	rec := table.Record(s.mem)
	defer rec.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	defer writer.Close()
	if err := writer.Write(rec); err != nil {
		return status.Errorf(codes.Internal, "failed to write record: %v", err)
	}
	return nil
}

func buildCode(err error) codes.Code {
	switch {
	case errors.Is(err, db.ErrMissingTable):
		return codes.NotFound
	case errors.Is(err, features.ErrEmptyWindow):
		return codes.FailedPrecondition
	case errors.Is(err, identity.ErrDuplicateKey):
		return codes.DataLoss
	default:
		return codes.Internal
	}
}
