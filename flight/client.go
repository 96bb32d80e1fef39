package flight

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ---------------------------------------------------------------------
// Flight Client
// ---------------------------------------------------------------------

// FeatureClient requests feature tables from a FeatureService.
type FeatureClient struct {
	client flight.Client
}

// NewFeatureClient connects to addr without transport security.
func NewFeatureClient(addr string) (*FeatureClient, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create flight client: %w", err)
	}
	return &FeatureClient{client: client}, nil
}

// Fetch builds a feature table remotely. The caller releases the records.
func (c *FeatureClient) Fetch(ctx context.Context, t Ticket) ([]arrow.Record, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	stream, err := c.client.DoGet(ctx, &flight.Ticket{Ticket: data})
	if err != nil {
		return nil, fmt.Errorf("DoGet failed: %w", err)
	}
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	var records []arrow.Record
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		records = append(records, rec)
	}
	if err := reader.Err(); err != nil {
		for _, rec := range records {
			rec.Release()
		}
		return nil, fmt.Errorf("error reading from flight stream: %w", err)
	}
	return records, nil
}

// Close closes the connection.
func (c *FeatureClient) Close() error {
	return c.client.Close()
}
