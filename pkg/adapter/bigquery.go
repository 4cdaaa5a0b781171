package adapter

import (
	"context"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/option"
)

// BigQuery is an interface for streaming rows into an existing table
type BigQuery interface {
	// Insert appends rows to datasetID.tableID. rows must be a slice of structs
	// or of bigquery.ValueSaver.
	Insert(ctx context.Context, datasetID, tableID string, rows any) error
}

// BigQueryClient implements BigQuery. Close must be called when done.
type BigQueryClient struct {
	client *bigquery.Client
}

// NewBigQuery creates a new BigQuery client
func NewBigQuery(ctx context.Context, projectID string, opts ...option.ClientOption) (*BigQueryClient, error) {
	if projectID == "" {
		return nil, goerr.New("project is required")
	}

	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client")
	}

	return &BigQueryClient{client: client}, nil
}

func (bq *BigQueryClient) Insert(ctx context.Context, datasetID, tableID string, rows any) error {
	inserter := bq.client.Dataset(datasetID).Table(tableID).Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return goerr.Wrap(err, "failed to insert rows",
			goerr.V("dataset", datasetID),
			goerr.V("table", tableID),
		)
	}
	return nil
}

func (bq *BigQueryClient) Close() error {
	if err := bq.client.Close(); err != nil {
		return goerr.Wrap(err, "failed to close BigQuery client")
	}
	return nil
}
