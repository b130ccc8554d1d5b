package index

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// QdrantConfig holds configuration for the external Qdrant backend.
type QdrantConfig struct {
	// Host is the Qdrant server hostname. Default: "localhost".
	Host string `koanf:"host"`

	// Port is the Qdrant gRPC port (6334), not the HTTP REST port.
	Port int `koanf:"port"`

	// Metric is the similarity metric, fixed at collection creation.
	Metric Metric `koanf:"metric"`

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool `koanf:"use_tls"`

	// MaxRetries bounds retry attempts for transient failures.
	MaxRetries int `koanf:"max_retries"`

	// RetryBackoff is the initial backoff, doubling per retry.
	RetryBackoff time.Duration `koanf:"retry_backoff"`
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Metric == "" {
		c.Metric = MetricCosine
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	switch c.Metric {
	case MetricCosine, MetricDot:
	default:
		return fmt.Errorf("%w: unknown metric %q", ErrInvalidConfig, c.Metric)
	}
	return nil
}

func (c QdrantConfig) distance() qdrant.Distance {
	if c.Metric == MetricDot {
		return qdrant.Distance_Dot
	}
	return qdrant.Distance_Cosine
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// Qdrant is a vector index backed by an external Qdrant server over gRPC.
// One Qdrant collection per partition, named after the partition key.
//
// Qdrant point IDs must be UUIDs, so chunk IDs are mapped through a
// name-based UUID; the mapping is deterministic, which gives Add natural
// upsert semantics. The original chunk ID travels in the payload.
type Qdrant struct {
	client *qdrant.Client
	config QdrantConfig
	name   string

	mu      sync.Mutex
	created bool
	dims    int
}

// NewQdrant connects to Qdrant and prepares an index for one partition.
// The collection is created lazily on first Add, when the dimensionality
// is known.
func NewQdrant(config QdrantConfig, name string) (*Qdrant, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(50 * 1024 * 1024),
				grpc.MaxCallSendMsgSize(50 * 1024 * 1024),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	return &Qdrant{client: client, config: config, name: name}, nil
}

// retry runs op with exponential backoff on transient gRPC failures.
func (q *Qdrant) retry(ctx context.Context, opName string, op func() error) error {
	backoff := q.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed: %w", opName, err)
		}
		if attempt == q.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", opName, q.config.MaxRetries, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", opName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

// ensureCollection creates the partition's collection once, sized to dims.
func (q *Qdrant) ensureCollection(ctx context.Context, dims int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.created {
		if dims != q.dims {
			return fmt.Errorf("%w: got %d, collection has %d", ErrDimensionMismatch, dims, q.dims)
		}
		return nil
	}

	exists, err := q.client.CollectionExists(ctx, q.name)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", q.name, err)
	}
	if !exists {
		err = q.retry(ctx, "create_collection", func() error {
			return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: q.name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(dims),
					Distance: q.config.distance(),
				}),
			})
		})
		if err != nil {
			return err
		}
	}

	q.created = true
	q.dims = dims
	return nil
}

func pointID(chunkID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String())
}

// Add upserts entries into the partition's collection.
func (q *Qdrant) Add(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := q.ensureCollection(ctx, len(entries[0].Vector)); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, len(entries))
	for i, e := range entries {
		if len(e.Vector) != q.dims {
			return fmt.Errorf("%w: got %d, collection has %d", ErrDimensionMismatch, len(e.Vector), q.dims)
		}
		points[i] = &qdrant.PointStruct{
			Id:      pointID(e.ID),
			Vectors: qdrant.NewVectors(e.Vector...),
			Payload: map[string]*qdrant.Value{
				"id":      {Kind: &qdrant.Value_StringValue{StringValue: e.ID}},
				"ordinal": {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(e.Ordinal)}},
			},
		}
	}

	return q.retry(ctx, "upsert", func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.name,
			Points:         points,
		})
		return err
	})
}

// Remove deletes entries by chunk ID.
func (q *Qdrant) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q.mu.Lock()
	created := q.created
	q.mu.Unlock()
	if !created {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = pointID(id)
	}

	return q.retry(ctx, "delete", func() error {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: q.name,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Points{
					Points: &qdrant.PointsIdsList{Ids: pointIDs},
				},
			},
		})
		return err
	})
}

// Query returns up to k nearest neighbors under the configured metric.
func (q *Qdrant) Query(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	created := q.created
	q.mu.Unlock()
	if !created {
		// Nothing inserted through this process yet; check the server in
		// case the collection survives from a prior run.
		exists, err := q.client.CollectionExists(ctx, q.name)
		if err != nil {
			return nil, fmt.Errorf("checking collection %s: %w", q.name, err)
		}
		if !exists {
			return nil, nil
		}
	}

	var points []*qdrant.ScoredPoint
	err := q.retry(ctx, "query", func() error {
		res, err := q.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: q.name,
			Query:          qdrant.NewQuery(vec...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hit := Hit{Score: float64(p.Score)}
		if v, ok := p.Payload["id"]; ok {
			hit.ID = v.GetStringValue()
		}
		if v, ok := p.Payload["ordinal"]; ok {
			hit.Ordinal = int(v.GetIntegerValue())
		}
		hits = append(hits, hit)
	}
	SortHits(hits)
	return hits, nil
}

// Persistent reports true: Qdrant collections survive restarts, so the
// store skips index replay for this backend.
func (q *Qdrant) Persistent() bool { return true }

// Close closes the gRPC connection.
func (q *Qdrant) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

var _ Vector = (*Qdrant)(nil)
