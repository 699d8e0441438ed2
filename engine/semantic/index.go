// Package semantic resolves free-text symptom descriptions to observable
// nodes through a Qdrant vector index.
package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
	"github.com/WessleyAI/wessley-diagnostics/pkg/fn"
	"github.com/WessleyAI/wessley-diagnostics/pkg/resilience"
)

// Embedder turns texts into vectors, one per text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// PointsAPI is the subset of pb.PointsClient the index uses.
type PointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

// CollectionsAPI is the subset of pb.CollectionsClient the index uses.
type CollectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Match is one observable a text resolved to.
type Match struct {
	NodeID string  `json:"node_id"`
	Label  string  `json:"label"`
	Text   string  `json:"matched_text"`
	Score  float32 `json:"score"`
}

const (
	payloadNodeID = "node_id"
	payloadLabel  = "label"
	payloadText   = "text"

	embedBatch  = 64
	defaultTopK = 5
)

// pointNamespace derives stable point ids from (node id, text).
var pointNamespace = uuid.MustParse("6f1c1d0e-8d51-4c0a-9a53-1f9b0c7e2d44")

// ObservableIndex owns the observable collection in Qdrant.
type ObservableIndex struct {
	conn        *grpc.ClientConn
	points      PointsAPI
	collections CollectionsAPI
	collection  string
	embed       Embedder
	breaker     *resilience.Breaker
	logger      *slog.Logger
}

// Dial connects to Qdrant's gRPC endpoint at addr.
func Dial(addr, collection string, e Embedder, logger *slog.Logger) (*ObservableIndex, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	x := NewIndex(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, e, logger)
	x.conn = conn
	return x, nil
}

// NewIndex builds an index over existing clients.
func NewIndex(points PointsAPI, collections CollectionsAPI, collection string, e Embedder, logger *slog.Logger) *ObservableIndex {
	if logger == nil {
		logger = slog.Default()
	}
	opts := resilience.DefaultBreakerOpts
	opts.Name = "qdrant"
	return &ObservableIndex{
		points:      points,
		collections: collections,
		collection:  collection,
		embed:       e,
		breaker:     resilience.NewBreaker(opts),
		logger:      logger,
	}
}

// Breaker exposes the Qdrant circuit breaker, e.g. for metrics hooks.
func (x *ObservableIndex) Breaker() *resilience.Breaker { return x.breaker }

// Close closes the gRPC connection when the index dialed one.
func (x *ObservableIndex) Close() error {
	if x.conn == nil {
		return nil
	}
	return x.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist.
func (x *ObservableIndex) EnsureCollection(ctx context.Context, dims int) error {
	list, err := x.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == x.collection {
			return nil
		}
	}
	_, err = x.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: x.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: uint64(dims), Distance: pb.Distance_Cosine},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", x.collection, err)
	}
	x.logger.Info("qdrant collection created", "collection", x.collection, "dims", dims)
	return nil
}

// DeleteCollection drops the collection.
func (x *ObservableIndex) DeleteCollection(ctx context.Context) error {
	if _, err := x.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: x.collection}); err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", x.collection, err)
	}
	return nil
}

type entry struct {
	nodeID string
	label  string
	text   string
}

// indexTexts lists the texts an observable is findable by: its label and
// aliases, trimmed and de-duplicated case-insensitively.
func indexTexts(n domain.Node) []entry {
	seen := map[string]bool{}
	var out []entry
	for _, t := range append([]string{n.Label}, n.Aliases...) {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, entry{nodeID: n.ID, label: n.Label, text: t})
	}
	return out
}

// Index embeds the active observables among nodes and replaces their points.
// Other node types are ignored. It returns the number of points written.
func (x *ObservableIndex) Index(ctx context.Context, nodes []domain.Node) (int, error) {
	obs := fn.Filter(nodes, func(n domain.Node) bool {
		return n.Type == domain.NodeObservable && n.Status == domain.StatusActive
	})
	if len(obs) == 0 {
		return 0, nil
	}
	ids := fn.Map(obs, func(n domain.Node) string { return n.ID })
	if err := x.deleteNodes(ctx, ids); err != nil {
		return 0, err
	}

	var entries []entry
	for _, n := range obs {
		entries = append(entries, indexTexts(n)...)
	}
	written := 0
	for _, chunk := range fn.Chunk(entries, embedBatch) {
		vecs, err := x.embed.Embed(ctx, fn.Map(chunk, func(e entry) string { return e.text }))
		if err != nil {
			return written, fmt.Errorf("semantic: embed: %w", err)
		}
		points := make([]*pb.PointStruct, len(chunk))
		for i, e := range chunk {
			points[i] = &pb.PointStruct{
				Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{
					Uuid: uuid.NewSHA1(pointNamespace, []byte(e.nodeID+"\x00"+e.text)).String(),
				}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vecs[i]}}},
				Payload: map[string]*pb.Value{
					payloadNodeID: stringValue(e.nodeID),
					payloadLabel:  stringValue(e.label),
					payloadText:   stringValue(e.text),
				},
			}
		}
		wait := true
		err = x.breaker.Call(ctx, func(ctx context.Context) error {
			_, err := x.points.Upsert(ctx, &pb.UpsertPoints{CollectionName: x.collection, Wait: &wait, Points: points})
			return err
		})
		if err != nil {
			return written, fmt.Errorf("semantic: upsert %d points: %w", len(points), err)
		}
		written += len(points)
	}
	x.logger.Info("observables indexed", "nodes", len(obs), "points", written)
	return written, nil
}

// Sync brings one node's points up to date: active observables are
// re-indexed and any other observable is removed from the index.
func (x *ObservableIndex) Sync(ctx context.Context, n domain.Node) error {
	if n.Type != domain.NodeObservable {
		return nil
	}
	if n.Status == domain.StatusActive {
		_, err := x.Index(ctx, []domain.Node{n})
		return err
	}
	return x.deleteNodes(ctx, []string{n.ID})
}

func (x *ObservableIndex) deleteNodes(ctx context.Context, ids []string) error {
	wait := true
	err := x.breaker.Call(ctx, func(ctx context.Context) error {
		_, err := x.points.Delete(ctx, &pb.DeletePoints{
			CollectionName: x.collection,
			Wait:           &wait,
			Points: &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{{
					ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
						Key:   payloadNodeID,
						Match: &pb.Match{MatchValue: &pb.Match_Keywords{Keywords: &pb.RepeatedStrings{Strings: ids}}},
					}},
				}}},
			}},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("semantic: delete stale points: %w", err)
	}
	return nil
}

// Resolve returns up to topK observables whose indexed texts are closest to
// text, best first, each scoring at least minScore. A node matched through
// several aliases is reported once with its best score.
func (x *ObservableIndex) Resolve(ctx context.Context, text string, topK int, minScore float32) ([]Match, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.NewValidationError("text", "", domain.ErrMissingField)
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	vecs, err := x.embed.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("semantic: embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("semantic: embed query: got %d vectors", len(vecs))
	}

	resp, err := resilience.Do(x.breaker, ctx, func(ctx context.Context) (*pb.SearchResponse, error) {
		return x.points.Search(ctx, &pb.SearchPoints{
			CollectionName: x.collection,
			Vector:         vecs[0],
			Limit:          uint64(topK * 4),
			ScoreThreshold: &minScore,
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	best := map[string]Match{}
	for _, p := range resp.GetResult() {
		if p.GetScore() < minScore {
			continue
		}
		payload := p.GetPayload()
		id := payload[payloadNodeID].GetStringValue()
		if id == "" {
			continue
		}
		if cur, ok := best[id]; ok && cur.Score >= p.GetScore() {
			continue
		}
		best[id] = Match{
			NodeID: id,
			Label:  payload[payloadLabel].GetStringValue(),
			Text:   payload[payloadText].GetStringValue(),
			Score:  p.GetScore(),
		}
	}
	out := make([]Match, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].NodeID < out[j].NodeID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}
