package grocerycrawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	productsCollection     = "products"
	nutritionCollection    = "nutrition"
	priceHistoryCollection = "price_history"
	sessionsCollection     = "crawl_sessions"
)

// MongoOptions are the connection settings read from DB_* variables.
type MongoOptions struct {
	Username string
	Password string
	Host     string
	Port     string
	Database string
	Timeout  time.Duration
}

func (o MongoOptions) uri() string {
	if o.Username == "" {
		return fmt.Sprintf("mongodb://%s:%s", o.Host, o.Port)
	}
	return fmt.Sprintf("mongodb://%s:%s@%s:%s", o.Username, o.Password, o.Host, o.Port)
}

// ConnectMongo connects and pings, so a bad address fails at startup.
func ConnectMongo(ctx context.Context, o MongoOptions) (*mongo.Client, error) {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(o.uri()))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	return client, nil
}

// productDocument is the stored product: the summary plus bookkeeping the
// list side never writes.
type productDocument struct {
	ProductSummary       `bson:",inline"`
	NutritionExtractedAt *time.Time `bson:"nutrition_extracted_at,omitempty"`
}

// MongoStore keeps products, nutrition and price history in one database.
type MongoStore struct {
	products  *mongo.Collection
	nutrition *mongo.Collection
	history   *mongo.Collection
	logger    Logger
	now       func() time.Time
}

func NewMongoStore(ctx context.Context, db *mongo.Database, logger Logger) (*MongoStore, error) {
	if logger == nil {
		logger = discardLogger()
	}
	s := &MongoStore{
		products:  db.Collection(productsCollection),
		nutrition: db.Collection(nutritionCollection),
		history:   db.Collection(priceHistoryCollection),
		logger:    logger,
		now:       time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	unique := func(key string) mongo.IndexModel {
		return mongo.IndexModel{Keys: bson.D{{Key: key, Value: 1}}, Options: options.Index().SetUnique(true)}
	}
	if _, err := s.products.Indexes().CreateMany(ctx, []mongo.IndexModel{
		unique("external_id"),
		{Keys: bson.D{{Key: "category_id", Value: 1}, {Key: "nutrition_extracted_at", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("could not create product indexes: %w", err)
	}
	if _, err := s.nutrition.Indexes().CreateOne(ctx, unique("product_id")); err != nil {
		return fmt.Errorf("could not create nutrition index: %w", err)
	}
	if _, err := s.history.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "external_id", Value: 1}, {Key: "changed_at", Value: -1}}}); err != nil {
		return fmt.Errorf("could not create price history index: %w", err)
	}
	return nil
}

// UpsertProduct refreshes the mutable fields and returns the replaced
// summary, so price changes can be detected without a second read.
func (s *MongoStore) UpsertProduct(ctx context.Context, p ProductSummary) (UpsertResult, error) {
	filter := bson.D{{Key: "external_id", Value: p.ExternalID}}
	update := bson.D{{Key: "$set", Value: p}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before)

	var prev ProductSummary
	err := s.products.FindOneAndUpdate(ctx, filter, update, opts).Decode(&prev)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return UpsertResult{Created: true}, nil
	}
	if err != nil {
		return UpsertResult{}, fmt.Errorf("could not save product %s: %w", p.ExternalID, err)
	}
	res := UpsertResult{Previous: &prev}
	if res.PriceChanged(p) {
		change := PriceChange{ExternalID: p.ExternalID, OldPrice: prev.Price, NewPrice: p.Price, ChangedAt: s.now()}
		if _, err := s.history.InsertOne(ctx, change); err != nil {
			s.logger.Error("could not record price change for %s: %v", p.ExternalID, err)
		}
	}
	return res, nil
}

// SaveNutrition overwrites the product's record and stamps the product so
// the staleness query can skip it.
func (s *MongoStore) SaveNutrition(ctx context.Context, productID string, rec NutritionRecord) error {
	rec.ProductID = productID
	if rec.ExtractedAt.IsZero() {
		rec.ExtractedAt = s.now()
	}
	filter := bson.D{{Key: "product_id", Value: productID}}
	if _, err := s.nutrition.ReplaceOne(ctx, filter, rec, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("could not save nutrition for %s: %w", productID, err)
	}
	stamp := bson.D{{Key: "$set", Value: bson.D{{Key: "nutrition_extracted_at", Value: rec.ExtractedAt}}}}
	if _, err := s.products.UpdateOne(ctx, bson.D{{Key: "external_id", Value: productID}}, stamp); err != nil {
		return fmt.Errorf("could not stamp product %s: %w", productID, err)
	}
	return nil
}

// FindStaleForNutrition returns products never extracted first, then the
// oldest extractions. maxAge <= 0 treats every product as stale.
func (s *MongoStore) FindStaleForNutrition(ctx context.Context, maxAge time.Duration, limit int, categoryIDs []string) ([]ProductSummary, error) {
	filter := bson.D{{Key: "detail_url", Value: bson.D{{Key: "$ne", Value: ""}}}}
	if maxAge > 0 {
		filter = append(filter, bson.E{Key: "$or", Value: bson.A{
			bson.D{{Key: "nutrition_extracted_at", Value: bson.D{{Key: "$exists", Value: false}}}},
			bson.D{{Key: "nutrition_extracted_at", Value: bson.D{{Key: "$lt", Value: s.now().Add(-maxAge)}}}},
		}})
	}
	if len(categoryIDs) > 0 {
		filter = append(filter, bson.E{Key: "category_id", Value: bson.D{{Key: "$in", Value: categoryIDs}}})
	}
	findOptions := options.Find().SetSort(bson.D{{Key: "nutrition_extracted_at", Value: 1}, {Key: "scraped_at", Value: -1}})
	if limit > 0 {
		findOptions.SetLimit(int64(limit))
	}

	cursor, err := s.products.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, fmt.Errorf("could not query stale products: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []productDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("could not decode stale products: %w", err)
	}
	out := make([]ProductSummary, len(docs))
	for i, d := range docs {
		out[i] = d.ProductSummary
	}
	return out, nil
}

func (s *MongoStore) CategoryProductCount(ctx context.Context, categoryID string) (int, error) {
	n, err := s.products.CountDocuments(ctx, bson.D{{Key: "category_id", Value: categoryID}})
	if err != nil {
		return 0, fmt.Errorf("could not count products in %s: %w", categoryID, err)
	}
	return int(n), nil
}

// PriceHistory returns a product's price changes, newest first.
func (s *MongoStore) PriceHistory(ctx context.Context, externalID string) ([]PriceChange, error) {
	cursor, err := s.history.Find(ctx, bson.D{{Key: "external_id", Value: externalID}},
		options.Find().SetSort(bson.D{{Key: "changed_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var out []PriceChange
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MongoTracker stores one document per crawl session.
type MongoTracker struct {
	sessions *mongo.Collection
	now      func() time.Time
}

func NewMongoTracker(db *mongo.Database) *MongoTracker {
	return &MongoTracker{sessions: db.Collection(sessionsCollection), now: time.Now}
}

func (t *MongoTracker) Create(ctx context.Context, crawlType CrawlType, settings map[string]interface{}) (*CrawlSession, error) {
	s := newCrawlSession(uuid.NewString(), crawlType, settings, t, t.now)
	if err := t.Save(ctx, s.Snapshot()); err != nil {
		return nil, err
	}
	return s, nil
}

func (t *MongoTracker) Save(ctx context.Context, rec SessionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := t.sessions.ReplaceOne(ctx, bson.D{{Key: "_id", Value: rec.ID}}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("could not save session %s: %w", rec.ID, err)
	}
	return nil
}

// Recent lists the latest sessions, newest first.
func (t *MongoTracker) Recent(ctx context.Context, limit int) ([]SessionRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := t.sessions.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var out []SessionRecord
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
