package repository

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"yuzu/internal/model"
	"yuzu/internal/pkg/id"
)

// DocumentRepo 知识文档仓库
// 依赖 documents 集合上的文本索引（见 mongodb.EnsureIndexes）
type DocumentRepo struct {
	collection *mongo.Collection
}

// NewDocumentRepo 创建知识文档仓库
func NewDocumentRepo(db *mongo.Database) *DocumentRepo {
	return &DocumentRepo{
		collection: db.Collection("documents"),
	}
}

// Create 写入文档片段
func (r *DocumentRepo) Create(ctx context.Context, doc *model.Document) error {
	if doc.ID == "" {
		doc.ID = id.New()
	}
	doc.CreatedAt = time.Now()

	_, err := r.collection.InsertOne(ctx, doc)
	return err
}

// searchResult 带相关度得分的检索结果
type searchResult struct {
	model.Document `bson:",inline"`
	Score          float64 `bson:"score"`
}

// Search 按文本相关度检索，返回至多 topK 条及对应得分
func (r *DocumentRepo) Search(ctx context.Context, knowledgeBases []string, query string, topK int) ([]*model.Document, []float64, error) {
	filter := bson.M{
		"knowledge_base_id": bson.M{"$in": knowledgeBases},
		"$text":             bson.M{"$search": query},
	}

	opts := options.Find().
		SetProjection(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetSort(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetLimit(int64(topK))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, nil, err
	}
	defer cursor.Close(ctx)

	var results []searchResult
	if err := cursor.All(ctx, &results); err != nil {
		return nil, nil, err
	}

	docs := make([]*model.Document, 0, len(results))
	scores := make([]float64, 0, len(results))
	for i := range results {
		doc := results[i].Document
		docs = append(docs, &doc)
		scores = append(scores, results[i].Score)
	}
	return docs, scores, nil
}
