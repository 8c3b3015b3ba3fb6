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

// LeadRepo 线索仓库
type LeadRepo struct {
	collection *mongo.Collection
}

// NewLeadRepo 创建线索仓库
func NewLeadRepo(db *mongo.Database) *LeadRepo {
	return &LeadRepo{
		collection: db.Collection("leads"),
	}
}

// Create 写入线索
func (r *LeadRepo) Create(ctx context.Context, lead *model.Lead) error {
	if lead.ID == "" {
		lead.ID = id.New()
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now()
	}

	_, err := r.collection.InsertOne(ctx, lead)
	return err
}

// ListByOrgID 查询组织下的线索
func (r *LeadRepo) ListByOrgID(ctx context.Context, orgID string, limit, offset int64) ([]*model.Lead, error) {
	opts := options.Find().
		SetSort(bson.D{bson.E{Key: "created_at", Value: -1}}).
		SetLimit(limit).
		SetSkip(offset)

	cursor, err := r.collection.Find(ctx, bson.M{"org_id": orgID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var leads []*model.Lead
	if err := cursor.All(ctx, &leads); err != nil {
		return nil, err
	}
	return leads, nil
}
