package repository

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"yuzu/internal/model"
	"yuzu/internal/pkg/id"
)

// CustomToolRepo 自定义工具仓库
type CustomToolRepo struct {
	collection *mongo.Collection
}

// NewCustomToolRepo 创建自定义工具仓库
func NewCustomToolRepo(db *mongo.Database) *CustomToolRepo {
	return &CustomToolRepo{
		collection: db.Collection("custom_tools"),
	}
}

// Create 创建自定义工具
func (r *CustomToolRepo) Create(ctx context.Context, ct *model.CustomTool) error {
	if ct.ID == "" {
		ct.ID = id.New()
	}
	if ct.Type == "" {
		ct.Type = model.ToolTypeCustom
	}
	ct.CreatedAt = time.Now()
	ct.UpdatedAt = time.Now()

	_, err := r.collection.InsertOne(ctx, ct)
	return err
}

// FindByID 根据 ID 查询
func (r *CustomToolRepo) FindByID(ctx context.Context, toolID string) (*model.CustomTool, error) {
	var ct model.CustomTool
	if err := r.collection.FindOne(ctx, bson.M{"_id": toolID}).Decode(&ct); err != nil {
		return nil, err
	}
	return &ct, nil
}

// ListByOrgID 查询组织下的自定义工具
func (r *CustomToolRepo) ListByOrgID(ctx context.Context, orgID string) ([]*model.CustomTool, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"org_id": orgID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var tools []*model.CustomTool
	if err := cursor.All(ctx, &tools); err != nil {
		return nil, err
	}
	return tools, nil
}
