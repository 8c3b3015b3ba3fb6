package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"yuzu/internal/model"
	"yuzu/internal/pkg/id"
)

// OrganizationRepo 组织仓库
type OrganizationRepo struct {
	collection *mongo.Collection
}

// NewOrganizationRepo 创建组织仓库
func NewOrganizationRepo(db *mongo.Database) *OrganizationRepo {
	return &OrganizationRepo{
		collection: db.Collection("organizations"),
	}
}

// Create 创建组织
func (r *OrganizationRepo) Create(ctx context.Context, org *model.Organization) error {
	if org.ID == "" {
		org.ID = id.New()
	}
	if org.Subscription == "" {
		org.Subscription = model.SubscriptionTrialing
	}
	org.CreatedAt = time.Now()
	org.UpdatedAt = time.Now()

	_, err := r.collection.InsertOne(ctx, org)
	return err
}

// FindByID 根据 ID 查询
func (r *OrganizationRepo) FindByID(ctx context.Context, orgID string) (*model.Organization, error) {
	var org model.Organization
	if err := r.collection.FindOne(ctx, bson.M{"_id": orgID}).Decode(&org); err != nil {
		return nil, err
	}
	return &org, nil
}

// DebitCredits 原子扣减积分，余额不足时条件不匹配返回错误
func (r *OrganizationRepo) DebitCredits(ctx context.Context, orgID string, amount int64) error {
	filter := bson.M{"_id": orgID, "credits": bson.M{"$gte": amount}}
	update := bson.M{
		"$inc": bson.M{"credits": -amount},
		"$set": bson.M{"updated_at": time.Now()},
	}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("organization %s has insufficient credits for debit of %d", orgID, amount)
	}
	return nil
}

// AddCredits 充值积分
func (r *OrganizationRepo) AddCredits(ctx context.Context, orgID string, amount int64) error {
	update := bson.M{
		"$inc": bson.M{"credits": amount},
		"$set": bson.M{"updated_at": time.Now()},
	}
	_, err := r.collection.UpdateByID(ctx, orgID, update)
	return err
}

// SetSubscription 更新订阅状态
func (r *OrganizationRepo) SetSubscription(ctx context.Context, orgID string, status model.SubscriptionStatus) error {
	update := bson.M{
		"$set": bson.M{"subscription": status, "updated_at": time.Now()},
	}
	_, err := r.collection.UpdateByID(ctx, orgID, update)
	return err
}
