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

// BotRepo 机器人仓库
type BotRepo struct {
	collection *mongo.Collection
}

// NewBotRepo 创建机器人仓库
func NewBotRepo(db *mongo.Database) *BotRepo {
	return &BotRepo{
		collection: db.Collection("bots"),
	}
}

// Create 创建机器人
func (r *BotRepo) Create(ctx context.Context, bot *model.Bot) error {
	if bot.ID == "" {
		bot.ID = id.New()
	}
	bot.CreatedAt = time.Now()
	bot.UpdatedAt = time.Now()

	_, err := r.collection.InsertOne(ctx, bot)
	return err
}

// FindByID 根据 ID 查询
func (r *BotRepo) FindByID(ctx context.Context, botID string) (*model.Bot, error) {
	var bot model.Bot
	if err := r.collection.FindOne(ctx, bson.M{"_id": botID}).Decode(&bot); err != nil {
		return nil, err
	}
	return &bot, nil
}

// ListByOrgID 查询组织下的机器人
func (r *BotRepo) ListByOrgID(ctx context.Context, orgID string, limit, offset int64) ([]*model.Bot, error) {
	opts := options.Find().
		SetSort(bson.D{bson.E{Key: "updated_at", Value: -1}}).
		SetLimit(limit).
		SetSkip(offset)

	cursor, err := r.collection.Find(ctx, bson.M{"org_id": orgID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var bots []*model.Bot
	if err := cursor.All(ctx, &bots); err != nil {
		return nil, err
	}
	return bots, nil
}

// Update 更新机器人
func (r *BotRepo) Update(ctx context.Context, botID string, update bson.M) error {
	if setDoc, ok := update["$set"].(bson.M); ok {
		setDoc["updated_at"] = time.Now()
	} else {
		update["$set"] = bson.M{"updated_at": time.Now()}
	}
	_, err := r.collection.UpdateByID(ctx, botID, update)
	return err
}
