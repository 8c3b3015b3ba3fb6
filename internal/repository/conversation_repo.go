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

// ConversationRepo 对话仓库
type ConversationRepo struct {
	collection *mongo.Collection
}

// NewConversationRepo 创建对话仓库
func NewConversationRepo(db *mongo.Database) *ConversationRepo {
	return &ConversationRepo{
		collection: db.Collection("conversations"),
	}
}

// Create 创建对话，带来源标签，初始状态 active
func (r *ConversationRepo) Create(ctx context.Context, conv *model.Conversation) error {
	if conv.ID == "" {
		conv.ID = id.New()
	}
	if conv.Status == "" {
		conv.Status = model.ConversationActive
	}
	if conv.Messages == nil {
		conv.Messages = []model.Message{}
	}
	conv.CreatedAt = time.Now()
	conv.UpdatedAt = time.Now()

	_, err := r.collection.InsertOne(ctx, conv)
	return err
}

// FindByID 根据 ID 查询
func (r *ConversationRepo) FindByID(ctx context.Context, convID string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := r.collection.FindOne(ctx, bson.M{"_id": convID}).Decode(&conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// AppendMessage 追加消息
// 消息列表只追加，消息顺序以存储为准
func (r *ConversationRepo) AppendMessage(ctx context.Context, convID string, msg model.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	update := bson.M{
		"$push": bson.M{"messages": msg},
		"$set":  bson.M{"updated_at": time.Now()},
	}

	_, err := r.collection.UpdateByID(ctx, convID, update)
	return err
}

// SetStatus 更新对话状态
func (r *ConversationRepo) SetStatus(ctx context.Context, convID string, status model.ConversationStatus) error {
	update := bson.M{
		"$set": bson.M{"status": status, "updated_at": time.Now()},
	}
	_, err := r.collection.UpdateByID(ctx, convID, update)
	return err
}

// SetPaused 设置暂停标记（与状态正交）
func (r *ConversationRepo) SetPaused(ctx context.Context, convID string, paused bool) error {
	update := bson.M{
		"$set": bson.M{"paused": paused, "updated_at": time.Now()},
	}
	_, err := r.collection.UpdateByID(ctx, convID, update)
	return err
}

// ListByBotID 查询机器人的对话列表（不含消息体）
func (r *ConversationRepo) ListByBotID(ctx context.Context, botID string, limit, offset int64) ([]*model.Conversation, error) {
	opts := options.Find().
		SetSort(bson.D{bson.E{Key: "updated_at", Value: -1}}).
		SetLimit(limit).
		SetSkip(offset).
		SetProjection(bson.M{"messages": 0})

	cursor, err := r.collection.Find(ctx, bson.M{"bot_id": botID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var convs []*model.Conversation
	if err := cursor.All(ctx, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// Delete 删除对话
func (r *ConversationRepo) Delete(ctx context.Context, convID string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": convID})
	return err
}
