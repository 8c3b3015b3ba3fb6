package mongodb

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureIndexes 创建所有集合的索引
// 统一入口，在应用启动时调用
func EnsureIndexes(db *mongo.Database) error {
	ctx := context.Background()

	// conversations 集合索引
	convColl := db.Collection("conversations")
	convIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{bson.E{Key: "bot_id", Value: 1}, bson.E{Key: "updated_at", Value: -1}},
			Options: options.Index().SetName("idx_bot_updated"),
		},
		{
			Keys:    bson.D{bson.E{Key: "status", Value: 1}},
			Options: options.Index().SetName("idx_status"),
		},
		{
			Keys:    bson.D{bson.E{Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_created"),
		},
	}
	if err := CreateIndexes(ctx, convColl, convIndexes); err != nil {
		return err
	}

	// bots 集合索引
	botColl := db.Collection("bots")
	botIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{bson.E{Key: "org_id", Value: 1}, bson.E{Key: "updated_at", Value: -1}},
			Options: options.Index().SetName("idx_org_updated"),
		},
	}
	if err := CreateIndexes(ctx, botColl, botIndexes); err != nil {
		return err
	}

	// custom_tools 集合索引
	toolColl := db.Collection("custom_tools")
	toolIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{bson.E{Key: "org_id", Value: 1}},
			Options: options.Index().SetName("idx_org"),
		},
	}
	if err := CreateIndexes(ctx, toolColl, toolIndexes); err != nil {
		return err
	}

	// documents 集合索引（知识检索依赖文本索引）
	docColl := db.Collection("documents")
	docIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{bson.E{Key: "title", Value: "text"}, bson.E{Key: "content", Value: "text"}},
			Options: options.Index().SetName("idx_text"),
		},
		{
			Keys:    bson.D{bson.E{Key: "knowledge_base_id", Value: 1}},
			Options: options.Index().SetName("idx_kb"),
		},
	}
	if err := CreateIndexes(ctx, docColl, docIndexes); err != nil {
		return err
	}

	// leads 集合索引
	leadColl := db.Collection("leads")
	leadIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{bson.E{Key: "org_id", Value: 1}, bson.E{Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_org_created"),
		},
	}
	if err := CreateIndexes(ctx, leadColl, leadIndexes); err != nil {
		return err
	}

	// bookings 集合索引
	bookingColl := db.Collection("bookings")
	bookingIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{bson.E{Key: "bot_id", Value: 1}, bson.E{Key: "slot", Value: 1}},
			Options: options.Index().SetName("idx_bot_slot"),
		},
	}
	if err := CreateIndexes(ctx, bookingColl, bookingIndexes); err != nil {
		return err
	}

	// users 集合索引
	userColl := db.Collection("users")
	userIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{bson.E{Key: "username", Value: 1}},
			Options: options.Index().SetName("idx_username").SetUnique(true),
		},
		{
			Keys:    bson.D{bson.E{Key: "email", Value: 1}},
			Options: options.Index().SetName("idx_email").SetUnique(true),
		},
		{
			Keys:    bson.D{bson.E{Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_created_at"),
		},
	}
	if err := CreateIndexes(ctx, userColl, userIndexes); err != nil {
		return err
	}

	// refresh_tokens 集合索引
	refreshTokenColl := db.Collection("refresh_tokens")
	refreshTokenIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{bson.E{Key: "user_id", Value: 1}},
			Options: options.Index().SetName("idx_user_id"),
		},
		{
			Keys:    bson.D{bson.E{Key: "token", Value: 1}},
			Options: options.Index().SetName("idx_token").SetUnique(true),
		},
		{
			Keys:    bson.D{bson.E{Key: "expires_at", Value: 1}},
			Options: options.Index().SetName("idx_expires_at").SetExpireAfterSeconds(0), // TTL索引，自动删除过期token
		},
	}
	if err := CreateIndexes(ctx, refreshTokenColl, refreshTokenIndexes); err != nil {
		return err
	}

	return nil
}
