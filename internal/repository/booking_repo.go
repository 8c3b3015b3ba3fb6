package repository

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"yuzu/internal/model"
	"yuzu/internal/pkg/id"
)

// BookingRepo 预约仓库
type BookingRepo struct {
	collection *mongo.Collection
}

// NewBookingRepo 创建预约仓库
func NewBookingRepo(db *mongo.Database) *BookingRepo {
	return &BookingRepo{
		collection: db.Collection("bookings"),
	}
}

// Create 写入预约
func (r *BookingRepo) Create(ctx context.Context, booking *model.Booking) error {
	if booking.ID == "" {
		booking.ID = id.New()
	}
	if booking.CreatedAt.IsZero() {
		booking.CreatedAt = time.Now()
	}

	_, err := r.collection.InsertOne(ctx, booking)
	return err
}

// ListByDay 查询机器人某天的预约
func (r *BookingRepo) ListByDay(ctx context.Context, botID string, day time.Time) ([]*model.Booking, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24 * time.Hour)

	filter := bson.M{
		"bot_id": botID,
		"slot":   bson.M{"$gte": start, "$lt": end},
	}

	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var bookings []*model.Booking
	if err := cursor.All(ctx, &bookings); err != nil {
		return nil, err
	}
	return bookings, nil
}
