package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"yuzu/internal/model"
	"yuzu/internal/tool"
)

// CalendarToolID calendar 工具 ID
const CalendarToolID = "calendar"

// 可预约时段: 每天 9:00-17:00 整点
const (
	bookingDayStart = 9
	bookingDayEnd   = 17
)

// BookingStore 预约读写能力
type BookingStore interface {
	Create(ctx context.Context, booking *model.Booking) error
	ListByDay(ctx context.Context, botID string, day time.Time) ([]*model.Booking, error)
}

// NewCalendar 创建 calendar 工具定义
// 函数: checkAvailability（查询空闲时段）、bookSlot（写预约记录）
func NewCalendar(store BookingStore) *tool.Definition {
	return &tool.Definition{
		ID:          CalendarToolID,
		Name:        "Calendar",
		Description: "查询可预约时段并创建预约",
		Type:        model.ToolTypeRegistry,
		KeyStyle:    tool.KeyStyleNamespaced,
		Functions: map[string]*tool.Function{
			"checkAvailability": {
				Description: "查询指定日期的空闲预约时段",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"date": map[string]any{
							"type":        "string",
							"description": "日期，格式 2006-01-02",
						},
					},
					"required": []string{"date"},
				},
				Execute: checkAvailability(store),
			},
			"bookSlot": {
				Description: "预约指定时段",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"slot": map[string]any{
							"type":        "string",
							"description": "时段开始时间，RFC3339 格式",
						},
						"attendee": map[string]any{
							"type":        "string",
							"description": "预约人姓名或联系方式",
						},
					},
					"required": []string{"slot"},
				},
				Execute: bookSlot(store),
			},
		},
	}
}

func checkAvailability(store BookingStore) tool.Handler {
	return func(ctx context.Context, params map[string]any, ec *tool.ExecContext) (*tool.Result, error) {
		dateStr, _ := params["date"].(string)
		day, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			return &tool.Result{OK: false, Error: fmt.Sprintf("invalid date %q, expected 2006-01-02", dateStr)}, nil
		}

		booked := map[int64]bool{}
		existing, err := store.ListByDay(ctx, ec.BotID, day)
		if err != nil {
			return nil, fmt.Errorf("failed to query bookings: %w", err)
		}
		for _, b := range existing {
			booked[b.Slot.Unix()] = true
		}

		var free []string
		for hour := bookingDayStart; hour < bookingDayEnd; hour++ {
			slot := time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, day.Location())
			if !booked[slot.Unix()] {
				free = append(free, slot.Format(time.RFC3339))
			}
		}

		out, _ := json.Marshal(map[string]any{"date": dateStr, "available": free})
		return &tool.Result{OK: true, Content: string(out)}, nil
	}
}

func bookSlot(store BookingStore) tool.Handler {
	return func(ctx context.Context, params map[string]any, ec *tool.ExecContext) (*tool.Result, error) {
		slotStr, _ := params["slot"].(string)
		slot, err := time.Parse(time.RFC3339, slotStr)
		if err != nil {
			return &tool.Result{OK: false, Error: fmt.Sprintf("invalid slot %q, expected RFC3339", slotStr)}, nil
		}
		attendee, _ := params["attendee"].(string)

		booking := &model.Booking{
			OrgID:          ec.OrgID,
			BotID:          ec.BotID,
			ConversationID: ec.ConversationID,
			Attendee:       attendee,
			Slot:           slot,
			CreatedAt:      time.Now(),
		}
		if err := store.Create(ctx, booking); err != nil {
			return nil, fmt.Errorf("failed to save booking: %w", err)
		}

		out, _ := json.Marshal(map[string]any{"booked": true, "slot": slot.Format(time.RFC3339)})
		return &tool.Result{OK: true, Content: string(out)}, nil
	}
}
