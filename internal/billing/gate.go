// Package billing 计费门控
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"yuzu/internal/model"
)

var (
	// ErrSubscriptionNotAllowed 订阅状态不允许调用模型
	ErrSubscriptionNotAllowed = errors.New("subscription status does not allow model calls")
	// ErrInsufficientCredit 积分余额不足
	ErrInsufficientCredit = errors.New("insufficient credit")
)

// DebitMeta 扣费上下文（审计字段）
type DebitMeta struct {
	BotID          string
	ConversationID string
	Source         model.ChatSource
}

// Gate 计费门控能力
// 模型调用前确认订阅状态与余额，调用后按 token 用量扣减
type Gate interface {
	Check(ctx context.Context, orgID, modelID string) error
	Debit(ctx context.Context, orgID, modelID string, totalTokens int, meta *DebitMeta) error
}

// OrganizationStore 组织读写能力
type OrganizationStore interface {
	FindByID(ctx context.Context, id string) (*model.Organization, error)
	DebitCredits(ctx context.Context, id string, amount int64) error
}

// 每千 token 的积分成本，未知模型使用默认成本
var modelCosts = map[string]int64{
	"gpt-4":           30,
	"gpt-4o":          10,
	"gpt-4o-mini":     1,
	"doubao-seed-1-6": 2,
}

const defaultModelCost = 5

// CostPerKiloTokens 返回模型每千 token 的积分成本
func CostPerKiloTokens(modelID string) int64 {
	if cost, ok := modelCosts[modelID]; ok {
		return cost
	}
	return defaultModelCost
}

// creditsFor 按 token 用量折算积分，不足一千向上取整
func creditsFor(modelID string, totalTokens int) int64 {
	if totalTokens <= 0 {
		return 0
	}
	cost := CostPerKiloTokens(modelID)
	return cost * ((int64(totalTokens) + 999) / 1000)
}

// OrgGate 基于组织记录的门控实现
type OrgGate struct {
	orgs OrganizationStore
}

// NewOrgGate 创建计费门控
func NewOrgGate(orgs OrganizationStore) *OrgGate {
	return &OrgGate{orgs: orgs}
}

// Check 确认订阅状态允许且余额足以覆盖至少一次最小调用
func (g *OrgGate) Check(ctx context.Context, orgID, modelID string) error {
	org, err := g.orgs.FindByID(ctx, orgID)
	if err != nil {
		return fmt.Errorf("failed to load organization %s: %w", orgID, err)
	}

	if !org.Subscription.Allowed() {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotAllowed, org.Subscription)
	}
	if org.Credits < CostPerKiloTokens(modelID) {
		return ErrInsufficientCredit
	}
	return nil
}

// Debit 按 token 用量扣减积分
func (g *OrgGate) Debit(ctx context.Context, orgID, modelID string, totalTokens int, meta *DebitMeta) error {
	amount := creditsFor(modelID, totalTokens)
	if amount == 0 {
		return nil
	}

	if err := g.orgs.DebitCredits(ctx, orgID, amount); err != nil {
		return fmt.Errorf("failed to debit %d credits from %s: %w", amount, orgID, err)
	}

	log.Debug().
		Str("org_id", orgID).
		Str("model", modelID).
		Int("total_tokens", totalTokens).
		Int64("credits", amount).
		Msg("credits debited")
	return nil
}
