// Package profile 用户画像与其持久化存储
package profile

import (
	"time"
)

const (
	// 痛点记录上限, 超出丢弃最旧
	maxPainPoints = 20
	// 交互历史上限
	maxInteractions = 100

	// 衰减后兴趣权重不高于该值即剪除
	interestPruneFloor = 0.05
)

// Interaction 一次交互记录
type Interaction struct {
	Timestamp float64 `json:"timestamp"`
	SessionID string  `json:"session_id"`
	Summary   string  `json:"summary"`
}

// UserProfile 用户画像
// 由 UserProfileStore 独占持有, 外部只通过管理器的更新接口修改
type UserProfile struct {
	UserID   string `json:"user_id"`
	UserType string `json:"user_type"` // owner / merchant / designer
	Name     string `json:"name,omitempty"`
	City     string `json:"city,omitempty"`

	// 业主侧字段
	BudgetRange     *[2]float64 `json:"budget_range,omitempty"`
	PreferredStyles []string    `json:"preferred_styles,omitempty"`
	HouseArea       float64     `json:"house_area,omitempty"`
	DecorationStage string      `json:"decoration_stage,omitempty"`

	// 商家侧字段
	ShopName      string `json:"shop_name,omitempty"`
	ShopCategory  string `json:"shop_category,omitempty"`
	MonthlyOrders int    `json:"monthly_orders,omitempty"`

	Interests          map[string]float64 `json:"interests"`
	PainPoints         []string           `json:"pain_points"`
	InteractionHistory []Interaction      `json:"interaction_history"`

	CommunicationStyle  string `json:"communication_style,omitempty"`
	ResponseDetailLevel string `json:"response_detail_level,omitempty"`

	CreatedAt float64 `json:"created_at"`
	UpdatedAt float64 `json:"updated_at"`

	TotalSessions int `json:"total_sessions"`
	TotalMessages int `json:"total_messages"`
}

// NewUserProfile 创建用户画像
func NewUserProfile(userID, userType string) *UserProfile {
	now := unixSeconds(time.Now())
	return &UserProfile{
		UserID:    userID,
		UserType:  userType,
		Interests: make(map[string]float64),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// UpdateInterest 叠加兴趣权重, 封顶 1.0
func (p *UserProfile) UpdateInterest(topic string, delta float64) {
	if p.Interests == nil {
		p.Interests = make(map[string]float64)
	}

	weight := p.Interests[topic] + delta
	if weight > 1 {
		weight = 1
	}
	if weight < 0 {
		weight = 0
	}
	p.Interests[topic] = weight
	p.touch()
}

// DecayInterests 全部兴趣权重减去固定衰减量, 过低的条目剪除
func (p *UserProfile) DecayInterests(decayRate float64) {
	for topic, weight := range p.Interests {
		weight -= decayRate
		if weight <= interestPruneFloor {
			delete(p.Interests, topic)
			continue
		}
		p.Interests[topic] = weight
	}
	p.touch()
}

// AddPainPoint 追加痛点, 超出上限丢弃最旧
func (p *UserProfile) AddPainPoint(point string) {
	p.PainPoints = append(p.PainPoints, point)
	if len(p.PainPoints) > maxPainPoints {
		p.PainPoints = p.PainPoints[len(p.PainPoints)-maxPainPoints:]
	}
	p.touch()
}

// RecordInteraction 记录一次交互, 历史超出上限丢弃最旧
func (p *UserProfile) RecordInteraction(sessionID, summary string) {
	p.InteractionHistory = append(p.InteractionHistory, Interaction{
		Timestamp: unixSeconds(time.Now()),
		SessionID: sessionID,
		Summary:   summary,
	})
	if len(p.InteractionHistory) > maxInteractions {
		p.InteractionHistory = p.InteractionHistory[len(p.InteractionHistory)-maxInteractions:]
	}
	p.TotalMessages++
	p.touch()
}

// Clone 深拷贝, 供只读消费方使用
func (p *UserProfile) Clone() *UserProfile {
	clone := *p

	clone.Interests = make(map[string]float64, len(p.Interests))
	for k, v := range p.Interests {
		clone.Interests[k] = v
	}
	clone.PainPoints = append([]string(nil), p.PainPoints...)
	clone.InteractionHistory = append([]Interaction(nil), p.InteractionHistory...)
	clone.PreferredStyles = append([]string(nil), p.PreferredStyles...)
	if p.BudgetRange != nil {
		br := *p.BudgetRange
		clone.BudgetRange = &br
	}
	return &clone
}

func (p *UserProfile) touch() {
	p.UpdatedAt = unixSeconds(time.Now())
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
