// Package memory 实现分层记忆子系统
// 提供短期记忆、长期记忆、工作记忆的存储、检索与遗忘管理
package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MemoryType 记忆类型
type MemoryType string

const (
	MemoryTypeShortTerm MemoryType = "short_term" // 短期记忆（当前对话）
	MemoryTypeLongTerm  MemoryType = "long_term"  // 长期记忆（用户画像）
	MemoryTypeWorking   MemoryType = "working"    // 工作记忆（当前任务）
	MemoryTypeEpisodic  MemoryType = "episodic"   // 情景记忆（历史事件）
	MemoryTypeSemantic  MemoryType = "semantic"   // 语义记忆（知识沉淀）
)

// ContentKind 记忆内容的变体类型
type ContentKind string

const (
	ContentKindText    ContentKind = "text"                 // 纯文本笔记
	ContentKindChat    ContentKind = "chat_turn"            // 一轮对话
	ContentKindWorking ContentKind = "working_value"        // 工作记忆键值
	ContentKindSummary ContentKind = "conversation_summary" // 对话摘要
)

// Content 记忆内容
// 序列化格式与历史 JSON 数据保持兼容:
// 文本直接存为字符串, 对话轮存 {"role","text"}, 工作记忆存 {"key","value"},
// 对话摘要存摘要对象本身
type Content struct {
	Kind    ContentKind
	Text    string               // text / chat_turn 的文本
	Role    string               // chat_turn 的角色 (user / assistant)
	Key     string               // working_value 的键
	Value   any                  // working_value 的值
	Summary *ConversationSummary // conversation_summary 的内容
}

// TextContent 构造文本内容
func TextContent(text string) Content {
	return Content{Kind: ContentKindText, Text: text}
}

// ChatTurnContent 构造对话轮内容
func ChatTurnContent(role, text string) Content {
	return Content{Kind: ContentKindChat, Role: role, Text: text}
}

// WorkingContent 构造工作记忆内容
func WorkingContent(key string, value any) Content {
	return Content{Kind: ContentKindWorking, Key: key, Value: value}
}

// SummaryContent 构造对话摘要内容
func SummaryContent(summary *ConversationSummary) Content {
	return Content{Kind: ContentKindSummary, Summary: summary}
}

// chatTurnJSON / workingJSON 落盘格式
type chatTurnJSON struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type workingJSON struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// MarshalJSON 按变体类型序列化为历史兼容格式
func (c Content) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case ContentKindText, "":
		return json.Marshal(c.Text)
	case ContentKindChat:
		return json.Marshal(chatTurnJSON{Role: c.Role, Text: c.Text})
	case ContentKindWorking:
		return json.Marshal(workingJSON{Key: c.Key, Value: c.Value})
	case ContentKindSummary:
		return json.Marshal(c.Summary)
	default:
		return nil, fmt.Errorf("未知的内容类型: %s", c.Kind)
	}
}

// UnmarshalJSON 根据 JSON 形状还原变体类型
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("内容为空")
	}

	// 字符串 -> 文本内容
	if data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return fmt.Errorf("解析文本内容失败: %w", err)
		}
		*c = TextContent(text)
		return nil
	}

	// 对象 -> 根据字段判别变体
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("解析内容对象失败: %w", err)
	}

	switch {
	case probe["session_id"] != nil && probe["summary_text"] != nil:
		var summary ConversationSummary
		if err := json.Unmarshal(data, &summary); err != nil {
			return fmt.Errorf("解析对话摘要失败: %w", err)
		}
		*c = SummaryContent(&summary)
	case probe["role"] != nil:
		var turn chatTurnJSON
		if err := json.Unmarshal(data, &turn); err != nil {
			return fmt.Errorf("解析对话轮失败: %w", err)
		}
		*c = ChatTurnContent(turn.Role, turn.Text)
	case probe["key"] != nil:
		var wv workingJSON
		if err := json.Unmarshal(data, &wv); err != nil {
			return fmt.Errorf("解析工作记忆失败: %w", err)
		}
		*c = WorkingContent(wv.Key, wv.Value)
	default:
		return fmt.Errorf("无法识别的内容格式")
	}
	return nil
}

// String 内容的可检索文本表示
// 检索采用序列化后的小写子串匹配, 不做语义相似度
func (c Content) String() string {
	switch c.Kind {
	case ContentKindText, "":
		return c.Text
	case ContentKindChat:
		return c.Role + ": " + c.Text
	case ContentKindWorking:
		return fmt.Sprintf("%s=%v", c.Key, c.Value)
	case ContentKindSummary:
		if c.Summary == nil {
			return ""
		}
		return c.Summary.SummaryText + " " + strings.Join(c.Summary.MainTopics, " ")
	default:
		return ""
	}
}

// ConversationSummary 对话摘要
type ConversationSummary struct {
	SessionID        string   `json:"session_id"`
	UserID           string   `json:"user_id"`
	StartTime        float64  `json:"start_time"`
	EndTime          float64  `json:"end_time,omitempty"`
	MainTopics       []string `json:"main_topics,omitempty"`
	KeyEntities      []string `json:"key_entities,omitempty"`
	UserIntents      []string `json:"user_intents,omitempty"`
	ActionItems      []string `json:"action_items,omitempty"`
	MessageCount     int      `json:"message_count"`
	UserSatisfaction *float64 `json:"user_satisfaction,omitempty"`
	SummaryText      string   `json:"summary_text"`
}

// MemoryItem 记忆项
// Timestamp / LastAccess 为 Unix 秒(浮点), 与历史落盘格式及 SQLite REAL 列对齐
type MemoryItem struct {
	ID                 string            `json:"id"`
	Content            Content           `json:"content"`
	MemoryType         MemoryType        `json:"memory_type"`
	Importance         float64           `json:"importance"` // 重要性 0-1
	OriginalImportance *float64          `json:"original_importance,omitempty"`
	Timestamp          float64           `json:"timestamp"` // 创建时间, 不可变
	AccessCount        int               `json:"access_count"`
	LastAccess         float64           `json:"last_access"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// NewMemoryItem 创建记忆项
func NewMemoryItem(id string, content Content, memoryType MemoryType, importance float64) *MemoryItem {
	now := unixSeconds(time.Now())
	return &MemoryItem{
		ID:          id,
		Content:     content,
		MemoryType:  memoryType,
		Importance:  clamp01(importance),
		Timestamp:   now,
		LastAccess:  now,
		Metadata:    make(map[string]string),
	}
}

// Touch 更新访问信息
func (m *MemoryItem) Touch(now time.Time) {
	m.AccessCount++
	m.LastAccess = unixSeconds(now)
}

// AgeDays 距创建时刻的天数
func (m *MemoryItem) AgeDays(now time.Time) float64 {
	return (unixSeconds(now) - m.Timestamp) / 86400.0
}

// Clone 深拷贝(元数据独立, 摘要共享只读)
func (m *MemoryItem) Clone() *MemoryItem {
	cp := *m
	if m.Metadata != nil {
		cp.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	if m.OriginalImportance != nil {
		v := *m.OriginalImportance
		cp.OriginalImportance = &v
	}
	return &cp
}

// SearchText 小写化的可检索文本
func (m *MemoryItem) SearchText() string {
	return strings.ToLower(m.Content.String())
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
