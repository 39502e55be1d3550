package memory

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentmemory/internal/config"
	"agentmemory/internal/logger"
	"agentmemory/internal/metrics"
	"agentmemory/internal/profile"
)

const (
	// 会话压缩后短期记忆保留的最近条数
	compressKeepRecent = 5
	// 会话压缩的保留上限
	compressMaxItems = 10
	// 上下文组装时短期/长期记忆的默认条数
	contextShortTermLimit = 5
	contextLongTermLimit  = 3
	// 归档对话摘要的固定重要性
	summaryImportance = 0.7
)

// userSearcher 支持按用户过滤的存储(SQLite 后端)
type userSearcher interface {
	SearchByUser(userID, query string, limit int) []*MemoryItem
}

// flusher 支持显式落盘的存储
type flusher interface {
	Flush() error
}

// MemoryManager 记忆管理器
// 组合三层存储与画像存储, 是协作方使用记忆子系统的唯一入口;
// 每个应用上下文持有一个实例, 不做进程级单例
type MemoryManager struct {
	cfg *config.MemoryConfig

	shortTerm *InMemoryStore
	working   *InMemoryStore
	longTerm  MemoryStore

	profiles   *profile.Store
	compressor *MemoryCompressor

	summaryMu sync.Mutex
	summaries map[string]*ConversationSummary // 进行中的会话摘要, 按 session_id
}

// MemoryContext 一次查询的记忆上下文
type MemoryContext struct {
	Profile   *profile.UserProfile `json:"profile,omitempty"`
	ShortTerm []*MemoryItem        `json:"short_term"`
	LongTerm  []*MemoryItem        `json:"long_term"`
	Working   map[string]any       `json:"working"`
}

// NewMemoryManager 创建记忆管理器
// 长期记忆后端按配置选择, 构建失败(如 SQLite 打不开)向上传播
func NewMemoryManager(cfg *config.MemoryConfig, redisCfg *config.RedisConfig) (*MemoryManager, error) {
	longTerm, err := NewPersistentStore(cfg, redisCfg)
	if err != nil {
		return nil, fmt.Errorf("创建长期记忆后端失败: %w", err)
	}

	profiles, err := profile.NewStore(
		filepath.Join(cfg.StorageDir, "user_profiles.json"),
		cfg.SaveIntervalDuration(),
	)
	if err != nil {
		longTerm.Close()
		return nil, fmt.Errorf("创建画像存储失败: %w", err)
	}

	m := &MemoryManager{
		cfg:        cfg,
		shortTerm:  NewNamedInMemoryStore(cfg.ShortTermMaxSize, "short_term"),
		working:    NewNamedInMemoryStore(cfg.WorkingMaxSize, "working"),
		longTerm:   longTerm,
		profiles:   profiles,
		compressor: NewMemoryCompressor(),
		summaries:  make(map[string]*ConversationSummary),
	}

	logger.Info("记忆管理器已启动",
		zap.String("backend", cfg.Backend),
		zap.Bool("persistence", cfg.UsePersistence),
		zap.String("storage_dir", cfg.StorageDir),
	)
	return m, nil
}

// ---- 短期记忆 ----

// AddToShortTerm 添加一轮对话到短期记忆
func (m *MemoryManager) AddToShortTerm(userID, sessionID, role, text string, importance float64) *MemoryItem {
	item := NewMemoryItem(newMemoryID("st"), ChatTurnContent(role, text), MemoryTypeShortTerm, importance)
	item.Metadata["user_id"] = userID
	item.Metadata["session_id"] = sessionID

	m.shortTerm.Save(item)
	return item
}

// GetShortTermContext 取会话内最近的短期记忆, 按时间降序
func (m *MemoryManager) GetShortTermContext(sessionID string, limit int) []*MemoryItem {
	var results []*MemoryItem
	for _, item := range m.shortTerm.All() {
		if item.Metadata["session_id"] == sessionID {
			results = append(results, item)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp > results[j].Timestamp
	})
	return limitItems(results, limit)
}

// ---- 长期记忆 ----

// AddToLongTerm 添加内容到长期记忆
func (m *MemoryManager) AddToLongTerm(userID string, content Content, importance float64, metadata map[string]string) *MemoryItem {
	item := NewMemoryItem(newMemoryID("lt"), content, MemoryTypeLongTerm, importance)
	item.Metadata["user_id"] = userID
	for k, v := range metadata {
		item.Metadata[k] = v
	}

	m.longTerm.Save(item)
	return item
}

// SearchLongTerm 按用户检索长期记忆
// SQLite 后端走索引列, 其余后端在应用层按元数据过滤
func (m *MemoryManager) SearchLongTerm(userID, query string, limit int) []*MemoryItem {
	if us, ok := m.longTerm.(userSearcher); ok {
		return us.SearchByUser(userID, query, limit)
	}

	candidates := m.longTerm.Search(query, 0)
	if query == "" {
		candidates = m.longTerm.All()
		sortByRelevance(candidates)
	}

	var results []*MemoryItem
	for _, item := range candidates {
		if item.Metadata["user_id"] == userID {
			results = append(results, item)
		}
	}
	return limitItems(results, limit)
}

// ---- 工作记忆 ----

// workingMemoryID 工作记忆的槽位 ID, 同键覆盖
func workingMemoryID(sessionID, key string) string {
	return "wm_" + sessionID + "_" + key
}

// SetWorkingMemory 写入工作记忆, 单槽覆盖语义
func (m *MemoryManager) SetWorkingMemory(sessionID, key string, value any) {
	item := NewMemoryItem(workingMemoryID(sessionID, key), WorkingContent(key, value), MemoryTypeWorking, 0.5)
	item.Metadata["session_id"] = sessionID

	m.working.Save(item)
}

// GetWorkingMemory 读取工作记忆
func (m *MemoryManager) GetWorkingMemory(sessionID, key string) (any, bool) {
	item, ok := m.working.Get(workingMemoryID(sessionID, key))
	if !ok {
		return nil, false
	}
	return item.Content.Value, true
}

// GetAllWorkingMemory 读取会话的全部工作记忆
func (m *MemoryManager) GetAllWorkingMemory(sessionID string) map[string]any {
	result := make(map[string]any)
	for _, item := range m.working.All() {
		if item.Metadata["session_id"] == sessionID {
			result[item.Content.Key] = item.Content.Value
		}
	}
	return result
}

// ClearWorkingMemory 清空会话的工作记忆
func (m *MemoryManager) ClearWorkingMemory(sessionID string) {
	for _, item := range m.working.All() {
		if item.Metadata["session_id"] == sessionID {
			m.working.Delete(item.ID)
		}
	}
}

// ---- 用户画像 ----

// GetOrCreateProfile 获取或创建用户画像, 以 user_id 幂等
func (m *MemoryManager) GetOrCreateProfile(userID, userType string) *profile.UserProfile {
	return m.profiles.GetOrCreate(userID, userType)
}

// UpdateProfile 应用一次画像变更
func (m *MemoryManager) UpdateProfile(userID string, fn func(*profile.UserProfile)) bool {
	return m.profiles.Update(userID, fn)
}

// RecordInteraction 记录一次交互到画像
func (m *MemoryManager) RecordInteraction(userID, sessionID, summary string) bool {
	return m.profiles.Update(userID, func(p *profile.UserProfile) {
		p.RecordInteraction(sessionID, summary)
	})
}

// ---- 对话摘要生命周期 ----

// CreateSummary 开始记录一个会话的摘要
func (m *MemoryManager) CreateSummary(sessionID, userID string) *ConversationSummary {
	m.summaryMu.Lock()
	defer m.summaryMu.Unlock()

	if s, ok := m.summaries[sessionID]; ok {
		return s
	}

	s := &ConversationSummary{
		SessionID: sessionID,
		UserID:    userID,
		StartTime: unixSeconds(time.Now()),
	}
	m.summaries[sessionID] = s
	return s
}

// UpdateSummary 更新进行中的会话摘要
func (m *MemoryManager) UpdateSummary(sessionID string, fn func(*ConversationSummary)) bool {
	m.summaryMu.Lock()
	defer m.summaryMu.Unlock()

	s, ok := m.summaries[sessionID]
	if !ok {
		return false
	}
	fn(s)
	return true
}

// FinalizeSummary 结束会话摘要并归档到长期记忆
func (m *MemoryManager) FinalizeSummary(sessionID string) *MemoryItem {
	m.summaryMu.Lock()
	s, ok := m.summaries[sessionID]
	if ok {
		delete(m.summaries, sessionID)
	}
	m.summaryMu.Unlock()

	if !ok {
		return nil
	}

	s.EndTime = unixSeconds(time.Now())

	item := NewMemoryItem(newMemoryID("lt"), SummaryContent(s), MemoryTypeEpisodic, summaryImportance)
	item.Metadata["user_id"] = s.UserID
	item.Metadata["session_id"] = s.SessionID
	item.Metadata["kind"] = string(ContentKindSummary)

	m.longTerm.Save(item)
	return item
}

// ---- 记忆整理 ----

// ConsolidateMemories 将用户的高重要性短期记忆固化到长期存储
// 单向迁移: 入长期库的同时从短期库删除
func (m *MemoryManager) ConsolidateMemories(userID string) int {
	moved := 0
	for _, item := range m.shortTerm.All() {
		if item.Metadata["user_id"] != userID {
			continue
		}
		if item.Importance < m.cfg.ImportanceThreshold {
			continue
		}

		promoted := item.Clone()
		promoted.MemoryType = MemoryTypeLongTerm
		if !m.longTerm.Save(promoted) {
			continue
		}
		m.shortTerm.Delete(item.ID)
		moved++
	}

	if moved > 0 {
		metrics.ConsolidatedTotal.Add(float64(moved))
		logger.Debug("短期记忆固化完成", zap.String("user_id", userID), zap.Int("moved", moved))
	}
	return moved
}

// CompressSessionMemories 压缩一个会话的短期记忆
// 摘要归档到长期库, 短期库只留最近几条
func (m *MemoryManager) CompressSessionMemories(sessionID string) *CompressionResult {
	items := m.GetShortTermContext(sessionID, 0)
	if len(items) == 0 {
		return nil
	}

	_, result := m.compressor.CompressSession(items, compressMaxItems)

	userID := items[0].Metadata["user_id"]
	summary := &ConversationSummary{
		SessionID:    sessionID,
		UserID:       userID,
		StartTime:    items[len(items)-1].Timestamp,
		EndTime:      items[0].Timestamp,
		MainTopics:   result.Entities,
		MessageCount: len(items),
		SummaryText:  result.Summary,
	}

	item := NewMemoryItem(newMemoryID("lt"), SummaryContent(summary), MemoryTypeEpisodic, summaryImportance)
	item.Metadata["user_id"] = userID
	item.Metadata["session_id"] = sessionID
	item.Metadata["kind"] = string(ContentKindSummary)
	m.longTerm.Save(item)

	// items 已按时间降序, 保留最近的几条
	for _, old := range items[min(compressKeepRecent, len(items)):] {
		m.shortTerm.Delete(old.ID)
	}

	logger.Info("会话记忆压缩完成",
		zap.String("session_id", sessionID),
		zap.Int("total", len(items)),
		zap.Int("retained", result.RetainedCount),
	)
	return result
}

// ApplyForgetting 对长期记忆应用遗忘曲线
// userID 为空时作用于全部用户; 返回 (保留, 清理) 条数
func (m *MemoryManager) ApplyForgetting(userID string) (int, int) {
	now := time.Now()

	var candidates []*MemoryItem
	for _, item := range m.longTerm.All() {
		if userID != "" && item.Metadata["user_id"] != userID {
			continue
		}
		candidates = append(candidates, item)
	}

	retained, pruned := m.compressor.ApplyForgettingCurve(candidates, now, m.cfg.ForgettingThreshold)

	for _, item := range pruned {
		m.longTerm.Delete(item.ID)
	}
	// 重要性已被调整值覆盖, 回写存储
	for _, item := range retained {
		m.longTerm.Save(item)
	}

	if len(pruned) > 0 {
		logger.Info("遗忘曲线清理完成",
			zap.String("user_id", userID),
			zap.Int("retained", len(retained)),
			zap.Int("pruned", len(pruned)),
		)
	}
	return len(retained), len(pruned)
}

// MergeSimilarMemories 合并用户长期记忆中的相似条目
// 返回合并掉的条数
func (m *MemoryManager) MergeSimilarMemories(userID string) int {
	var candidates []*MemoryItem
	for _, item := range m.longTerm.All() {
		if item.Metadata["user_id"] != userID {
			continue
		}
		candidates = append(candidates, item)
	}
	if len(candidates) < 2 {
		return 0
	}

	merged := m.compressor.MergeMemories(candidates, m.cfg.MergeSimilarity)

	kept := make(map[string]struct{}, len(merged))
	for _, item := range merged {
		kept[item.ID] = struct{}{}
	}
	for _, item := range candidates {
		if _, ok := kept[item.ID]; !ok {
			m.longTerm.Delete(item.ID)
		}
	}
	// 合并簇吸收了成员的访问计数与重要性加成, 回写
	for _, item := range merged {
		m.longTerm.Save(item)
	}

	removed := len(candidates) - len(merged)
	if removed > 0 {
		logger.Debug("相似记忆合并完成", zap.String("user_id", userID), zap.Int("removed", removed))
	}
	return removed
}

// RunMaintenance 后台维护入口
// 顺序执行: 遗忘清理 -> 逐用户相似合并 -> 后端压缩
func (m *MemoryManager) RunMaintenance() {
	start := time.Now()

	retained, pruned := m.ApplyForgetting("")

	users := make(map[string]struct{})
	for _, item := range m.longTerm.All() {
		if uid := item.Metadata["user_id"]; uid != "" {
			users[uid] = struct{}{}
		}
	}
	mergedTotal := 0
	for uid := range users {
		mergedTotal += m.MergeSimilarMemories(uid)
	}

	if c, ok := m.longTerm.(Compactable); ok {
		if err := c.Compact(); err != nil {
			logger.Warn("后端压缩失败", zap.Error(err))
		}
	}

	logger.Info("记忆维护完成",
		zap.Int("retained", retained),
		zap.Int("pruned", pruned),
		zap.Int("merged", mergedTotal),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// ---- 上下文组装 ----

// GetContextForQuery 组装一次查询所需的记忆上下文
func (m *MemoryManager) GetContextForQuery(userID, sessionID, query string) *MemoryContext {
	ctx := &MemoryContext{
		ShortTerm: m.GetShortTermContext(sessionID, contextShortTermLimit),
		LongTerm:  m.SearchLongTerm(userID, query, contextLongTermLimit),
		Working:   m.GetAllWorkingMemory(sessionID),
	}
	if p, ok := m.profiles.Get(userID); ok {
		ctx.Profile = p
	}
	return ctx
}

// ToPrompt 渲染为提示词片段
func (c *MemoryContext) ToPrompt() string {
	var sb strings.Builder

	if c.Profile != nil {
		sb.WriteString("## 用户画像\n")
		fmt.Fprintf(&sb, "- 用户类型: %s\n", c.Profile.UserType)
		if c.Profile.City != "" {
			fmt.Fprintf(&sb, "- 城市: %s\n", c.Profile.City)
		}
		if c.Profile.DecorationStage != "" {
			fmt.Fprintf(&sb, "- 装修阶段: %s\n", c.Profile.DecorationStage)
		}
		if len(c.Profile.PreferredStyles) > 0 {
			fmt.Fprintf(&sb, "- 偏好风格: %s\n", strings.Join(c.Profile.PreferredStyles, ", "))
		}
	}

	if len(c.LongTerm) > 0 {
		sb.WriteString("## 相关历史记忆\n")
		for _, item := range c.LongTerm {
			fmt.Fprintf(&sb, "- %s\n", item.Content.String())
		}
	}

	if len(c.ShortTerm) > 0 {
		sb.WriteString("## 最近对话\n")
		// 短期记忆按时间降序存放, 提示词里按时间正序展示
		for i := len(c.ShortTerm) - 1; i >= 0; i-- {
			fmt.Fprintf(&sb, "- %s\n", c.ShortTerm[i].Content.String())
		}
	}

	if len(c.Working) > 0 {
		sb.WriteString("## 当前任务状态\n")
		keys := make([]string, 0, len(c.Working))
		for k := range c.Working {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %v\n", k, c.Working[k])
		}
	}

	return sb.String()
}

// ---- 持久化与关闭 ----

// Flush 强制持久化全部存储
func (m *MemoryManager) Flush() error {
	var firstErr error

	if f, ok := m.longTerm.(flusher); ok {
		if err := f.Flush(); err != nil {
			firstErr = err
		}
	}
	if err := m.profiles.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Shutdown 停止后台任务并落盘
func (m *MemoryManager) Shutdown() error {
	var firstErr error

	if err := m.longTerm.Close(); err != nil {
		firstErr = err
	}
	if err := m.profiles.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	logger.Info("记忆管理器已关闭")
	return firstErr
}

// GetStats 汇总各层统计
func (m *MemoryManager) GetStats() map[string]any {
	return map[string]any{
		"short_term": m.shortTerm.Stats(),
		"working":    m.working.Stats(),
		"long_term":  m.longTerm.Stats(),
		"profiles":   m.profiles.Size(),
	}
}

// newMemoryID 生成带层级前缀的记忆 ID
func newMemoryID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
