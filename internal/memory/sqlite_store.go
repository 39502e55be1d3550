package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"agentmemory/internal/logger"
	"agentmemory/internal/metrics"
	"go.uber.org/zap"
)

const sqliteStoreName = "sqlite"

// SQLiteMemoryStore SQLite 持久化存储
// WAL 模式提升并发吞吐; 引擎自身无法完全避免锁冲突,
// 额外用一把写锁串行化写入
type SQLiteMemoryStore struct {
	db      *sql.DB
	dbPath  string
	maxSize int

	writeMu sync.Mutex // 串行化写入, 避免 database busy

	statsMu sync.RWMutex
	hits    int64
	misses  int64
}

// NewSQLiteMemoryStore 创建 SQLite 存储
// 构建失败是启动期致命错误, 向上传播而不降级
func NewSQLiteMemoryStore(dbPath string, maxSize int) (*SQLiteMemoryStore, error) {
	if maxSize <= 0 {
		maxSize = 100000
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// 连接池参数: 每个工作协程可拿到独立连接
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",   // 写前日志模式, 提升并发性能
		"PRAGMA synchronous=NORMAL", // 正常同步模式, 平衡性能和安全
		"PRAGMA busy_timeout=10000", // 10秒忙等待超时
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("设置数据库参数失败 [%s]: %w", pragma, err)
		}
	}

	if err := initMemorySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteMemoryStore{
		db:      db,
		dbPath:  dbPath,
		maxSize: maxSize,
	}, nil
}

// initMemorySchema 初始化表结构
func initMemorySchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		memory_type TEXT NOT NULL,
		importance REAL DEFAULT 0.5,
		original_importance REAL,
		timestamp REAL NOT NULL,
		access_count INTEGER DEFAULT 0,
		last_access REAL NOT NULL,
		metadata TEXT,
		user_id TEXT,
		session_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(memory_type);
	CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id);
	CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id);
	CREATE INDEX IF NOT EXISTS idx_memories_timestamp ON memories(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories(importance DESC);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("初始化数据库表结构失败: %w", err)
	}
	return nil
}

// Save 保存记忆项
// 容量达到上限时先批量删除 (importance, timestamp) 最低的 10%,
// 批量淘汰摊薄每次写入的开销
func (s *SQLiteMemoryStore) Save(item *MemoryItem) bool {
	contentJSON, err := json.Marshal(item.Content)
	if err != nil {
		logger.Error("序列化记忆内容失败", zap.String("id", item.ID), zap.Error(err))
		metrics.StorageErrorsTotal.WithLabelValues(sqliteStoreName, "save").Inc()
		return false
	}
	metadataJSON, err := json.Marshal(item.Metadata)
	if err != nil {
		logger.Error("序列化记忆元数据失败", zap.String("id", item.ID), zap.Error(err))
		metrics.StorageErrorsTotal.WithLabelValues(sqliteStoreName, "save").Inc()
		return false
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.evictIfFull(); err != nil {
		logger.Warn("容量淘汰失败, 继续写入", zap.Error(err))
	}

	query := `
		INSERT INTO memories (
			id, content, memory_type, importance, original_importance, timestamp,
			access_count, last_access, metadata, user_id, session_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			memory_type = excluded.memory_type,
			importance = excluded.importance,
			original_importance = excluded.original_importance,
			access_count = excluded.access_count,
			last_access = excluded.last_access,
			metadata = excluded.metadata,
			user_id = excluded.user_id,
			session_id = excluded.session_id
	`

	var originalImportance sql.NullFloat64
	if item.OriginalImportance != nil {
		originalImportance = sql.NullFloat64{Float64: *item.OriginalImportance, Valid: true}
	}

	_, err = s.db.Exec(query,
		item.ID,
		string(contentJSON),
		string(item.MemoryType),
		item.Importance,
		originalImportance,
		item.Timestamp,
		item.AccessCount,
		item.LastAccess,
		string(metadataJSON),
		item.Metadata["user_id"],
		item.Metadata["session_id"],
	)
	if err != nil {
		logger.Error("写入记忆失败", zap.String("id", item.ID), zap.Error(err))
		metrics.StorageErrorsTotal.WithLabelValues(sqliteStoreName, "save").Inc()
		return false
	}

	metrics.MemorySavesTotal.WithLabelValues(sqliteStoreName).Inc()
	return true
}

// evictIfFull 容量达到上限时批量删除最低分条目
func (s *SQLiteMemoryStore) evictIfFull() error {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM memories").Scan(&count); err != nil {
		return fmt.Errorf("查询记忆总数失败: %w", err)
	}
	if count < s.maxSize {
		return nil
	}

	evictCount := s.maxSize / 10
	if evictCount < 1 {
		evictCount = 1
	}

	result, err := s.db.Exec(`
		DELETE FROM memories
		WHERE id IN (
			SELECT id FROM memories
			ORDER BY importance ASC, timestamp ASC
			LIMIT ?
		)
	`, evictCount)
	if err != nil {
		return fmt.Errorf("批量淘汰失败: %w", err)
	}

	if rows, _ := result.RowsAffected(); rows > 0 {
		metrics.MemoryEvictionsTotal.WithLabelValues(sqliteStoreName).Add(float64(rows))
		logger.Debug("批量淘汰低分记忆", zap.Int64("evicted", rows))
	}
	return nil
}

// Get 按 ID 读取
// 读取与访问计数更新是两条语句, 并发下可能漏计次数,
// 只影响建议性计数器, 属于可接受的良性竞争
func (s *SQLiteMemoryStore) Get(id string) (*MemoryItem, bool) {
	row := s.db.QueryRow(`
		SELECT id, content, memory_type, importance, original_importance, timestamp,
		       access_count, last_access, metadata
		FROM memories WHERE id = ?
	`, id)

	item, err := scanMemoryItem(row)
	if err == sql.ErrNoRows {
		s.statsMu.Lock()
		s.misses++
		s.statsMu.Unlock()
		metrics.MemoryMissesTotal.WithLabelValues(sqliteStoreName).Inc()
		return nil, false
	}
	if err != nil {
		logger.Error("读取记忆失败", zap.String("id", id), zap.Error(err))
		metrics.StorageErrorsTotal.WithLabelValues(sqliteStoreName, "get").Inc()
		return nil, false
	}

	_, err = s.db.Exec(`
		UPDATE memories
		SET access_count = access_count + 1, last_access = ?
		WHERE id = ?
	`, unixSeconds(time.Now()), id)
	if err != nil {
		logger.Warn("更新访问计数失败", zap.String("id", id), zap.Error(err))
	}
	item.Touch(time.Now())

	s.statsMu.Lock()
	s.hits++
	s.statsMu.Unlock()
	metrics.MemoryHitsTotal.WithLabelValues(sqliteStoreName).Inc()
	return item, true
}

// Search 子串匹配检索
func (s *SQLiteMemoryStore) Search(query string, limit int) []*MemoryItem {
	return s.searchWhere("content LIKE ?", []any{likePattern(query)}, limit)
}

// SearchByUser 按用户检索
func (s *SQLiteMemoryStore) SearchByUser(userID, query string, limit int) []*MemoryItem {
	if query == "" {
		return s.searchWhere("user_id = ?", []any{userID}, limit)
	}
	return s.searchWhere("user_id = ? AND content LIKE ?", []any{userID, likePattern(query)}, limit)
}

// SearchBySession 按会话检索
func (s *SQLiteMemoryStore) SearchBySession(sessionID string, limit int) []*MemoryItem {
	return s.searchWhere("session_id = ?", []any{sessionID}, limit)
}

// searchWhere 带条件检索, 按 (importance, last_access) 降序
func (s *SQLiteMemoryStore) searchWhere(where string, args []any, limit int) []*MemoryItem {
	query := fmt.Sprintf(`
		SELECT id, content, memory_type, importance, original_importance, timestamp,
		       access_count, last_access, metadata
		FROM memories
		WHERE %s
		ORDER BY importance DESC, last_access DESC
	`, where)
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		logger.Error("检索记忆失败", zap.Error(err))
		metrics.StorageErrorsTotal.WithLabelValues(sqliteStoreName, "search").Inc()
		return nil
	}
	defer rows.Close()

	var results []*MemoryItem
	for rows.Next() {
		item, err := scanMemoryItem(rows)
		if err != nil {
			logger.Warn("解析记忆行失败", zap.Error(err))
			continue
		}
		results = append(results, item)
	}
	return results
}

// Delete 删除记忆项
func (s *SQLiteMemoryStore) Delete(id string) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.Exec("DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		logger.Error("删除记忆失败", zap.String("id", id), zap.Error(err))
		metrics.StorageErrorsTotal.WithLabelValues(sqliteStoreName, "delete").Inc()
		return false
	}
	rows, _ := result.RowsAffected()
	return rows > 0
}

// DeleteBySession 删除会话内全部记忆, 返回删除条数
func (s *SQLiteMemoryStore) DeleteBySession(sessionID string) int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.Exec("DELETE FROM memories WHERE session_id = ?", sessionID)
	if err != nil {
		logger.Error("按会话删除记忆失败", zap.String("session_id", sessionID), zap.Error(err))
		metrics.StorageErrorsTotal.WithLabelValues(sqliteStoreName, "delete").Inc()
		return 0
	}
	rows, _ := result.RowsAffected()
	return int(rows)
}

// Clear 清空存储
func (s *SQLiteMemoryStore) Clear() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.Exec("DELETE FROM memories"); err != nil {
		logger.Error("清空记忆失败", zap.Error(err))
		metrics.StorageErrorsTotal.WithLabelValues(sqliteStoreName, "clear").Inc()
	}
}

// All 返回全部记忆项
func (s *SQLiteMemoryStore) All() []*MemoryItem {
	return s.searchWhere("1=1", nil, 0)
}

// Size 当前条数
func (s *SQLiteMemoryStore) Size() int {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM memories").Scan(&count); err != nil {
		logger.Error("查询记忆总数失败", zap.Error(err))
		return 0
	}
	return count
}

// Stats 统计信息
func (s *SQLiteMemoryStore) Stats() map[string]any {
	s.statsMu.RLock()
	hits := s.hits
	misses := s.misses
	s.statsMu.RUnlock()

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	stats := map[string]any{
		"storage_type": "sqlite",
		"db_path":      s.dbPath,
		"size":         s.Size(),
		"max_size":     s.maxSize,
		"hits":         hits,
		"misses":       misses,
		"hit_rate":     hitRate,
	}

	var byType = map[string]int{}
	rows, err := s.db.Query("SELECT memory_type, COUNT(*) FROM memories GROUP BY memory_type")
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var mt string
			var n int
			if rows.Scan(&mt, &n) == nil {
				byType[mt] = n
			}
		}
		stats["by_type"] = byType
	}

	return stats
}

// Compact 压缩数据库文件
func (s *SQLiteMemoryStore) Compact() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("压缩数据库失败: %w", err)
	}
	return nil
}

// Close 关闭数据库连接
func (s *SQLiteMemoryStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// rowScanner 兼容 *sql.Row 与 *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// scanMemoryItem 从查询结果还原记忆项
func scanMemoryItem(row rowScanner) (*MemoryItem, error) {
	var item MemoryItem
	var contentJSON, metadataJSON string
	var originalImportance sql.NullFloat64

	err := row.Scan(
		&item.ID,
		&contentJSON,
		&item.MemoryType,
		&item.Importance,
		&originalImportance,
		&item.Timestamp,
		&item.AccessCount,
		&item.LastAccess,
		&metadataJSON,
	)
	if err != nil {
		return nil, err
	}
	if originalImportance.Valid {
		item.OriginalImportance = &originalImportance.Float64
	}

	if err := json.Unmarshal([]byte(contentJSON), &item.Content); err != nil {
		return nil, fmt.Errorf("解析记忆内容失败: %w", err)
	}
	if metadataJSON != "" && metadataJSON != "null" {
		if err := json.Unmarshal([]byte(metadataJSON), &item.Metadata); err != nil {
			return nil, fmt.Errorf("解析记忆元数据失败: %w", err)
		}
	}
	if item.Metadata == nil {
		item.Metadata = make(map[string]string)
	}
	return &item, nil
}

// likePattern 构造 LIKE 模式, 大小写不敏感由 SQLite LIKE 默认行为保证
func likePattern(query string) string {
	return "%" + query + "%"
}
