package connection

import (
	"sync"
	"sync/atomic"
)

// Registry 连接管理器
type Registry struct {
	connections sync.Map
	count       atomic.Int64

	uidMu sync.Mutex
	uids  map[string]int
}

func NewRegistry() *Registry {
	return &Registry{uids: make(map[string]int)}
}

// Add 添加连接，id 已存在时返回 false
func (r *Registry) Add(conn *Connection) bool {
	_, ok := r.Register(conn)
	return ok
}

// Register 添加连接，并返回它是否为该 uid 当前唯一的连接
// 同一 uid 并发注册时只有一个连接会得到 true
func (r *Registry) Register(conn *Connection) (isFirst bool, ok bool) {
	r.uidMu.Lock()
	defer r.uidMu.Unlock()
	if _, loaded := r.connections.LoadOrStore(conn.ID, conn); loaded {
		return false, false
	}
	r.count.Add(1)
	if r.uids == nil {
		r.uids = make(map[string]int)
	}
	r.uids[conn.UID]++
	return r.uids[conn.UID] == 1, true
}

// Remove 移除连接
func (r *Registry) Remove(connID string) (*Connection, bool) {
	r.uidMu.Lock()
	defer r.uidMu.Unlock()
	value, ok := r.connections.LoadAndDelete(connID)
	if !ok {
		return nil, false
	}
	r.count.Add(-1)
	conn := value.(*Connection)
	if r.uids[conn.UID]--; r.uids[conn.UID] <= 0 {
		delete(r.uids, conn.UID)
	}
	return conn, true
}

func (r *Registry) Get(connID string) (*Connection, bool) {
	if value, ok := r.connections.Load(connID); ok {
		return value.(*Connection), true
	}
	return nil, false
}

func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Range 遍历连接，fn 返回 false 时停止
func (r *Registry) Range(fn func(conn *Connection) bool) {
	r.connections.Range(func(_, value any) bool {
		return fn(value.(*Connection))
	})
}

// Snapshot 获取当前所有连接
func (r *Registry) Snapshot() []*Connection {
	out := make([]*Connection, 0, r.Len())
	r.Range(func(conn *Connection) bool {
		out = append(out, conn)
		return true
	})
	return out
}

// CountUID 获取 uid 的在线连接数
func (r *Registry) CountUID(uid string) int {
	r.uidMu.Lock()
	defer r.uidMu.Unlock()
	return r.uids[uid]
}

// SendMessage 发送消息到指定客户端
func (r *Registry) SendMessage(connID string, data []byte) error {
	conn, ok := r.Get(connID)
	if !ok {
		return ErrConnectionUnknown
	}
	return conn.Enqueue(data)
}
