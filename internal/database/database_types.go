package database

import (
	"errors"
	"time"
)

const NodeCollectionName = "nodes"

var (
	ErrPathEmpty   = errors.New("database: path is empty")
	ErrNotFound    = errors.New("database: record does not exist")
	ErrStoreClosed = errors.New("database: store is closed")
)

// NodeRecord 节点持久化的状态
type NodeRecord struct {
	Path       string                 `bson:"path"`
	Value      interface{}            `bson:"value,omitempty"`
	HasValue   bool                   `bson:"has_value"`
	Attributes map[string]interface{} `bson:"attributes,omitempty"`
	Configs    map[string]interface{} `bson:"configs,omitempty"`
	UpdatedAt  time.Time              `bson:"updated_at"`
}

func NewNodeRecord(path string) *NodeRecord {
	return &NodeRecord{
		Path:       path,
		Attributes: make(map[string]interface{}),
		Configs:    make(map[string]interface{}),
		UpdatedAt:  time.Now(),
	}
}

// Clone 深拷贝两层 map, 值本身按引用复制
func (r *NodeRecord) Clone() *NodeRecord {
	out := *r
	out.Attributes = make(map[string]interface{}, len(r.Attributes))
	for k, v := range r.Attributes {
		out.Attributes[k] = v
	}
	out.Configs = make(map[string]interface{}, len(r.Configs))
	for k, v := range r.Configs {
		out.Configs[k] = v
	}
	return &out
}

// NodeStore 节点状态的存储
type NodeStore interface {
	Get(path string) (*NodeRecord, error)
	Save(record *NodeRecord) error
	Delete(path string) error
	// List 返回所有记录, 按路径排序
	List() ([]*NodeRecord, error)
}
