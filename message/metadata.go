package message

import "sort"

// Metadata 消息属性（Pub/Sub attributes、Kafka headers）
type Metadata map[string]string

// Get 获取属性值，key 不存在返回空字符串。
func (m Metadata) Get(key string) string {
	return m[key]
}

// Set 设置属性值。
func (m Metadata) Set(key, value string) {
	m[key] = value
}

// Has 检查 key 是否存在。
func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Keys 返回排序后的 key 列表（传输层按稳定顺序写出 headers）
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Copy 拷贝 Metadata。nil 拷贝为空 map，便于接收方直接 Set。
func (m Metadata) Copy() Metadata {
	cp := make(Metadata, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
