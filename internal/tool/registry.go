package tool

// Registry 内置工具注册表
// 静态注册，进程生命周期内只读
type Registry struct {
	tools map[string]*Definition
}

// NewRegistry 创建注册表
func NewRegistry(defs ...*Definition) *Registry {
	tools := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		tools[d.ID] = d
	}
	return &Registry{tools: tools}
}

// Get O(1) 查找内置工具
func (r *Registry) Get(toolID string) (*Definition, bool) {
	d, ok := r.tools[toolID]
	return d, ok
}

// GetAll 枚举全部内置工具（展示用，不在编排热路径上）
func (r *Registry) GetAll() []*Definition {
	all := make([]*Definition, 0, len(r.tools))
	for _, d := range r.tools {
		all = append(all, d)
	}
	return all
}
