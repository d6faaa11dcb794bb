package strategy

import (
	"fmt"
	"sort"
	"sync"
)

// Factory 根据阈值覆盖和订阅人创建策略实例
type Factory func(overrides map[string]float64, subscribers []string) (Strategy, error)

var (
	factories   = make(map[string]Factory)
	factoriesMu sync.RWMutex
)

// RegisterStrategy 注册策略，应在 init() 中调用，重复注册直接 panic
func RegisterStrategy(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Errorf("strategy %s already registered", name))
	}
	factories[name] = factory
}

// Registered 已注册的策略名（排序后）
func Registered() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build 按 enabled 顺序创建策略
func Build(enabled []string, overrides map[string]map[string]float64, subscribers []string) ([]Strategy, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	out := make([]Strategy, 0, len(enabled))
	seen := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		if seen[name] {
			return nil, fmt.Errorf("strategy %s enabled twice", name)
		}
		seen[name] = true

		factory, ok := factories[name]
		if !ok {
			return nil, fmt.Errorf("strategy %s not found", name)
		}
		s, err := factory(overrides[name], subscribers)
		if err != nil {
			return nil, fmt.Errorf("build strategy %s: %w", name, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// applyOverrides 把配置里的阈值写回策略字段，未知阈值名视为配置错误
func applyOverrides(overrides map[string]float64, fields map[string]*float64) error {
	for key, val := range overrides {
		ptr, ok := fields[key]
		if !ok {
			return fmt.Errorf("unknown threshold %q", key)
		}
		*ptr = val
	}
	return nil
}
