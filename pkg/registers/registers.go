// Package registers 按配置装配驱动与导出器。
//
// 新增驱动或导出器只需在对应的 modules 列表添加一条，不必写重复的 if/else。
package registers

import (
	"fmt"

	"go.uber.org/zap"
)

// Module 一个可按配置开关的组件
type Module[T any] struct {
	Enabled bool
	Name    string
	NewFunc func() (T, error)
}

// Build 依次创建已启用的模块；任一模块创建失败即返回错误
func Build[T any](modules []Module[T], logger *zap.Logger) ([]T, error) {
	var (
		built []T
		names []string
	)
	for _, m := range modules {
		if !m.Enabled {
			logger.Debug("module disabled", zap.String("name", m.Name))
			continue
		}
		v, err := m.NewFunc()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.Name, err)
		}
		built = append(built, v)
		names = append(names, m.Name)
	}
	logger.Debug("modules registered", zap.Strings("enabled", names))
	return built, nil
}
