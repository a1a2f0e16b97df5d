package registers

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/optics-collector/internal/exporter"
	"github.com/optics-collector/pkg/config"
)

// Exporters 按配置顺序创建全部导出器；失败时关闭已创建的导出器
func Exporters(ctx context.Context, cfgs []config.ExporterConfig, logger *zap.Logger) ([]exporter.Exporter, error) {
	modules := make([]Module[exporter.Exporter], 0, len(cfgs))
	var created []exporter.Exporter
	for _, c := range cfgs {
		modules = append(modules, Module[exporter.Exporter]{
			Enabled: true,
			Name:    c.Name,
			NewFunc: func() (exporter.Exporter, error) {
				e, err := exporter.New(ctx, c, logger)
				if err == nil {
					created = append(created, e)
				}
				return e, err
			},
		})
	}

	exps, err := Build(modules, logger)
	if err != nil {
		errs := []error{err}
		for _, e := range created {
			errs = append(errs, e.Close(ctx))
		}
		return nil, errors.Join(errs...)
	}
	return exps, nil
}
