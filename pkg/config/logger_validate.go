package config

import (
	"fmt"
	"os"
	"path/filepath"
)

//Validate 规则说明
//字段	已通过 tag 校验	额外业务校验
//Level	oneof	无
//Format	oneof=json console	无
//Path	可为空	非空时必须是可写目录，自动创建
//MaxSize	gte=0	无
//MaxBackup/MaxAge	gte=0	二者不能同时设置（rotatelogs 限制）

// Validate 日志配置校验
func (l *ZapLogConfig) Validate() error {
	if err := valid.Struct(l); err != nil {
		return fmt.Errorf("log config invalid: %w", err)
	}
	if l.MaxAge > 0 && l.MaxBackup > 0 {
		return fmt.Errorf("log.max_age and log.max_backup are mutually exclusive, got %d and %d", l.MaxAge, l.MaxBackup)
	}
	if l.Path == "" {
		return nil
	}
	// 	校验日志路径(确保可创建)
	abs, err := filepath.Abs(l.Path)
	if err != nil {
		return fmt.Errorf("log.path cannot be resolved, got %s: %w", l.Path, err)
	}
	if err := ensureDir(abs); err != nil {
		return fmt.Errorf("log.path is not a writable directory, got %s: %w", l.Path, err)
	}
	return nil
}

func ensureDir(path string) error {
	stat, err := os.Stat(path)
	if os.IsNotExist(err) {
		return os.MkdirAll(path, 0755)
	}
	if err != nil {
		return err
	}
	if !stat.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}
