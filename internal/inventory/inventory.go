// Package inventory loads the device list from a delimited text file and
// keeps it fresh when the file changes.
package inventory

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/optics-collector/internal/model"
)

var (
	ErrMissingColumn = errors.New("missing required column")
	ErrEmptyField    = errors.New("empty required field")
	ErrDuplicateHost = errors.New("duplicate host")
)

var requiredColumns = []string{model.TagHost, model.TagAddress, model.TagPlatform}

// Load reads the inventory file at path. A failed load never returns a
// partial device set.
func Load(path string, delimiter rune, logger *zap.Logger) ([]model.Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open inventory: %w", err)
	}
	defer f.Close()
	return Parse(f, delimiter, logger)
}

// Parse reads an inventory from r. Header names are trimmed and lower-cased.
func Parse(r io.Reader, delimiter rune, logger *zap.Logger) ([]model.Device, error) {
	cr := csv.NewReader(r)
	cr.Comma = delimiter
	cr.Comment = '#'
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("inventory is empty: %w", ErrMissingColumn)
		}
		return nil, fmt.Errorf("read inventory header: %w", err)
	}

	index := map[string]int{}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		header[i] = h
		if _, dup := index[h]; dup {
			return nil, fmt.Errorf("duplicate column %q in inventory header", h)
		}
		index[h] = i
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}

	// extra columns become tags; reserved names are ignored
	var extra []int
	for i, h := range header {
		if h == model.TagHost || h == model.TagAddress || h == model.TagPlatform {
			continue
		}
		if model.IsReservedTag(h) || h == "" {
			logger.Warn("inventory column ignored, name is reserved", zap.String("column", h))
			continue
		}
		extra = append(extra, i)
	}

	var devices []model.Device
	seen := map[string]int{}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read inventory: %w", err)
		}
		line, _ := cr.FieldPos(0)

		dev := model.Device{
			Host:     strings.TrimSpace(rec[index[model.TagHost]]),
			Address:  strings.TrimSpace(rec[index[model.TagAddress]]),
			Platform: strings.ToLower(strings.TrimSpace(rec[index[model.TagPlatform]])),
		}
		switch {
		case dev.Host == "":
			return nil, fmt.Errorf("line %d: %w: host", line, ErrEmptyField)
		case dev.Address == "":
			return nil, fmt.Errorf("line %d: %w: ipaddr", line, ErrEmptyField)
		case dev.Platform == "":
			return nil, fmt.Errorf("line %d: %w: os_name", line, ErrEmptyField)
		}
		if prev, dup := seen[dev.Host]; dup {
			return nil, fmt.Errorf("line %d: %w %q (first seen on line %d)", line, ErrDuplicateHost, dev.Host, prev)
		}
		seen[dev.Host] = line

		for _, i := range extra {
			dev.Tags = append(dev.Tags, model.Tag{Key: header[i], Value: strings.TrimSpace(rec[i])})
		}
		devices = append(devices, dev)
	}
	return devices, nil
}
