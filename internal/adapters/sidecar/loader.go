package sidecar

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"evidence-custody/internal/platform/hash"

	"gopkg.in/yaml.v3"
	"howett.net/plist"
)

// Meta 是取证工具随证据一起产出的元数据 sidecar 文件内容。
// 字段同时支持 yaml 与 plist（XML/二进制）两种写法。
type Meta struct {
	Category    string         `yaml:"category" plist:"category"`
	Description string         `yaml:"description" plist:"description"`
	MimeType    string         `yaml:"mime_type" plist:"mime_type"`
	Tags        []string       `yaml:"tags" plist:"tags"`
	Actor       string         `yaml:"actor" plist:"actor"`
	Metadata    map[string]any `yaml:"metadata" plist:"metadata"`

	// SHA256 是 sidecar 文件本身的摘要，写入 RECEIVED 记录的元数据便于追溯。
	SHA256 string `yaml:"-" plist:"-"`
	Format string `yaml:"-" plist:"-"`
}

// Load 按扩展名读取 sidecar：.yaml/.yml 走 yaml.v3，.plist 走 howett.net/plist。
func Load(ctx context.Context, path string) (*Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sidecar path is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sidecar: %w", err)
	}

	var meta *Meta
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		meta, err = ParseYAML(raw)
	case ".plist":
		meta, err = ParsePlist(raw)
	default:
		return nil, fmt.Errorf("unsupported sidecar format: %q", ext)
	}
	if err != nil {
		return nil, err
	}
	meta.SHA256 = hash.Bytes(raw)
	return meta, nil
}

func ParseYAML(raw []byte) (*Meta, error) {
	var m Meta
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse yaml sidecar: %w", err)
	}
	m.Format = "yaml"
	return normalize(&m), nil
}

// ParsePlist 解析 plist sidecar；Info.plist 风格的 XML 和二进制格式 howett.net/plist 都支持。
func ParsePlist(raw []byte) (*Meta, error) {
	var m Meta
	if _, err := plist.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse plist sidecar: %w", err)
	}
	m.Format = "plist"
	return normalize(&m), nil
}

func normalize(m *Meta) *Meta {
	m.Category = strings.TrimSpace(m.Category)
	m.Description = strings.TrimSpace(m.Description)
	m.MimeType = strings.TrimSpace(m.MimeType)
	m.Actor = strings.TrimSpace(m.Actor)

	seen := make(map[string]struct{}, len(m.Tags))
	tags := make([]string, 0, len(m.Tags))
	for _, t := range m.Tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
	}
	m.Tags = tags
	return m
}

// CustodyMetadata 返回要写进 RECEIVED 记录的元数据：sidecar 的 metadata 加上来源信息。
func (m *Meta) CustodyMetadata() map[string]any {
	out := make(map[string]any, len(m.Metadata)+2)
	for k, v := range m.Metadata {
		out[k] = v
	}
	if m.SHA256 != "" {
		out["sidecar_sha256"] = m.SHA256
	}
	if m.Format != "" {
		out["sidecar_format"] = m.Format
	}
	return out
}
