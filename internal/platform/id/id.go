package id

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New 生成带前缀的唯一 ID：prefix_<uuid 去掉连字符>。
// 前缀便于在日志和数据库里一眼区分实体类型（case/evd/note/evt/report）。
func New(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}

// CaseNumber 生成面向人的案件编号：CN-YYYYMMDD-XXXXXX。
// 日期取 UTC，后缀取随机 uuid 前 6 位（大写）。
func CaseNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("CN-%s-%s", now.UTC().Format("20060102"), suffix)
}
