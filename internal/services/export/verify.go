package export

import (
	"archive/zip"
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/hash"
	"evidence-custody/internal/services/auditverify"
)

// FileCheck 是 hashes.sha256 中单个文件的复核结果。
type FileCheck struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual,omitempty"`
	Status   string `json:"status"` // ok|missing|mismatch|error
	Error    string `json:"error,omitempty"`
}

// VerifyResult 是导出包复核结果。文件不一致不会返回 error，只体现在结果里。
type VerifyResult struct {
	Path   string      `json:"path"`
	Total  int         `json:"total"`
	OK     int         `json:"ok"`
	Failed int         `json:"failed"`
	Files  []FileCheck `json:"files"`

	// Audit 为 nil 表示 manifest.json 缺失或无法解析。
	Audit *auditverify.Result `json:"audit,omitempty"`
}

// Valid 表示所有文件 hash 一致且审计链完整。
func (r *VerifyResult) Valid() bool {
	return r.Failed == 0 && r.Audit != nil && r.Audit.OK
}

// VerifyBundle 复核导出包：逐个比对 hashes.sha256，再对 manifest.json 内的审计链做强校验。
func VerifyBundle(path string) (*VerifyResult, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	files := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		files[f.Name] = f
	}

	hashList, ok := files["hashes.sha256"]
	if !ok {
		return nil, model.Invalid("zip", "hashes.sha256 not found in zip")
	}
	expected, err := readHashList(hashList)
	if err != nil {
		return nil, err
	}

	res := &VerifyResult{Path: path, Files: make([]FileCheck, 0, len(expected))}
	for _, e := range expected {
		res.Total++
		check := FileCheck{Path: e.path, Expected: e.sum}

		f, ok := files[e.path]
		if !ok {
			check.Status = "missing"
			res.Failed++
			res.Files = append(res.Files, check)
			continue
		}
		sum, err := sha256OfZipFile(f)
		switch {
		case err != nil:
			check.Status = "error"
			check.Error = err.Error()
			res.Failed++
		case strings.EqualFold(sum, e.sum):
			check.Actual = sum
			check.Status = "ok"
			res.OK++
		default:
			check.Actual = sum
			check.Status = "mismatch"
			res.Failed++
		}
		res.Files = append(res.Files, check)
	}

	if mf, ok := files["manifest.json"]; ok {
		if data, err := readZipFile(mf); err == nil {
			var payload struct {
				Audits []model.AuditLog `json:"audits"`
			}
			if err := json.Unmarshal(data, &payload); err == nil {
				a := auditverify.VerifyAuditLogs(payload.Audits)
				res.Audit = &a
			}
		}
	}
	return res, nil
}

type hashLine struct {
	sum  string
	path string
}

// readHashList 解析 sha256sum 格式，忽略注释与不合法行。
func readHashList(f *zip.File) ([]hashLine, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open hashes.sha256: %w", err)
	}
	defer rc.Close()

	var out []hashLine
	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sum, p, ok := strings.Cut(line, "  ")
		sum, p = strings.TrimSpace(sum), strings.TrimSpace(p)
		if !ok || len(sum) != 64 || p == "" {
			continue
		}
		out = append(out, hashLine{sum: sum, path: p})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read hashes.sha256: %w", err)
	}
	return out, nil
}

func sha256OfZipFile(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	sum, _, err := hash.Reader(rc)
	return sum, err
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
