// Package manifest parses requirements-style dependency manifests.
package manifest

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"prhealth/internal/common"
)

// Requirement 依赖清单中的一项
type Requirement struct {
	Name       string   `json:"name" yaml:"name"`
	Extras     []string `json:"extras,omitempty" yaml:"extras,omitempty"`
	Constraint string   `json:"constraint,omitempty" yaml:"constraint,omitempty"`
	Marker     string   `json:"marker,omitempty" yaml:"marker,omitempty"`
	Source     string   `json:"source,omitempty" yaml:"source,omitempty"`
	Ref        string   `json:"ref,omitempty" yaml:"ref,omitempty"`
	Line       int      `json:"line" yaml:"line"`
}

// IsGit 是否为 git 源依赖
func (r Requirement) IsGit() bool {
	return r.Source != ""
}

// String 返回可直接交给包管理器的依赖描述
func (r Requirement) String() string {
	if r.IsGit() {
		s := "git+" + r.Source
		if r.Ref != "" {
			s += "@" + r.Ref
		}
		if r.Name != "" {
			s += "#egg=" + r.Name
		}
		return s
	}
	s := r.Name
	if len(r.Extras) > 0 {
		s += "[" + strings.Join(r.Extras, ",") + "]"
	}
	s += r.Constraint
	// 环境标记交给包管理器求值
	if r.Marker != "" {
		s += "; " + r.Marker
	}
	return s
}

// Manifest 有序且去重的依赖清单
type Manifest struct {
	Path         string        `json:"path"`
	Requirements []Requirement `json:"requirements"`
}

var (
	namePattern       = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)(\[[A-Za-z0-9._,\s-]*\])?\s*(.*)$`)
	constraintPattern = regexp.MustCompile(`^((~=|===|==|!=|<=|>=|<|>)\s*[A-Za-z0-9.*+!_-]+\s*,?\s*)+$`)
	eggPattern        = regexp.MustCompile(`#egg=([A-Za-z0-9._-]+)`)
	normalizePattern  = regexp.MustCompile(`[-_.]+`)
)

// Load 从文件加载依赖清单
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	m, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// Parse 解析依赖清单内容
func Parse(r io.Reader) (*Manifest, error) {
	m := &Manifest{}
	seen := make(map[string]int)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	startLine := 0
	var pending strings.Builder

	flush := func() error {
		entry := strings.TrimSpace(pending.String())
		pending.Reset()
		if entry == "" {
			return nil
		}
		req, err := parseEntry(entry)
		if err != nil {
			return fmt.Errorf("%w: line %d: %v", common.ErrManifestInvalid, startLine, err)
		}
		req.Line = startLine

		// 同名依赖可按不同环境标记各出现一次
		key := NormalizeName(req.Name) + ";" + req.Marker
		if idx, ok := seen[key]; ok {
			prev := m.Requirements[idx]
			if !sameSpec(prev, req) {
				return fmt.Errorf("%w: line %d: conflicting entry for %q (first seen on line %d)",
					common.ErrManifestInvalid, startLine, req.Name, prev.Line)
			}
			return nil
		}
		seen[key] = len(m.Requirements)
		m.Requirements = append(m.Requirements, req)
		return nil
	}

	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		if pending.Len() == 0 {
			startLine = lineNo
		}

		trimmed := strings.TrimSpace(line)
		if strings.HasSuffix(trimmed, `\`) {
			pending.WriteString(strings.TrimSuffix(trimmed, `\`))
			pending.WriteByte(' ')
			continue
		}
		pending.WriteString(trimmed)
		if err := flush(); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return m, nil
}

// Digest 返回清单内容的摘要，用于识别构建期已完成的安装
func (m *Manifest) Digest() string {
	h := sha256.New()
	for _, req := range m.Requirements {
		fmt.Fprintf(h, "%s\n", req.String())
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Len 返回依赖数量
func (m *Manifest) Len() int {
	return len(m.Requirements)
}

// NormalizeName 规范化包名，大小写与分隔符不敏感
func NormalizeName(name string) string {
	return normalizePattern.ReplaceAllString(strings.ToLower(name), "-")
}

func parseEntry(entry string) (Requirement, error) {
	if strings.HasPrefix(entry, "-") {
		return Requirement{}, fmt.Errorf("unsupported option %q", strings.Fields(entry)[0])
	}
	if strings.HasPrefix(entry, "git+") {
		return parseGitEntry(entry)
	}

	marker := ""
	if idx := strings.Index(entry, ";"); idx >= 0 {
		marker = strings.TrimSpace(entry[idx+1:])
		entry = strings.TrimSpace(entry[:idx])
		if marker == "" {
			return Requirement{}, fmt.Errorf("empty environment marker in %q", entry)
		}
	}

	match := namePattern.FindStringSubmatch(entry)
	if match == nil {
		return Requirement{}, fmt.Errorf("cannot parse requirement %q", entry)
	}

	constraint := strings.Join(strings.Fields(match[3]), "")
	if constraint != "" && !constraintPattern.MatchString(constraint) {
		return Requirement{}, fmt.Errorf("invalid version constraint %q for %s", match[3], match[1])
	}

	return Requirement{
		Name:       match[1],
		Extras:     parseExtras(match[2]),
		Constraint: constraint,
		Marker:     marker,
	}, nil
}

// parseExtras 解析 "[a, b]"，返回去空白后的列表
func parseExtras(group string) []string {
	group = strings.TrimSuffix(strings.TrimPrefix(group, "["), "]")
	var extras []string
	for _, e := range strings.Split(group, ",") {
		if e = strings.TrimSpace(e); e != "" {
			extras = append(extras, e)
		}
	}
	return extras
}

func parseGitEntry(entry string) (Requirement, error) {
	raw := strings.TrimPrefix(entry, "git+")

	name := ""
	if m := eggPattern.FindStringSubmatch(raw); m != nil {
		name = m[1]
	}
	if idx := strings.Index(raw, "#"); idx >= 0 {
		raw = raw[:idx]
	}

	source, ref := raw, ""
	// @ 之后为引用，需跳过 scheme 与 userinfo 部分
	schemeEnd := strings.Index(raw, "://")
	searchFrom := 0
	if schemeEnd >= 0 {
		searchFrom = schemeEnd + 3
	}
	if at := strings.LastIndex(raw, "@"); at > searchFrom && !strings.Contains(raw[at:], "/") {
		source, ref = raw[:at], raw[at+1:]
	}

	if !strings.Contains(source, "://") {
		return Requirement{}, fmt.Errorf("git source %q must be a URL", source)
	}
	if name == "" {
		base := source[strings.LastIndex(source, "/")+1:]
		name = strings.TrimSuffix(base, ".git")
	}
	if name == "" {
		return Requirement{}, fmt.Errorf("cannot derive package name from %q", entry)
	}

	return Requirement{
		Name:   name,
		Source: source,
		Ref:    ref,
	}, nil
}

func stripComment(line string) string {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "#") {
		return ""
	}
	// 行内注释须以空白开头，避免截断 #egg=
	if idx := strings.Index(line, " #"); idx >= 0 {
		return line[:idx]
	}
	if idx := strings.Index(line, "\t#"); idx >= 0 {
		return line[:idx]
	}
	return line
}

func sameSpec(a, b Requirement) bool {
	return a.Constraint == b.Constraint && a.Marker == b.Marker &&
		a.Source == b.Source && a.Ref == b.Ref &&
		strings.Join(a.Extras, ",") == strings.Join(b.Extras, ",")
}
