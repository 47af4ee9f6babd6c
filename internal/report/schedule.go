package report

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrNoScheduleTable 排期文件中没有包含 Project 列的表格
	ErrNoScheduleTable = errors.New("schedule file does not contain a markdown table with a Project column")

	separatorRowPattern = regexp.MustCompile(`^\s*[-|:\s]+\s*$`)
	dashesOnlyPattern   = regexp.MustCompile(`^[\-\s]+$`)
)

// ParseScheduleProjects 解析 markdown 表格的 Project 列，返回去重后的小写项目名
func ParseScheduleProjects(content string) ([]string, error) {
	if !strings.Contains(content, "Project") || !strings.Contains(content, "|") {
		return nil, ErrNoScheduleTable
	}

	var (
		header      []string
		projectCol  = -1
		projects    []string
		seenProject = make(map[string]struct{})
	)

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.Contains(line, "|") {
			continue
		}

		if projectCol < 0 {
			header = splitRow(line)
			for i, col := range header {
				if strings.EqualFold(col, "project") {
					projectCol = i
					break
				}
			}
			continue
		}

		if separatorRowPattern.MatchString(line) {
			continue
		}

		cols := splitRow(line)
		if len(cols) != len(header) {
			continue
		}
		name := strings.TrimSpace(cols[projectCol])
		if name == "" || dashesOnlyPattern.MatchString(name) {
			continue
		}
		name = strings.ToLower(name)
		if _, ok := seenProject[name]; ok {
			continue
		}
		seenProject[name] = struct{}{}
		projects = append(projects, name)
	}

	if projectCol < 0 {
		return nil, ErrNoScheduleTable
	}
	return projects, nil
}

func splitRow(line string) []string {
	trimmed := strings.Trim(strings.TrimSpace(line), "|")
	parts := strings.Split(trimmed, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
