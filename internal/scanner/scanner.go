// Package scanner discovers card sources under a set of paths and runs the
// right adapter over each one. A markdown file with sr_adapter frontmatter
// is one source unit; a directory with a .sr.config file treats every file
// inside as a unit under the configured adapter; other directories are
// walked recursively. A unit that fails to read or parse is skipped with a
// warning and never aborts the scan.
package scanner

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/AM-Campbell/sr/internal/adapter"
	"github.com/AM-Campbell/sr/internal/config"
	"github.com/AM-Campbell/sr/internal/domain"
)

// Scan parses all card sources under paths.
func Scan(paths []string) []domain.ScanResult {
	var results []domain.ScanResult
	seen := map[string]bool{}

	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			slog.Warn("Cannot resolve scan path", "path", path, "error", err)
			continue
		}
		info, err := os.Stat(abs)
		if err != nil {
			slog.Warn("Cannot stat scan path", "path", abs, "error", err)
			continue
		}
		if info.IsDir() {
			scanDirectory(abs, seen, &results)
		} else if strings.HasSuffix(strings.ToLower(abs), ".md") {
			scanMarkdownFile(abs, seen, &results)
		}
	}
	return results
}

// SplitScope classifies scan paths into files and directories for the
// reconciliation scope rule.
func SplitScope(paths []string) (files, dirs []string) {
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		info, err := os.Stat(abs)
		if err != nil {
			// A vanished path is still in scope: scanning it must delete
			// the cards that used to live there.
			files = append(files, abs)
			continue
		}
		if info.IsDir() {
			dirs = append(dirs, abs)
		} else {
			files = append(files, abs)
		}
	}
	return files, dirs
}

func scanMarkdownFile(path string, seen map[string]bool, results *[]domain.ScanResult) {
	if seen[path] {
		return
	}
	seen[path] = true

	text, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Cannot read source file", "path", path, "error", err)
		return
	}
	meta, _, err := config.ParseFrontmatter(string(text))
	if err != nil {
		slog.Warn("Bad frontmatter", "path", path, "error", err)
		return
	}
	adapterName, _ := meta["sr_adapter"].(string)
	if adapterName == "" {
		return
	}
	parseUnit(path, adapterName, string(text), meta, results)
}

func scanDirectory(dir string, seen map[string]bool, results *[]domain.ScanResult) {
	configPath := filepath.Join(dir, ".sr.config")
	if raw, err := os.ReadFile(configPath); err == nil {
		cfg := config.ParseKeyValues(string(raw))
		adapterName, _ := cfg["adapter"].(string)
		if adapterName == "" {
			slog.Warn("Directory config missing adapter", "path", configPath)
			return
		}
		for _, entry := range sortedEntries(dir) {
			if entry.IsDir() || entry.Name() == ".sr.config" {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if seen[path] {
				continue
			}
			seen[path] = true
			text, err := os.ReadFile(path)
			if err != nil {
				slog.Warn("Cannot read source file", "path", path, "error", err)
				continue
			}
			parseUnit(path, adapterName, string(text), cfg, results)
		}
		return
	}

	for _, entry := range sortedEntries(dir) {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if !strings.HasPrefix(entry.Name(), ".") {
				scanDirectory(path, seen, results)
			}
		} else if strings.HasSuffix(strings.ToLower(entry.Name()), ".md") {
			scanMarkdownFile(path, seen, results)
		}
	}
}

func parseUnit(path, adapterName, text string, meta map[string]any, results *[]domain.ScanResult) {
	a, err := adapter.Get(adapterName)
	if err != nil {
		slog.Warn("Cannot load adapter", "adapter", adapterName, "path", path, "error", err)
		return
	}
	cards, err := a.Parse(text, path, meta)
	if err != nil {
		slog.Warn("Adapter failed on source", "adapter", adapterName, "path", path, "error", err)
		return
	}
	suspended, _ := meta["suspended"].(bool)
	*results = append(*results, domain.ScanResult{
		SourcePath: path,
		Adapter:    adapterName,
		Cards:      cards,
		Suspended:  suspended,
	})
}

func sortedEntries(dir string) []os.DirEntry {
	// os.ReadDir returns entries sorted by name.
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("Cannot read directory", "path", dir, "error", err)
		return nil
	}
	return entries
}
