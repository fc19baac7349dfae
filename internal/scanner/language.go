package scanner

import (
	"path/filepath"
	"strings"

	"github.com/trellislabs/trellis/internal/types"
)

// languageByExt maps file extensions to the language tag stored on the
// files row. The tag is informational context for prompts; there are no
// per-language code paths anywhere in the pipeline.
var languageByExt = map[string]string{
	".go":    "go",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".cjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".py":    "python",
	".rb":    "ruby",
	".java":  "java",
	".kt":    "kotlin",
	".c":     "c",
	".h":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".rs":    "rust",
	".php":   "php",
	".swift": "swift",
	".scala": "scala",
	".sql":   "sql",
	".sh":    "shell",
	".bash":  "shell",
	".lua":   "lua",
	".pl":    "perl",
	".r":     "r",
	".html":  "html",
	".css":   "css",
	".yaml":  "yaml",
	".yml":   "yaml",
	".json":  "json",
	".toml":  "toml",
	".xml":   "xml",
	".md":    "markdown",
}

// detectLanguage returns the language tag for a path, empty when unknown.
func detectLanguage(path string) string {
	return languageByExt[strings.ToLower(filepath.Ext(path))]
}

// manifestNames are dependency manifests, flagged because they anchor the
// import graph of most repositories.
var manifestNames = map[string]bool{
	"package.json":     true,
	"go.mod":           true,
	"cargo.toml":       true,
	"pom.xml":          true,
	"build.gradle":     true,
	"requirements.txt": true,
	"pyproject.toml":   true,
	"gemfile":          true,
	"composer.json":    true,
}

// configNames and configExts mark configuration files.
var configNames = map[string]bool{
	"dockerfile":     true,
	"makefile":       true,
	".env.example":   true,
	"docker-compose": true,
}

// classifySpecial assigns the optional special_file_type for a path.
func classifySpecial(path string) types.SpecialFileType {
	base := strings.ToLower(filepath.Base(path))
	if manifestNames[base] {
		return types.SpecialFileManifest
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "main" || stem == "index" || stem == "app" || stem == "server" {
		return types.SpecialFileEntrypoint
	}
	if configNames[stem] || configNames[base] {
		return types.SpecialFileConfig
	}
	switch filepath.Ext(base) {
	case ".yaml", ".yml", ".toml", ".ini", ".conf":
		return types.SpecialFileConfig
	}
	return ""
}
