package languages

import (
	"errors"
	"sync"
)

var ErrLanguageNotFound = errors.New("language not found")

type Registry struct {
	mu        sync.RWMutex
	languages map[string]Language
}

func NewRegistry() *Registry {
	r := &Registry{
		languages: make(map[string]Language),
	}
	r.registerDefaults()
	return r
}

func (r *Registry) Register(lang Language) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.languages[lang.ID] = lang
}

func (r *Registry) Get(id string) (Language, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lang, ok := r.languages[id]
	if !ok {
		return Language{}, ErrLanguageNotFound
	}
	return lang, nil
}

func (r *Registry) List() []Language {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]Language, 0, len(r.languages))
	for _, l := range r.languages {
		langs = append(langs, l)
	}
	return langs
}

func (r *Registry) registerDefaults() {
	r.Register(Language{
		ID:   "python",
		Name: "Python",
		Config: RuntimeConfig{
			Image:      "python:3.11-slim",
			SourceFile: "solution.py",
			RunCommand: []string{"python", "solution.py"},
		},
		Denylist: []string{
			`\bimport\s+os\b`,
			`\bimport\s+sys\b`,
			`\bimport\s+subprocess\b`,
			`\bimport\s+socket\b`,
			`\bimport\s+shutil\b`,
			`\bimport\s+ctypes\b`,
			`\b__import__\s*\(`,
			`\bopen\s*\(`,
			`\beval\s*\(`,
			`\bexec\s*\(`,
			`\bcompile\s*\(`,
			`\bglobals\s*\(`,
			`\bbreakpoint\s*\(`,
		},
	})

	r.Register(Language{
		ID:   "javascript",
		Name: "JavaScript",
		Config: RuntimeConfig{
			Image:      "node:20-slim",
			SourceFile: "solution.js",
			RunCommand: []string{"node", "solution.js"},
		},
		Denylist: []string{
			`\brequire\s*\(`,
			`\bimport\s*\(`,
			`\bprocess\b`,
			`\bchild_process\b`,
			`\b(?:read|write)FileSync\b`,
			`\beval\s*\(`,
			`\bnew\s+Function\b`,
			`\bFunction\s*\(`,
			`\bsetInterval\s*\(`,
			`\bsetTimeout\s*\(`,
			`\bglobalThis\b`,
			`\bXMLHttpRequest\b`,
			`\bfetch\s*\(`,
		},
	})

	r.Register(Language{
		ID:   "cpp",
		Name: "C++",
		Config: RuntimeConfig{
			Image:          "gcc:13",
			SourceFile:     "solution.cpp",
			CompileCommand: []string{"g++", "solution.cpp", "-O2", "-o", "solution"},
			RunCommand:     []string{"./solution"},
		},
		Denylist: []string{
			`\bsystem\s*\(`,
			`\bexecl?v?p?e?\s*\(`,
			`\bfork\s*\(`,
			`\bpopen\s*\(`,
			`#\s*include\s*<fstream>`,
			`#\s*include\s*<filesystem>`,
			`\bsocket\s*\(`,
			`\basm\b`,
			`__asm__`,
		},
	})

	r.Register(Language{
		ID:   "go",
		Name: "Go",
		Config: RuntimeConfig{
			Image:          "golang:1.24-alpine",
			SourceFile:     "solution.go",
			CompileCommand: []string{"go", "build", "-o", "solution", "solution.go"},
			RunCommand:     []string{"./solution"},
		},
		Denylist: []string{
			`"os/exec"`,
			`"net"`,
			`"net/http"`,
			`"syscall"`,
			`"unsafe"`,
			`"plugin"`,
			`\bos\.(?:Remove|Create|Open|Chmod|Setenv)\b`,
		},
	})
}
