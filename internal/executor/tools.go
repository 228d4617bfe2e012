package executor

import (
	"sort"
	"sync"
)

// ToolInfo describes one tool a sub-task may use.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Builtin tools need no user connection.
	Builtin   bool `json:"builtin"`
	Connected bool `json:"connected"`
}

// builtinTools are always available.
var builtinTools = []ToolInfo{
	{Name: "memory", Description: "Retrieve relevant information about the user.", Builtin: true},
	{Name: "internet_search", Description: "Search the internet for information.", Builtin: true},
	{Name: "news", Description: "Get current news updates and articles.", Builtin: true},
	{Name: "accuweather", Description: "Weather for a location.", Builtin: true},
	{Name: "quickchart", Description: "Generate charts from data.", Builtin: true},
}

// knownTools need the user to connect an account first.
var knownTools = map[string]string{
	"gmail":     "Send and manage emails.",
	"gcalendar": "Manage calendar events.",
	"gdocs":     "Create and edit documents.",
	"gdrive":    "Search and read files.",
	"gsheets":   "Create and edit spreadsheets.",
	"gpeople":   "Store and organize contacts.",
	"slack":     "Act in Slack.",
	"discord":   "Act in Discord.",
	"notion":    "Manage Notion pages.",
	"github":    "Act on GitHub repositories.",
	"trello":    "Manage Trello boards.",
	"whatsapp":  "Send WhatsApp messages.",
}

// ToolRegistry tracks which tools are connected for the user.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]ToolInfo
}

// NewToolRegistry registers the builtin tools plus every known tool, marking
// the names in connected as connected. Unknown connected names are added.
func NewToolRegistry(connected []string) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]ToolInfo)}
	for _, t := range builtinTools {
		t.Connected = true
		r.tools[t.Name] = t
	}
	for name, desc := range knownTools {
		r.tools[name] = ToolInfo{Name: name, Description: desc}
	}
	for _, name := range connected {
		r.Connect(name)
	}
	return r
}

// Connect marks name as connected.
func (r *ToolRegistry) Connect(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tools[name]
	t.Name = name
	t.Connected = true
	r.tools[name] = t
}

// Disconnect marks name as disconnected. Builtins stay connected.
func (r *ToolRegistry) Disconnect(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tools[name]; ok && !t.Builtin {
		t.Connected = false
		r.tools[name] = t
	}
}

// Connected reports whether name can be used right now.
func (r *ToolRegistry) Connected(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name].Connected
}

// Missing returns the names in required that are not connected.
func (r *ToolRegistry) Missing(required []string) []string {
	var out []string
	for _, name := range required {
		if name != "" && !r.Connected(name) {
			out = append(out, name)
		}
	}
	return out
}

// Filter returns the names in required that are connected.
func (r *ToolRegistry) Filter(required []string) []string {
	var out []string
	for _, name := range required {
		if r.Connected(name) {
			out = append(out, name)
		}
	}
	return out
}

// Names returns every registered tool name, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
