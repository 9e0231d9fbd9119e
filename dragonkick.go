package dragonkick

import (
	"time"
)

// ClosureRequest is the struct expected by the closures endpoint.
type ClosureRequest struct {
	// Guest paths of the targets in the server's sysroot. Glob patterns
	// are allowed.
	Targets []string `json:"targets"`
	// Directories searched like LD_LIBRARY_PATH.
	Overrides []string `json:"overrides,omitempty"`
	// Include the program interpreter of the targets in the closure?
	Interpreter bool `json:"interpreter,omitempty"`
	// Metadata set by the client.
	Metadata map[string]string `json:"metadata"`
	// Version of the client that sent the request.
	ClientVersion string `json:"client_version"`
}

// Report of a dependency closure, as printed by the commands and indexed by
// the server.
type Report struct {
	UID      string    `json:"uid" yaml:"uid"`
	Date     time.Time `json:"date" yaml:"date"`
	Hostname string    `json:"hostname" yaml:"hostname"`
	Sysroot  string    `json:"sysroot" yaml:"sysroot"`
	// Paths of the targets.
	Targets []string `json:"targets" yaml:"targets"`
	// Libraries in discovery order, targets excluded.
	Libraries  []Library    `json:"libraries" yaml:"libraries"`
	Unresolved []Unresolved `json:"unresolved" yaml:"unresolved"`
	Skipped    []Skipped    `json:"skipped" yaml:"skipped"`
	// Number of resolved edges.
	Resolved int `json:"resolved" yaml:"resolved"`
	Parsed   int `json:"parsed" yaml:"parsed"`
	Levels   int `json:"levels" yaml:"levels"`
	// Duration of the resolution, in milliseconds.
	Duration int64 `json:"duration" yaml:"duration"`
	// Total on-disk size of the targets and libraries.
	Size           int64             `json:"size" yaml:"size"`
	Metadata       map[string]string `json:"metadata" yaml:"metadata,omitempty"`
	ClientVersion  string            `json:"client_version,omitempty" yaml:"client_version,omitempty"`
	IndexerVersion string            `json:"indexer_version,omitempty" yaml:"indexer_version,omitempty"`
}

// Library of a closure.
type Library struct {
	Path string `json:"path" yaml:"path"`
	// Soname it was first reached with.
	Soname string `json:"soname" yaml:"soname"`
	// Path of the binary that first needed it.
	Requester string `json:"requester" yaml:"requester"`
	// Search source it was found in.
	Source string `json:"source" yaml:"source"`
	Size   int64  `json:"size" yaml:"size"`
}

// Unresolved soname of a closure.
type Unresolved struct {
	Soname     string   `json:"soname" yaml:"soname"`
	Requesters []string `json:"requesters" yaml:"requesters"`
}

// Skipped binary of a closure.
type Skipped struct {
	Path  string `json:"path" yaml:"path"`
	Error string `json:"error" yaml:"error"`
}

// SearchResult is returned by the search endpoint.
type SearchResult struct {
	Results []Report `json:"results"`
	Total   uint64   `json:"total"`
}

// Error type for API return values.
type Error struct {
	Err string `json:"error"`
}
