package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BaseVersion is the version label of the initially generated code.
const BaseVersion = "v1"

// CodeState is the payload of a code-notes session: the generated base
// code plus any number of iteration histories branching from it.
type CodeState struct {
	Name          string                     `json:"name"`
	Language      string                     `json:"language"`
	BaseCode      string                     `json:"base_code"`
	BaseEmbedding []float32                  `json:"base_embedding,omitempty"`
	Histories     map[HistoryID]*CodeHistory `json:"histories"`
}

// CodeHistory is one iteration thread over the base code. Versions holds
// v2 and later; v1 always resolves to the session's BaseCode.
type CodeHistory struct {
	Caption        string                  `json:"caption"`
	CurrentVersion string                  `json:"current_version"`
	Memory         []*CodeExchange         `json:"chat_memory"`
	Versions       map[string]*CodeVersion `json:"versions"`
}

// CodeExchange is one query/response pair in an iteration thread.
type CodeExchange struct {
	Query       string    `json:"query"`
	Response    string    `json:"response"`
	CodeChanged bool      `json:"code_changed"`
	Version     string    `json:"version"`
	Timestamp   time.Time `json:"timestamp"`
}

// CodeVersion is a snapshot of the code after a modifying exchange. The
// embedding is stored with the snapshot so index rebuilds never need to
// re-embed.
type CodeVersion struct {
	Code      string    `json:"code"`
	Embedding []float32 `json:"embedding,omitempty"`
	Changes   string    `json:"changes"`
	CreatedAt time.Time `json:"timestamp"`
}

// CurrentCode resolves the code of the history's current version.
func (s *CodeState) CurrentCode(h *CodeHistory) string {
	if h == nil || h.CurrentVersion == BaseVersion {
		return s.BaseCode
	}
	if v, ok := h.Versions[h.CurrentVersion]; ok {
		return v.Code
	}
	return s.BaseCode
}

// NextVersion returns the label following the history's current version.
// The current version acts as a monotonic counter, which is collision-free
// under the single-writer-per-session model the cache enforces.
func (h *CodeHistory) NextVersion() string {
	if h.CurrentVersion == BaseVersion || h.CurrentVersion == "" {
		return "v2"
	}
	n, err := strconv.Atoi(strings.TrimPrefix(h.CurrentVersion, "v"))
	if err != nil {
		return "v2"
	}
	return fmt.Sprintf("v%d", n+1)
}
