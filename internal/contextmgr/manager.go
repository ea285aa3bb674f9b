// Package contextmgr tracks the in-memory conversation window for one
// session: token accounting against the model's context limit, threshold
// levels and the compaction trigger on model switches.
package contextmgr

import (
	"sync"

	"go.uber.org/zap"

	"github.com/strand-dev/strand/internal/common/logger"
	"github.com/strand-dev/strand/internal/event"
	"github.com/strand-dev/strand/internal/models"
	"github.com/strand-dev/strand/internal/session/projection"
)

// Level is a usage threshold band.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelWarning  Level = "warning"
	LevelAlert    Level = "alert"
	LevelExceeded Level = "exceeded"
)

// Threshold boundaries as a fraction of the context window.
const (
	warningThreshold = 0.60
	alertThreshold   = 0.80

	// CompactThreshold is where automatic compaction becomes necessary.
	CompactThreshold = 0.95
)

// Snapshot is a consistent view of the window.
type Snapshot struct {
	Messages       []projection.Message `json:"messages"`
	CurrentTokens  int                  `json:"current_tokens"`
	UsagePercent   float64              `json:"usage_percent"`
	ThresholdLevel Level                `json:"threshold_level"`
	Model          string               `json:"model"`
	ProviderType   models.Provider      `json:"provider_type"`
	ContextLimit   int                  `json:"context_limit"`

	// Cost rates in USD per million tokens, zero for unknown models.
	InputCostPerMTok  float64 `json:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `json:"output_cost_per_mtok"`
}

// Manager owns the window for one session. All methods are safe for
// concurrent use.
type Manager struct {
	registry *models.Registry
	logger   *logger.Logger

	mu            sync.Mutex
	messages      []projection.Message
	workingDir    string
	model         string
	limit         int
	currentTokens int
	onCompaction  func(Snapshot)
}

// New creates a manager seeded from a projected state.
func New(registry *models.Registry, state *projection.State, log *logger.Logger) *Manager {
	m := &Manager{
		registry: registry,
		logger:   log.WithFields(zap.String("component", "contextmgr")),
	}
	m.Reset(state)
	return m
}

// Reset replaces the window with a freshly projected state.
func (m *Manager) Reset(state *projection.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append([]projection.Message(nil), state.Messages...)
	m.workingDir = state.WorkingDirectory
	m.model = state.Model
	m.limit = m.registry.ContextWindow(state.Model)
	m.recompute()
}

// AddMessage appends one message and recomputes usage.
func (m *Manager) AddMessage(msg projection.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	m.recompute()
}

// Clear empties the window. Model and limit are untouched.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	m.recompute()
}

// OnCompactionNeeded registers the single compaction callback. It runs on the
// caller's goroutine inside SwitchModel.
func (m *Manager) OnCompactionNeeded(cb func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCompaction = cb
}

// SwitchModel updates the model and context limit. Messages are preserved
// verbatim. When the switch shrinks the window and pushes usage across the
// alert or exceeded boundary, the compaction callback fires exactly once.
// Switching to a larger window never fires it.
func (m *Manager) SwitchModel(newModel string) Snapshot {
	m.mu.Lock()
	oldLevel := m.level()
	oldLimit := m.limit

	m.model = newModel
	m.limit = m.registry.ContextWindow(newModel)
	m.recompute()

	newLevel := m.level()
	fire := m.onCompaction != nil &&
		m.limit < oldLimit &&
		levelRank(newLevel) >= levelRank(LevelAlert) &&
		levelRank(newLevel) > levelRank(oldLevel)
	snap := m.snapshotLocked()
	cb := m.onCompaction
	m.mu.Unlock()

	if fire {
		m.logger.Info("model switch crossed compaction boundary",
			zap.String("model", newModel),
			zap.String("level", string(newLevel)))
		cb(snap)
	}
	return snap
}

// ShouldCompact reports whether usage is past the automatic compaction point.
func (m *Manager) ShouldCompact() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limit > 0 && float64(m.currentTokens)/float64(m.limit) >= CompactThreshold
}

// Snapshot returns the current window state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	inRate, outRate := m.registry.CostRates(m.model)
	return Snapshot{
		Messages:          append([]projection.Message(nil), m.messages...),
		CurrentTokens:     m.currentTokens,
		UsagePercent:      m.usagePercent(),
		ThresholdLevel:    m.level(),
		Model:             m.model,
		ProviderType:      m.registry.ProviderFor(m.model),
		ContextLimit:      m.limit,
		InputCostPerMTok:  inRate,
		OutputCostPerMTok: outRate,
	}
}

func (m *Manager) recompute() {
	m.currentTokens = EstimateTokens(m.messages)
}

func (m *Manager) usagePercent() float64 {
	if m.limit <= 0 {
		return 0
	}
	return float64(m.currentTokens) / float64(m.limit)
}

func (m *Manager) level() Level {
	p := m.usagePercent()
	switch {
	case p >= 1.0:
		return LevelExceeded
	case p >= alertThreshold:
		return LevelAlert
	case p >= warningThreshold:
		return LevelWarning
	default:
		return LevelNormal
	}
}

func levelRank(l Level) int {
	switch l {
	case LevelWarning:
		return 1
	case LevelAlert:
		return 2
	case LevelExceeded:
		return 3
	default:
		return 0
	}
}

// EstimateTokens approximates token usage as one token per four characters
// of textual content, rounded up per block. The function is deterministic:
// the same messages always produce the same estimate.
func EstimateTokens(messages []projection.Message) int {
	total := 0
	for _, msg := range messages {
		for _, b := range msg.Blocks {
			total += blockTokens(b)
		}
	}
	return total
}

func blockTokens(b event.ContentBlock) int {
	chars := len(b.Text) + len(b.Thinking) + len(b.Content) + len(b.Name) + len(b.Input)
	if chars == 0 {
		return 0
	}
	return (chars + 3) / 4
}
