// Package clipboard watches the OS clipboard and feeds the daemon. It is a
// plain IPC client of the broadcast server: every detected change becomes
// exactly one clipboard_event request.
package clipboard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.design/x/clipboard"

	"clipvault/internal/config"
	"clipvault/internal/database"
	"clipvault/internal/protocol"
	"clipvault/internal/util"
)

type Monitor struct {
	client    *protocol.Client
	config    *config.Config
	logger    *slog.Logger
	lastHash  string
	isRunning bool
}

func NewMonitor(client *protocol.Client, config *config.Config, logger *slog.Logger) *Monitor {
	return &Monitor{
		client: client,
		config: config,
		logger: logger,
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	if m.isRunning {
		return fmt.Errorf("monitor is already running")
	}

	if err := clipboard.Init(); err != nil {
		return fmt.Errorf("failed to initialize clipboard: %w", err)
	}

	m.isRunning = true
	m.logger.Info("monitor: started", "interval_ms", m.config.MonitorInterval)

	go m.monitorLoop(ctx)

	return nil
}

func (m *Monitor) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(m.config.MonitorInterval) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkClipboard(ctx)
		}
	}
}

// checkClipboard probes the clipboard representations in fixed priority
// order and emits at most one event: an image wins over plain text when both
// are present.
func (m *Monitor) checkClipboard(ctx context.Context) {
	if imageData := clipboard.Read(clipboard.FmtImage); len(imageData) > 0 {
		m.submit(ctx, database.KindImage, imageData)
		return
	}

	if textData := clipboard.Read(clipboard.FmtText); len(textData) > 0 {
		m.submit(ctx, database.KindText, textData)
		return
	}
}

func (m *Monitor) submit(ctx context.Context, kind string, content []byte) {
	if len(content) > m.config.MaxItemSize {
		m.logger.Debug("monitor: clipboard item too large", "size", len(content), "max", m.config.MaxItemSize)
		return
	}

	// Skip if same as last item
	hash := util.ContentHash(content)
	if hash == m.lastHash {
		return
	}
	m.lastHash = hash

	var result protocol.InsertResult
	err := m.client.Call(ctx, protocol.ActionClipboardEvent, &protocol.ClipboardEventParams{
		Kind:    kind,
		Content: content,
	}, &result)
	if err != nil {
		m.logger.Warn("monitor: failed to submit clipboard event", "kind", kind, "error", err)
		return
	}

	m.logger.Debug("monitor: submitted clipboard event", "kind", kind, "item_id", result.ID, "new", result.IsNewRow)
}

// CopyItemToClipboard places a stored item back onto the OS clipboard and
// records the re-copy. Secret items need a grant token scoped to them.
func (m *Monitor) CopyItemToClipboard(ctx context.Context, id int64, authToken string) error {
	var result protocol.ItemResult
	err := m.client.Call(ctx, protocol.ActionGetItem, &protocol.GetItemParams{ID: id, AuthToken: authToken}, &result)
	if err != nil {
		return fmt.Errorf("failed to get item: %w", err)
	}
	item := result.Item

	switch item.Kind {
	case database.KindText, database.KindFile:
		clipboard.Write(clipboard.FmtText, item.Content)
	case database.KindImage:
		clipboard.Write(clipboard.FmtImage, item.Content)
	default:
		return fmt.Errorf("unsupported clipboard kind: %s", item.Kind)
	}

	// Update the hash to current so we don't re-capture this item
	m.lastHash = util.ContentHash(item.Content)

	err = m.client.Call(ctx, protocol.ActionRecordCopy, &protocol.RecordCopyParams{ID: id, AuthToken: authToken}, nil)
	if err != nil {
		return fmt.Errorf("failed to record re-copy: %w", err)
	}

	m.logger.Debug("monitor: copied item to clipboard", "item_id", id, "kind", item.Kind)
	return nil
}
