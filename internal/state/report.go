// internal/state/report.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/user/resumechat/internal/types"
)

var reportExt = map[string]string{
	"html":     ".html",
	"markdown": ".md",
	"json":     ".json",
}

// ReportStore stores exported reports as individual files next to a meta file.
// Files are located at reports/<conversationID>/<reportID>.<ext>.
type ReportStore struct {
	root string
}

// NewReportStore creates a new file-backed ReportStore rooted at the given directory.
func NewReportStore(root string) *ReportStore {
	return &ReportStore{root: root}
}

func (r *ReportStore) reportsDir(id types.ConversationID) string {
	return filepath.Join(r.root, "reports", string(id))
}

func (r *ReportStore) metaPath(convID types.ConversationID, id types.ReportID) string {
	return filepath.Join(r.reportsDir(convID), string(id)+".meta.json")
}

// findMeta locates a report's meta file across all conversations.
func (r *ReportStore) findMeta(id types.ReportID) (string, error) {
	pattern := filepath.Join(r.root, "reports", "*", string(id)+".meta.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("glob report: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	return matches[0], nil
}

func readMeta(path string) (*types.ReportMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report meta: %w", err)
	}
	var meta types.ReportMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal report meta: %w", err)
	}
	return &meta, nil
}

// Put stores a rendered report and returns its metadata.
func (r *ReportStore) Put(_ context.Context, convID types.ConversationID, format string, body []byte) (*types.ReportMeta, error) {
	ext, ok := reportExt[format]
	if !ok {
		return nil, fmt.Errorf("unknown report format: %s", format)
	}

	dir := r.reportsDir(convID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create reports dir: %w", err)
	}

	id := types.NewReportID()
	meta := &types.ReportMeta{
		ID:             id,
		ConversationID: convID,
		Format:         format,
		CreatedAt:      time.Now(),
		Path:           filepath.Join(dir, string(id)+ext),
	}

	if err := writeFileAtomic(meta.Path, body, 0o644); err != nil {
		return nil, err
	}

	content, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report meta: %w", err)
	}
	if err := writeFileAtomic(r.metaPath(convID, id), content, 0o644); err != nil {
		os.Remove(meta.Path)
		return nil, err
	}
	return meta, nil
}

// List returns the reports exported for a conversation, newest first.
func (r *ReportStore) List(_ context.Context, convID types.ConversationID) ([]*types.ReportMeta, error) {
	matches, err := filepath.Glob(filepath.Join(r.reportsDir(convID), "*.meta.json"))
	if err != nil {
		return nil, fmt.Errorf("glob reports: %w", err)
	}

	metas := make([]*types.ReportMeta, 0, len(matches))
	for _, path := range matches {
		meta, err := readMeta(path)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	return metas, nil
}

// Get returns the body and metadata of a report.
func (r *ReportStore) Get(_ context.Context, id types.ReportID) ([]byte, *types.ReportMeta, error) {
	path, err := r.findMeta(id)
	if err != nil {
		return nil, nil, err
	}
	meta, err := readMeta(path)
	if err != nil {
		return nil, nil, err
	}
	body, err := os.ReadFile(meta.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("read report: %w", err)
	}
	return body, meta, nil
}

// RemoveAll deletes every report of a conversation.
func (r *ReportStore) RemoveAll(_ context.Context, convID types.ConversationID) error {
	if err := os.RemoveAll(r.reportsDir(convID)); err != nil {
		return fmt.Errorf("remove reports: %w", err)
	}
	return nil
}
