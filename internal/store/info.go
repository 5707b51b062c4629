package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// EmbedderInfoInput describes the embedder currently configured, for
// comparison against the embedder an index was built with.
type EmbedderInfoInput struct {
	Model      string
	Backend    string
	Dimensions int
}

// GetIndexInfo assembles a full picture of an on-disk index: what it was
// built with, how big it is, and whether the current embedder still matches.
func GetIndexInfo(ctx context.Context, metadata *SQLiteStore, dataDir string, embedderInput *EmbedderInfoInput) (*IndexInfo, error) {
	info := &IndexInfo{
		Location:    dataDir,
		ProjectRoot: filepath.Dir(dataDir),
	}

	model, err := metadata.GetState(ctx, StateKeyIndexModel)
	if err != nil {
		return nil, fmt.Errorf("failed to read index model: %w", err)
	}
	if model != "" {
		info.IndexModel = model
		info.IndexBackend = inferBackendFromModel(model)
	}

	if dimStr, err := metadata.GetState(ctx, StateKeyIndexDimension); err == nil && dimStr != "" {
		if dims, err := strconv.Atoi(dimStr); err == nil {
			info.IndexDimensions = dims
		}
	}

	db := metadata.DB()
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&info.ChunkCount); err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&info.DocumentCount); err != nil {
		return nil, fmt.Errorf("failed to count files: %w", err)
	}

	var createdAt, updatedAt *time.Time
	row := db.QueryRowContext(ctx, `SELECT MIN(indexed_at), MAX(indexed_at) FROM files`)
	if err := row.Scan(&createdAt, &updatedAt); err == nil {
		if createdAt != nil {
			info.CreatedAt = *createdAt
		}
		if updatedAt != nil {
			info.UpdatedAt = *updatedAt
		}
	}

	info.BM25SizeBytes = getDirSize(filepath.Join(dataDir, "bm25"))
	info.VectorSizeBytes = fileSize(filepath.Join(dataDir, "vectors.hnsw"))
	info.IndexSizeBytes = getDirSize(dataDir)

	if embedderInput != nil {
		info.CurrentModel = embedderInput.Model
		info.CurrentBackend = embedderInput.Backend
		info.CurrentDimensions = embedderInput.Dimensions
		info.Compatible = info.IndexDimensions == 0 || info.IndexDimensions == embedderInput.Dimensions
	}

	return info, nil
}

// FormatBytes renders a byte count in the largest unit that keeps it
// readable (e.g. "1.5 KB", "100.0 MB").
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"KB", "MB", "GB", "TB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), units[exp])
}

// FormatTime renders t for display, or "unknown" for the zero value.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format("2006-01-02 15:04:05")
}

func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// inferBackendFromModel guesses which embedding backend produced a model
// name, for display purposes only; it is not used to select a backend.
func inferBackendFromModel(model string) string {
	switch model {
	case "static", "static768":
		return "static"
	}
	if filepath.IsAbs(model) || containsAny(model, []string{"mlx-community/", "mlx-"}) {
		return "mlx"
	}
	return "ollama"
}

func getDirSize(path string) int64 {
	var size int64
	_ = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
