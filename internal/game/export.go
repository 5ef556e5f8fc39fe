package game

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// FileExporter appends a plain-text summary of every finished match to a file.
type FileExporter struct {
	Path string

	mu sync.Mutex
}

func NewFileExporter(path string) *FileExporter {
	return &FileExporter{Path: path}
}

// AppendMatchHistory writes h to the export file
func (e *FileExporter) AppendMatchHistory(_ context.Context, h *MatchHistory) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Create directory if it doesn't exist
	dir := filepath.Dir(e.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	fileExists := false
	if st, err := os.Stat(e.Path); err == nil && st.Size() > 0 {
		fileExists = true
	}

	file, err := os.OpenFile(e.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(formatHistory(h, fileExists)); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}
	return nil
}

func formatHistory(h *MatchHistory, spaced bool) string {
	var sb strings.Builder
	if spaced {
		sb.WriteString("\n\n") // Add spacing between matches
	}
	fmt.Fprintf(&sb, "Wittsy Match Results - Room %s\n", h.RoomID)
	fmt.Fprintf(&sb, "Match: %s\n", h.ID)
	fmt.Fprintf(&sb, "Finished: %s\n", h.FinishedAt.Format("2006-01-02 15:04:05"))
	sb.WriteString(strings.Repeat("=", 50) + "\n\n")

	sb.WriteString("Players:\n")
	for _, id := range h.Players {
		fmt.Fprintf(&sb, "- %s\n", id)
	}

	fmt.Fprintf(&sb, "\nRounds played: %d\n", h.Rounds)
	if h.EarlyEndReason != "" {
		fmt.Fprintf(&sb, "Ended early: %s\n", h.EarlyEndReason)
	}

	if len(h.FinalScores) > 0 {
		sb.WriteString("\nFinal scores:\n")
		ids := slices.Collect(maps.Keys(h.FinalScores))
		slices.SortFunc(ids, func(a, b string) int {
			if d := h.FinalScores[b].TotalVotes - h.FinalScores[a].TotalVotes; d != 0 {
				return d
			}
			return strings.Compare(a, b)
		})
		for _, id := range ids {
			ps := h.FinalScores[id]
			fmt.Fprintf(&sb, "- %s: %d vote(s), %d round win(s), %d star(s)\n", id, ps.TotalVotes, ps.RoundWins, ps.Stars)
		}
	}

	if h.WinnerID != "" {
		fmt.Fprintf(&sb, "\nWinner: %s\n", h.WinnerID)
	} else {
		sb.WriteString("\nNo winner\n")
	}
	sb.WriteString(strings.Repeat("=", 50) + "\n")
	return sb.String()
}
