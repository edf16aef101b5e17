package excel

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/heartvoice/internal/database"
	"github.com/example/heartvoice/pkg/models"
	"github.com/xuri/excelize/v2"
)

// ReminderStore is the part of the reminder repository the importer needs
type ReminderStore interface {
	GetByText(ctx context.Context, text string) (*models.Reminder, error)
	Create(ctx context.Context, rem *models.Reminder) error
}

// ImportConfig defines the import configuration
type ImportConfig struct {
	FilePath    string // Path to the Excel or CSV file
	TextColumn  string // Column with the reminder text
	TopicColumn string // Column with the topic
	SheetName   string // Name of the sheet to import
	StartRow    int    // The row to start importing from (1-based index)
}

// DefaultImportConfig returns the default import configuration
func DefaultImportConfig() ImportConfig {
	return ImportConfig{
		TextColumn:  "A",
		TopicColumn: "B",
		SheetName:   "Sheet1",
		StartRow:    2, // skip header
	}
}

// ImportResult holds the result of an import operation
type ImportResult struct {
	TotalProcessed int
	Created        int
	Skipped        int
	Errors         []string
}

// ImportReminders imports reminders from an Excel or CSV file.
// Rows whose text already exists are skipped; a row without a topic gets the sheet's last topic header.
func ImportReminders(ctx context.Context, cfg ImportConfig, store ReminderStore) (*ImportResult, error) {
	var (
		rows [][]string
		err  error
	)
	if strings.ToLower(filepath.Ext(cfg.FilePath)) == ".csv" {
		rows, err = readCSV(cfg.FilePath)
	} else {
		rows, err = readWorkbook(cfg.FilePath, cfg.SheetName)
	}
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Errors: make([]string, 0)}
	textIdx := columnToIndex(cfg.TextColumn)
	topicIdx := columnToIndex(cfg.TopicColumn)
	currentTopic := ""

	for i, row := range rows {
		if i < cfg.StartRow-1 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		text := cell(row, textIdx)
		topic := cell(row, topicIdx)
		if text == "" {
			continue
		}
		// "Blood pressure:" on its own starts a topic section
		if topic == "" && strings.HasSuffix(text, ":") {
			currentTopic = strings.TrimSuffix(text, ":")
			continue
		}
		if topic == "" {
			topic = currentTopic
		}
		result.TotalProcessed++

		if _, err := store.GetByText(ctx, text); err == nil {
			result.Skipped++
			continue
		} else if !errors.Is(err, database.ErrReminderNotFound) {
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: %v", i+1, err))
			continue
		}

		if err := store.Create(ctx, &models.Reminder{Text: text, Topic: topic}); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: %v", i+1, err))
			continue
		}
		result.Created++
	}

	return result, nil
}

func readWorkbook(path, sheet string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to get rows: %w", err)
	}
	return rows, nil
}

func readCSV(path string) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1 // Allow variable number of fields
	reader.LazyQuotes = true

	var rows [][]string
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading CSV: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(strings.Trim(row[idx], "\""))
}

// Helper function to convert Excel column letter to index
func columnToIndex(column string) int {
	column = strings.ToUpper(column)
	index := 0
	for i := 0; i < len(column); i++ {
		index = index*26 + int(column[i]-'A'+1)
	}
	return index - 1
}
