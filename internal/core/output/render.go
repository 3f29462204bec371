package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
)

// Report is everything one job attempt hands to the writer.
type Report struct {
	Dataset    *entity.Dataset
	Job        *entity.Job
	Policy     *entity.Policy
	Findings   []entity.Finding
	Operations []entity.AnonymizationOperation

	// Text is the anonymized text; unset for ANALYZE jobs.
	Text        *string
	Original    []byte
	OriginalExt string // extension of the reconstructed document
	Partial     bool
	GeneratedAt time.Time
}

type rendered struct {
	name        string
	contentType string
	data        []byte
}

func render(format constants.OutputFormat, r Report) (rendered, error) {
	switch format {
	case constants.FormatTXT:
		if r.Text == nil {
			return rendered{}, common.UnsupportedFormatError("txt output requires an ANONYMIZE job")
		}
		return rendered{name: "anonymized.txt", contentType: "text/plain; charset=utf-8", data: []byte(*r.Text)}, nil
	case constants.FormatJSON:
		data, err := renderJSON(r)
		return rendered{name: "report.json", contentType: "application/json", data: data}, err
	case constants.FormatCSV:
		data, err := renderCSV(r)
		return rendered{name: "findings.csv", contentType: "text/csv; charset=utf-8", data: data}, err
	case constants.FormatXLSX:
		data, err := renderXLSX(r)
		return rendered{name: "findings.xlsx", contentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data: data}, err
	case constants.FormatOriginal:
		if r.Original == nil {
			return rendered{}, common.UnsupportedFormatError("no format-preserving copy was produced for this job")
		}
		ext := constants.NormalizeExt(r.OriginalExt)
		return rendered{name: "anonymized." + ext, contentType: constants.ContentTypeForExt(ext), data: r.Original}, nil
	}
	return rendered{}, common.UnsupportedFormatError(fmt.Sprintf("unknown output format %q", format))
}

type datasetSummary struct {
	ID                   uuid.UUID `json:"id"`
	Filename             string    `json:"filename"`
	FileType             string    `json:"fileType"`
	Size                 int64     `json:"size"`
	ExtractionMethod     *string   `json:"extractionMethod,omitempty"`
	ExtractionConfidence *float64  `json:"extractionConfidence,omitempty"`
}

type jobSummary struct {
	ID      uuid.UUID         `json:"id"`
	Type    constants.JobType `json:"type"`
	Attempt int               `json:"attempt"`
	Partial bool              `json:"partial"`
}

type policySummary struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type findingStats struct {
	Total    int            `json:"total"`
	Acted    int            `json:"acted"`
	ByType   map[string]int `json:"byType"`
	ByReason map[string]int `json:"byReason"`
}

type jsonReport struct {
	Dataset     datasetSummary                  `json:"dataset"`
	Job         *jobSummary                     `json:"job,omitempty"`
	Policy      *policySummary                  `json:"policy,omitempty"`
	Findings    findingStats                    `json:"findings"`
	Operations  []entity.AnonymizationOperation `json:"operations"`
	GeneratedAt time.Time                       `json:"generatedAt"`
}

func renderJSON(r Report) ([]byte, error) {
	out := jsonReport{
		Operations:  r.Operations,
		GeneratedAt: r.GeneratedAt.UTC(),
		Findings:    stats(r.Findings),
	}
	if out.Operations == nil {
		out.Operations = []entity.AnonymizationOperation{}
	}
	if d := r.Dataset; d != nil {
		out.Dataset = datasetSummary{
			ID:                   d.ID,
			Filename:             d.Filename,
			FileType:             d.FileExt,
			Size:                 d.Size,
			ExtractionMethod:     d.ExtractionMethod,
			ExtractionConfidence: d.ExtractionConfidence,
		}
	}
	if j := r.Job; j != nil {
		out.Job = &jobSummary{ID: j.ID, Type: j.Type, Attempt: j.Attempt, Partial: r.Partial}
	}
	if p := r.Policy; p != nil {
		out.Policy = &policySummary{Name: p.Name, Version: p.Version}
	}
	return json.MarshalIndent(out, "", "  ")
}

func stats(findings []entity.Finding) findingStats {
	s := findingStats{Total: len(findings), ByType: map[string]int{}, ByReason: map[string]int{}}
	for _, f := range findings {
		if f.ActedUpon {
			s.Acted++
		}
		s.ByType[string(f.EntityType)]++
		if f.DecisionReason != "" {
			s.ByReason[f.DecisionReason]++
		}
	}
	return s
}

func (r Report) anonymizing() bool {
	if r.Job != nil {
		return r.Job.Type == constants.JobTypeAnonymize
	}
	return r.Text != nil
}

// reportText is what a findings row shows. ANALYZE rows show the detected
// span. ANONYMIZE rows show the substituted value, or a same-length mask for
// findings that were not acted upon.
func reportText(f entity.Finding, anonymizing bool) string {
	if !anonymizing {
		return f.Text
	}
	if f.ActedUpon && f.AnonymizedText != nil {
		return *f.AnonymizedText
	}
	return strings.Repeat("*", utf8.RuneCountInString(f.Text))
}

func reportAction(f entity.Finding) string {
	if f.ActedUpon || f.DecisionReason == constants.ReasonActed {
		return string(f.Action)
	}
	return "none"
}

func renderCSV(r Report) ([]byte, error) {
	anonymizing := r.anonymizing()
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"entityType", "text", "confidence", "action"})
	for _, f := range r.Findings {
		_ = w.Write([]string{
			string(f.EntityType),
			reportText(f, anonymizing),
			strconv.FormatFloat(f.Confidence, 'f', -1, 64),
			reportAction(f),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderXLSX(r Report) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	const sheet = "Findings"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	headers := []string{"Entity Type", "Start", "End", "Text", "Confidence", "Action", "Decision"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	anonymizing := r.anonymizing()
	for i, fd := range r.Findings {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, string(fd.EntityType))
		write(2, fd.Start)
		write(3, fd.End)
		write(4, reportText(fd, anonymizing))
		write(5, fd.Confidence)
		write(6, reportAction(fd))
		write(7, fd.DecisionReason)
	}
	_ = f.SetColWidth(sheet, "A", "A", 22)
	_ = f.SetColWidth(sheet, "B", "C", 8)
	_ = f.SetColWidth(sheet, "D", "D", 40)
	_ = f.SetColWidth(sheet, "E", "G", 16)

	const summary = "Summary"
	if _, err := f.NewSheet(summary); err != nil {
		return nil, err
	}
	s := stats(r.Findings)
	types := make([]string, 0, len(s.ByType))
	for t := range s.ByType {
		types = append(types, t)
	}
	sort.Strings(types)
	_ = f.SetCellValue(summary, "A1", "Entity Type")
	_ = f.SetCellValue(summary, "B1", "Findings")
	for i, t := range types {
		_ = f.SetCellValue(summary, fmt.Sprintf("A%d", i+2), t)
		_ = f.SetCellValue(summary, fmt.Sprintf("B%d", i+2), s.ByType[t])
	}
	last := len(types) + 2
	_ = f.SetCellValue(summary, fmt.Sprintf("A%d", last), "Total")
	_ = f.SetCellValue(summary, fmt.Sprintf("B%d", last), s.Total)
	_ = f.SetCellValue(summary, fmt.Sprintf("A%d", last+1), "Acted upon")
	_ = f.SetCellValue(summary, fmt.Sprintf("B%d", last+1), s.Acted)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
