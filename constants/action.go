package constants

import "strings"

// Action is an anonymization transformation bound to a finding.
type Action string

const (
	ActionRedact  Action = "redact"
	ActionMask    Action = "mask"
	ActionReplace Action = "replace"
	ActionEncrypt Action = "encrypt"
	ActionHash    Action = "hash"
)

var allActions = []Action{ActionRedact, ActionMask, ActionReplace, ActionEncrypt, ActionHash}

// ParseAction accepts an action name in any case.
func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allActions {
		if a == known {
			return a, true
		}
	}
	return "", false
}

// ExtractionMethod identifies how the text of a dataset was obtained.
type ExtractionMethod string

const (
	MethodDirect   ExtractionMethod = "direct"
	MethodDocument ExtractionMethod = "document"
	MethodOCR      ExtractionMethod = "ocr"
)

// OutputFormat is a downloadable artifact format.
type OutputFormat string

const (
	FormatTXT      OutputFormat = "txt"
	FormatJSON     OutputFormat = "json"
	FormatCSV      OutputFormat = "csv"
	FormatXLSX     OutputFormat = "xlsx"
	FormatOriginal OutputFormat = "original"
)

// ParseOutputFormat accepts a format name in any case.
func ParseOutputFormat(s string) (OutputFormat, bool) {
	f := OutputFormat(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FormatTXT, FormatJSON, FormatCSV, FormatXLSX, FormatOriginal:
		return f, true
	}
	return "", false
}

// Decision reasons recorded on findings.
const (
	ReasonActed          = "acted"
	ReasonBelowThreshold = "below_threshold"
	ReasonNoRule         = "no_rule"
	ReasonOverlapLoser   = "overlap_loser"
	ReasonActionFailed   = "action_failed"
)
