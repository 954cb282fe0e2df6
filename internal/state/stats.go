package state

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mpataki/phasegate/internal/confidence"
	"github.com/mpataki/phasegate/internal/models"
	"github.com/spf13/cast"
)

const (
	// QualitySampleSize caps how many records AssessDataQuality inspects.
	QualitySampleSize = 100
	// LargeVolumeRecords is the raw_data length above which a flow is
	// flagged as large.
	LargeVolumeRecords = 10000
	// LongFieldName is the length above which a field name adds complexity.
	LongFieldName = 30

	RiskLargeDataVolume = "large_data_volume"
	RiskSensitiveData   = "sensitive_data_detected"
)

var (
	complexityMarkers = []string{"custom", "legacy", "temp", "_old"}
	sensitiveTerms    = []string{"ssn", "social", "tax", "ein", "credit", "account"}

	identifierPatterns = []string{"id", "identifier", "key"}
	namePatterns       = []string{"name", "hostname"}
	networkPatterns    = []string{"ip", "mac", "address"}
	businessPatterns   = []string{"owner", "department", "application"}
)

// AssessDataQuality scores raw_data in [0,1]. Each sampled record lowers
// the score by 0.01 times the fraction of its fields that are null or
// empty. No data scores 0.
func AssessDataQuality(acc Accessor) float64 {
	records := Records(acc, KeyRawData)
	if len(records) == 0 {
		return 0
	}
	if len(records) > QualitySampleSize {
		records = records[:QualitySampleSize]
	}
	var missing float64
	for _, rec := range records {
		missing += MissingRatio(rec)
	}
	return confidence.Clamp01(1 - 0.01*missing)
}

// MissingRatio is the fraction of a record's fields that are empty. A record
// with no fields has nothing missing.
func MissingRatio(rec map[string]any) float64 {
	if len(rec) == 0 {
		return 0
	}
	var n int
	for _, v := range rec {
		if IsEmpty(v) {
			n++
		}
	}
	return float64(n) / float64(len(rec))
}

// IsEmpty treats nil, blank strings and empty collections as missing.
func IsEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// AssessCompleteness is 1 when phase_completion marks phase done, else 0.
func AssessCompleteness(phase models.Phase, acc Accessor) float64 {
	if BoolMap(acc, KeyPhaseCompletion)[string(phase)] {
		return 1
	}
	return 0
}

// AssessComplexity scores the field names of the first record.
func AssessComplexity(acc Accessor) float64 {
	fields := firstRecordFields(acc)
	var score float64
	for _, f := range fields {
		lower := strings.ToLower(f)
		for _, m := range complexityMarkers {
			if strings.Contains(lower, m) {
				score += 0.1
			}
		}
		if len(f) > LongFieldName {
			score += 0.05
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

func IdentifyRiskFactors(acc Accessor) []string {
	risks := []string{}
	records := Records(acc, KeyRawData)
	if len(records) > LargeVolumeRecords {
		risks = append(risks, RiskLargeDataVolume)
	}
	for _, f := range firstRecordFields(acc) {
		if containsAny(strings.ToLower(f), sensitiveTerms) {
			risks = append(risks, RiskSensitiveData)
			break
		}
	}
	return risks
}

func CheckForErrors(acc Accessor) bool {
	return len(CriticalErrors(acc)) > 0
}

// CriticalErrors returns the messages of errors with critical severity.
func CriticalErrors(acc Accessor) []string {
	var out []string
	for _, item := range List(acc, KeyErrors) {
		e, err := cast.ToStringMapE(item)
		if err != nil {
			if fe, ok := item.(models.FlowError); ok {
				e = map[string]any{"severity": fe.Severity, "message": fe.Message}
			} else {
				continue
			}
		}
		if !strings.EqualFold(cast.ToString(e["severity"]), models.SeverityCritical) {
			continue
		}
		msg := cast.ToString(e["message"])
		if msg == "" {
			msg = fmt.Sprintf("critical error #%d", len(out)+1)
		}
		out = append(out, msg)
	}
	return out
}

// IdentifyCriticalFields flags first-record fields that look like
// identifiers, names, network addresses or business context.
func IdentifyCriticalFields(acc Accessor) []string {
	critical := []string{}
	for _, f := range firstRecordFields(acc) {
		if IsCriticalFieldName(f) {
			critical = append(critical, f)
		}
	}
	return critical
}

func IsCriticalFieldName(field string) bool {
	lower := strings.ToLower(field)
	return containsAny(lower, identifierPatterns) ||
		containsAny(lower, namePatterns) ||
		containsAny(lower, networkPatterns) ||
		containsAny(lower, businessPatterns)
}

func firstRecordFields(acc Accessor) []string {
	records := Records(acc, KeyRawData)
	if len(records) == 0 {
		return nil
	}
	return SortedKeys(records[0])
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
