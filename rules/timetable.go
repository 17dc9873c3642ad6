package rules

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dnldd/saxotrader/shared"
	"gopkg.in/yaml.v3"
)

// timetablePrefix is the file name prefix of timetable files.
const timetablePrefix = "entrypoints_"

// timetableExtensions are the supported timetable file extensions.
var timetableExtensions = []string{".csv", ".yaml", ".yml"}

// ErrNoTimetable is returned when a directory holds no timetable file.
var ErrNoTimetable = errors.New("no timetable found")

// Rule represents a scheduled trade: a position opened at the entry time and
// closed at the exit time of the trading day.
type Rule struct {
	ID         string
	Instrument string
	Direction  shared.Direction
	// Entry and Exit are offsets from midnight.
	Entry  time.Duration
	Exit   time.Duration
	Score  float64
	Amount int64
}

// Timetable represents a set of scheduled trades.
type Timetable struct {
	Source string
	Rules  []Rule
}

// Instruments returns the distinct instruments the timetable trades.
func (t *Timetable) Instruments() []string {
	seen := make(map[string]struct{}, len(t.Rules))
	set := make([]string, 0, len(t.Rules))
	for _, rule := range t.Rules {
		if _, ok := seen[rule.Instrument]; ok {
			continue
		}
		seen[rule.Instrument] = struct{}{}
		set = append(set, rule.Instrument)
	}
	sort.Strings(set)

	return set
}

// Reference returns the identifier tying positions to the provided rule. Rule
// ids repeat across daily timetable files so the id is qualified by the file
// the rule was loaded from.
func (t *Timetable) Reference(rule Rule) string {
	if t.Source == "" {
		return rule.ID
	}

	return filepath.Base(t.Source) + ":" + rule.ID
}

// parseClock parses a wall clock time (HH:MM:SS or HH:MM) into an offset from midnight.
func parseClock(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{shared.ClockLayout, "15:04"} {
		t, err := time.Parse(layout, s)
		if err == nil {
			return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}

	return 0, fmt.Errorf("invalid clock time %q", s)
}

// ruleRecord represents a rule as written in a timetable file.
type ruleRecord struct {
	ID         string  `yaml:"id"`
	Instrument string  `yaml:"instrument"`
	Direction  string  `yaml:"direction"`
	Entry      string  `yaml:"entry"`
	Exit       string  `yaml:"exit"`
	Score      float64 `yaml:"score"`
	Amount     int64   `yaml:"amount"`
}

// rule validates and converts the record.
func (r *ruleRecord) rule(idx int) (Rule, error) {
	var errs error

	instrument := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(r.Instrument), "/", ""))
	if instrument == "" {
		errs = errors.Join(errs, fmt.Errorf("instrument cannot be an empty string"))
	}
	direction, err := shared.ParseDirection(r.Direction)
	if err != nil {
		errs = errors.Join(errs, err)
	}
	entry, err := parseClock(r.Entry)
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf("entry: %w", err))
	}
	exit, err := parseClock(r.Exit)
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf("exit: %w", err))
	}
	if r.Amount < 0 {
		errs = errors.Join(errs, fmt.Errorf("amount cannot be negative, got %d", r.Amount))
	}
	if errs != nil {
		return Rule{}, fmt.Errorf("rule %d: %w", idx+1, errs)
	}

	id := strings.TrimSpace(r.ID)
	if id == "" {
		id = strconv.Itoa(idx + 1)
	}

	return Rule{
		ID:         id,
		Instrument: instrument,
		Direction:  direction,
		Entry:      entry,
		Exit:       exit,
		Score:      r.Score,
		Amount:     r.Amount,
	}, nil
}

// newTimetable converts the provided records into a timetable, rejecting
// duplicate rule ids.
func newTimetable(source string, records []ruleRecord) (*Timetable, error) {
	tt := &Timetable{Source: source, Rules: make([]Rule, 0, len(records))}
	ids := make(map[string]struct{}, len(records))

	var errs error
	for idx := range records {
		rule, err := records[idx].rule(idx)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if _, ok := ids[rule.ID]; ok {
			errs = errors.Join(errs, fmt.Errorf("rule %d: duplicate rule id %q", idx+1, rule.ID))
			continue
		}
		ids[rule.ID] = struct{}{}
		tt.Rules = append(tt.Rules, rule)
	}
	if errs != nil {
		return nil, errs
	}

	return tt, nil
}

// csvColumns maps the accepted header names to record fields.
var csvColumns = map[string]string{
	"no":         "id",
	"id":         "id",
	"通貨ペア":       "instrument",
	"pair":       "instrument",
	"instrument": "instrument",
	"方向":         "direction",
	"direction":  "direction",
	"entry":      "entry",
	"exit":       "exit",
	"実用スコア":      "score",
	"score":      "score",
	"amount":     "amount",
}

// ParseCSV parses a timetable from csv data with a header row. Unknown columns are ignored.
func ParseCSV(source string, r io.Reader) (*Timetable, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading timetable header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for idx, name := range header {
		name = strings.TrimPrefix(name, "\ufeff")
		field, ok := csvColumns[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			continue
		}
		if _, dup := columns[field]; !dup {
			columns[field] = idx
		}
	}

	for _, required := range []string{"instrument", "direction", "entry", "exit"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("timetable header is missing the %s column", required)
		}
	}

	value := func(row []string, field string) string {
		idx, ok := columns[field]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	var records []ruleRecord
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading timetable row: %w", err)
		}

		record := ruleRecord{
			ID:         value(row, "id"),
			Instrument: value(row, "instrument"),
			Direction:  value(row, "direction"),
			Entry:      value(row, "entry"),
			Exit:       value(row, "exit"),
		}

		if score := value(row, "score"); score != "" {
			record.Score, err = strconv.ParseFloat(score, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing score %q: %w", score, err)
			}
		}
		if amount := value(row, "amount"); amount != "" {
			record.Amount, err = strconv.ParseInt(amount, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing amount %q: %w", amount, err)
			}
		}

		records = append(records, record)
	}

	return newTimetable(source, records)
}

// ParseYAML parses a timetable from yaml data.
func ParseYAML(source string, data []byte) (*Timetable, error) {
	var doc struct {
		Rules []ruleRecord `yaml:"rules"`
	}

	err := yaml.Unmarshal(data, &doc)
	if err != nil {
		return nil, fmt.Errorf("parsing timetable yaml: %w", err)
	}

	return newTimetable(source, doc.Rules)
}

// LoadTimetable loads the timetable at the provided path.
func LoadTimetable(path string) (*Timetable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading timetable: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ParseCSV(path, bytes.NewReader(data))
	case ".yaml", ".yml":
		return ParseYAML(path, data)
	default:
		return nil, fmt.Errorf("unsupported timetable format: %s", path)
	}
}

// LatestTimetable returns the path of the latest timetable in the provided
// directory. Timetables are named entrypoints_<date> so the lexically
// greatest name is the latest.
func LatestTimetable(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading timetable directory: %w", err)
	}

	latest := ""
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, timetablePrefix) {
			continue
		}

		supported := false
		ext := strings.ToLower(filepath.Ext(name))
		for _, candidate := range timetableExtensions {
			if ext == candidate {
				supported = true
				break
			}
		}
		if !supported {
			continue
		}

		if name > latest {
			latest = name
		}
	}

	if latest == "" {
		return "", fmt.Errorf("%w in %s", ErrNoTimetable, dir)
	}

	return filepath.Join(dir, latest), nil
}
