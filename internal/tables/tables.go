// Package tables holds the experiment's tabular configuration: treatment-group
// configs, measure definitions, the questionnaire bank and page copy. Tables are
// loaded once at startup and are read-only afterwards.
package tables

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"hcilab.org/persona-chat/internal/logger"
)

const (
	TreatmentConfig = "treatment_config"
	Measures        = "measures"
	Questions       = "questions"
	Texts           = "texts"
)

// Column names shared across tables.
const (
	ColTreatmentGroup      = "treatment_group"
	ColPropertyName        = "property_name"
	ColPropertyValue       = "property_value"
	ColHiddenPrompt        = "hidden_prompt"
	ColInitialTask         = "initial_task"
	ColChoosePersona       = "choose_persona"
	ColQuestionName        = "question_name"
	ColQuestionText        = "question_text"
	ColQuestionOptions     = "question_options"
	ColMeasureName         = "measure_name"
	ColMeasurePromptPrefix = "measure_prompt_prefix"
	ColIsGlobal            = "is_global"
	ColTextName            = "text_name"
	ColTextValue           = "text_value"
)

// Row is one record keyed by header column name.
type Row map[string]string

func (r Row) Get(column string) string {
	return r[column]
}

// Int parses a column as an integer.
func (r Row) Int(column string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(r[column]))
}

// Bool reports whether a flag column holds a truthy value.
func (r Row) Bool(column string) bool {
	switch strings.ToLower(strings.TrimSpace(r[column])) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

type Store struct {
	log    *logger.Logger
	mu     sync.RWMutex
	tables map[string][]Row
	groups []int
	err    error
	ready  chan struct{}
	once   sync.Once
}

func NewStore(log *logger.Logger) *Store {
	if log == nil {
		log = logger.Nop()
	}
	return &Store{
		log:    log.With("service", "TableStore"),
		tables: map[string][]Row{},
		ready:  make(chan struct{}),
	}
}

// NewStoreFromRows builds an already-ready store.
func NewStoreFromRows(tables map[string][]Row) (*Store, error) {
	s := NewStore(nil)
	err := s.set(tables)
	s.finish(err)
	return s, err
}

// Load reads every table from its CSV file and signals readiness. Optional tables
// that do not exist load empty; the treatment config is required. Load runs at
// most once.
func (s *Store) Load(ctx context.Context, paths map[string]string) error {
	ran := false
	var err error
	s.once.Do(func() {
		ran = true
		err = s.load(ctx, paths)
		s.close(err)
	})
	if !ran {
		return s.Err()
	}
	return err
}

func (s *Store) load(ctx context.Context, paths map[string]string) error {
	loaded := make(map[string][]Row, len(paths))
	for name, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := ReadCSVFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && name != TreatmentConfig {
				s.log.Warn("Optional table file missing, loading empty", "table", name, "path", path)
				continue
			}
			return fmt.Errorf("failed to load table %s: %w", name, err)
		}
		loaded[name] = rows
		s.log.Info("Loaded table", "table", name, "rows", len(rows))
	}
	return s.set(loaded)
}

func (s *Store) set(tables map[string][]Row) error {
	groupSet := map[int]struct{}{}
	for i, row := range tables[TreatmentConfig] {
		g, err := row.Int(ColTreatmentGroup)
		if err != nil {
			return fmt.Errorf("treatment_config row %d: invalid treatment_group %q", i+1, row.Get(ColTreatmentGroup))
		}
		groupSet[g] = struct{}{}
	}
	if len(groupSet) == 0 {
		return fmt.Errorf("treatment_config has no treatment groups")
	}
	groups := make([]int, 0, len(groupSet))
	for g := range groupSet {
		groups = append(groups, g)
	}
	sort.Ints(groups)

	s.mu.Lock()
	s.tables = tables
	s.groups = groups
	s.mu.Unlock()
	return nil
}

func (s *Store) finish(err error) {
	s.once.Do(func() { s.close(err) })
}

func (s *Store) close(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	if err != nil {
		s.log.Error("Configuration tables failed to load", "error", err)
	}
	close(s.ready)
}

// Ready is closed once loading has finished, successfully or not.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// Wait blocks until the store is loaded. It returns the load error, if any.
func (s *Store) Wait(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Rows returns the rows of a table in file order. Callers must not mutate them.
func (s *Store) Rows(table string) []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tables[table]
}

// TreatmentGroups returns the distinct treatment group ids in ascending order.
func (s *Store) TreatmentGroups() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, len(s.groups))
	copy(out, s.groups)
	return out
}

// Texts maps text_name to text_value for page copy.
func (s *Store) Texts() map[string]string {
	out := map[string]string{}
	for _, row := range s.Rows(Texts) {
		if name := row.Get(ColTextName); name != "" {
			out[name] = row.Get(ColTextValue)
		}
	}
	return out
}

// FirstMatching returns the first non-empty value of column among rows.
func FirstMatching(rows []Row, column string) string {
	for _, row := range rows {
		if v := strings.TrimSpace(row.Get(column)); v != "" {
			return v
		}
	}
	return ""
}

func ReadCSVFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV parses a headed CSV stream into rows.
func ReadCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv record: %w", err)
		}
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
