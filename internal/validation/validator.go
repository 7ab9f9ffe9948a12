package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/tabsync/internal/errors"
	"github.com/devrev/tabsync/internal/model"
)

const (
	// Size limits
	MaxSQLSize   = 64 * 1024 // 64 KB
	MaxArgs      = 999       // SQLite's default host parameter limit
	MaxValueSize = 1 << 20   // 1 MB per bound value

	// Change batch limits
	MaxBatchSize     = 10000
	MaxTableNameSize = 128
	MaxKeySize       = 1024
)

// Validator validates statements and change batches before they reach a store.
type Validator struct {
	maxSQLSize   int
	maxArgs      int
	maxValueSize int
	maxBatchSize int
}

// NewValidator creates a validator with default limits.
func NewValidator() *Validator {
	return &Validator{
		maxSQLSize:   MaxSQLSize,
		maxArgs:      MaxArgs,
		maxValueSize: MaxValueSize,
		maxBatchSize: MaxBatchSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits.
func NewValidatorWithLimits(maxSQLSize, maxArgs, maxValueSize, maxBatchSize int) *Validator {
	return &Validator{
		maxSQLSize:   maxSQLSize,
		maxArgs:      maxArgs,
		maxValueSize: maxValueSize,
		maxBatchSize: maxBatchSize,
	}
}

// ValidateStatement validates a SQL statement and its arguments.
func (v *Validator) ValidateStatement(sql string, args []any) error {
	if strings.TrimSpace(sql) == "" {
		return errors.InvalidArgument("sql cannot be empty", nil)
	}
	if len(sql) > v.maxSQLSize {
		return errors.InvalidArgument(
			fmt.Sprintf("sql exceeds maximum size of %d bytes", v.maxSQLSize), nil)
	}
	if strings.Contains(sql, "\x00") {
		return errors.InvalidArgument("sql cannot contain null bytes", nil)
	}
	if len(args) > v.maxArgs {
		return errors.InvalidArgument(
			fmt.Sprintf("too many arguments: %d > %d", len(args), v.maxArgs), nil)
	}
	for i, arg := range args {
		if err := v.validateValue(arg); err != nil {
			return errors.InvalidArgument(fmt.Sprintf("argument %d: %v", i, err), nil)
		}
	}
	return nil
}

func (v *Validator) validateValue(value any) error {
	switch val := value.(type) {
	case nil, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return nil
	case string:
		if len(val) > v.maxValueSize {
			return fmt.Errorf("value exceeds maximum size of %d bytes", v.maxValueSize)
		}
	case []byte:
		if len(val) > v.maxValueSize {
			return fmt.Errorf("value exceeds maximum size of %d bytes", v.maxValueSize)
		}
	case fmt.Stringer:
		// json.Number and similar scalar wrappers
		return nil
	default:
		return fmt.Errorf("unsupported value type %T", value)
	}
	return nil
}

// ValidateChanges validates a batch of change records received from a peer.
func (v *Validator) ValidateChanges(records []model.ChangeRecord) error {
	if len(records) > v.maxBatchSize {
		return errors.InvalidArgument(
			fmt.Sprintf("change batch too large: %d > %d", len(records), v.maxBatchSize), nil)
	}
	for i, r := range records {
		if err := v.ValidateChange(r); err != nil {
			return errors.InvalidArgument(fmt.Sprintf("change %d: %s", i, err.Error()), err)
		}
	}
	return nil
}

// ValidateChange validates a single change record.
func (v *Validator) ValidateChange(r model.ChangeRecord) error {
	if err := ValidateIdentifier(r.Table); err != nil {
		return fmt.Errorf("table: %w", err)
	}
	if r.ColumnID != model.DeleteColumnID {
		if err := ValidateIdentifier(r.ColumnID); err != nil {
			return fmt.Errorf("column: %w", err)
		}
	}
	if len(r.PrimaryKey) == 0 || len(r.PrimaryKey) > MaxKeySize {
		return fmt.Errorf("primary key must be 1..%d bytes", MaxKeySize)
	}
	if r.OriginSiteID.IsZero() {
		return fmt.Errorf("site id cannot be empty")
	}
	if r.ColumnVersion < 0 || r.DatabaseVersion < 0 || r.CausalLength < 0 || r.Sequence < 0 {
		return fmt.Errorf("versions cannot be negative")
	}
	if err := v.validateValue(r.Value); err != nil {
		return err
	}
	return nil
}

// ValidateIdentifier checks a table or column name.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > MaxTableNameSize {
		return fmt.Errorf("identifier exceeds maximum size of %d bytes", MaxTableNameSize)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("identifier cannot contain control characters")
		}
	}
	return nil
}
