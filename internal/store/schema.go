package store

import (
	"fmt"
	"regexp"
	"strings"
)

// ColumnType is a portable column type.
type ColumnType string

const (
	ColumnInteger   ColumnType = "integer"
	ColumnReal      ColumnType = "real"
	ColumnText      ColumnType = "text"
	ColumnBoolean   ColumnType = "boolean"
	ColumnTimestamp ColumnType = "timestamp"
)

// ParseColumnType accepts the type names used in campaign definitions.
func ParseColumnType(s string) (ColumnType, error) {
	switch ct := ColumnType(strings.ToLower(strings.TrimSpace(s))); ct {
	case ColumnInteger, ColumnReal, ColumnText, ColumnBoolean, ColumnTimestamp:
		return ct, nil
	case "int":
		return ColumnInteger, nil
	case "float", "double":
		return ColumnReal, nil
	case "string":
		return ColumnText, nil
	case "bool":
		return ColumnBoolean, nil
	default:
		return "", fmt.Errorf("unknown column type %q", s)
	}
}

// Column is one column of a TableSchema.
type Column struct {
	Name    string
	Type    ColumnType
	NotNull bool
}

// TableSchema describes a table created at runtime.
type TableSchema struct {
	Name       string
	Columns    []Column
	PrimaryKey []string
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ValidIdentifier reports whether s is safe to use as a table or column name.
func ValidIdentifier(s string) bool {
	return identRe.MatchString(s)
}

var columnTypes = map[string]map[ColumnType]string{
	DialectPostgres: {
		ColumnInteger:   "BIGINT",
		ColumnReal:      "DOUBLE PRECISION",
		ColumnText:      "TEXT",
		ColumnBoolean:   "BOOLEAN",
		ColumnTimestamp: "TIMESTAMPTZ",
	},
	DialectSQLite: {
		ColumnInteger:   "INTEGER",
		ColumnReal:      "REAL",
		ColumnText:      "TEXT",
		ColumnBoolean:   "BOOLEAN",
		ColumnTimestamp: "TIMESTAMP",
	},
}

// createTableSQL renders idempotent DDL for schema. Identifiers cannot be
// bound parameters, so every name is validated first.
func createTableSQL(dialect string, schema TableSchema) (string, error) {
	types, ok := columnTypes[dialect]
	if !ok {
		return "", fmt.Errorf("%w: unsupported dialect %q", ErrQuery, dialect)
	}
	if !ValidIdentifier(schema.Name) {
		return "", fmt.Errorf("%w: invalid table name %q", ErrQuery, schema.Name)
	}
	if len(schema.Columns) == 0 {
		return "", fmt.Errorf("%w: table %q has no columns", ErrQuery, schema.Name)
	}

	seen := make(map[string]bool, len(schema.Columns))
	defs := make([]string, 0, len(schema.Columns)+1)
	for _, col := range schema.Columns {
		if !ValidIdentifier(col.Name) {
			return "", fmt.Errorf("%w: invalid column name %q", ErrQuery, col.Name)
		}
		if seen[col.Name] {
			return "", fmt.Errorf("%w: duplicate column %q", ErrQuery, col.Name)
		}
		seen[col.Name] = true

		sqlType, ok := types[col.Type]
		if !ok {
			return "", fmt.Errorf("%w: column %q has unknown type %q", ErrQuery, col.Name, col.Type)
		}
		def := fmt.Sprintf(`"%s" %s`, col.Name, sqlType)
		if col.NotNull {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}

	if len(schema.PrimaryKey) > 0 {
		quoted := make([]string, len(schema.PrimaryKey))
		for i, pk := range schema.PrimaryKey {
			if !seen[pk] {
				return "", fmt.Errorf("%w: primary key column %q not declared", ErrQuery, pk)
			}
			quoted[i] = `"` + pk + `"`
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(quoted, ", ")+")")
	}

	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (%s)`, schema.Name, strings.Join(defs, ", ")), nil
}

func dropTableSQL(name string) (string, error) {
	if !ValidIdentifier(name) {
		return "", fmt.Errorf("%w: invalid table name %q", ErrQuery, name)
	}
	return fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, name), nil
}
