// Package collect gathers per-job result files of completed jobs into the
// campaign results table.
package collect

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kiranshivaraju/simcamp/internal/store"
)

// ResultParser reads one result file into a value per column. Columns the
// file does not mention are nil.
type ResultParser interface {
	Parse(path string, columns []store.Column) (map[string]any, error)
}

// JSONParser reads a flat JSON object keyed by column name.
type JSONParser struct{}

func (JSONParser) Parse(path string, columns []store.Column) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	out := make(map[string]any, len(columns))
	for _, c := range columns {
		raw, ok := obj[c.Name]
		if !ok || raw == nil {
			out[c.Name] = nil
			continue
		}
		v, err := convert(raw, c.Type)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		out[c.Name] = v
	}
	return out, nil
}

func convert(raw any, t store.ColumnType) (any, error) {
	switch t {
	case store.ColumnInteger:
		switch v := raw.(type) {
		case json.Number:
			if i, err := v.Int64(); err == nil {
				return i, nil
			}
			f, err := v.Float64()
			if err != nil || f != float64(int64(f)) {
				return nil, fmt.Errorf("%v is not an integer", raw)
			}
			return int64(f), nil
		case string:
			return strconv.ParseInt(v, 10, 64)
		}
	case store.ColumnReal:
		switch v := raw.(type) {
		case json.Number:
			return v.Float64()
		case string:
			return strconv.ParseFloat(v, 64)
		}
	case store.ColumnBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			return strconv.ParseBool(v)
		case json.Number:
			return v.String() != "0", nil
		}
	case store.ColumnText:
		switch v := raw.(type) {
		case string:
			return v, nil
		case json.Number:
			return v.String(), nil
		case bool:
			return strconv.FormatBool(v), nil
		}
	case store.ColumnTimestamp:
		if v, ok := raw.(string); ok {
			return time.Parse(time.RFC3339Nano, v)
		}
	}
	return nil, fmt.Errorf("cannot store %T as %s", raw, t)
}
