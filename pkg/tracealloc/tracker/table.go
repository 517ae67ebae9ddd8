// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracker

import (
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
)

type Row struct {
	Key   string
	Value float64
	// Count is the number of records grouped under Key.
	Count int
}

type Table struct {
	KeyLabel   string
	ValueLabel string
	Total      float64
	Rows       []Row
}

const totalKey = "<total>"

func buildTable(records []Record, opts DumpOptions) Table {
	index := make(map[string]int)
	ret := Table{
		KeyLabel:   opts.KeyLabel,
		ValueLabel: opts.ValueLabel,
	}
	for _, r := range records {
		key := opts.Key(r)
		value := opts.Value(r)
		ret.Total += value
		i, ok := index[key]
		if !ok {
			i = len(ret.Rows)
			index[key] = i
			ret.Rows = append(ret.Rows, Row{Key: key})
		}
		ret.Rows[i].Value += value
		ret.Rows[i].Count++
	}
	slices.SortFunc(ret.Rows, func(a, b Row) int {
		switch {
		case a.Value > b.Value:
			return -1
		case a.Value < b.Value:
			return 1
		}
		return strings.Compare(a.Key, b.Key)
	})
	return ret
}

// Lookup returns the row grouped under key.
func (t Table) Lookup(key string) (Row, bool) {
	for _, row := range t.Rows {
		if row.Key == key {
			return row, true
		}
	}
	return Row{}, false
}

func (t Table) Len() int {
	return len(t.Rows)
}

// WriteTo renders t as a two-column text table, with the total as the
// first row.
func (t Table) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	table := tablewriter.NewWriter(cw)
	table.SetHeader([]string{t.KeyLabel, t.ValueLabel})
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetRowLine(false)
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT})
	table.Append([]string{totalKey, formatValue(t.Total)})
	for _, row := range t.Rows {
		table.Append([]string{row.Key, formatValue(row.Value)})
	}
	table.Render()
	return cw.n, cw.err
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}
