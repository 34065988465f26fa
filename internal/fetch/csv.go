package fetch

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"covidwatch/internal/covid"
)

// ParseCSV reads a series from CSV with a header row. Column order is free;
// the date and case columns are required, the others may be absent.
func ParseCSV(r io.Reader) (covid.Series, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("csv: missing header")
	}
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}
	idx := map[string]int{}
	for i, h := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, col := range []string{covid.ColDate, covid.ColNewCases} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("csv: missing column %q", col)
		}
	}

	get := func(rec []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var series covid.Series
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		series = append(series, covid.Row{
			Date:          get(rec, covid.ColDate),
			NewCases:      get(rec, covid.ColNewCases),
			HospitalCases: get(rec, covid.ColHospitalCases),
			CumDeaths:     get(rec, covid.ColCumDeaths),
		})
	}
	return series, nil
}

// WriteCSV writes series in the same layout ParseCSV reads.
func WriteCSV(w io.Writer, series covid.Series) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{covid.ColDate, covid.ColNewCases, covid.ColHospitalCases, covid.ColCumDeaths}); err != nil {
		return err
	}
	for _, r := range series {
		if err := cw.Write([]string{r.Date, r.NewCases, r.HospitalCases, r.CumDeaths}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
