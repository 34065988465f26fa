package covid

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Summarize reduces a series into its three headline numbers.
//
// The case window starts at the first row with a non-empty case cell whose
// date is not BadDate and spans WindowDays rows; blanks inside the window
// count as zero. Hospital cases and deaths are the first non-empty values
// scanning from the latest row, or 0 when the column is entirely blank.
func Summarize(series Series) (Summary, error) {
	if len(series) == 0 {
		return Summary{}, fmt.Errorf("%w: empty series", ErrMalformedSeries)
	}

	cases, err := sevenDayCases(series)
	if err != nil {
		return Summary{}, err
	}
	hosp, err := latest(series, ColHospitalCases, func(r Row) string { return r.HospitalCases })
	if err != nil {
		return Summary{}, err
	}
	deaths, err := latest(series, ColCumDeaths, func(r Row) string { return r.CumDeaths })
	if err != nil {
		return Summary{}, err
	}
	return Summary{Last7DaysCases: cases, HospitalCases: hosp, TotalDeaths: deaths}, nil
}

func sevenDayCases(series Series) (int, error) {
	start := -1
	for i, r := range series {
		if isBlank(r.NewCases) || strings.TrimSpace(r.Date) == BadDate {
			continue
		}
		start = i
		break
	}
	if start < 0 {
		return 0, fmt.Errorf("%w: no row with case data", ErrMalformedSeries)
	}
	if start+WindowDays > len(series) {
		return 0, fmt.Errorf("%w: window at row %d needs %d rows, have %d", ErrMalformedSeries, start, start+WindowDays, len(series))
	}

	total := 0
	for i := start; i < start+WindowDays; i++ {
		n, err := cell(series[i].NewCases)
		if err != nil {
			return 0, fmt.Errorf("%w: row %d %s: %v", ErrMalformedSeries, i, ColNewCases, err)
		}
		total += n
	}
	return total, nil
}

func latest(series Series, col string, get func(Row) string) (int, error) {
	for i, r := range series {
		v := get(r)
		if isBlank(v) {
			continue
		}
		n, err := cell(v)
		if err != nil {
			return 0, fmt.Errorf("%w: row %d %s: %v", ErrMalformedSeries, i, col, err)
		}
		return n, nil
	}
	return 0, nil
}

func isBlank(v string) bool { return strings.TrimSpace(v) == "" }

// maxCell bounds a single cell so sums fit an int on every platform.
const maxCell = math.MaxInt32 / WindowDays

// cell parses a numeric cell; blanks are zero. Upstream occasionally renders
// integers as "123.0".
func cell(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid number %q", v)
	}
	if math.Abs(f) > maxCell {
		return 0, fmt.Errorf("number %q out of range", v)
	}
	return int(f), nil
}
