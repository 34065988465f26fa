package covid

import (
	"errors"
	"fmt"
	"testing"
)

func rowsWithCases(cases ...string) Series {
	s := make(Series, 0, len(cases))
	for i, c := range cases {
		s = append(s, Row{Date: fmt.Sprintf("2021-09-%02d", 30-i), NewCases: c, HospitalCases: "1", CumDeaths: "2"})
	}
	return s
}

func TestSummarizeNoBlanks(t *testing.T) {
	t.Parallel()
	s := Series{
		{Date: "2021-10-10", NewCases: "1", HospitalCases: "70", CumDeaths: "900"},
		{Date: "2021-10-09", NewCases: "2", HospitalCases: "71", CumDeaths: "899"},
		{Date: "2021-10-08", NewCases: "3", HospitalCases: "72", CumDeaths: "898"},
		{Date: "2021-10-07", NewCases: "4", HospitalCases: "73", CumDeaths: "897"},
		{Date: "2021-10-06", NewCases: "5", HospitalCases: "74", CumDeaths: "896"},
		{Date: "2021-10-05", NewCases: "6", HospitalCases: "75", CumDeaths: "895"},
		{Date: "2021-10-04", NewCases: "7", HospitalCases: "76", CumDeaths: "894"},
		{Date: "2021-10-03", NewCases: "100", HospitalCases: "77", CumDeaths: "893"},
	}
	got, err := Summarize(s)
	if err != nil {
		t.Fatalf("Summarize error: %v", err)
	}
	want := Summary{Last7DaysCases: 28, HospitalCases: 70, TotalDeaths: 900}
	if got != want {
		t.Fatalf("Summarize = %+v, want %+v", got, want)
	}
}

func TestSummarizeScenario(t *testing.T) {
	t.Parallel()
	s := Series{
		{Date: "2021-10-28", NewCases: "", HospitalCases: "5", CumDeaths: "100"},
		{Date: BadDate, NewCases: "50", HospitalCases: "", CumDeaths: ""},
		{Date: "2021-10-26", NewCases: "40", HospitalCases: "6", CumDeaths: "101"},
	}
	for i := 0; i < 6; i++ {
		s = append(s, Row{Date: fmt.Sprintf("2021-10-%02d", 25-i), NewCases: "10"})
	}

	got, err := Summarize(s)
	if err != nil {
		t.Fatalf("Summarize error: %v", err)
	}
	want := Summary{Last7DaysCases: 100, HospitalCases: 5, TotalDeaths: 100}
	if got != want {
		t.Fatalf("Summarize = %+v, want %+v", got, want)
	}
}

func TestSummarizeSkipsBadDateEvenWithCases(t *testing.T) {
	t.Parallel()
	s := rowsWithCases("1000", "1", "1", "1", "1", "1", "1", "1")
	s[0].Date = BadDate
	got, err := Summarize(s)
	if err != nil {
		t.Fatalf("Summarize error: %v", err)
	}
	if got.Last7DaysCases != 7 {
		t.Fatalf("Last7DaysCases = %d, want 7", got.Last7DaysCases)
	}
}

func TestSummarizeBlankInsideWindowCountsZero(t *testing.T) {
	t.Parallel()
	s := rowsWithCases("5", "5", "", "5", "5", "5", "5")
	got, err := Summarize(s)
	if err != nil {
		t.Fatalf("Summarize error: %v", err)
	}
	if got.Last7DaysCases != 30 {
		t.Fatalf("Last7DaysCases = %d, want 30", got.Last7DaysCases)
	}
}

func TestSummarizeLatestValueScan(t *testing.T) {
	t.Parallel()
	for _, blanks := range []int{0, 1, 3, 7} {
		blanks := blanks
		t.Run(fmt.Sprintf("blanks=%d", blanks), func(t *testing.T) {
			t.Parallel()
			s := rowsWithCases("1", "1", "1", "1", "1", "1", "1", "1", "1", "1")
			for i := range s {
				s[i].HospitalCases = ""
				s[i].CumDeaths = ""
			}
			s[blanks].HospitalCases = "42"
			s[blanks].CumDeaths = "4242"
			if blanks+1 < len(s) {
				s[blanks+1].HospitalCases = "1"
				s[blanks+1].CumDeaths = "1"
			}
			got, err := Summarize(s)
			if err != nil {
				t.Fatalf("Summarize error: %v", err)
			}
			if got.HospitalCases != 42 || got.TotalDeaths != 4242 {
				t.Fatalf("got hospital=%d deaths=%d, want 42/4242", got.HospitalCases, got.TotalDeaths)
			}
		})
	}
}

func TestSummarizeAllBlankColumnsReportZero(t *testing.T) {
	t.Parallel()
	s := rowsWithCases("1", "1", "1", "1", "1", "1", "1")
	for i := range s {
		s[i].HospitalCases = ""
		s[i].CumDeaths = " "
	}
	got, err := Summarize(s)
	if err != nil {
		t.Fatalf("Summarize error: %v", err)
	}
	if got.HospitalCases != 0 || got.TotalDeaths != 0 {
		t.Fatalf("got %+v, want zero hospital/deaths", got)
	}
}

func TestSummarizeMalformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		series Series
	}{
		{name: "empty", series: nil},
		{name: "short window", series: rowsWithCases("1", "1", "1", "1", "1", "1")},
		{name: "window past end after skip", series: rowsWithCases("", "1", "1", "1", "1", "1", "1")},
		{name: "no case data", series: rowsWithCases("", "", "")},
		{name: "non numeric", series: rowsWithCases("1", "x", "1", "1", "1", "1", "1")},
		{name: "nan", series: rowsWithCases("1", "NaN", "1", "1", "1", "1", "1")},
		{name: "inf", series: rowsWithCases("1", "1", "-Inf", "1", "1", "1", "1")},
		{name: "huge", series: rowsWithCases("1", "1", "1", "1e300", "1", "1", "1")},
		{name: "huge hospital", series: Series{{Date: "2021-09-30", NewCases: "", HospitalCases: "9999999999"}, {Date: "2021-09-29", NewCases: "1"}, {Date: "2021-09-28", NewCases: "1"}, {Date: "2021-09-27", NewCases: "1"}, {Date: "2021-09-26", NewCases: "1"}, {Date: "2021-09-25", NewCases: "1"}, {Date: "2021-09-24", NewCases: "1"}, {Date: "2021-09-23", NewCases: "1"}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Summarize(tt.series)
			if !errors.Is(err, ErrMalformedSeries) {
				t.Fatalf("err = %v, want ErrMalformedSeries", err)
			}
		})
	}
}

func TestCellAcceptsFloatText(t *testing.T) {
	t.Parallel()
	n, err := cell(" 7019.0 ")
	if err != nil || n != 7019 {
		t.Fatalf("cell = %d, %v; want 7019", n, err)
	}
}
