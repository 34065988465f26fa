package covid

import "errors"

// BadDate is the one upstream date with incomplete case data. Rows carrying it
// are never used as the start of the 7-day window.
const BadDate = "2021-10-27"

// WindowDays is the number of rows summed for the rolling case total.
const WindowDays = 7

// CSV/JSON column names used by the upstream dataset.
const (
	ColDate          = "date"
	ColNewCases      = "newCasesBySpecimenDate"
	ColHospitalCases = "hospitalCases"
	ColCumDeaths     = "cumDailyNsoDeathsByDeathDate"
)

var ErrMalformedSeries = errors.New("malformed series")

// Row is one observation. Cells keep their raw text so that an empty cell is
// distinguishable from zero.
type Row struct {
	Date          string `json:"date"`
	NewCases      string `json:"new_cases"`
	HospitalCases string `json:"hospital_cases"`
	CumDeaths     string `json:"cum_deaths"`
}

// Series is ordered most recent first (index 0 is the latest row).
type Series []Row

// Summary holds the derived statistics shown to the user.
type Summary struct {
	Last7DaysCases int `json:"last7days_cases"`
	HospitalCases  int `json:"hospital_cases"`
	TotalDeaths    int `json:"total_deaths"`
}
