package news

import (
	"testing"
)

func TestQuery(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		terms    string
		excluded []string
		want     string
	}{
		{name: "default terms", terms: "", want: "Covid OR COVID-19 OR coronavirus"},
		{name: "single", terms: "vaccine", want: "vaccine"},
		{name: "excluded", terms: "a b", excluded: []string{"x", " ", "y"}, want: "a OR b NOT x NOT y"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Query(tt.terms, tt.excluded); got != tt.want {
				t.Fatalf("Query = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFilterAndExclusions(t *testing.T) {
	t.Parallel()
	excl := NewExclusions("old news")
	if excl.Add("old news") {
		t.Fatal("duplicate title should not be added twice")
	}
	if excl.Add("  ") {
		t.Fatal("blank title should be rejected")
	}
	in := []Article{{Title: "fresh"}, {Title: "old news"}, {Title: "another"}}
	out := Filter(in, excl)
	if len(out) != 2 || out[0].Title != "fresh" || out[1].Title != "another" {
		t.Fatalf("Filter = %+v", out)
	}
	if len(in) != 3 {
		t.Fatal("Filter modified its input")
	}
	if got := excl.List(); len(got) != 1 || got[0] != "old news" {
		t.Fatalf("List = %v", got)
	}
}
