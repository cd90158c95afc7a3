package filter

import "testing"

func TestAdapt(t *testing.T) {
	t.Parallel()

	gbifCols := []string{"gbifID", "Kingdom", "genus", "taxon rank", "individualCount"}

	tests := []struct {
		name    string
		expr    string
		columns []string
		want    string
		wantOK  bool
	}{
		{
			name:    "case insensitive match quotes real name",
			expr:    "kingdom = 'Plantae'",
			columns: gbifCols,
			want:    `"Kingdom" = 'Plantae'`,
			wantOK:  true,
		},
		{
			name:    "simple lowercase column stays bare",
			expr:    "GENUS = 'Carex'",
			columns: gbifCols,
			want:    "genus = 'Carex'",
			wantOK:  true,
		},
		{
			name:    "keywords survive around matches",
			expr:    "kingdom = 'Plantae' AND genus IS NOT NULL",
			columns: gbifCols,
			want:    `"Kingdom" = 'Plantae' AND genus IS NOT NULL`,
			wantOK:  true,
		},
		{
			name:    "identifiers inside literals untouched",
			expr:    "genus = 'Kingdom and genus'",
			columns: gbifCols,
			want:    "genus = 'Kingdom and genus'",
			wantOK:  true,
		},
		{
			name:    "escaped quote in literal",
			expr:    "genus = 'it''s kingdom'",
			columns: gbifCols,
			want:    "genus = 'it''s kingdom'",
			wantOK:  true,
		},
		{
			name:    "no identifier matches",
			expr:    "phylum = 'Chordata'",
			columns: gbifCols,
			wantOK:  false,
		},
		{
			name:    "unknown function name left verbatim",
			expr:    "upper(kingdom) = 'PLANTAE'",
			columns: gbifCols,
			want:    `upper("Kingdom") = 'PLANTAE'`,
			wantOK:  true,
		},
		{
			name:    "quoted identifier reaches spaced column",
			expr:    `"TAXON RANK" = 'species'`,
			columns: gbifCols,
			want:    `"taxon rank" = 'species'`,
			wantOK:  true,
		},
		{
			name:    "spaced column cannot match bare words",
			expr:    "taxon rank = 'species'",
			columns: gbifCols,
			wantOK:  false,
		},
		{
			name:    "numeric comparison",
			expr:    "individualcount > 5",
			columns: gbifCols,
			want:    `"individualCount" > 5`,
			wantOK:  true,
		},
		{
			name:    "empty expression",
			expr:    "",
			columns: gbifCols,
			wantOK:  false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Adapt(tc.expr, tc.columns)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v (got %q)", ok, tc.wantOK, got)
			}
			if !ok {
				return
			}
			if got != tc.want {
				t.Errorf("got  %q\nwant %q", got, tc.want)
			}
		})
	}
}

func TestSimpleLower(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want bool
	}{
		{"genus", true},
		{"taxon_rank", true},
		{"_hidden", true},
		{"col2", true},
		{"Kingdom", false},
		{"taxon rank", false},
		{"2col", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := simpleLower(tc.in); got != tc.want {
			t.Errorf("simpleLower(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
