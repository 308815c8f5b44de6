package enroll

import (
	"testing"
	"time"
)

func TestAgeInMonthsAt(t *testing.T) {
	tests := []struct {
		name  string
		birth time.Time
		at    time.Time
		want  int
	}{
		{name: "same day", birth: date(2024, time.May, 10), at: date(2024, time.May, 10), want: 0},
		{name: "day before anniversary", birth: date(2024, time.May, 10), at: date(2025, time.May, 9), want: 11},
		{name: "exact year", birth: date(2024, time.May, 10), at: date(2025, time.May, 10), want: 12},
		{name: "2y6m at march cutoff", birth: date(2022, time.September, 1), at: date(2025, time.March, 31), want: 30},
		{name: "birth after at", birth: date(2025, time.May, 10), at: date(2025, time.January, 1), want: -4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AgeInMonthsAt(tt.birth, tt.at); got != tt.want {
				t.Errorf("AgeInMonthsAt() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNewClassifier(t *testing.T) {
	tests := []struct {
		name    string
		bands   []AgeBand
		wantErr bool
	}{
		{name: "valid", bands: allBands},
		{name: "empty", wantErr: true},
		{name: "negative min", bands: []AgeBand{{ID: "x", Name: "X", MinMonths: -1, MaxMonths: 11, Ordinal: 1}}, wantErr: true},
		{name: "max below min", bands: []AgeBand{{ID: "x", Name: "X", MinMonths: 12, MaxMonths: 5, Ordinal: 1}}, wantErr: true},
		{
			name: "overlap",
			bands: []AgeBand{
				{ID: "a", Name: "A", MinMonths: 0, MaxMonths: 12, Ordinal: 1},
				{ID: "b", Name: "B", MinMonths: 12, MaxMonths: 23, Ordinal: 2},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewClassifier(tt.bands); (err != nil) != tt.wantErr {
				t.Errorf("NewClassifier() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	classifier, err := NewClassifier(allBands)
	if err != nil {
		t.Fatal(err)
	}
	cutoff := date(2025, time.March, 31)

	tests := []struct {
		name     string
		birth    time.Time
		cutoff   time.Time
		wantBand string
		wantErr  error
	}{
		{name: "newborn", birth: date(2025, time.March, 1), cutoff: cutoff, wantBand: bandInfantI.ID},
		{name: "one year old", birth: date(2024, time.February, 15), cutoff: cutoff, wantBand: bandInfantII.ID},
		{name: "two and a half", birth: date(2022, time.September, 1), cutoff: cutoff, wantBand: bandToddler.ID},
		{name: "band lower bound", birth: date(2023, time.March, 31), cutoff: cutoff, wantBand: bandToddler.ID},
		{name: "band upper bound", birth: date(2022, time.April, 1), cutoff: cutoff, wantBand: bandToddler.ID},
		{name: "aged out", birth: date(2020, time.January, 1), cutoff: cutoff, wantErr: ErrAgedOut},
		{name: "zero birth date", cutoff: cutoff, wantErr: ErrBirthDateInvalid},
		{name: "born after cutoff", birth: date(2025, time.June, 1), cutoff: cutoff, wantErr: ErrBirthDateInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			band, err := classifier.Classify(tt.birth, tt.cutoff)
			if err != tt.wantErr {
				t.Fatalf("Classify() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && band.ID != tt.wantBand {
				t.Errorf("Classify() band = %s, want %s", band.ID, tt.wantBand)
			}
			if tt.wantErr != nil && !IsClassificationError(err) {
				t.Errorf("IsClassificationError() = false for %v", err)
			}
		})
	}

	// same inputs, different call date: result must not change
	t.Run("deterministic", func(t *testing.T) {
		a, _ := classifier.Classify(date(2022, time.September, 1), cutoff)
		b, _ := classifier.Classify(date(2022, time.September, 1), cutoff)
		if a.ID != b.ID {
			t.Errorf("Classify() not deterministic: %s vs %s", a.ID, b.ID)
		}
	})
}

func TestClassifyGap(t *testing.T) {
	gapped := []AgeBand{
		{ID: "a", Name: "A", MinMonths: 0, MaxMonths: 11, Ordinal: 1},
		{ID: "b", Name: "B", MinMonths: 24, MaxMonths: 35, Ordinal: 2},
	}
	classifier, err := NewClassifier(gapped)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = classifier.Classify(date(2024, time.January, 1), date(2025, time.June, 1)); err != ErrNoMatchingBand {
		t.Errorf("Classify() error = %v, want ErrNoMatchingBand", err)
	}
}

func TestNextBand(t *testing.T) {
	classifier, err := NewClassifier(allBands)
	if err != nil {
		t.Fatal(err)
	}

	next, ok := classifier.NextBand(bandToddler)
	if !ok || next.ID != bandPreschool.ID {
		t.Errorf("NextBand(Toddler) = %s, %v; want %s, true", next.ID, ok, bandPreschool.ID)
	}
	if _, ok = classifier.NextBand(bandPreschool2); ok {
		t.Error("NextBand(last band) should report no next band")
	}
}
