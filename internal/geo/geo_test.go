package geo

import (
	"math"
	"testing"
)

func TestCellOfDeterministic(t *testing.T) {
	a, err := CellOf(51.1605, 71.4704)
	if err != nil {
		t.Fatal(err)
	}
	b, err := CellOf(51.1605, 71.4704)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("same coordinates mapped to %s and %s", a, b)
	}
	if a == "" {
		t.Fatal("empty cell for valid coordinates")
	}

	// a point a few kilometers away lands in a different cell at res 9
	far, err := CellOf(51.20, 71.55)
	if err != nil {
		t.Fatal(err)
	}
	if far == a {
		t.Fatal("distant coordinates mapped to the same cell")
	}
}

func TestCellOfRejectsInvalid(t *testing.T) {
	cases := [][2]float64{
		{91, 0}, {-91, 0}, {0, 181}, {0, -181}, {math.NaN(), 0}, {0, math.NaN()},
	}
	for _, c := range cases {
		if _, err := CellOf(c[0], c[1]); err != ErrInvalidCoordinates {
			t.Errorf("CellOf(%v, %v) err = %v, want ErrInvalidCoordinates", c[0], c[1], err)
		}
	}
}

func TestDistanceMeters(t *testing.T) {
	// one degree of longitude at the equator is about 111.19 km
	d := DistanceMeters(0, 0, 0, 1)
	if math.Abs(d-111195) > 100 {
		t.Errorf("equatorial degree = %vm, want ~111195m", d)
	}

	if d := DistanceMeters(51.16, 71.47, 51.16, 71.47); d != 0 {
		t.Errorf("zero distance = %v, want 0", d)
	}
}

func TestLocatorContains(t *testing.T) {
	cellLoc := CellLocator("891f1d48a93ffff")
	if !cellLoc.Contains(Evidence{Cell: "891f1d48a93ffff"}) {
		t.Error("matching cell rejected")
	}
	if cellLoc.Contains(Evidence{Cell: "8928308280fffff"}) {
		t.Error("foreign cell accepted")
	}
	if cellLoc.Contains(Evidence{}) {
		t.Error("empty evidence accepted")
	}

	legacy := LegacyLocator([]string{"hash-a", "hash-b"})
	if !legacy.Contains(Evidence{LocationHash: "hash-b"}) {
		t.Error("known boundary hash rejected")
	}
	if legacy.Contains(Evidence{LocationHash: "hash-z"}) {
		t.Error("unknown boundary hash accepted")
	}
	if legacy.Contains(Evidence{}) {
		t.Error("empty evidence accepted by legacy locator")
	}
}
