package geo

// Locator identifies the ground a zone claims. Two schemes exist: the legacy
// boundary-hash set and the current geocell index. Payloads are resolved into
// a Locator once at the HTTP boundary; downstream code switches on Kind only
// through Contains.
type Locator struct {
	Kind LocatorKind

	// Legacy scheme
	BoundaryHashes []string

	// Geocell scheme
	Cell       Cell
	Resolution int
}

type LocatorKind int

const (
	LocatorLegacy LocatorKind = iota
	LocatorGeoCell
)

// LegacyLocator builds a boundary-hash locator.
func LegacyLocator(hashes []string) Locator {
	return Locator{Kind: LocatorLegacy, BoundaryHashes: hashes}
}

// CellLocator builds a geocell locator at the service resolution.
func CellLocator(cell Cell) Locator {
	return Locator{Kind: LocatorGeoCell, Cell: cell, Resolution: Resolution}
}

// Evidence is a device's claimed position in whichever scheme it speaks.
type Evidence struct {
	LocationHash string // legacy
	Cell         Cell   // geocell
}

// Contains reports whether the evidence falls inside the locator's ground.
func (l Locator) Contains(ev Evidence) bool {
	switch l.Kind {
	case LocatorGeoCell:
		return ev.Cell != "" && ev.Cell == l.Cell
	case LocatorLegacy:
		if ev.LocationHash == "" {
			return false
		}
		for _, h := range l.BoundaryHashes {
			if h == ev.LocationHash {
				return true
			}
		}
	}
	return false
}
