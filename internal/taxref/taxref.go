// Package taxref reads the TAXREF taxonomy reference file: a tab-separated
// flat file with one taxon entry per line.
package taxref

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Taxon is one of the taxonomic levels an entry can be filtered on.
type Taxon int

// Taxonomic levels, outermost first.
const (
	Reign Taxon = iota
	Phylum
	Class
	Order
	Family
	Genus
	Species
)

var taxonNames = map[Taxon]string{
	Reign:   "reign",
	Phylum:  "phylum",
	Class:   "class",
	Order:   "order",
	Family:  "family",
	Genus:   "genus",
	Species: "species",
}

// String returns the lowercase name of the taxon level.
func (t Taxon) String() string {
	return taxonNames[t]
}

// ParseTaxon parses a taxon level name, case-insensitively.
func ParseTaxon(input string) (Taxon, error) {
	needle := strings.ToLower(input)
	for t, name := range taxonNames {
		if name == needle {
			return t, nil
		}
	}
	return 0, fmt.Errorf("no such taxon %q", input)
}

// Entry is one taxon entry of the reference file.
type Entry struct {
	Reign     string
	Phylum    string
	Class     string
	Order     string
	Family    string
	Genus     string
	Rank      string
	Name      string
	FullName  string
	ValidName string
	Habitat   string
	FR        string
}

// Column indexes in the tab-separated reference file.
const (
	colReign     = 0
	colPhylum    = 1
	colClass     = 2
	colOrder     = 3
	colFamily    = 4
	colGenus     = 5
	colRank      = 14
	colName      = 15
	colFullName  = 17
	colValidName = 19
	colHabitat   = 22
	colFR        = 23
	minColumns   = 24
)

// EntryFromLine parses one reference file line.
func EntryFromLine(line string) (Entry, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < minColumns {
		return Entry{}, fmt.Errorf("short taxref line: %d columns", len(fields))
	}
	for i, f := range fields {
		fields[i] = strings.ReplaceAll(f, `"`, "")
	}
	return Entry{
		Reign:     fields[colReign],
		Phylum:    fields[colPhylum],
		Class:     fields[colClass],
		Order:     fields[colOrder],
		Family:    fields[colFamily],
		Genus:     fields[colGenus],
		Rank:      fields[colRank],
		Name:      fields[colName],
		FullName:  fields[colFullName],
		ValidName: fields[colValidName],
		Habitat:   fields[colHabitat],
		FR:        fields[colFR],
	}, nil
}

// IsSpecies reports whether the entry is a species-rank taxon.
func (e Entry) IsSpecies() bool {
	return e.Rank == "ES"
}

// presence codes meaning the taxon occurs in metropolitan France.
var presentCodes = map[string]struct{}{
	"P": {}, "E": {}, "I": {}, "S": {}, "C": {}, "J": {}, "M": {}, "B": {},
}

// IsPresentFrance reports whether the entry occurs in metropolitan France.
func (e Entry) IsPresentFrance() bool {
	_, ok := presentCodes[e.FR]
	return ok
}

// habitat codes with a terrestrial component.
var terrestrialCodes = map[string]struct{}{
	"2": {}, "3": {}, "5": {}, "7": {}, "8": {},
}

// IsTerrestrial reports whether the entry's habitat has a terrestrial
// component.
func (e Entry) IsTerrestrial() bool {
	_, ok := terrestrialCodes[e.Habitat]
	return ok
}

// Keep reports whether the entry should be considered for scraping.
func (e Entry) Keep() bool {
	return e.IsSpecies() && e.IsPresentFrance() && e.IsTerrestrial()
}

// Level returns the entry's name at the given taxonomic level.
func (e Entry) Level(t Taxon) string {
	switch t {
	case Reign:
		return e.Reign
	case Phylum:
		return e.Phylum
	case Class:
		return e.Class
	case Order:
		return e.Order
	case Family:
		return e.Family
	case Genus:
		return e.Genus
	default:
		return e.ValidName
	}
}

// EntriesFrom scans the reference data from r and returns the kept entries
// whose name at level matches query, case-insensitively. Consecutive entries
// sharing a valid name are collapsed to one.
func EntriesFrom(r io.Reader, level Taxon, query string) ([]Entry, error) {
	var entries []Entry
	needle := strings.ToLower(query)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			// Header line.
			first = false
			continue
		}
		if line == "" {
			continue
		}
		entry, err := EntryFromLine(line)
		if err != nil {
			return nil, err
		}
		if !entry.Keep() || strings.ToLower(entry.Level(level)) != needle {
			continue
		}
		if len(entries) > 0 && entries[len(entries)-1].ValidName == entry.ValidName {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan taxref: %w", err)
	}
	return entries, nil
}

// EntriesFromFile is EntriesFrom over the reference file at path.
func EntriesFromFile(path string, level Taxon, query string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open taxref %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return EntriesFrom(f, level, query)
}

// Download fetches the reference file to path unless it is already present.
func Download(url, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create taxref dir: %w", err)
	}
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("download taxref: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download taxref: unexpected status %d", resp.StatusCode)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create taxref file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("write taxref file: %w", err)
	}
	return nil
}

// PrettyName extracts the binomial part of a valid name, dropping the
// authority: "Lucanus cervus (Linnaeus, 1758)" becomes "Lucanus cervus".
// ok is false when the name has fewer than two words.
func PrettyName(validName string) (name string, ok bool) {
	fields := strings.Fields(validName)
	if len(fields) < 2 {
		return "", false
	}
	return fields[0] + " " + fields[1], true
}

// PrettyFinder returns the authority part of a valid name, the remainder
// after the binomial, or "" when absent.
func PrettyFinder(validName string) string {
	fields := strings.Fields(validName)
	if len(fields) <= 2 {
		return ""
	}
	return strings.Join(fields[2:], " ")
}
