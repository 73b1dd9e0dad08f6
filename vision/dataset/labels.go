package dataset

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

// ClassIndex is the bijection between class directory names and dense label indices.
// It is built once from the sorted class names and never mutated afterwards.
type ClassIndex struct {
	names []string
	index map[string]int
}

// NewClassIndex builds a class index from the given names, sorted lexically
func NewClassIndex(names []string) *ClassIndex {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	ci := &ClassIndex{
		names: sorted,
		index: make(map[string]int, len(sorted)),
	}
	for i, name := range sorted {
		ci.index[name] = i
	}
	return ci
}

// Len returns the number of classes
func (ci *ClassIndex) Len() int {
	return len(ci.names)
}

// Names returns a copy of the ordered class names
func (ci *ClassIndex) Names() []string {
	return append([]string(nil), ci.names...)
}

// Name returns the class name of a label index
func (ci *ClassIndex) Name(label int) string {
	if label < 0 || label >= len(ci.names) {
		return ""
	}
	return ci.names[label]
}

// Index returns the label index of a class name
func (ci *ClassIndex) Index(name string) (int, bool) {
	idx, ok := ci.index[name]
	return idx, ok
}

// Valid reports whether label indexes a known class
func (ci *ClassIndex) Valid(label int) bool {
	return label >= 0 && label < len(ci.names)
}

// Equal reports whether two indices map the same names to the same labels
func (ci *ClassIndex) Equal(other *ClassIndex) bool {
	if ci == nil || other == nil {
		return ci == other
	}
	return EqualLabels(ci.names, other.names)
}

// EqualLabels compares two ordered label lists
func EqualLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// WriteLabels persists the ordered label list, one class name per line
func (ci *ClassIndex) WriteLabels(path string) error {
	content := strings.Join(ci.names, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write labels file: %w", err)
	}
	return nil
}

// ReadLabels loads a label list written by WriteLabels.
// Line order is preserved; it must already be sorted for the result to round-trip.
func ReadLabels(path string) (*ClassIndex, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open labels file: %w", err)
	}
	defer file.Close()

	var names []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read labels file: %w", err)
	}

	if !sort.StringsAreSorted(names) {
		return nil, fmt.Errorf("labels file %s is not in class index order", path)
	}
	return NewClassIndex(names), nil
}
