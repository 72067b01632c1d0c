package pcsc

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoReaders is returned when no PC/SC reader is connected.
var ErrNoReaders = errors.New("no readers found")

// Reader is a connected PC/SC reader.
type Reader struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	CardPresent bool   `json:"cardPresent"`
}

// ListReaders returns the readers visible to PC/SC, in the order the
// resource manager reports them.
func ListReaders(factory ContextFactory) ([]Reader, error) {
	ctx, err := factory.EstablishContext()
	if err != nil {
		return nil, err
	}
	defer ctx.Release()
	return listReaders(ctx)
}

func listReaders(ctx SmartCardContext) ([]Reader, error) {
	names, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}
	readers := make([]Reader, 0, len(names))
	for i, name := range names {
		present, err := ctx.CardPresent(name)
		if err != nil {
			present = false
		}
		readers = append(readers, Reader{Index: i, Name: name, CardPresent: present})
	}
	return readers, nil
}

// SelectReader picks a reader by name, falling back to index. A name
// matches exactly or as a case-insensitive substring, so "ACR122" selects
// "ACS ACR122U PICC Interface 00 00".
func SelectReader(readers []Reader, name string, index int) (Reader, error) {
	if len(readers) == 0 {
		return Reader{}, ErrNoReaders
	}
	if name != "" {
		for _, r := range readers {
			if r.Name == name {
				return r, nil
			}
		}
		needle := strings.ToLower(name)
		for _, r := range readers {
			if strings.Contains(strings.ToLower(r.Name), needle) {
				return r, nil
			}
		}
		return Reader{}, fmt.Errorf("reader %q not found", name)
	}
	if index < 0 || index >= len(readers) {
		return Reader{}, fmt.Errorf("reader index %d out of range (have %d)", index, len(readers))
	}
	return readers[index], nil
}
