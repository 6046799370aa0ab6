package nfsmount

import (
	"bytes"

	billy "github.com/go-git/go-billy/v5"
)

// propertyFile is the read-only content of one property, rendered when the
// file is opened.
type propertyFile struct {
	*bytes.Reader
	name string
}

func newPropertyFile(name string, data []byte) *propertyFile {
	return &propertyFile{Reader: bytes.NewReader(data), name: name}
}

func (f *propertyFile) Name() string              { return f.name }
func (f *propertyFile) Write([]byte) (int, error) { return 0, errReadOnly }
func (f *propertyFile) Truncate(int64) error      { return errReadOnly }
func (f *propertyFile) Lock() error               { return nil }
func (f *propertyFile) Unlock() error             { return nil }
func (f *propertyFile) Close() error              { return nil }

var _ billy.File = (*propertyFile)(nil)
