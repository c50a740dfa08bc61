package formula

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/errors"
)

// ParseFile parses one formula definition file. The formula name is the file
// base name without its extension.
func ParseFile(path string) (*Formula, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Parse(name, string(data))
}

// LoadDir parses every .rb file in dir, in lexical order. A formula that
// fails to parse is reported in errs and does not prevent unrelated formulas
// from loading.
func LoadDir(dir string) (formulas []*Formula, errs []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{errors.WithStack(err)}
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rb") {
			continue
		}
		f, err := ParseFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		formulas = append(formulas, f)
	}
	return formulas, errs
}
