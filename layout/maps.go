package layout

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Mapping is one line of /proc/self/maps.
type Mapping struct {
	Start  uintptr
	End    uintptr
	Perms  string
	Offset uint64
	Path   string
}

// Writable reports whether the mapping is writable.
func (m Mapping) Writable() bool {
	return strings.Contains(m.Perms, "w")
}

// Contains reports whether addr falls inside the mapping.
func (m Mapping) Contains(addr uintptr) bool {
	return m.Start <= addr && addr < m.End
}

// SelfMappings parses /proc/self/maps into the current process's virtual
// memory map, in address order.
func SelfMappings() ([]Mapping, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, errors.Wrap(err, "open process map")
	}
	defer f.Close()

	var mappings []Mapping
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m, err := parseMapsLine(scanner.Text())
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read process map")
	}
	return mappings, nil
}

// parseMapsLine parses one maps entry of the form
//
//	start-end perms offset dev inode [path]
func parseMapsLine(line string) (Mapping, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, errors.Errorf("malformed maps line %q", line)
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return Mapping{}, errors.Errorf("malformed address range %q", fields[0])
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return Mapping{}, errors.Wrapf(err, "parse mapping start %q", addrs[0])
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return Mapping{}, errors.Wrapf(err, "parse mapping end %q", addrs[1])
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Mapping{}, errors.Wrapf(err, "parse mapping offset %q", fields[2])
	}
	m := Mapping{
		Start:  uintptr(start),
		End:    uintptr(end),
		Perms:  fields[1],
		Offset: offset,
	}
	if len(fields) >= 6 {
		m.Path = fields[5]
	}
	return m, nil
}
