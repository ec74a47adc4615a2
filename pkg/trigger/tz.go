package trigger

import (
	"fmt"
	"sync"
	"time"
)

var locCache sync.Map // name -> *time.Location

// loadLocation resolves an IANA name. The empty name is UTC.
func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	if v, ok := locCache.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalid, name, err)
	}
	locCache.Store(name, loc)
	return loc, nil
}

// locationName returns a name loadLocation can resolve, or "" for zones
// that only exist as a fixed offset. Those keep their offset through the
// RFC 3339 timestamps instead.
func locationName(loc *time.Location) string {
	if loc == nil {
		return ""
	}
	name := loc.String()
	if _, err := loadLocation(name); err != nil {
		return ""
	}
	return name
}
