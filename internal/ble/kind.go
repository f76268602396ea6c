package ble

import (
	"fmt"
	"strings"
)

// Kind classifies a peripheral from its advertisement.
type Kind int

const (
	KindUnknown Kind = iota
	KindCrownstonePlug
	KindCrownstoneBuiltin
	KindGuidestone
	KindIBeacon
)

var kindNames = [...]string{
	KindUnknown:           "unknown",
	KindCrownstonePlug:    "crownstone-plug",
	KindCrownstoneBuiltin: "crownstone-builtin",
	KindGuidestone:        "guidestone",
	KindIBeacon:           "ibeacon",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Advertisement payload markers used by Classify.
const (
	appleCompanyID = 0x004C
	ibeaconType    = 0x02
	ibeaconLength  = 0x15

	crownstonePlugServiceData    = 0xC001
	crownstoneBuiltinServiceData = 0xC002
	guidestoneServiceData        = 0xC003
)

// ServiceData is one 16-bit service data element of an advertisement.
type ServiceData struct {
	UUID uint16
	Data []byte
}

// ManufacturerData is one manufacturer specific element of an advertisement.
type ManufacturerData struct {
	CompanyID uint16
	Data      []byte
}

// Classify derives a Kind from advertisement payload elements. Crownstone
// service data wins over an iBeacon frame since stones broadcast both.
func Classify(services []ServiceData, manufacturer []ManufacturerData) Kind {
	for _, sd := range services {
		switch sd.UUID {
		case crownstonePlugServiceData:
			return KindCrownstonePlug
		case crownstoneBuiltinServiceData:
			return KindCrownstoneBuiltin
		case guidestoneServiceData:
			return KindGuidestone
		}
	}
	for _, md := range manufacturer {
		if md.CompanyID == appleCompanyID && len(md.Data) >= 2 &&
			md.Data[0] == ibeaconType && md.Data[1] == ibeaconLength {
			return KindIBeacon
		}
	}
	return KindUnknown
}

// Filter restricts which kinds the scanner forwards.
type Filter int

const (
	FilterAll Filter = iota
	FilterCrownstone
	FilterGuidestone
	FilterIBeacon
	FilterStone
)

var filterNames = map[Filter]string{
	FilterAll:        "all",
	FilterCrownstone: "crownstone",
	FilterGuidestone: "guidestone",
	FilterIBeacon:    "ibeacon",
	FilterStone:      "stone",
}

func (f Filter) String() string {
	if n, ok := filterNames[f]; ok {
		return n
	}
	return fmt.Sprintf("filter(%d)", int(f))
}

// ParseFilter maps a config value to a Filter. Empty means FilterAll.
func ParseFilter(s string) (Filter, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return FilterAll, nil
	}
	for f, n := range filterNames {
		if n == s {
			return f, nil
		}
	}
	return FilterAll, fmt.Errorf("ble: unknown filter %q", s)
}

// Allows reports whether advertisements of kind k pass the filter.
func (f Filter) Allows(k Kind) bool {
	switch f {
	case FilterAll:
		return true
	case FilterCrownstone:
		return k == KindCrownstonePlug || k == KindCrownstoneBuiltin
	case FilterGuidestone:
		return k == KindGuidestone
	case FilterIBeacon:
		return k == KindIBeacon
	case FilterStone:
		return k == KindCrownstonePlug || k == KindCrownstoneBuiltin || k == KindGuidestone
	default:
		return false
	}
}
