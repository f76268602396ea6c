package ble

import "testing"

func TestClassify(t *testing.T) {
	ibeacon := ManufacturerData{CompanyID: 0x004C, Data: []byte{0x02, 0x15, 0xb6, 0x43}}

	tests := []struct {
		name         string
		services     []ServiceData
		manufacturer []ManufacturerData
		want         Kind
	}{
		{"empty", nil, nil, KindUnknown},
		{"plug", []ServiceData{{UUID: 0xC001}}, nil, KindCrownstonePlug},
		{"builtin", []ServiceData{{UUID: 0xC002}}, nil, KindCrownstoneBuiltin},
		{"guidestone", []ServiceData{{UUID: 0xC003}}, nil, KindGuidestone},
		{"ibeacon", nil, []ManufacturerData{ibeacon}, KindIBeacon},
		{"stone wins over ibeacon", []ServiceData{{UUID: 0xC001}}, []ManufacturerData{ibeacon}, KindCrownstonePlug},
		{"other apple frame", nil, []ManufacturerData{{CompanyID: 0x004C, Data: []byte{0x10, 0x05}}}, KindUnknown},
		{"short apple frame", nil, []ManufacturerData{{CompanyID: 0x004C, Data: []byte{0x02}}}, KindUnknown},
		{"unrelated service data", []ServiceData{{UUID: 0xFEAA}}, nil, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.services, tt.manufacturer); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterAllows(t *testing.T) {
	kinds := []Kind{KindUnknown, KindCrownstonePlug, KindCrownstoneBuiltin, KindGuidestone, KindIBeacon}
	want := map[Filter][]bool{
		FilterAll:        {true, true, true, true, true},
		FilterCrownstone: {false, true, true, false, false},
		FilterGuidestone: {false, false, false, true, false},
		FilterIBeacon:    {false, false, false, false, true},
		FilterStone:      {false, true, true, true, false},
	}

	for f, allowed := range want {
		for i, k := range kinds {
			if got := f.Allows(k); got != allowed[i] {
				t.Errorf("%v.Allows(%v) = %v, want %v", f, k, got, allowed[i])
			}
		}
	}
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		input   string
		want    Filter
		wantErr bool
	}{
		{"", FilterAll, false},
		{"all", FilterAll, false},
		{"Crownstone", FilterCrownstone, false},
		{"guidestone", FilterGuidestone, false},
		{"ibeacon", FilterIBeacon, false},
		{" stone ", FilterStone, false},
		{"fridge", FilterAll, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFilter(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFilter(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFilter(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestCapabilityForUUID(t *testing.T) {
	if c, ok := CapabilityForUUID(RelayCharUUID); !ok || c != CapRelay {
		t.Errorf("CapabilityForUUID(relay) = %v, %v", c, ok)
	}
	if _, ok := CapabilityForUUID("0000180f-0000-1000-8000-00805f9b34fb"); ok {
		t.Error("battery service UUID should not map to a capability")
	}
}
