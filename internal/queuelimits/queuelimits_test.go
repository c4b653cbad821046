package queuelimits

import "testing"

func TestDefault(t *testing.T) {
	d := Default()
	if d.LogicalBlockSize != 512 {
		t.Errorf("LogicalBlockSize = %d, want 512", d.LogicalBlockSize)
	}
	if d.DMAAlignment != 511 {
		t.Errorf("DMAAlignment = %d, want 511", d.DMAAlignment)
	}
	if !d.WriteCache {
		t.Error("WriteCache default should be true")
	}
	if d.FUA {
		t.Error("FUA default should be false")
	}
}

func TestFromDeviceFallsBackForVirtualDevices(t *testing.T) {
	got := FromDevice(0, 0)
	want := Default()
	if got != want {
		t.Errorf("FromDevice(0, 0) = %+v, want %+v", got, want)
	}
}

func TestShiftOf(t *testing.T) {
	tests := []struct {
		size uint32
		want uint8
	}{
		{0, 0},
		{1, 0},
		{512, 9},
		{4096, 12},
	}
	for _, tt := range tests {
		if got := ShiftOf(tt.size); got != tt.want {
			t.Errorf("ShiftOf(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}
