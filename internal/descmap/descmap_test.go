package descmap

import "testing"

func TestPageRound(t *testing.T) {
	tests := []struct {
		n, pageSize, want int
	}{
		{0, 4096, 0},
		{1, 4096, 4096},
		{4096, 4096, 4096},
		{4097, 4096, 8192},
	}
	for _, tt := range tests {
		if got := pageRound(tt.n, tt.pageSize); got != tt.want {
			t.Errorf("pageRound(%d, %d) = %d, want %d", tt.n, tt.pageSize, got, tt.want)
		}
	}
}

func TestOffsetForIsMonotonicAndNonOverlapping(t *testing.T) {
	const pageSize = 4096

	off0 := offsetFor(0, pageSize)
	off1 := offsetFor(1, pageSize)
	if off0 != UBLKSRVCmdBufOffset {
		t.Errorf("offsetFor(0) = %d, want %d", off0, UBLKSRVCmdBufOffset)
	}

	stride := off1 - off0
	minStride := int64(pageRound(maxQueueDepth*descSize(), pageSize))
	if stride != minStride {
		t.Errorf("queue stride = %d, want %d", stride, minStride)
	}

	off2 := offsetFor(2, pageSize)
	if off2-off1 != stride {
		t.Errorf("stride between queues 1 and 2 = %d, want %d", off2-off1, stride)
	}
}

func TestDescSizeMatchesStruct(t *testing.T) {
	if got, want := descSize(), 24; got != want {
		t.Errorf("descSize() = %d, want %d", got, want)
	}
}
