package format

import (
	"fmt"
	"testing"
)

func TestHumanBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1, "1 B"},
		{1023, "1023 B"},

		{1024, "1 KB"},
		{1280, "1.2 KB"},
		{1536, "1.5 KB"},
		{3072, "3 KB"},
		{4096, "4 KB"},
		{317440, "310 KB"},
		{1048575, "1023 KB"},

		{1048576, "1 MB"},
		{1310720, "1.2 MB"},
		{1572864, "1.5 MB"},
		{1073741823, "1023 MB"},

		{1073741824, "1 GB"},
		{1288490189, "1.2 GB"},
		{1610612736, "1.5 GB"},
		{1099511627775, "1023 GB"},

		{1099511627776, "1 TB"},
		{1649267441664, "1.5 TB"},
		{2199023255551, "2.0 TB"},
	}

	for _, tt := range cases {
		t.Run(fmt.Sprintf("%d", tt.in), func(t *testing.T) {
			if got := HumanBytes(tt.in); got != tt.want {
				t.Errorf("HumanBytes(%d) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestHumanBytes2(t *testing.T) {
	cases := []struct {
		in   uint64
		want string
	}{
		{0, "0 B"},
		{1, "1 B"},
		{1023, "1023 B"},

		// binary units always carry one decimal
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{2048, "2.0 KiB"},
		{1048575, "1024.0 KiB"},

		{1048576, "1.0 MiB"},
		{1572864, "1.5 MiB"},
		{1073741823, "1024.0 MiB"},

		{1073741824, "1.0 GiB"},
		{1610612736, "1.5 GiB"},
		{2147483648, "2.0 GiB"},
	}

	for _, tt := range cases {
		t.Run(fmt.Sprintf("%d", tt.in), func(t *testing.T) {
			if got := HumanBytes2(tt.in); got != tt.want {
				t.Errorf("HumanBytes2(%d) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
