package ftrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseKernelVersion(t *testing.T) {
	tt := []struct {
		release string
		want    KernelVersion
	}{
		{"3.10.0", NewKernelVersion(3, 10, 0)},
		{"4.2", NewKernelVersion(4, 2, 0)},
		{"5.15.0-91-generic", NewKernelVersion(5, 15, 0)},
		{"4.19.128-microsoft-standard", NewKernelVersion(4, 19, 128)},
		{"6.1.0.1.2", NewKernelVersion(6, 1, 0)},
		{"3.2.300", NewKernelVersion(3, 2, 255)},
		{"2.6.32-754.el6.x86_64", NewKernelVersion(2, 6, 32)},
		{"", 0},
		{"abc", 0},
	}
	for _, tc := range tt {
		t.Run(tc.release, func(t *testing.T) {
			got := ParseKernelVersion(tc.release)
			assert.Equal(t, tc.want, got, "got %s", got)
		})
	}
}

func TestKernelVersionOrdering(t *testing.T) {
	assert.Less(t, ParseKernelVersion("3.9.11"), NewKernelVersion(3, 10, 0))
	assert.Less(t, ParseKernelVersion("4.1.52"), NewKernelVersion(4, 2, 0))
	assert.GreaterOrEqual(t, ParseKernelVersion("4.2.0"), NewKernelVersion(4, 2, 0))
	assert.Equal(t, "5.15.0", ParseKernelVersion("5.15.0-91-generic").String())
}
