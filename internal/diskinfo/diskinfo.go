// Package diskinfo reports capacity of the filesystem holding the media root.
package diskinfo

import (
	"errors"

	"github.com/dustin/go-humanize"
)

var ErrUnsupported = errors.New("disk usage is not available on this platform")

// Usage is a snapshot of a filesystem's capacity in bytes.
type Usage struct {
	Path  string `json:"path"`
	Total uint64 `json:"total"`
	Free  uint64 `json:"free"`
	Used  uint64 `json:"used"`

	TotalFormatted string `json:"totalFormatted"`
	FreeFormatted  string `json:"freeFormatted"`
	UsedFormatted  string `json:"usedFormatted"`
	UsedPercent    string `json:"usedPercent"`
}

func newUsage(path string, total, free uint64) Usage {
	used := total - free
	u := Usage{
		Path:           path,
		Total:          total,
		Free:           free,
		Used:           used,
		TotalFormatted: humanize.IBytes(total),
		FreeFormatted:  humanize.IBytes(free),
		UsedFormatted:  humanize.IBytes(used),
		UsedPercent:    "0%",
	}
	if total > 0 {
		u.UsedPercent = humanize.FtoaWithDigits(float64(used)*100/float64(total), 2) + "%"
	}
	return u
}
