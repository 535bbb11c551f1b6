package config

import "github.com/vazmin/combinecache/pkg/combine"

// ToTunables converts the decoded TunablesConfig into the combine
// package's runtime Tunables value.
func (t TunablesConfig) ToTunables() combine.Tunables {
	return combine.Tunables{
		MinWaitTimeMs:                 t.MinWaitTimeMs,
		MaxWaitTimeMs:                 t.MaxWaitTimeMs,
		SkipCombineOnSliceSize:        uint32(t.SkipCombineOnSliceSize),
		SkipCombineOnLastMergedSlices: t.SkipCombineOnLastMergedSlices,
	}
}
