// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package math

import (
	"sort"
)

// Percentiles returns the nearest-rank percentiles ps of xs. Each p is clamped to [0, 1].
// xs is sorted in place.
func Percentiles(xs []float64, ps ...float64) []float64 {
	if len(xs) == 0 {
		return nil
	}

	sort.Float64s(xs)
	results := []float64{}

	for _, p := range ps {
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}

		i := int(float64(len(xs)-1) * p)
		results = append(results, xs[i])
	}

	return results
}
