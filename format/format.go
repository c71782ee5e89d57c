// Package format holds small presentation helpers shared by logging and the
// wire layer.
package format

import (
	"fmt"
	"math"
)

const (
	Byte     = 1
	KiloByte = Byte * 1000
	MegaByte = KiloByte * 1000
	GigaByte = MegaByte * 1000
)

// HumanBytes renders a byte count with a decimal unit suffix.
func HumanBytes(b int64) string {
	switch {
	case b > GigaByte:
		return fmt.Sprintf("%.1f GB", float64(b)/GigaByte)
	case b > MegaByte:
		return fmt.Sprintf("%.1f MB", float64(b)/MegaByte)
	case b > KiloByte:
		return fmt.Sprintf("%.1f KB", float64(b)/KiloByte)
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// HumanNumber renders a count with a K/M/B suffix.
func HumanNumber(b uint64) string {
	const (
		thousand = 1000
		million  = thousand * 1000
		billion  = million * 1000
	)

	switch {
	case b >= billion:
		return fmt.Sprintf("%s B", decimalPlace(float64(b)/billion))
	case b >= million:
		return fmt.Sprintf("%s M", decimalPlace(float64(b)/million))
	case b >= thousand:
		return fmt.Sprintf("%s K", decimalPlace(float64(b)/thousand))
	default:
		return fmt.Sprintf("%d", b)
	}
}

func decimalPlace(number float64) string {
	switch {
	case number >= 100:
		return fmt.Sprintf("%.0f", number)
	case number >= 10:
		return fmt.Sprintf("%.1f", number)
	default:
		return fmt.Sprintf("%.2f", number)
	}
}

// Normalize scales vec to unit euclidean length in place. A zero vector
// stays zero.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}

	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}

	inv := float32(1 / norm)
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
