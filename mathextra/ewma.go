package mathextra

func EwmaAdd(ewma float64, weight float64, ob float64) float64 {
	return (1-weight)*ewma + weight*ob
}

// EwmaSeed starts the average at the first observation instead of zero.
func EwmaSeed(ewma float64, weight float64, ob float64, first bool) float64 {
	if first {
		return ob
	}
	return EwmaAdd(ewma, weight, ob)
}
