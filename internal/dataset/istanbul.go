package dataset

var istanbulDistricts = []struct {
	Location
	asian bool
}{
	{Location{ID: "fatih", Name: "Fatih", Lat: 41.0186, Lng: 28.9397}, false},
	{Location{ID: "besiktas", Name: "Beşiktaş", Lat: 41.0422, Lng: 29.0083}, false},
	{Location{ID: "sisli", Name: "Şişli", Lat: 41.0602, Lng: 28.9877}, false},
	{Location{ID: "bakirkoy", Name: "Bakırköy", Lat: 40.9800, Lng: 28.8720}, false},
	{Location{ID: "sariyer", Name: "Sarıyer", Lat: 41.1670, Lng: 29.0500}, false},
	{Location{ID: "uskudar", Name: "Üsküdar", Lat: 41.0227, Lng: 29.0156}, true},
	{Location{ID: "kadikoy", Name: "Kadıköy", Lat: 40.9903, Lng: 29.0290}, true},
	{Location{ID: "atasehir", Name: "Ataşehir", Lat: 40.9923, Lng: 29.1244}, true},
}

// hourProfile returns (speed factor, risk factor) for an hour of day.
func hourProfile(h int) (float64, float64) {
	switch {
	case h >= 7 && h <= 9, h >= 17 && h <= 19:
		return 0.55, 1.3
	case h <= 5:
		return 1.3, 1.5
	case h >= 22:
		return 1.15, 1.2
	default:
		return 1.0, 1.0
	}
}

// Istanbul returns the built-in demo dataset: eight districts on both sides of the
// Bosphorus. Rush hours slow traffic and raise fuel burn and risk; nights are faster but
// riskier; bridge crossings between the two sides are slower and riskier at every hour.
func Istanbul() *Dataset {
	n := len(istanbulDistricts)
	d := &Dataset{
		Locations: make([]Location, n),
		Risk:      NewMatrix(n),
		Speed:     NewMatrix(n),
		FuelRate:  NewMatrix(n),
	}
	for i, dist := range istanbulDistricts {
		d.Locations[i] = dist.Location
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			baseSpeed := 35 + 10*float64((i*7+j*3)%5)/4
			baseRisk := 0.02 + 0.01*float64((i+j)%4)
			crossing := istanbulDistricts[i].asian != istanbulDistricts[j].asian
			if crossing {
				baseSpeed *= 0.8
				baseRisk += 0.05
			}
			for h := 0; h < HoursPerDay; h++ {
				sf, rf := hourProfile(h)
				d.Speed[i][j][h] = baseSpeed * sf
				// congestion raises consumption; free flow settles near 0.08 L/km
				congestion := 0.0
				if sf < 1 {
					congestion = 1 - sf
				}
				d.FuelRate[i][j][h] = 0.08 + 0.06*congestion
				d.Risk[i][j][h] = baseRisk * rf
			}
		}
	}
	return d
}
