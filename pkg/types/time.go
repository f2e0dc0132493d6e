package types

// epochSecondsCutoff: any epoch value below this is treated as seconds.
// Magnitude-based inference breaks down near year 2286 and for tiny fixture
// timestamps; every call site goes through NormalizeEpoch so the heuristic
// can be replaced in one place.
const epochSecondsCutoff = 10_000_000_000

// NormalizeEpoch converts an epoch timestamp of unknown unit (seconds or
// milliseconds) to milliseconds.
func NormalizeEpoch(v int64) int64 {
	if v < epochSecondsCutoff {
		return v * 1000
	}
	return v
}
