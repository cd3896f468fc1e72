package wire

import "time"

const (
	// TickDuration is the resolution of encoded timestamps.
	TickDuration = 100 * time.Nanosecond

	ticksPerSecond = int64(time.Second / TickDuration)

	// ticks between 0001-01-01 and the Unix epoch
	unixEpochTicks int64 = 621355968000000000
)

// TimeToTicks converts t to 100ns ticks since 0001-01-01 UTC.
func TimeToTicks(t time.Time) int64 {
	return unixEpochTicks + t.Unix()*ticksPerSecond + int64(t.Nanosecond())/int64(TickDuration)
}

// TicksToTime converts a tick count back to a UTC time.
func TicksToTime(ticks int64) time.Time {
	d := ticks - unixEpochTicks
	return time.Unix(d/ticksPerSecond, (d%ticksPerSecond)*int64(TickDuration)).UTC()
}

// Truncate returns t in UTC at tick precision, which is exactly what survives
// an encode/decode round trip.
func Truncate(t time.Time) time.Time {
	return TicksToTime(TimeToTicks(t))
}
