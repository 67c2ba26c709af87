package stats

import "time"

// TruncateToBucket floors t to the start of its bucket in loc. Weeks
// start on ISO Monday; quarters on January, April, July, October.
func TruncateToBucket(t time.Time, res Resolution, loc *time.Location) time.Time {
	t = t.In(loc)
	switch res {
	case ResolutionHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
	case ResolutionDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	case ResolutionWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case ResolutionMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	case ResolutionQuarter:
		month := time.Month((int(t.Month())-1)/3*3 + 1)
		return time.Date(t.Year(), month, 1, 0, 0, 0, 0, loc)
	case ResolutionYear:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, loc)
	default:
		return t
	}
}

// NextBucket advances a bucket start to the next bucket. AddDate keeps
// the result aligned across DST transitions.
func NextBucket(t time.Time, res Resolution) time.Time {
	switch res {
	case ResolutionHour:
		return t.Add(time.Hour)
	case ResolutionDay:
		return t.AddDate(0, 0, 1)
	case ResolutionWeek:
		return t.AddDate(0, 0, 7)
	case ResolutionMonth:
		return t.AddDate(0, 1, 0)
	case ResolutionQuarter:
		return t.AddDate(0, 3, 0)
	case ResolutionYear:
		return t.AddDate(1, 0, 0)
	default:
		return t.Add(time.Hour)
	}
}

// BucketSeries returns the complete sequence of bucket start times
// covering the inclusive [start, end] range, so charts render every
// bucket even when the database returned no row for it.
func BucketSeries(start, end time.Time, res Resolution, loc *time.Location) []time.Time {
	if end.Before(start) {
		return nil
	}
	var series []time.Time
	for t := TruncateToBucket(start, res, loc); !t.After(end.In(loc)); t = NextBucket(t, res) {
		series = append(series, t)
	}
	return series
}

// isoWeekStart returns the Monday starting the given ISO year-week.
func isoWeekStart(isoYear, week int, loc *time.Location) time.Time {
	// Jan 4 is always inside ISO week 1.
	jan4 := time.Date(isoYear, time.January, 4, 0, 0, 0, 0, loc)
	week1 := TruncateToBucket(jan4, ResolutionWeek, loc)
	return week1.AddDate(0, 0, (week-1)*7)
}

// bucketFromParts recomposes a bucket start from the date parts the
// query builder selects for the resolution.
func bucketFromParts(res Resolution, parts []int, loc *time.Location) time.Time {
	switch res {
	case ResolutionHour:
		return time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], 0, 0, 0, loc)
	case ResolutionDay:
		return time.Date(parts[0], time.Month(parts[1]), parts[2], 0, 0, 0, 0, loc)
	case ResolutionWeek:
		return isoWeekStart(parts[0], parts[1], loc)
	case ResolutionMonth:
		return time.Date(parts[0], time.Month(parts[1]), 1, 0, 0, 0, 0, loc)
	case ResolutionQuarter:
		return time.Date(parts[0], time.Month((parts[1]-1)*3+1), 1, 0, 0, 0, 0, loc)
	case ResolutionYear:
		return time.Date(parts[0], 1, 1, 0, 0, 0, 0, loc)
	default:
		return time.Time{}
	}
}

// partCount is how many date-part columns each resolution selects.
func partCount(res Resolution) int {
	switch res {
	case ResolutionHour:
		return 4
	case ResolutionDay:
		return 3
	case ResolutionWeek, ResolutionMonth, ResolutionQuarter:
		return 2
	case ResolutionYear:
		return 1
	default:
		return 0
	}
}
