// Package domain models US flight-operations records and NOAA GHCN-Daily
// weather observations, and implements the pure transformations of the
// fusion pipeline: flight normalization, weather pivoting, station-airport
// resolution, and the flight/weather join.
//
// # Data Sources
//
// Flight records come from the BTS On-Time Reporting extracts, one CSV per
// year, packaged in a single ZIP archive. Weather observations come from the
// GHCN-Daily "by year" archive, one gzipped CSV per year at a predictable
// URL (<base>/<year>.csv.gz).
//
// # Flight Data Conventions
//
// Scheduled times (CRSDepTime, CRSArrTime):
//
//	HHMM in 24-hour notation stored as an integer, e.g. 1510 = 15:10.
//	Source files sometimes carry them as "1510.0"; the fractional part is
//	dropped during coercion. 2400 is normalized to 0.
//
// Delay encoding:
//
//	DepDelayMinutes is a continuous value, absent for cancelled or diverted
//	flights. DepDel15 is the binary "delayed >= 15 minutes" indicator and is
//	always derived from DepDelayMinutes: 1 iff the delay is >= 15, 0 if the
//	delay is present and below 15, absent when the delay is absent. The
//	indicator is never fabricated from a missing delay.
//
// # GHCN-Daily Conventions
//
// Observations are long-form rows of (station, date, element, value) with
// dates encoded as YYYYMMDD. The elements retained here are PRCP
// (precipitation, tenths of mm), SNOW (snowfall, mm), SNWD (snow depth, mm),
// TMAX and TMIN (temperature, tenths of degrees C). PRCP, SNOW and SNWD are
// "zero-fill" elements: a missing value means none occurred, so absence maps
// to 0 in the normalized table. TMAX/TMIN absence means unmeasured and stays
// null.
//
// Duplicate (station, date, element) rows occasionally appear in the source
// files; the first occurrence in input order wins and a collision counter is
// incremented so the overlap is visible in stage diagnostics.
//
// # Station-Airport Resolution
//
// Each weather station is associated with the nearest airport by haversine
// distance, provided it lies within the configured maximum association
// distance. When two airports are exactly equidistant the lexicographically
// smallest airport code wins, which keeps resolution reproducible across
// runs and input-order permutations. Stations with no airport in range, and
// stations whose reference coordinates fail to parse, are left unmapped and
// silently excluded from the fusion join.
package domain
