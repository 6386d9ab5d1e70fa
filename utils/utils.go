package utils

import "math"

// Seconds from Jan 1, 1900 (NTP epoch) to Jan 1, 1970 (Unix epoch).
const UnixNtpOffset uint32 = 0x83AA7E80

const NtpFractionalUnit uint64 = 1 << 32

type Ntp struct {
	Seconds   uint32
	Fractions uint32
}

func TimeMs2Ntp(ms uint64) Ntp {
	var ntp Ntp

	ntp.Seconds = uint32(ms/1000) + UnixNtpOffset
	ntp.Fractions = uint32((float64(ms%1000) / 1000) * float64(NtpFractionalUnit))

	return ntp
}

func Ntp2TimeMs(ntp Ntp) uint64 {
	return (uint64(ntp.Seconds-UnixNtpOffset) * 1000) +
		uint64(math.Round((float64(ntp.Fractions)*1000)/float64(NtpFractionalUnit)))
}

func Lround(v float64) int64 {
	if v < 0 {
		return int64(v - 0.5)
	}
	return int64(v + 0.5)
}

func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
