package rembServer

const (
	BW_NORMAL = iota
	BW_UNDERUSING
	BW_OVERUSING
)

type RateControlInput struct {
	BwState         int
	IncomingBitrate uint32
	NoiseVar        float64
}

func NewRateControlInput(bwState int, incomingBitrate uint32, noiseVar float64) RateControlInput {
	return RateControlInput{BwState: bwState, IncomingBitrate: incomingBitrate, NoiseVar: noiseVar}
}
